package logic

import "sync/atomic"

// PulseCounter counts flow-sensor edges. Add is the only call made from the
// edge-event goroutine; Drain is called by the accounting cycle.
type PulseCounter struct {
	n atomic.Uint64
}

// Add records n pulses.
func (c *PulseCounter) Add(n uint64) {
	c.n.Add(n)
}

// Drain returns the pulses counted since the last drain and resets the
// counter in the same atomic step.
func (c *PulseCounter) Drain() uint64 {
	return c.n.Swap(0)
}

// Pending returns the pulses counted since the last drain without resetting.
func (c *PulseCounter) Pending() uint64 {
	return c.n.Load()
}
