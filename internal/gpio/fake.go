package gpio

import (
	"errors"
	"sync"
)

// FakeSensors is a test double that returns scripted samples.
type FakeSensors struct {
	// Samples contains scripted readings. Each call to Read() consumes the
	// next sample; the last one repeats once they are exhausted.
	Samples []Sample

	index int

	// Closed tracks if Close was called
	Closed bool

	// ReadError, if set, will be returned by Read()
	ReadError error
}

// NewFakeSensors creates a FakeSensors with the given samples.
func NewFakeSensors(samples []Sample) *FakeSensors {
	return &FakeSensors{Samples: samples}
}

// Read returns the next scripted sample.
func (f *FakeSensors) Read() (Sample, error) {
	if f.ReadError != nil {
		return Sample{}, f.ReadError
	}
	if len(f.Samples) == 0 {
		return Sample{}, errors.New("no samples configured")
	}

	sample := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return sample, nil
}

// Close marks the sensors as closed.
func (f *FakeSensors) Close() error {
	f.Closed = true
	return nil
}

// Reset rewinds to the first sample.
func (f *FakeSensors) Reset() {
	f.index = 0
	f.Closed = false
}

// FakeOutputs records line levels.
type FakeOutputs struct {
	mu sync.Mutex

	Open   bool
	Shut   bool
	Buzzer bool

	// ValveWrites counts SetValve calls.
	ValveWrites int
	// BuzzerToggles counts changes of the buzzer level.
	BuzzerToggles int

	// Err, if set, is returned by every setter.
	Err    error
	Closed bool
}

// NewFakeOutputs creates outputs with every line low.
func NewFakeOutputs() *FakeOutputs {
	return &FakeOutputs{}
}

func (f *FakeOutputs) SetValve(open, closed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if open && closed {
		return errors.New("valve: open and close requested together")
	}
	f.Open, f.Shut = open, closed
	f.ValveWrites++
	return nil
}

func (f *FakeOutputs) SetBuzzer(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if on != f.Buzzer {
		f.BuzzerToggles++
	}
	f.Buzzer = on
	return nil
}

func (f *FakeOutputs) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Open, f.Shut, f.Buzzer = false, false, false
	f.Closed = true
	return nil
}

// Levels returns the current (open, close, buzzer) line levels.
func (f *FakeOutputs) Levels() (bool, bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Open, f.Shut, f.Buzzer
}

// FakePulses injects synthetic flow pulses into a Counter.
type FakePulses struct {
	Counter Counter
}

// Inject delivers n pulses as if they came from the flow sensor.
func (f *FakePulses) Inject(n uint64) {
	f.Counter.Add(n)
}

func (f *FakePulses) Close() error { return nil }
