package mqtt

import (
	"log"
	"sync"
)

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer is a fixed-capacity FIFO that stores messages while disconnected.
// Not safe for concurrent use; outbox synchronizes it.
type ringBuffer struct {
	buf      []bufferedMsg
	capacity int
	head     int // next write position
	count    int
	overflow bool // set once a message is dropped, until the next drain
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		buf:      make([]bufferedMsg, capacity),
		capacity: capacity,
	}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	if r.count == r.capacity {
		if !r.overflow {
			log.Printf("mqtt: buffer full (%d messages), dropping oldest", r.capacity)
			r.overflow = true
		}
		// head already points at the oldest
		r.buf[r.head] = msg
		r.head = (r.head + 1) % r.capacity
		return
	}
	r.buf[r.head] = msg
	r.head = (r.head + 1) % r.capacity
	r.count++
}

func (r *ringBuffer) drainAll() []bufferedMsg {
	if r.count == 0 {
		return nil
	}

	result := make([]bufferedMsg, r.count)
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		result[i] = r.buf[(start+i)%r.capacity]
	}

	r.count = 0
	r.head = 0
	r.overflow = false
	return result
}

func (r *ringBuffer) len() int {
	return r.count
}

// outbox holds messages published while the broker is unreachable.
type outbox struct {
	mu  sync.Mutex
	buf *ringBuffer
}

func newOutbox(capacity int) *outbox {
	return &outbox{buf: newRingBuffer(capacity)}
}

func (o *outbox) hold(msg bufferedMsg) {
	o.mu.Lock()
	o.buf.push(msg)
	o.mu.Unlock()
}

func (o *outbox) held() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.len()
}

// flush sends held messages oldest first. On the first failure the failed
// message and everything after it stay held. Returns the number sent.
func (o *outbox) flush(send func(bufferedMsg) error) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	msgs := o.buf.drainAll()
	for i, msg := range msgs {
		if err := send(msg); err != nil {
			for _, rest := range msgs[i:] {
				o.buf.push(rest)
			}
			return i, err
		}
	}
	return len(msgs), nil
}
