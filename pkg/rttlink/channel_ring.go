package rttlink

import (
	"fmt"
	"sync"
)

const defaultRingCapacity = 1024

// ring is a fixed-capacity byte FIFO, the in-memory analogue of one RTT
// buffer. Writes accept only what fits.
type ring struct {
	mu     sync.Mutex
	buf    []byte
	head   int // next byte to read
	n      int // bytes stored
	closed bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]byte, capacity)}
}

func (r *ring) read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n == 0 {
		if r.closed {
			return 0, fmt.Errorf("%w: ring drained", ErrTransportClosed)
		}
		return 0, nil
	}
	total := 0
	for total < len(p) && r.n > 0 {
		end := min(r.head+r.n, len(r.buf))
		c := copy(p[total:], r.buf[r.head:end])
		total += c
		r.n -= c
		r.head = (r.head + c) % len(r.buf)
	}
	if r.n == 0 {
		r.head = 0
	}
	return total, nil
}

func (r *ring) write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, fmt.Errorf("%w: ring closed", ErrTransportClosed)
	}
	total := 0
	for total < len(p) && r.n < len(r.buf) {
		tail := (r.head + r.n) % len(r.buf)
		end := len(r.buf)
		if tail < r.head {
			end = r.head
		}
		c := copy(r.buf[tail:end], p[total:])
		total += c
		r.n += c
	}
	return total, nil
}

func (r *ring) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *ring) buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// RingChannel is one end of an in-memory RTT link. It reads from one ring
// and writes to another, with the same non-blocking semantics as a probe
// backed channel: empty reads return (0, nil) and a full ring accepts a
// short write.
type RingChannel struct {
	rx        *ring
	tx        *ring
	closeOnce sync.Once
}

// NewRingPipe returns two connected channel ends, host and device, each
// direction buffered by a ring of the given capacity.
func NewRingPipe(capacity int) (host, device *RingChannel) {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	up := newRing(capacity)   // device -> host
	down := newRing(capacity) // host -> device
	return &RingChannel{rx: up, tx: down}, &RingChannel{rx: down, tx: up}
}

// NewRingLoopback returns a channel whose writes are read back by itself.
func NewRingLoopback(capacity int) *RingChannel {
	r := newRing(capacity)
	return &RingChannel{rx: r, tx: r}
}

// Read implements Channel.
func (c *RingChannel) Read(p []byte) (int, error) { return c.rx.read(p) }

// Write implements Channel.
func (c *RingChannel) Write(p []byte) (int, error) { return c.tx.write(p) }

// Buffered returns the number of bytes waiting to be read on this end.
func (c *RingChannel) Buffered() int { return c.rx.buffered() }

// Close ends both directions. Bytes already written stay readable by the
// peer until drained.
func (c *RingChannel) Close() error {
	c.closeOnce.Do(func() {
		c.rx.close()
		c.tx.close()
	})
	return nil
}
