package framing

import "fmt"

// Writer is the transmit side of a transport. Unlike io.Writer, Write may
// accept fewer than len(p) bytes and still return a nil error; a zero count
// means the transport has no room right now.
type Writer interface {
	Write(p []byte) (int, error)
}

// Progress reports the outcome of one Transmitter.Step.
type Progress int

const (
	// Idle means there was nothing to write.
	Idle Progress = iota
	// Stalled means the transport accepted no bytes.
	Stalled
	// Partial means some bytes were written and some remain pending.
	Partial
	// Complete means the pending frame is now fully written.
	Complete
)

func (p Progress) String() string {
	switch p {
	case Idle:
		return "idle"
	case Stalled:
		return "stalled"
	case Partial:
		return "partial"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("Progress(%d)", int(p))
	}
}

// TransmitterStats holds cumulative transmit counters.
type TransmitterStats struct {
	Frames        uint64 // frames fully written
	Bytes         uint64 // wire bytes written, terminators included
	PartialWrites uint64 // steps that wrote part of the remaining bytes
	Stalls        uint64 // steps that wrote nothing
}

// Transmitter drives one encoded frame at a time onto a transport that may
// accept partial writes. While a frame is pending no new message is taken,
// so frames never interleave on the wire.
//
// A Transmitter is not safe for concurrent use.
type Transmitter struct {
	buf      []byte
	pending  []byte
	frameLen int // length of the pending frame when submitted
	maxMsg   int
	stats    TransmitterStats
}

// NewTransmitter returns a Transmitter that encodes into frame. The encoded
// body and its terminator must fit in len(frame) bytes.
func NewTransmitter(frame []byte) *Transmitter {
	return &Transmitter{
		buf:    frame,
		maxMsg: maxMessageFor(len(frame)),
	}
}

// maxMessageFor returns the largest message whose encoded frame, terminator
// included, fits in size bytes, or -1 if none does.
func maxMessageFor(size int) int {
	if size < 2 {
		return -1
	}
	n := (size - 2) * (maxBlock - 1) / maxBlock
	for MaxEncodedLen(n+1)+1 <= size {
		n++
	}
	for n > 0 && MaxEncodedLen(n)+1 > size {
		n--
	}
	return n
}

// MaxMessageLen returns the largest message Submit accepts.
func (t *Transmitter) MaxMessageLen() int { return t.maxMsg }

// Pending reports whether a frame is still being written.
func (t *Transmitter) Pending() bool { return len(t.pending) > 0 }

// PendingLen returns the number of unwritten bytes of the frame in flight.
func (t *Transmitter) PendingLen() int { return len(t.pending) }

// Stats returns the cumulative counters.
func (t *Transmitter) Stats() TransmitterStats { return t.stats }

// Started reports whether part of the pending frame is already on the
// wire. Such a frame must be finished; dropping it would corrupt the
// peer's next frame.
func (t *Transmitter) Started() bool {
	return t.Pending() && len(t.pending) < t.frameLen
}

// Reset drops the pending frame. Use it only when the frame has not
// started or the transport is being abandoned.
func (t *Transmitter) Reset() { t.pending = nil }

// Submit encodes msg and makes it the pending frame. It does not write.
func (t *Transmitter) Submit(msg []byte) error {
	if t.Pending() {
		return ErrPendingOutput
	}
	if len(msg) > t.maxMsg {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrMessageTooLarge, len(msg), t.maxMsg)
	}
	out := AppendEncode(t.buf[:0], msg)
	t.pending = append(out, Terminator)
	t.frameLen = len(t.pending)
	return nil
}

// Step makes exactly one write attempt of the pending bytes. Bytes the
// writer accepted are consumed even if it also returned an error; the rest
// stay pending.
func (t *Transmitter) Step(w Writer) (Progress, error) {
	if !t.Pending() {
		return Idle, nil
	}

	n, err := w.Write(t.pending)
	if n < 0 || n > len(t.pending) {
		return Stalled, fmt.Errorf("framing: writer accepted %d of %d bytes", n, len(t.pending))
	}
	t.pending = t.pending[n:]
	t.stats.Bytes += uint64(n)

	var p Progress
	switch {
	case len(t.pending) == 0:
		t.pending = nil
		t.stats.Frames++
		p = Complete
	case n == 0:
		t.stats.Stalls++
		p = Stalled
	default:
		t.stats.PartialWrites++
		p = Partial
	}
	return p, err
}
