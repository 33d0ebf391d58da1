package framing

import (
	"bytes"
	"fmt"
	"iter"
)

// ReassemblerStats holds cumulative receive counters.
type ReassemblerStats struct {
	Frames    uint64 // frames decoded and yielded
	Malformed uint64 // frames dropped by the decoder
	Overflows uint64 // frames dropped for exceeding the staging capacity
	Bytes     uint64 // raw bytes consumed, terminators included
}

// Reassembler rebuilds frames from arbitrarily chunked input. It owns a
// fixed-capacity staging buffer holding the encoded bytes of the frame in
// progress; the buffer is never grown.
//
// A Reassembler is not safe for concurrent use.
type Reassembler struct {
	buf  []byte
	used int

	// discarding is set after an overflow; bytes are dropped until the next
	// terminator resynchronises the stream.
	discarding bool

	// backlog holds input that was not scanned because the consumer stopped
	// ranging over a Feed sequence early.
	backlog []byte

	stats ReassemblerStats
}

// NewReassembler returns a Reassembler staging frames in the given storage.
// The capacity is len(staging).
func NewReassembler(staging []byte) *Reassembler {
	return &Reassembler{buf: staging}
}

// Capacity returns the staging buffer size.
func (r *Reassembler) Capacity() int { return len(r.buf) }

// Buffered returns the number of staged bytes of the incomplete frame.
func (r *Reassembler) Buffered() int { return r.used }

// Backlog returns the number of received bytes not yet scanned.
func (r *Reassembler) Backlog() int { return len(r.backlog) }

// Stats returns the cumulative counters.
func (r *Reassembler) Stats() ReassemblerStats { return r.stats }

// Reset drops any staged and backlogged bytes.
func (r *Reassembler) Reset() {
	r.used = 0
	r.discarding = false
	r.backlog = r.backlog[:0]
}

// Feed returns the sequence of frames completed by chunk, in wire order.
// Decoded messages are yielded as (msg, nil); dropped frames as (nil, err)
// with err a *FrameError wrapping ErrMalformedFrame or ErrBufferOverflow.
//
// Bytes are consumed only while the sequence is ranged over, and the
// sequence must be ranged over at most once. A yielded message aliases the
// staging buffer and is valid until iteration resumes. If the caller stops
// early, the rest of chunk is kept and scanned first by the next Feed;
// Feed(nil) scans only that backlog. chunk is not retained.
func (r *Reassembler) Feed(chunk []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if len(r.backlog) > 0 {
			n, ok := r.scan(r.backlog, yield)
			if !ok {
				r.backlog = append(r.backlog[:0], r.backlog[n:]...)
				r.backlog = append(r.backlog, chunk...)
				return
			}
			r.backlog = r.backlog[:0]
		}

		n, ok := r.scan(chunk, yield)
		if !ok {
			r.backlog = append(r.backlog[:0], chunk[n:]...)
		}
	}
}

// scan processes data until it is exhausted or yield asks to stop. It
// returns the offset of the first unscanned byte.
func (r *Reassembler) scan(data []byte, yield func([]byte, error) bool) (int, bool) {
	off := 0
	for off < len(data) {
		window := data[off:]
		pos := bytes.IndexByte(window, Terminator)
		if pos < 0 {
			r.stats.Bytes += uint64(len(window))
			if ferr := r.stage(window); ferr != nil {
				if !yield(nil, ferr) {
					return len(data), false
				}
			}
			return len(data), true
		}

		off += pos + 1
		r.stats.Bytes += uint64(pos + 1)

		ferr := r.stage(window[:pos])
		if r.discarding {
			// The terminator closes the oversized frame; resume cleanly.
			r.discarding = false
			r.used = 0
			if ferr != nil && !yield(nil, ferr) {
				return off, false
			}
			continue
		}

		n := r.used
		r.used = 0
		if n == 0 {
			// Back-to-back terminators carry no frame.
			continue
		}

		m, err := DecodeInPlace(r.buf[:n])
		if err != nil {
			r.stats.Malformed++
			if !yield(nil, err) {
				return off, false
			}
			continue
		}
		r.stats.Frames++
		if !yield(r.buf[:m], nil) {
			return off, false
		}
	}
	return off, true
}

// stage appends p to the frame in progress. It reports the overflow the
// first time the frame outgrows the staging buffer.
func (r *Reassembler) stage(p []byte) *FrameError {
	if r.discarding {
		return nil
	}
	if r.used+len(p) > len(r.buf) {
		size := r.used + len(p)
		r.discarding = true
		r.used = 0
		r.stats.Overflows++
		return &FrameError{
			Err:    ErrBufferOverflow,
			Size:   size,
			Reason: fmt.Sprintf("capacity %d", len(r.buf)),
		}
	}
	r.used += copy(r.buf[r.used:], p)
	return nil
}
