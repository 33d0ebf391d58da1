// Package framing implements the zero-terminated COBS framing used on RTT
// channels: a pure codec, an incremental receive reassembler, and a transmit
// driver that tolerates partial writes.
//
// Frame format: [COBS body, no 0x00 bytes] [0x00]
package framing

import (
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultMaxFrameSize is the default maximum message size (64KB)
	DefaultMaxFrameSize = 64 * 1024

	defaultReadSize = 4096
)

// Framer reads and writes whole messages over a blocking stream such as a
// capture file or a pipe.
type Framer struct {
	rw           io.ReadWriter
	maxFrameSize int

	rx    *Reassembler
	chunk []byte
	err   error // sticky read error, returned once the input is drained
}

// NewFramer creates a new framer with default max frame size
func NewFramer(rw io.ReadWriter) *Framer {
	return NewFramerWithMaxSize(rw, DefaultMaxFrameSize)
}

// NewFramerWithMaxSize creates a new framer with specified max frame size
func NewFramerWithMaxSize(rw io.ReadWriter, maxSize int) *Framer {
	return &Framer{
		rw:           rw,
		maxFrameSize: maxSize,
		rx:           NewReassembler(make([]byte, MaxEncodedLen(maxSize))),
		chunk:        make([]byte, defaultReadSize),
	}
}

// Stats returns the receive counters, including dropped frames.
func (f *Framer) Stats() ReassemblerStats { return f.rx.Stats() }

// WriteMessage writes one framed message
func (f *Framer) WriteMessage(data []byte) error {
	if len(data) > f.maxFrameSize {
		return fmt.Errorf("%w: message size %d exceeds max frame size %d", ErrMessageTooLarge, len(data), f.maxFrameSize)
	}

	if _, err := f.rw.Write(Encode(data)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadMessage reads the next well-formed message. Malformed and oversized
// frames are skipped. At the end of the input it returns io.EOF, or
// io.ErrUnexpectedEOF if a frame was cut short.
func (f *Framer) ReadMessage() ([]byte, error) {
	var data []byte
	for {
		for msg, err := range f.rx.Feed(data) {
			if err != nil {
				continue
			}
			out := make([]byte, len(msg))
			copy(out, msg)
			return out, nil
		}
		data = nil

		if f.err != nil {
			if errors.Is(f.err, io.EOF) {
				if f.rx.Buffered() > 0 {
					return nil, io.ErrUnexpectedEOF
				}
				return nil, io.EOF
			}
			return nil, fmt.Errorf("failed to read frame: %w", f.err)
		}

		n, err := f.rw.Read(f.chunk)
		data = f.chunk[:n]
		f.err = err
	}
}
