package framing

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame reports a terminator-delimited span that is not a
	// valid encoding. The frame is dropped; later frames are unaffected.
	ErrMalformedFrame = errors.New("framing: malformed frame")

	// ErrBufferOverflow reports a frame that grew past the staging capacity
	// before its terminator arrived. The partial frame is dropped.
	ErrBufferOverflow = errors.New("framing: staging buffer overflow")

	// ErrPendingOutput is returned by Submit while a previous frame is still
	// being written.
	ErrPendingOutput = errors.New("framing: frame already in flight")

	// ErrMessageTooLarge is returned when a message cannot fit the encode buffer.
	ErrMessageTooLarge = errors.New("framing: message too large")
)

// FrameError describes one discarded frame.
type FrameError struct {
	Err    error  // ErrMalformedFrame or ErrBufferOverflow
	Size   int    // encoded bytes seen for the frame so far
	Reason string // short detail, may be empty
}

func (e *FrameError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%v (%d bytes)", e.Err, e.Size)
	}
	return fmt.Sprintf("%v: %s (%d bytes)", e.Err, e.Reason, e.Size)
}

func (e *FrameError) Unwrap() error { return e.Err }
