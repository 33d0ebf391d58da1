package rttlink

import (
	"errors"

	"github.com/YuminosukeSato/rttlink/internal/framing"
)

var (
	// ErrTransportClosed is returned once a channel has permanently ended.
	ErrTransportClosed = errors.New("rttlink: transport closed")

	// ErrQueueClosed is returned by bridge handles after either queue is
	// closed or the bridge has stopped.
	ErrQueueClosed = errors.New("rttlink: queue closed")

	// ErrArenaTaken is returned by a second Arena.Take.
	ErrArenaTaken = errors.New("rttlink: packet buffers already taken")

	// ErrMessageTooLarge is returned for messages that do not fit the
	// configured frame or receive buffer.
	ErrMessageTooLarge = framing.ErrMessageTooLarge
)
