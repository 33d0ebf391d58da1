package rttlink

import (
	"context"
	"fmt"
	"time"
)

// Channel is one RTT up/down buffer pair as seen from one end.
//
// Read returns (0, nil) when nothing is available right now and Write may
// accept fewer than len(p) bytes with a nil error when the ring is full.
// Neither blocks for long; callers poll. Once the channel is gone both
// return an error wrapping ErrTransportClosed.
type Channel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// TransportConfig selects and configures a Channel implementation.
type TransportConfig struct {
	Type         string        `mapstructure:"type"`    // "tcp", "unix", "ring"
	Address      string        `mapstructure:"address"` // host:port or socket path
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RingCapacity int           `mapstructure:"ring_capacity"`
}

// NewChannel creates a channel based on configuration. The "ring" type
// returns an in-memory loopback: everything written is read back.
func NewChannel(ctx context.Context, config TransportConfig, logger *Logger) (Channel, error) {
	switch config.Type {
	case "tcp", "":
		return dialStream(ctx, "tcp", config, logger)
	case "unix":
		return dialStream(ctx, "unix", config, logger)
	case "ring":
		capacity := config.RingCapacity
		if capacity <= 0 {
			capacity = defaultRingCapacity
		}
		return NewRingLoopback(capacity), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %s", config.Type)
	}
}

func dialStream(ctx context.Context, network string, config TransportConfig, logger *Logger) (Channel, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required for %s transport", network)
	}
	ch, err := DialTCP(ctx, config.Address, TCPOptions{
		Network:      network,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})
	if err != nil {
		return nil, err
	}
	orDiscard(logger).Debug("RTT channel connected", "network", network, "address", config.Address)
	return ch, nil
}
