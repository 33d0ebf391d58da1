package rttlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = time.Millisecond
	defaultWriteTimeout = 5 * time.Millisecond
)

// TCPOptions configures DialTCP.
type TCPOptions struct {
	Network      string // "tcp" (default) or "unix"
	DialTimeout  time.Duration
	ReadTimeout  time.Duration // how long Read waits before reporting no data
	WriteTimeout time.Duration // how long Write waits before reporting a short write
}

// TCPChannel is an RTT channel exported over a socket by a debug server
// (OpenOCD "rtt server", the J-Link RTT telnet port, probe-rs). The socket
// blocks, so each call runs under a short deadline: an expired read
// returns (0, nil) and an expired write returns the partial count.
type TCPChannel struct {
	conn         net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// DialTCP connects to an RTT server at addr.
func DialTCP(ctx context.Context, addr string, opts TCPOptions) (*TCPChannel, error) {
	network := opts.Network
	if network == "" {
		network = "tcp"
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewTCPChannel(conn, opts), nil
}

// NewTCPChannel wraps an established connection.
func NewTCPChannel(conn net.Conn, opts TCPOptions) *TCPChannel {
	c := &TCPChannel{
		conn:         conn,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
	}
	if c.readTimeout <= 0 {
		c.readTimeout = defaultReadTimeout
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = defaultWriteTimeout
	}
	return c
}

// Read implements Channel.
func (c *TCPChannel) Read(p []byte) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return 0, c.closedErr(err)
	}
	n, err := c.conn.Read(p)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, nil
		}
		return n, c.closedErr(err)
	}
	return n, nil
}

// Write implements Channel.
func (c *TCPChannel) Write(p []byte) (int, error) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return 0, c.closedErr(err)
	}
	n, err := c.conn.Write(p)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, nil
		}
		return n, c.closedErr(err)
	}
	return n, nil
}

// Close closes the connection.
func (c *TCPChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// RemoteAddr returns the server address.
func (c *TCPChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// closedErr marks a socket error as terminal. A stream socket cannot
// recover from anything but a deadline.
func (c *TCPChannel) closedErr(err error) error {
	return fmt.Errorf("%w: %w", ErrTransportClosed, err)
}
