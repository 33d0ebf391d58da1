package rttlink

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/YuminosukeSato/rttlink/internal/framing"
)

// rttServer accepts one connection, the way a debug probe's RTT server
// exports a channel.
func rttServer(t *testing.T) (addr string, conns <-chan net.Conn) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = lis.Close() })

	c := make(chan net.Conn, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		c <- conn
	}()
	return lis.Addr().String(), c
}

func dialTestServer(t *testing.T) (*TCPChannel, net.Conn) {
	t.Helper()
	addr, conns := rttServer(t)
	ch, err := DialTCP(context.Background(), addr, TCPOptions{})
	if err != nil {
		t.Fatalf("DialTCP() error = %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })

	select {
	case conn := <-conns:
		t.Cleanup(func() { _ = conn.Close() })
		return ch, conn
	case <-time.After(testTimeout):
		t.Fatal("server did not accept")
		return nil, nil
	}
}

func TestTCPChannel_ReadEmptyReturnsZero(t *testing.T) {
	ch, _ := dialTestServer(t)

	n, err := ch.Read(make([]byte, 16))
	if n != 0 || err != nil {
		t.Fatalf("Read() on idle socket = (%d, %v), want (0, nil)", n, err)
	}
}

func TestTCPChannel_ReadWrite(t *testing.T) {
	ch, conn := dialTestServer(t)

	frame := framing.Encode([]byte("from target"))
	if _, err := conn.Write(frame); err != nil {
		t.Fatal(err)
	}
	got := readFrames(t, ch, 1)
	if string(got[0]) != "from target" {
		t.Errorf("frame = %q", got[0])
	}

	writeAll(t, ch, []byte("to target"), 4)
	buf := make([]byte, 9)
	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "to target" {
		t.Errorf("server read %q, want %q", buf, "to target")
	}
}

func TestTCPChannel_PeerClose(t *testing.T) {
	ch, conn := dialTestServer(t)
	_ = conn.Close()

	deadline := time.Now().Add(testTimeout)
	for {
		_, err := ch.Read(make([]byte, 8))
		if err != nil {
			if !errors.Is(err, ErrTransportClosed) {
				t.Fatalf("Read() error = %v, want ErrTransportClosed", err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Read() never reported the closed peer")
		}
	}
}

func TestTCPChannel_CloseTwice(t *testing.T) {
	ch, _ := dialTestServer(t)
	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := ch.Write([]byte("x")); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Write() after Close error = %v, want ErrTransportClosed", err)
	}
}

func TestNewChannel(t *testing.T) {
	addr, _ := rttServer(t)

	tests := []struct {
		name    string
		config  TransportConfig
		wantErr bool
	}{
		{name: "tcp", config: TransportConfig{Type: "tcp", Address: addr}},
		{name: "default type", config: TransportConfig{Address: addr}},
		{name: "ring", config: TransportConfig{Type: "ring", RingCapacity: 32}},
		{name: "missing address", config: TransportConfig{Type: "tcp"}, wantErr: true},
		{name: "unix socket missing", config: TransportConfig{Type: "unix", Address: "/nonexistent/rttlink.sock"}, wantErr: true},
		{name: "unknown type", config: TransportConfig{Type: "swd", Address: "something"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, err := NewChannel(context.Background(), tt.config, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewChannel() error = %v, wantErr %v", err, tt.wantErr)
			}
			if ch != nil {
				_ = ch.Close()
			}
		})
	}
}

func TestNewChannel_RingLoopsBack(t *testing.T) {
	ch, err := NewChannel(context.Background(), TransportConfig{Type: "ring"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	writeAll(t, ch, framing.Encode([]byte("echo")), 64)
	if got := readFrames(t, ch, 1); string(got[0]) != "echo" {
		t.Errorf("frame = %q, want %q", got[0], "echo")
	}
}
