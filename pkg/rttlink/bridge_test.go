package rttlink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/YuminosukeSato/rttlink/internal/framing"
)

const testTimeout = 5 * time.Second

func testLogger() *Logger {
	return NewLogger(LoggingConfig{Level: "error", Format: "text"})
}

// startBridge runs a bridge over the host end of a ring pipe and returns
// the device end.
func startBridge(t *testing.T, capacity int, opts BridgeOptions) (*Bridge, *RingChannel, context.CancelFunc) {
	t.Helper()
	host, device := NewRingPipe(capacity)
	if opts.IdleSleep == 0 {
		opts.IdleSleep = time.Millisecond
	}
	b := NewBridge(host, opts, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = b.Wait()
	})
	return b, device, cancel
}

// writeAll pushes data into ch in chunks of at most step bytes, retrying
// while the ring is full.
func writeAll(t *testing.T, ch Channel, data []byte, step int) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for len(data) > 0 {
		n, err := ch.Write(data[:min(step, len(data))])
		if err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		data = data[n:]
		if n == 0 {
			if time.Now().After(deadline) {
				t.Fatal("timed out writing to ring")
			}
			time.Sleep(time.Millisecond)
		}
	}
}

// readFrames reassembles want messages from ch.
func readFrames(t *testing.T, ch Channel, want int) [][]byte {
	t.Helper()
	r := framing.NewReassembler(make([]byte, 4096))
	buf := make([]byte, 7)
	deadline := time.Now().Add(testTimeout)
	var got [][]byte
	for len(got) < want {
		n, err := ch.Read(buf)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if n == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("timed out with %d of %d frames", len(got), want)
			}
			time.Sleep(time.Millisecond)
			continue
		}
		for msg, ferr := range r.Feed(buf[:n]) {
			if ferr != nil {
				t.Fatalf("bad frame on wire: %v", ferr)
			}
			got = append(got, bytes.Clone(msg))
		}
	}
	return got
}

func receiveN(t *testing.T, rx *BridgeRx, n int) [][]byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	var got [][]byte
	for i := 0; i < n; i++ {
		msg, err := rx.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() %d error = %v", i, err)
		}
		got = append(got, msg)
	}
	return got
}

func assertSame(t *testing.T, got, want [][]byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBridge_InboundOrdering(t *testing.T) {
	b, device, _ := startBridge(t, 64, BridgeOptions{})

	want := [][]byte{
		[]byte("hello"),
		{},
		{0x00, 0x00},
		bytes.Repeat([]byte{0x5A}, 300),
		[]byte("last\x00"),
	}
	var wire []byte
	for _, m := range want {
		wire = append(wire, framing.Encode(m)...)
	}
	writeAll(t, device, wire, 3)

	assertSame(t, receiveN(t, b.Rx(), len(want)), want)
	if got := b.Metrics().FramesIn.Load(); got != uint64(len(want)) {
		t.Errorf("FramesIn = %d, want %d", got, len(want))
	}
}

func TestBridge_OutboundPartialWrites(t *testing.T) {
	b, device, _ := startBridge(t, 8, BridgeOptions{})

	var want [][]byte
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	for i := 0; i < 10; i++ {
		msg := []byte(fmt.Sprintf("message %02d \x00 with a zero", i))
		want = append(want, msg)
		if err := b.Tx().Send(ctx, msg); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	assertSame(t, readFrames(t, device, len(want)), want)

	waitFor(t, "all frames counted", func() bool { return b.Metrics().FramesOut.Load() == uint64(len(want)) })
	if b.Metrics().PartialWrites.Load() == 0 {
		t.Error("expected partial writes through an 8 byte ring")
	}
}

func TestBridge_Backpressure(t *testing.T) {
	b, device, _ := startBridge(t, 512, BridgeOptions{QueueDepth: 1})

	var want [][]byte
	var wire []byte
	for i := 0; i < 6; i++ {
		m := []byte(fmt.Sprintf("frame-%d", i))
		want = append(want, m)
		wire = append(wire, framing.Encode(m)...)
	}
	writeAll(t, device, wire, len(wire))

	waitFor(t, "bridge to block on the inbound queue", func() bool {
		return b.Metrics().InboundBlocked.Load() > 0
	})

	// Nothing was dropped while the consumer was idle.
	assertSame(t, receiveN(t, b.Rx(), len(want)), want)
}

func TestBridge_DropsBadFrames(t *testing.T) {
	b, device, _ := startBridge(t, 256, BridgeOptions{StagingSize: 16})

	good1, good2 := []byte("good one"), []byte("good two")
	wire := bytes.Join([][]byte{
		framing.Encode(good1),
		{0x05, 0x11, 0x00},
		bytes.Repeat([]byte{0x42}, 40), {0x00},
		framing.Encode(good2),
	}, nil)
	writeAll(t, device, wire, 5)

	assertSame(t, receiveN(t, b.Rx(), 2), [][]byte{good1, good2})
	m := b.Metrics()
	if m.Malformed.Load() != 1 || m.Overflows.Load() != 1 {
		t.Errorf("Malformed = %d, Overflows = %d, want 1 and 1", m.Malformed.Load(), m.Overflows.Load())
	}
}

func TestBridge_DeliveredMessagesAreCopies(t *testing.T) {
	b, device, _ := startBridge(t, 64, BridgeOptions{})

	writeAll(t, device, append(framing.Encode([]byte("first")), framing.Encode([]byte("other"))...), 64)
	got := receiveN(t, b.Rx(), 2)
	if string(got[0]) != "first" {
		t.Errorf("first message changed to %q after a later frame", got[0])
	}
}

func TestBridge_TxCloseDrains(t *testing.T) {
	b, device, _ := startBridge(t, 8, BridgeOptions{})

	ctx := context.Background()
	want := [][]byte{[]byte("one"), []byte("two"), []byte("three, longer than the ring")}
	for _, m := range want {
		if err := b.Tx().Send(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	b.Tx().Close()

	assertSame(t, readFrames(t, device, len(want)), want)
	if err := b.Wait(); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Wait() = %v, want ErrQueueClosed", err)
	}
	if err := b.Tx().Send(ctx, []byte("late")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Send() after close error = %v, want ErrQueueClosed", err)
	}
}

func TestBridge_RxCloseStops(t *testing.T) {
	b, _, _ := startBridge(t, 64, BridgeOptions{})

	b.Rx().Close()
	if err := b.Wait(); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Wait() = %v, want ErrQueueClosed", err)
	}
	if _, err := b.Rx().Receive(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Receive() after close error = %v, want ErrQueueClosed", err)
	}
}

func TestBridge_TransportClosed(t *testing.T) {
	b, device, _ := startBridge(t, 64, BridgeOptions{})

	writeAll(t, device, framing.Encode([]byte("parting words")), 64)
	_ = device.Close()

	if err := b.Wait(); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Wait() = %v, want ErrTransportClosed", err)
	}

	// Messages that arrived before the failure can still be read.
	ctx := context.Background()
	msg, err := b.Rx().Receive(ctx)
	if err != nil || string(msg) != "parting words" {
		t.Fatalf("Receive() = (%q, %v)", msg, err)
	}
	if _, err := b.Rx().Receive(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Receive() after stop error = %v, want ErrQueueClosed", err)
	}
}

func TestBridge_ContextCancel(t *testing.T) {
	b, _, cancel := startBridge(t, 64, BridgeOptions{})
	cancel()
	if err := b.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() = %v, want context.Canceled", err)
	}
}

func TestBridge_SendTooLarge(t *testing.T) {
	b, _, _ := startBridge(t, 64, BridgeOptions{MaxMessageSize: 32})
	err := b.Tx().Send(context.Background(), make([]byte, 33))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("Send() error = %v, want ErrMessageTooLarge", err)
	}
}

func TestBridge_RunTwice(t *testing.T) {
	b, _, _ := startBridge(t, 64, BridgeOptions{})
	waitFor(t, "bridge start", b.started.Load)
	if err := b.Run(context.Background()); err == nil {
		t.Fatal("second Run() returned nil")
	}
}

func TestBridge_StopCompletesStartedFrame(t *testing.T) {
	tests := []struct {
		name    string
		stop    func(b *Bridge, cancel context.CancelFunc)
		wantErr error
	}{
		{name: "rx close", stop: func(b *Bridge, _ context.CancelFunc) { b.Rx().Close() }, wantErr: ErrQueueClosed},
		{name: "context cancel", stop: func(_ *Bridge, cancel context.CancelFunc) { cancel() }, wantErr: context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, device, cancel := startBridge(t, 16, BridgeOptions{})

			msg := bytes.Repeat([]byte("0123456789"), 10)
			if err := b.Tx().Send(context.Background(), msg); err != nil {
				t.Fatal(err)
			}
			waitFor(t, "frame to start on the wire", func() bool { return device.Buffered() > 0 })

			tt.stop(b, cancel)

			assertSame(t, readFrames(t, device, 1), [][]byte{msg})
			if err := b.Wait(); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Wait() = %v, want %v", err, tt.wantErr)
			}
			if device.Buffered() != 0 {
				t.Errorf("%d stray bytes after the frame", device.Buffered())
			}
		})
	}
}

func TestBridge_SendRacingShutdown(t *testing.T) {
	b, device, _ := startBridge(t, 1<<16, BridgeOptions{QueueDepth: 4})

	acked := make(chan []string, 1)
	go func() {
		var ok []string
		for i := 0; ; i++ {
			msg := fmt.Sprintf("msg-%d", i)
			if err := b.Tx().Send(context.Background(), []byte(msg)); err != nil {
				acked <- ok
				return
			}
			ok = append(ok, msg)
		}
	}()

	waitFor(t, "traffic", func() bool { return b.Metrics().FramesOut.Load() >= 50 })
	b.Tx().Close()
	if err := b.Wait(); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Wait() = %v, want ErrQueueClosed", err)
	}

	var want []string
	select {
	case want = <-acked:
	case <-time.After(testTimeout):
		t.Fatal("Send() kept succeeding after the bridge stopped")
	}

	written := make(map[string]bool)
	r := framing.NewReassembler(make([]byte, 64))
	buf := make([]byte, 4096)
	for device.Buffered() > 0 {
		n, err := device.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		for msg, ferr := range r.Feed(buf[:n]) {
			if ferr != nil {
				t.Fatalf("bad frame on wire: %v", ferr)
			}
			written[string(msg)] = true
		}
	}
	for _, m := range want {
		if !written[m] {
			t.Fatalf("Send(%q) returned nil but the message was never written", m)
		}
	}
}
