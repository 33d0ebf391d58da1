package bench

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/YuminosukeSato/rttlink/internal/framing"
	"github.com/YuminosukeSato/rttlink/pkg/rttlink"
)

var payloadSizes = []struct {
	name string
	size int
}{
	{"16B", 16},
	{"256B", 256},
	{"1KB", 1024},
	{"64KB", 64 * 1024},
}

func payload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

// BenchmarkEncode measures framing of messages of various sizes
func BenchmarkEncode(b *testing.B) {
	for _, size := range payloadSizes {
		b.Run(size.name, func(b *testing.B) {
			msg := payload(size.size)
			dst := make([]byte, 0, framing.MaxEncodedLen(len(msg))+1)
			b.SetBytes(int64(len(msg)))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				dst = framing.AppendEncode(dst[:0], msg)
			}
		})
	}
}

// BenchmarkDecodeInPlace measures unstuffing a frame body in its own buffer
func BenchmarkDecodeInPlace(b *testing.B) {
	for _, size := range payloadSizes {
		b.Run(size.name, func(b *testing.B) {
			frame := framing.Encode(payload(size.size))
			body := frame[:len(frame)-1]
			work := make([]byte, len(body))
			b.SetBytes(int64(size.size))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				copy(work, body)
				if _, err := framing.DecodeInPlace(work); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkReassembler measures decoding a stream delivered in small chunks
func BenchmarkReassembler(b *testing.B) {
	for _, chunk := range []int{1, 16, 512} {
		b.Run(fmt.Sprintf("Chunk-%d", chunk), func(b *testing.B) {
			var wire []byte
			for i := 0; i < 32; i++ {
				wire = append(wire, framing.Encode(payload(100+i))...)
			}
			r := framing.NewReassembler(make([]byte, 1024))
			b.SetBytes(int64(len(wire)))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				for off := 0; off < len(wire); off += chunk {
					for _, err := range r.Feed(wire[off:min(off+chunk, len(wire))]) {
						if err != nil {
							b.Fatal(err)
						}
					}
				}
			}
		})
	}
}

// BenchmarkBridgeEcho measures a host bridge round trip through an
// in-memory device
func BenchmarkBridgeEcho(b *testing.B) {
	for _, ring := range []int{64, 1024} {
		b.Run(fmt.Sprintf("Ring-%d", ring), func(b *testing.B) {
			logger := rttlink.NewLogger(rttlink.LoggingConfig{Level: "error", Format: "text"})
			host, target := rttlink.NewRingPipe(ring)
			br := rttlink.NewBridge(host, rttlink.BridgeOptions{IdleSleep: 50 * time.Microsecond}, logger)
			d := rttlink.NewDevice(target, nil, rttlink.DeviceOptions{PollInterval: 50 * time.Microsecond}, logger)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			br.Start(ctx)
			go func() {
				buf := make([]byte, 1024)
				for {
					msg, err := d.Receive(ctx, buf)
					if err != nil {
						return
					}
					if err := d.Send(ctx, msg); err != nil {
						return
					}
				}
			}()

			msg := payload(200)
			b.SetBytes(int64(len(msg)))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := br.Tx().Send(ctx, msg); err != nil {
					b.Fatal(err)
				}
				got, err := br.Rx().Receive(ctx)
				if err != nil {
					b.Fatal(err)
				}
				if !bytes.Equal(got, msg) {
					b.Fatal("echo mismatch")
				}
			}
		})
	}
}
