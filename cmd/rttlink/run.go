package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/YuminosukeSato/rttlink/pkg/rttlink"
)

func runBridge(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	addr, _ := cmd.Flags().GetString("addr")
	console, _ := cmd.Flags().GetBool("console")

	cfg, err := rttlink.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Transport.Address = addr
	}
	logger := rttlink.NewLogger(cfg.Logging).WithChannel(cfg.Transport.Address)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch, err := rttlink.NewChannel(ctx, cfg.Transport, logger)
	if err != nil {
		return err
	}
	defer ch.Close()

	opts := cfg.Link.BridgeOptions()
	opts.Metrics = rttlink.NewLinkMetrics()
	if cfg.Tap.Enabled {
		codec, err := rttlink.NewCodec(cfg.Tap.Codec)
		if err != nil {
			return err
		}
		tap, err := rttlink.NewTap(cfg.Tap.Address, codec, logger)
		if err != nil {
			return err
		}
		defer tap.Close()
		opts.Tap = tap
	}

	// Listen before the bridge starts so a bad relay address fails the
	// command without leaving the bridge running.
	var lis net.Listener
	if cfg.Relay.Enabled {
		if lis, err = net.Listen("tcp", cfg.Relay.Address); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Relay.Address, err)
		}
	}

	b := rttlink.NewBridge(ch, opts, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			opts.Metrics.Collector(cfg.Transport.Address),
		)
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Endpoint, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("metrics listening", "endpoint", cfg.Metrics.Endpoint, "path", cfg.Metrics.Path)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	// The relay and the printer would compete for inbound messages, so only
	// one of them consumes the queue.
	if lis != nil {
		relay := rttlink.NewRelayServer(b, logger)
		g.Go(func() error { return relay.Serve(lis) })
		g.Go(func() error {
			<-gctx.Done()
			relay.Stop()
			return nil
		})
	} else {
		g.Go(func() error { return printInbound(gctx, b.Rx(), cmd.OutOrStdout()) })
	}

	if console {
		// Prompt cannot be interrupted, so the console is not part of the
		// group; it ends the bridge by closing the outbound queue.
		go runConsole(gctx, b.Tx(), logger)
	}

	err = g.Wait()
	if errors.Is(err, rttlink.ErrQueueClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printInbound(ctx context.Context, rx *rttlink.BridgeRx, w io.Writer) error {
	for {
		msg, err := rx.Receive(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "< %s\n", hex.EncodeToString(msg))
	}
}

// runConsole sends each entered line as a message. Lines starting with 0x
// are sent as the bytes they spell in hex.
func runConsole(ctx context.Context, tx *rttlink.BridgeTx, logger *rttlink.Logger) {
	line := liner.NewLiner()
	defer line.Close()
	defer tx.Close()
	line.SetCtrlCAborts(true)

	for ctx.Err() == nil {
		input, err := line.Prompt("> ")
		if err != nil {
			if !errors.Is(err, liner.ErrPromptAborted) && !errors.Is(err, io.EOF) {
				logger.Error("console read failed", "error", err)
			}
			return
		}
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		msg := []byte(input)
		if h, ok := strings.CutPrefix(input, "0x"); ok {
			if msg, err = hex.DecodeString(h); err != nil {
				fmt.Fprintln(os.Stderr, "bad hex:", err)
				continue
			}
		}
		if err := tx.Send(ctx, msg); err != nil {
			logger.Error("send failed", "error", err)
			if errors.Is(err, rttlink.ErrQueueClosed) {
				return
			}
		}
	}
}

// runSimulate drives a bridge against an echo device over an in-memory
// ring pipe and reports the link counters.
func runSimulate(cmd *cobra.Command, args []string) error {
	frames, _ := cmd.Flags().GetInt("frames")
	ringSize, _ := cmd.Flags().GetInt("ring")

	cfg := rttlink.DefaultConfig()
	logger := rttlink.NewLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, target := rttlink.NewRingPipe(ringSize)
	bridgeOpts := cfg.Link.BridgeOptions()
	bridgeOpts.Metrics = rttlink.NewLinkMetrics()
	b := rttlink.NewBridge(host, bridgeOpts, logger.WithChannel("host"))

	bufs, err := rttlink.NewArena(cfg.Link.BufferSizes()).Take()
	if err != nil {
		return err
	}
	d := rttlink.NewDevice(target, bufs, cfg.Link.DeviceOptions(), logger.WithChannel("device"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error {
		buf := make([]byte, d.MaxMessageLen())
		for {
			msg, err := d.Receive(gctx, buf)
			if err != nil {
				return err
			}
			if err := d.Send(gctx, msg); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		defer b.Tx().Close()
		for i := 0; i < frames; i++ {
			msg := []byte(fmt.Sprintf("frame %d \x00 %s", i, bytes.Repeat([]byte{byte(i)}, i%64)))
			if err := b.Tx().Send(gctx, msg); err != nil {
				return err
			}
			got, err := b.Rx().Receive(gctx)
			if err != nil {
				return err
			}
			if !bytes.Equal(got, msg) {
				return fmt.Errorf("frame %d: echo mismatch", i)
			}
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, rttlink.ErrQueueClosed) && !errors.Is(err, context.Canceled) {
		return err
	}

	s := b.Metrics().Snapshot()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "frames out %d (%d bytes, %d partial writes, %d stalls)\n", s.FramesOut, s.BytesOut, s.PartialWrites, s.Stalls)
	fmt.Fprintf(out, "frames in  %d (%d bytes, %d malformed, %d overflows)\n", s.FramesIn, s.BytesIn, s.Malformed, s.Overflows)
	fmt.Fprintf(out, "latency    mean %v p50 %v p95 %v p99 %v\n", s.LatencyMean, s.LatencyP50, s.LatencyP95, s.LatencyP99)
	return nil
}
