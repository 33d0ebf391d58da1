package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/rttlink/internal/framing"
	"github.com/YuminosukeSato/rttlink/pkg/rttlink"
)

var rootCmd = &cobra.Command{
	Use:   "rttlink",
	Short: "rttlink - framed messaging over SEGGER RTT channels",
	Long: `rttlink carries discrete messages over an RTT channel using zero-terminated
COBS frames. It bridges a probe's RTT server to local queues, a gRPC relay and a
frame tap, and can encode or decode captured streams.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Bridge an RTT server to the console, relay and tap",
	Long: `Connects to an RTT server (OpenOCD "rtt server", J-Link RTT telnet port, probe-rs),
prints every inbound message as hex and optionally sends console lines as messages.`,
	Args: cobra.NoArgs,
	RunE: runBridge,
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a host bridge against an in-memory echo device",
	Args:  cobra.NoArgs,
	RunE:  runSimulate,
}

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Frame stdin as one message on stdout",
	Args:  cobra.NoArgs,
	RunE:  runEncode,
}

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Print each message of a framed stream on stdin as hex",
	Args:  cobra.NoArgs,
	RunE:  runDecode,
}

var tapCmd = &cobra.Command{
	Use:   "tap",
	Short: "Print frame records published by a running bridge",
	Args:  cobra.NoArgs,
	RunE:  runTap,
}

func init() {
	rootCmd.AddCommand(bridgeCmd, simulateCmd, encodeCmd, decodeCmd, tapCmd)

	bridgeCmd.Flags().String("config", "", "Config file (default: rttlink.yaml in ., ./config, /etc/rttlink)")
	bridgeCmd.Flags().String("addr", "", "RTT server address, overrides transport.address")
	bridgeCmd.Flags().Bool("console", false, "Read lines from an interactive console and send them")

	simulateCmd.Flags().Int("frames", 100, "Number of messages to echo")
	simulateCmd.Flags().Int("ring", 64, "Ring buffer capacity in bytes")

	encodeCmd.Flags().Bool("hex", false, "Write the frame as hex instead of raw bytes")

	decodeCmd.Flags().Int("max-size", framing.DefaultMaxFrameSize, "Largest message to accept")

	tapCmd.Flags().String("addr", "tcp://127.0.0.1:40899", "Tap address")
	tapCmd.Flags().String("codec", string(rttlink.CodecMessagePack), "Tap record codec (json, msgpack, cbor)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// stdio joins stdin and stdout for the blocking framer.
type stdio struct {
	io.Reader
	io.Writer
}

func runEncode(cmd *cobra.Command, args []string) error {
	asHex, _ := cmd.Flags().GetBool("hex")

	msg, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("failed to read stdin: %w", err)
	}

	out := cmd.OutOrStdout()
	if asHex {
		_, err = fmt.Fprintln(out, hex.EncodeToString(framing.Encode(msg)))
		return err
	}
	return framing.NewFramer(stdio{Writer: out}).WriteMessage(msg)
}

func runDecode(cmd *cobra.Command, args []string) error {
	maxSize, _ := cmd.Flags().GetInt("max-size")

	framer := framing.NewFramerWithMaxSize(stdio{Reader: cmd.InOrStdin()}, maxSize)
	out := cmd.OutOrStdout()
	for {
		msg, err := framer.ReadMessage()
		if err != nil {
			s := framer.Stats()
			fmt.Fprintf(cmd.ErrOrStderr(), "%d frames, %d malformed, %d oversized\n", s.Frames, s.Malformed, s.Overflows)
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case errors.Is(err, io.ErrUnexpectedEOF):
				return errors.New("input ends inside a frame")
			default:
				return err
			}
		}
		if _, err := fmt.Fprintln(out, hex.EncodeToString(msg)); err != nil {
			return err
		}
	}
}

func runTap(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	codecName, _ := cmd.Flags().GetString("codec")

	codec, err := rttlink.NewCodec(rttlink.CodecType(codecName))
	if err != nil {
		return err
	}
	sub, err := rttlink.SubscribeTap(addr, codec)
	if err != nil {
		return err
	}
	defer sub.Close()

	out := cmd.OutOrStdout()
	for {
		rec, err := sub.Next()
		if err != nil {
			if errors.Is(err, rttlink.ErrQueueClosed) {
				return nil
			}
			return err
		}
		fmt.Fprintf(out, "%6d %s %-4s %-9s %s\n",
			rec.Seq, rec.Time.Format("15:04:05.000000"), rec.Direction, rec.Reason, hex.EncodeToString(rec.Payload))
	}
}
