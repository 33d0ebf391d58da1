package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/YuminosukeSato/rttlink/internal/framing"
)

func execute(t *testing.T, stdin []byte, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetIn(bytes.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err = rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func TestEncodeCommand(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		input []byte
		want  string
	}{
		{name: "hex", args: []string{"encode", "--hex=true"}, input: []byte("a\x00b"), want: "0261026200\n"},
		{name: "hex empty", args: []string{"encode", "--hex=true"}, input: nil, want: "0100\n"},
		{name: "raw", args: []string{"encode", "--hex=false"}, input: []byte("a\x00b"), want: "\x02a\x02b\x00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := execute(t, tt.input, tt.args...)
			if err != nil {
				t.Fatalf("encode error = %v", err)
			}
			if got != tt.want {
				t.Errorf("encode output = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeCommand(t *testing.T) {
	wire := bytes.Join([][]byte{
		framing.Encode([]byte("hi")),
		framing.Encode(nil),
		{0x05, 0x01, 0x00},
		framing.Encode([]byte{0x00, 0xFF}),
	}, nil)

	got, stats, err := execute(t, wire, "decode", "--max-size=1024")
	if err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if want := "6869\n\n00ff\n"; got != want {
		t.Errorf("decode output = %q, want %q", got, want)
	}
	if !strings.Contains(stats, "3 frames, 1 malformed") {
		t.Errorf("decode stats = %q", stats)
	}
}

func TestDecodeCommand_Truncated(t *testing.T) {
	wire := append(framing.Encode([]byte("ok")), 0x03, 'c')
	got, _, err := execute(t, wire, "decode", "--max-size=1024")
	if err == nil {
		t.Fatal("decode of a cut-off stream returned nil")
	}
	if got != "6f6b\n" {
		t.Errorf("decode output = %q, want %q", got, "6f6b\n")
	}
}

func TestSimulateCommand(t *testing.T) {
	got, _, err := execute(t, nil, "simulate", "--frames=20", "--ring=16")
	if err != nil {
		t.Fatalf("simulate error = %v", err)
	}
	if !strings.Contains(got, "frames out 20") || !strings.Contains(got, "frames in  20") {
		t.Errorf("simulate output = %q", got)
	}
}

func TestBridgeCommand_RelayListenFails(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	path := filepath.Join(t.TempDir(), "rttlink.yaml")
	cfg := `
transport:
  type: ring
tap:
  enabled: true
  address: inproc://bridge-relay-listen-fails
relay:
  enabled: true
  address: ` + busy.Addr().String() + `
`
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	_, _, err = execute(t, nil, "bridge", "--config", path, "--console=false")
	if err == nil || !strings.Contains(err.Error(), "failed to listen") {
		t.Fatalf("bridge error = %v, want a relay listen failure", err)
	}
}
