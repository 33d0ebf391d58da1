package rttlink

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEnc writes timestamps as RFC 3339 strings with nanoseconds so
// records stay readable in generic CBOR tools.
var cborEnc = mustEncMode(cbor.EncOptions{Time: cbor.TimeRFC3339Nano})

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("rttlink: invalid cbor options: %v", err))
	}
	return em
}

// CBORCodec encodes tap records as CBOR (RFC 8949), which most embedded
// tooling can already parse.
type CBORCodec struct{}

func (c *CBORCodec) Marshal(v any) ([]byte, error) { return cborEnc.Marshal(v) }

func (c *CBORCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }

// Name returns "cbor".
func (c *CBORCodec) Name() string { return "cbor" }
