package rttlink

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// MessagePackCodec encodes tap records as MessagePack. Integers use their
// smallest encoding, which keeps per-frame records short.
type MessagePackCodec struct{}

func (c *MessagePackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)

	enc.Reset(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *MessagePackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// Name returns "msgpack".
func (c *MessagePackCodec) Name() string { return "msgpack" }
