//go:build json_segmentio

package rttlink

import "github.com/segmentio/encoding/json"

// JSONCodec encodes tap records as JSON using segmentio/encoding.
type JSONCodec struct{}

func (c *JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (c *JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name identifies the encoder compiled in.
func (c *JSONCodec) Name() string { return "json-segmentio" }
