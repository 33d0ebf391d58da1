//go:build !json_goccy && !json_segmentio

package rttlink

import "encoding/json"

// JSONCodec encodes tap records as JSON. This build uses encoding/json;
// the json_goccy and json_segmentio tags select faster encoders with the
// same output.
type JSONCodec struct{}

func (c *JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (c *JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name identifies the encoder compiled in.
func (c *JSONCodec) Name() string { return "json-stdlib" }
