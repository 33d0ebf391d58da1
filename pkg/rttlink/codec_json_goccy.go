//go:build json_goccy

package rttlink

import "github.com/goccy/go-json"

// JSONCodec encodes tap records as JSON using goccy/go-json.
type JSONCodec struct{}

// Marshal skips HTML escaping; records are never embedded in markup.
func (c *JSONCodec) Marshal(v any) ([]byte, error) { return json.MarshalNoEscape(v) }

func (c *JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name identifies the encoder compiled in.
func (c *JSONCodec) Name() string { return "json-goccy" }
