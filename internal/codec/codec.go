// Package codec holds the serialization primitives of the durability core:
// the pluggable payload codec, canonical JSON, replay fingerprints and
// content keys for out-of-line payloads.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Codec encodes recorded requests and responses into oplog payload bytes.
type Codec interface {
	// Name identifies the codec in diagnostics and config.
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is the default codec. Numbers decode into their target Go types, so a
// round trip through JSON preserves int64 values exactly.
type JSON struct{}

// Name implements Codec.
func (JSON) Name() string { return "json" }

// Marshal implements Codec.
func (JSON) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal implements Codec. Unknown fields are rejected: a recorded value
// with fields the current code does not know about is version skew.
func (JSON) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("json unmarshal %T: %w", v, err)
	}
	return nil
}

// Default is the codec used when none is configured.
var Default Codec = JSON{}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
