package dispatch

import (
	"encoding/json"
	"fmt"
)

// Codec (de)serializes message envelopes. The tag names the envelope in
// error messages only.
type Codec interface {
	ParseJSON(tag string, data []byte, v any) error
	StringifyJSON(tag string, v any) ([]byte, error)
}

// JSONCodec is the default Codec, backed by encoding/json.
type JSONCodec struct{}

// ParseJSON decodes data into v.
func (JSONCodec) ParseJSON(tag string, data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("dispatch: parse %s: empty input", tag)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("dispatch: parse %s: %w", tag, err)
	}
	return nil
}

// StringifyJSON encodes v.
func (JSONCodec) StringifyJSON(tag string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("dispatch: stringify %s: %w", tag, err)
	}
	return data, nil
}
