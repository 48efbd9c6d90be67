package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JSONCodec frames envelopes as JSON objects. Request arguments and response payloads are already
// JSON (json.RawMessage), so with this codec they are embedded as is rather than re-encoded.
type JSONCodec struct{}

var errEmptyBody = errors.New("empty body")

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec: encode %T: %w", v, err)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("json codec: decode %T: %w", v, errEmptyBody)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec: decode %T: %w", v, err)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
