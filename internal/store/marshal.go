package store

import (
	"fmt"

	"github.com/roach88/realmsup/internal/codec"
)

// marshalPayload encodes a payload as deterministic CBOR. Nil stays NULL.
func marshalPayload(p map[string]any) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := codec.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// unmarshalPayload decodes a stored payload. NULL and empty become nil.
func unmarshalPayload(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p map[string]any
	if err := codec.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}
