// ABOUTME: CBOR payload codec for ledger rows
// ABOUTME: JSON in, Core Deterministic CBOR on disk, JSON out

package store

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}

	// JSON only has string keys, and encoding/json cannot marshal
	// map[interface{}]interface{}.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

// encodePayload converts a JSON document to CBOR. Empty input stays empty.
func encodePayload(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding payload json: %w", err)
	}
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload cbor: %w", err)
	}
	return data, nil
}

// decodePayload converts stored CBOR back to JSON.
func decodePayload(data []byte) (json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding payload cbor: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload json: %w", err)
	}
	return out, nil
}
