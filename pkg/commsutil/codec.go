package commsutil

import (
	"encoding/json"
	"fmt"
)

// MaxPayloadBytes bounds inbound message bodies. Routes with thousands of
// waypoints stay well below it.
const MaxPayloadBytes = 4 << 20

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target. Oversized and
// empty bodies are rejected before decoding.
func DecodePayload(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	if len(data) > MaxPayloadBytes {
		return fmt.Errorf("payload of %d bytes exceeds %d", len(data), MaxPayloadBytes)
	}
	return json.Unmarshal(data, v)
}
