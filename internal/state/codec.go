package state

import "encoding/json"

// JSONCodec supplies the serialization half of Codec using encoding/json,
// which keeps exports human-readable and log-format independent. Concrete
// codecs embed it and implement Empty, Validate and Apply.
type JSONCodec[S, E any] struct{}

// EncodeEvent implements Codec.
func (JSONCodec[S, E]) EncodeEvent(ev E) ([]byte, error) { return json.Marshal(ev) }

// DecodeEvent implements Codec.
func (JSONCodec[S, E]) DecodeEvent(data []byte) (E, error) {
	var ev E
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// EncodeState implements Codec.
func (JSONCodec[S, E]) EncodeState(s S) ([]byte, error) { return json.Marshal(s) }

// DecodeState implements Codec.
func (JSONCodec[S, E]) DecodeState(data []byte) (S, error) {
	var s S
	err := json.Unmarshal(data, &s)
	return s, err
}
