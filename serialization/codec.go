package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/mmate-rpc/contracts"
)

// Codec encodes and decodes message payloads
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
}

// JSONCodec is the default codec used on both sides of a call
type JSONCodec struct{}

// Marshal implements Codec
func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements Codec
func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// ContentType implements Codec
func (JSONCodec) ContentType() string {
	return "application/json"
}

// Encode marshals v, reporting failures as a ProtocolError
func Encode(codec Codec, v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, &contracts.ProtocolError{Op: "encode", Err: fmt.Errorf("%T: %w", v, err)}
	}
	return data, nil
}

// Decode unmarshals data into a new T, reporting failures as a ProtocolError
func Decode[T any](codec Codec, data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, &contracts.ProtocolError{Op: "decode", Err: fmt.Errorf("empty body for %T", v)}
	}
	if err := codec.Unmarshal(data, &v); err != nil {
		return v, &contracts.ProtocolError{Op: "decode", Err: fmt.Errorf("%T: %w", v, err)}
	}
	return v, nil
}
