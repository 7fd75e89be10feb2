// Package codec encodes response payloads written back to clients.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// Codec defines the interface for encoding response payloads
type Codec interface {
	// Encode encodes a value to bytes
	Encode(v interface{}) ([]byte, error)

	// Name returns the codec name
	Name() string
}

const (
	NameJSON     = "json"
	NameProtobuf = "protobuf"
)

// ByName returns a codec by its configured name. An empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", NameJSON:
		return &JSONCodec{}, nil
	case NameProtobuf:
		return &ProtobufCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
	}
}

// JSONCodec implements JSON encoding
type JSONCodec struct{}

func (c *JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Name() string {
	return NameJSON
}

// ProtobufCodec encodes payloads as a google.protobuf.Struct. Values that are
// not proto messages are converted through their JSON object form.
type ProtobufCodec struct{}

func (c *ProtobufCodec) Encode(v interface{}) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		return proto.Marshal(msg)
	}

	fields, ok := v.(map[string]interface{})
	if !ok {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("value must encode to a JSON object, got %T: %w", v, err)
		}
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func (c *ProtobufCodec) Name() string {
	return NameProtobuf
}
