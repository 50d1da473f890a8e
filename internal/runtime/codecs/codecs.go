// Package codecs resolves payload decoders and encoders by name.
package codecs

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	"github.com/drblury/teeflow/internal/runtime/handlers"
	"github.com/drblury/teeflow/internal/runtime/jsoncodec"
)

// Codec names.
const (
	JSON      = "json"
	ProtoJSON = "protojson"
)

// Codec pairs a decoder with its encoder.
type Codec struct {
	Name   string
	Decode handlers.Decoder
	Encode handlers.Encoder
}

var codecs = map[string]Codec{
	JSON:      {Name: JSON, Decode: DecodeJSON, Encode: EncodeJSON},
	ProtoJSON: {Name: ProtoJSON, Decode: DecodeProtoJSON, Encode: EncodeProtoJSON},
}

// Lookup returns the codec registered under name (case-insensitive).
func Lookup(name string) (Codec, error) {
	c, ok := codecs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Codec{}, fmt.Errorf("%w: %q", errspkg.ErrUnknownCodec, name)
	}
	return c, nil
}

// Names lists the known codec names.
func Names() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeJSON decodes payload into generic JSON values.
func DecodeJSON(payload []byte) (any, error) {
	var v any
	if err := jsoncodec.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}

// EncodeJSON encodes result as JSON. Byte slices pass through unchanged.
func EncodeJSON(result any) ([]byte, error) {
	if b, ok := result.([]byte); ok {
		return b, nil
	}
	return jsoncodec.Marshal(result)
}

// DecodeProtoJSON decodes a protojson object through structpb.
func DecodeProtoJSON(payload []byte) (any, error) {
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(payload, s); err != nil {
		return nil, fmt.Errorf("decode protojson: %w", err)
	}
	return s.AsMap(), nil
}

// EncodeProtoJSON encodes proto messages directly and any other value
// through structpb.
func EncodeProtoJSON(result any) ([]byte, error) {
	if msg, ok := result.(proto.Message); ok {
		return protojson.Marshal(msg)
	}
	generic, err := toGeneric(result)
	if err != nil {
		return nil, err
	}
	v, err := structpb.NewValue(generic)
	if err != nil {
		return nil, fmt.Errorf("encode protojson: %w", err)
	}
	return protojson.Marshal(v)
}

// toGeneric normalises structs and typed maps into the shapes structpb accepts.
func toGeneric(v any) (any, error) {
	raw, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := jsoncodec.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Convert re-shapes a decoded value into T, typically a struct. Values that
// are already T are returned as is.
func Convert[T any](v any) (T, error) {
	var out T
	switch typed := v.(type) {
	case T:
		return typed, nil
	case *T:
		if typed != nil {
			return *typed, nil
		}
		return out, nil
	case []byte:
		err := jsoncodec.Unmarshal(typed, &out)
		return out, err
	}
	raw, err := jsoncodec.Marshal(v)
	if err != nil {
		return out, err
	}
	err = jsoncodec.Unmarshal(raw, &out)
	return out, err
}
