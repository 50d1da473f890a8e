// Package jsoncodec is the JSON implementation shared by the payload codecs,
// the broker adapters that persist messages and the status server. It uses
// sonic with encoding/json compatible settings.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var std = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return std.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return std.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return std.Unmarshal(data, v)
}

// Valid reports whether data is a single well-formed JSON value.
func Valid(data []byte) bool {
	return std.Valid(data)
}

// Encode writes v to w followed by a newline.
func Encode(w io.Writer, v any) error {
	return std.NewEncoder(w).Encode(v)
}
