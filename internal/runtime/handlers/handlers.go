// Package handlers indexes processing functions by target name.
//
// Handlers are registered explicitly under a name. The registry derives each
// handler's target from that name:
//
//  1. an explicit target (WithTarget) is used verbatim;
//  2. a name starting with a configured prefix ("parse_pose") is stripped
//     and lower-cased ("pose");
//  3. a type-shaped handler whose name ends with a configured suffix
//     ("ColorImageParser") is stripped and snake-cased ("color_image");
//  4. anything else is not listed.
//
// When two handlers derive the same target the first registered wins.
package handlers

import (
	"context"
)

// Func transforms one decoded message into a result.
type Func func(ctx context.Context, in any) (any, error)

// Decoder turns a raw payload into the value handed to a Func.
type Decoder func(payload []byte) (any, error)

// Encoder turns a handler result into a payload.
type Encoder func(result any) ([]byte, error)

// Kind says how a handler was registered.
type Kind int

const (
	// KindFunc is a plain function.
	KindFunc Kind = iota
	// KindType is a value registered through RegisterParser or RegisterSaver.
	KindType
)

func (k Kind) String() string {
	switch k {
	case KindFunc:
		return "function"
	case KindType:
		return "type"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Parser is a type-shaped parsing handler.
type Parser interface {
	Parse(ctx context.Context, in any) (any, error)
}

// Saver is a type-shaped saving handler.
type Saver interface {
	Save(ctx context.Context, in any) error
}

// Record is a discovered handler.
type Record struct {
	Name    string `json:"name"`
	Target  string `json:"target"`
	Kind    Kind   `json:"kind"`
	Handler Func   `json:"-"`
}

// Option customises a single registration.
type Option func(*candidate)

// WithTarget sets the target explicitly, bypassing name derivation.
func WithTarget(target string) Option {
	return func(c *candidate) {
		c.target = target
	}
}

type candidate struct {
	name    string
	target  string
	kind    Kind
	handler Func
}
