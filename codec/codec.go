// Package codec encodes catalog rows and experience payloads.
//
// Both built-in codecs produce plain JSON, so a catalog written with one can
// be read with the other. Stores persist nothing codec-specific beyond the
// bytes themselves.
package codec

import (
	"encoding/json"
	"fmt"

	gojson "github.com/goccy/go-json"
)

// Codec turns values into bytes and back. Implementations must be safe for
// concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// GoJSON uses github.com/goccy/go-json. It is the Default.
type GoJSON struct{}

func (GoJSON) Marshal(v any) ([]byte, error)      { return gojson.Marshal(v) }
func (GoJSON) Unmarshal(data []byte, v any) error { return gojson.Unmarshal(data, v) }
func (GoJSON) Name() string                       { return "go-json" }

// JSON uses encoding/json.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSON) Name() string                       { return "json" }

// Default is used wherever a component is given no codec.
var Default Codec = GoJSON{}

var builtin = map[string]Codec{
	GoJSON{}.Name(): GoJSON{},
	JSON{}.Name():   JSON{},
}

// ByName resolves "json" or "go-json".
func ByName(name string) (Codec, bool) {
	c, ok := builtin[name]
	return c, ok
}

// Or returns c, or Default when c is nil.
func Or(c Codec) Codec {
	if c == nil {
		return Default
	}
	return c
}

// Decode unmarshals data into a fresh T.
func Decode[T any](c Codec, data []byte) (T, error) {
	var v T
	if err := Or(c).Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("codec %s: %w", Or(c).Name(), err)
	}
	return v, nil
}

// MustMarshal panics on error. Intended for tests and fixtures.
func MustMarshal(c Codec, v any) []byte {
	b, err := Or(c).Marshal(v)
	if err != nil {
		panic(fmt.Errorf("codec %s: %w", Or(c).Name(), err))
	}
	return b
}
