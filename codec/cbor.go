package codec

import (
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
		panic(fmt.Sprintf("building CBOR encoder: %s", err))
	}
	decMode, err = cbor.DecOptions{
		// JS objects and Go maps both arrive as map[string]any instead of map[any]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Positive integers would otherwise decode as uint64, so a 2 sent from a unit would not compare equal to int64(2).
		IntDec: cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("building CBOR decoder: %s", err))
	}
}

// Marshal encodes v using deterministic encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Decode decodes data into a plain Go value.
func Decode(data []byte) (any, error) {
	var v any
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Convert re-encodes a decoded value into the typed value pointed to by dst.
func Convert(v any, dst any) error {
	b, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}
	if err := Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decoding into %T: %w", dst, err)
	}
	return nil
}
