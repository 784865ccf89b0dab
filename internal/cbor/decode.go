package cbor

import (
	"bytes"
	"fmt"
	"reflect"

	fxcbor "github.com/fxamacker/cbor/v2"
)

var (
	encMode fxcbor.EncMode
	decMode fxcbor.DecMode
)

func init() {
	var err error
	encMode, err = fxcbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cbor: encoder initialization failed: " + err.Error())
	}
	decMode, err = fxcbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		DupMapKey:      fxcbor.DupMapKeyEnforcedAPF,
		IndefLength:    fxcbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic("cbor: decoder initialization failed: " + err.Error())
	}
}

// Decode parses a payload map. Payloads always have text keys.
func Decode(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := decMode.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return m, nil
}

// Canonical reports whether b decodes and re-encodes to the same bytes
// under core deterministic encoding. Witness payloads keep keys in a fixed
// order and floats at full width, so this only holds for integer, string and
// bool maps whose keys are already in deterministic order.
func Canonical(b []byte) bool {
	var v any
	if err := decMode.Unmarshal(b, &v); err != nil {
		return false
	}
	out, err := encMode.Marshal(v)
	if err != nil {
		return false
	}
	return bytes.Equal(out, b)
}
