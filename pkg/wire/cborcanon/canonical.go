// Package cborcanon provides canonical CBOR encoding helpers used for the
// on-disk index format and for signed point-to-point request/response
// envelopes: deterministic key order, no floating types where avoidable.
package cborcanon

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CanonicalMode is a CBOR encoding mode with canonical settings:
// deterministic map key order and the shortest-form integer/length
// encoding required for two independent encoders to agree byte-for-byte.
var CanonicalMode cbor.EncMode

// decMode decodes any CBOR map into an interface{} value as
// map[string]interface{} rather than the library's default
// map[interface{}]interface{}, so generic node dictionaries nested inside
// other generic values (e.g. a children_detail list) come back as the
// same type this package's callers already assume at the top level.
var decMode cbor.DecMode

func init() {
	var err error
	CanonicalMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cborcanon: failed to build canonical encoding mode: %v", err))
	}

	opts := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]interface{}{})}
	decMode, err = opts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cborcanon: failed to build decoding mode: %v", err))
	}
}

// Marshal encodes v into canonical CBOR.
func Marshal(v interface{}) ([]byte, error) {
	return CanonicalMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// CanonicalBytes re-encodes data in canonical form by decoding it into a
// generic value and re-marshaling.
func CanonicalBytes(data []byte) ([]byte, error) {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("cborcanon: invalid CBOR: %w", err)
	}
	return Marshal(v)
}

// IsCanonical reports whether data is already in canonical form.
func IsCanonical(data []byte) bool {
	canonical, err := CanonicalBytes(data)
	if err != nil {
		return false
	}
	return bytes.Equal(data, canonical)
}

// EncodeForSigning canonically encodes v with excludeFields (typically the
// signature field itself) stripped first, so a signer and a verifier agree
// on the bytes regardless of what the signature field currently holds.
func EncodeForSigning(v interface{}, excludeFields ...string) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	var m map[string]interface{}
	if err := Unmarshal(data, &m); err != nil {
		return nil, err
	}

	for _, field := range excludeFields {
		delete(m, field)
	}

	return Marshal(m)
}
