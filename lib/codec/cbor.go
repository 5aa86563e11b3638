// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the CBOR facade for frame payload bodies. Every
// payload struct in lib/schema marshals through here, so the encoding
// configuration lives in exactly one place and no other package
// imports fxamacker/cbor directly.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. Same logical payload always
// produces identical bytes, which keeps frame lengths stable for a
// given message.
var encMode cbor.EncMode

// decMode is the CBOR decoder configured to accept standard CBOR.
// Unknown fields are silently ignored so old binaries tolerate
// payloads from newer ones.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Counterline payloads never use non-string map keys. When the
		// decode target is any (snapshot extras, for example) the
		// decoder must pick a concrete map type; the CBOR default
		// map[any]any is incompatible with most Go code expecting
		// map[string]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value. Use it to delay decoding of
// a payload body until the message type is known.
type RawMessage = cbor.RawMessage
