// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"maps"

	"github.com/bureau-foundation/roomserver/lib/codec"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

// ContentHash computes the SHA-256 over object with unsigned,
// signatures and hashes removed. The object is not modified.
func ContentHash(object map[string]any) ([32]byte, error) {
	stripped := maps.Clone(object)
	delete(stripped, "unsigned")
	delete(stripped, "signatures")
	delete(stripped, "hashes")
	canonical, err := codec.MarshalCanonical(stripped)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return sha256.Sum256(canonical), nil
}

// ReferenceHash computes the SHA-256 over the redacted form of object
// with signatures and unsigned removed. The object is not modified.
func ReferenceHash(rules roomversion.Rules, object map[string]any) ([32]byte, error) {
	redacted := Redact(rules, object)
	delete(redacted, "signatures")
	delete(redacted, "unsigned")
	canonical, err := codec.MarshalCanonical(redacted)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return sha256.Sum256(canonical), nil
}

func eventIDFromHash(hash [32]byte) ref.EventID {
	return ref.MustParseEventID("$" + base64.RawURLEncoding.EncodeToString(hash[:]))
}

// EncodeBase64 encodes data as unpadded standard base64, the encoding
// of hashes, signatures and keys on the wire.
func EncodeBase64(data []byte) string {
	return base64.RawStdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes standard or URL-safe base64, padded or not.
func DecodeBase64(encoded string) ([]byte, error) {
	for _, encoding := range []*base64.Encoding{
		base64.RawStdEncoding,
		base64.StdEncoding,
		base64.RawURLEncoding,
		base64.URLEncoding,
	} {
		if decoded, err := encoding.DecodeString(encoded); err == nil {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("pdu: invalid base64 %q", encoded)
}
