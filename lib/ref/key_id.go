// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// KeyID names one of a server's signing keys, in "algorithm:version"
// form (e.g., "ed25519:a_1").
type KeyID struct {
	id string
}

// ParseKeyID validates a key ID. Both the algorithm and the version
// must be non-empty and the version must be made of [a-zA-Z0-9_].
func ParseKeyID(raw string) (KeyID, error) {
	algorithm, version, found := strings.Cut(raw, ":")
	if !found {
		return KeyID{}, fmt.Errorf("key ID missing ':' separator: %q", raw)
	}
	if algorithm == "" {
		return KeyID{}, fmt.Errorf("key ID has empty algorithm: %q", raw)
	}
	if version == "" {
		return KeyID{}, fmt.Errorf("key ID has empty version: %q", raw)
	}
	for i := 0; i < len(version); i++ {
		c := version[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			return KeyID{}, fmt.Errorf("key ID %q: invalid character %q in version", raw, c)
		}
	}
	return KeyID{id: raw}, nil
}

// MustParseKeyID is like ParseKeyID but panics on error.
func MustParseKeyID(raw string) KeyID {
	k, err := ParseKeyID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseKeyID(%q): %v", raw, err))
	}
	return k
}

// String returns the full key ID.
func (k KeyID) String() string { return k.id }

// IsZero reports whether the KeyID is the zero value.
func (k KeyID) IsZero() bool { return k.id == "" }

// Algorithm returns the part before the colon ("ed25519").
func (k KeyID) Algorithm() string {
	algorithm, _, _ := strings.Cut(k.id, ":")
	return algorithm
}

// MarshalText implements encoding.TextMarshaler.
func (k KeyID) MarshalText() ([]byte, error) {
	return []byte(k.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *KeyID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*k = KeyID{}
		return nil
	}
	parsed, err := ParseKeyID(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
