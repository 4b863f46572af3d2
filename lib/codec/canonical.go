// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"unicode/utf8"
)

// Integers outside [-(2^53)+1, 2^53-1] cannot round-trip through every
// JSON implementation and are rejected.
const (
	maxCanonicalInt = 1<<53 - 1
	minCanonicalInt = -(1<<53 - 1)
)

// ErrNotCanonicalizable reports JSON that has no canonical form: a
// fractional or out-of-range number, invalid UTF-8, a duplicate key or
// trailing data.
var ErrNotCanonicalizable = errors.New("codec: not canonicalizable")

// CanonicalJSON re-encodes data as Matrix canonical JSON.
func CanonicalJSON(data []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var buffer bytes.Buffer
	buffer.Grow(len(data))
	if err := canonicalValue(decoder, &buffer); err != nil {
		return nil, err
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after top-level value", ErrNotCanonicalizable)
	}
	return buffer.Bytes(), nil
}

// MarshalCanonical marshals v with encoding/json and canonicalizes the
// result.
func MarshalCanonical(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return CanonicalJSON(data)
}

func canonicalValue(decoder *json.Decoder, buffer *bytes.Buffer) error {
	token, err := decoder.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotCanonicalizable, err)
	}
	switch value := token.(type) {
	case json.Delim:
		switch value {
		case '{':
			return canonicalObject(decoder, buffer)
		case '[':
			return canonicalArray(decoder, buffer)
		}
		return fmt.Errorf("%w: unexpected delimiter %q", ErrNotCanonicalizable, value)
	case string:
		return writeCanonicalString(buffer, value)
	case json.Number:
		integer, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil || integer > maxCanonicalInt || integer < minCanonicalInt {
			return fmt.Errorf("%w: number %s is not an integer in range", ErrNotCanonicalizable, value)
		}
		buffer.WriteString(strconv.FormatInt(integer, 10))
	case bool:
		buffer.WriteString(strconv.FormatBool(value))
	case nil:
		buffer.WriteString("null")
	}
	return nil
}

func canonicalObject(decoder *json.Decoder, buffer *bytes.Buffer) error {
	members := make(map[string][]byte)
	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNotCanonicalizable, err)
		}
		key := keyToken.(string)
		if _, duplicate := members[key]; duplicate {
			return fmt.Errorf("%w: duplicate key %q", ErrNotCanonicalizable, key)
		}
		var member bytes.Buffer
		if err := canonicalValue(decoder, &member); err != nil {
			return err
		}
		members[key] = member.Bytes()
	}
	if _, err := decoder.Token(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotCanonicalizable, err)
	}

	keys := make([]string, 0, len(members))
	for key := range members {
		keys = append(keys, key)
	}
	// Byte order of UTF-8 equals code point order.
	slices.Sort(keys)

	buffer.WriteByte('{')
	for index, key := range keys {
		if index > 0 {
			buffer.WriteByte(',')
		}
		if err := writeCanonicalString(buffer, key); err != nil {
			return err
		}
		buffer.WriteByte(':')
		buffer.Write(members[key])
	}
	buffer.WriteByte('}')
	return nil
}

func canonicalArray(decoder *json.Decoder, buffer *bytes.Buffer) error {
	buffer.WriteByte('[')
	first := true
	for decoder.More() {
		if !first {
			buffer.WriteByte(',')
		}
		first = false
		if err := canonicalValue(decoder, buffer); err != nil {
			return err
		}
	}
	if _, err := decoder.Token(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotCanonicalizable, err)
	}
	buffer.WriteByte(']')
	return nil
}

const hexDigits = "0123456789abcdef"

// writeCanonicalString escapes only the quote, the backslash and
// control characters. Everything else is emitted as raw UTF-8.
func writeCanonicalString(buffer *bytes.Buffer, value string) error {
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: invalid UTF-8 in string", ErrNotCanonicalizable)
	}
	buffer.WriteByte('"')
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch c {
		case '"':
			buffer.WriteString(`\"`)
		case '\\':
			buffer.WriteString(`\\`)
		case '\b':
			buffer.WriteString(`\b`)
		case '\f':
			buffer.WriteString(`\f`)
		case '\n':
			buffer.WriteString(`\n`)
		case '\r':
			buffer.WriteString(`\r`)
		case '\t':
			buffer.WriteString(`\t`)
		default:
			if c < 0x20 {
				buffer.WriteString(`\u00`)
				buffer.WriteByte(hexDigits[c>>4])
				buffer.WriteByte(hexDigits[c&0xf])
			} else {
				buffer.WriteByte(c)
			}
		}
	}
	buffer.WriteByte('"')
	return nil
}
