// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"slices"
	"strings"
)

// EventID is a validated Matrix event ID.
//
// In room versions 4 and later an event ID is "$" followed by the
// unpadded URL-safe base64 encoding of the event's reference hash, so
// the ID is reproducible from the event's redacted content. Older
// formats ("$opaque:server") are accepted for interoperability.
//
// EventID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type EventID struct {
	id string
}

// ParseEventID validates and wraps a raw Matrix event ID string.
// Returns an error if the string is empty, doesn't start with '$',
// or has nothing after the '$' prefix.
func ParseEventID(raw string) (EventID, error) {
	if raw == "" {
		return EventID{}, fmt.Errorf("empty event ID")
	}
	if raw[0] != '$' {
		return EventID{}, fmt.Errorf("event ID must start with '$': %q", raw)
	}
	if len(raw) < 2 {
		return EventID{}, fmt.Errorf("event ID has no content after '$': %q", raw)
	}
	if len(raw) > maxIdentifierLength {
		return EventID{}, fmt.Errorf("event ID is %d bytes, maximum is %d", len(raw), maxIdentifierLength)
	}
	return EventID{id: raw}, nil
}

// MustParseEventID is like ParseEventID but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseEventID(raw string) EventID {
	e, err := ParseEventID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseEventID(%q): %v", raw, err))
	}
	return e
}

// String returns the full event ID string (e.g., "$abc123xyz").
func (e EventID) String() string { return e.id }

// IsZero reports whether the EventID is the zero value (uninitialized).
func (e EventID) IsZero() bool { return e.id == "" }

// Compare orders event IDs lexicographically by their string form.
// State resolution uses this as the final deterministic tie-break, so
// it must be a plain byte comparison with no locale or case folding.
func (e EventID) Compare(other EventID) int {
	return strings.Compare(e.id, other.id)
}

// Server returns the server suffix of a legacy "$opaque:server" event
// ID, or "" for hash-based IDs which carry no server.
func (e EventID) Server() string {
	if index := strings.IndexByte(e.id, ':'); index >= 0 {
		return e.id[index+1:]
	}
	return ""
}

// MarshalText implements encoding.TextMarshaler.
func (e EventID) MarshalText() ([]byte, error) {
	if e.id == "" {
		return []byte{}, nil
	}
	return []byte(e.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (e *EventID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*e = EventID{}
		return nil
	}
	parsed, err := ParseEventID(string(data))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// SortEventIDs sorts ids in place using Compare.
func SortEventIDs(ids []EventID) {
	slices.SortFunc(ids, EventID.Compare)
}
