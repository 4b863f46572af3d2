// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/codec"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

// Size limits from the federation protocol.
const (
	MaxEventSize      = 65536
	MaxPrevEvents     = 20
	MaxAuthEvents     = 10
	maxTypeLength     = 255
	maxStateKeyLength = 255
	maxDepth          = 1<<53 - 1
)

// ErrMalformed reports an event that cannot be parsed or violates the
// event format. Malformed events are never stored.
var ErrMalformed = errors.New("pdu: malformed event")

// Event is a parsed, immutable PDU.
type Event struct {
	rules       roomversion.Rules
	id          ref.EventID
	canonical   []byte
	fields      eventFields
	contentHash [32]byte
}

type eventFields struct {
	RoomID         ref.RoomID                   `json:"room_id"`
	Sender         ref.UserID                   `json:"sender"`
	Type           ref.EventType                `json:"type"`
	StateKey       *string                      `json:"state_key"`
	Content        json.RawMessage              `json:"content"`
	PrevEvents     []ref.EventID                `json:"prev_events"`
	AuthEvents     []ref.EventID                `json:"auth_events"`
	Depth          int64                        `json:"depth"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	Redacts        ref.EventID                  `json:"redacts"`
	Hashes         map[string]string            `json:"hashes"`
	Signatures     map[string]map[string]string `json:"signatures"`
}

// Parse decodes and validates an event in the format of the given
// room version. Top-level unsigned data and any claimed event_id are
// discarded; the ID is computed from the content.
func Parse(rules roomversion.Rules, data []byte) (*Event, error) {
	if len(data) > MaxEventSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformed, len(data), MaxEventSize)
	}
	object, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	delete(object, "unsigned")
	delete(object, "event_id")
	return fromObject(rules, object)
}

// fromObject canonicalizes object and derives the event from it.
func fromObject(rules roomversion.Rules, object map[string]any) (*Event, error) {
	canonical, err := codec.MarshalCanonical(object)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(canonical) > MaxEventSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformed, len(canonical), MaxEventSize)
	}

	event := &Event{rules: rules, canonical: canonical}
	if err := json.Unmarshal(canonical, &event.fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := event.validate(); err != nil {
		return nil, err
	}

	referenceHash, err := ReferenceHash(rules, object)
	if err != nil {
		return nil, err
	}
	event.id = eventIDFromHash(referenceHash)

	event.contentHash, err = ContentHash(object)
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (e *Event) validate() error {
	f := &e.fields
	switch {
	case f.RoomID.IsZero():
		return fmt.Errorf("%w: missing room_id", ErrMalformed)
	case f.Sender.IsZero():
		return fmt.Errorf("%w: missing sender", ErrMalformed)
	case f.Type == "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	case len(f.Type) > maxTypeLength:
		return fmt.Errorf("%w: type longer than %d bytes", ErrMalformed, maxTypeLength)
	case f.StateKey != nil && len(*f.StateKey) > maxStateKeyLength:
		return fmt.Errorf("%w: state_key longer than %d bytes", ErrMalformed, maxStateKeyLength)
	case len(f.Content) == 0 || f.Content[0] != '{':
		return fmt.Errorf("%w: content must be an object", ErrMalformed)
	case f.PrevEvents == nil:
		return fmt.Errorf("%w: missing prev_events", ErrMalformed)
	case f.AuthEvents == nil:
		return fmt.Errorf("%w: missing auth_events", ErrMalformed)
	case len(f.PrevEvents) > MaxPrevEvents:
		return fmt.Errorf("%w: %d prev_events exceeds %d", ErrMalformed, len(f.PrevEvents), MaxPrevEvents)
	case len(f.AuthEvents) > MaxAuthEvents:
		return fmt.Errorf("%w: %d auth_events exceeds %d", ErrMalformed, len(f.AuthEvents), MaxAuthEvents)
	case f.Depth < 0 || f.Depth > maxDepth:
		return fmt.Errorf("%w: depth %d out of range", ErrMalformed, f.Depth)
	case f.Hashes["sha256"] == "":
		return fmt.Errorf("%w: missing hashes.sha256", ErrMalformed)
	case len(f.Signatures) == 0:
		return fmt.Errorf("%w: unsigned event", ErrMalformed)
	}
	for _, list := range [][]ref.EventID{f.PrevEvents, f.AuthEvents} {
		for _, id := range list {
			if id.IsZero() {
				return fmt.Errorf("%w: empty event ID in references", ErrMalformed)
			}
		}
	}
	return nil
}

// ID returns the event's reference-hash ID.
func (e *Event) ID() ref.EventID { return e.id }

// Rules returns the room version rules the event was parsed under.
func (e *Event) Rules() roomversion.Rules { return e.rules }

// RoomID returns the room the event belongs to.
func (e *Event) RoomID() ref.RoomID { return e.fields.RoomID }

// Sender returns the user that sent the event.
func (e *Event) Sender() ref.UserID { return e.fields.Sender }

// Origin returns the server of the sender, the server that must have
// signed the event.
func (e *Event) Origin() ref.ServerName { return e.fields.Sender.Server() }

// Type returns the event type.
func (e *Event) Type() ref.EventType { return e.fields.Type }

// StateKey returns the state key and whether the event is a state
// event. The empty string is a valid state key.
func (e *Event) StateKey() (string, bool) {
	if e.fields.StateKey == nil {
		return "", false
	}
	return *e.fields.StateKey, true
}

// IsState reports whether the event carries a state_key.
func (e *Event) IsState() bool { return e.fields.StateKey != nil }

// StateKeyEquals reports whether the event is a state event with the
// given state key.
func (e *Event) StateKeyEquals(key string) bool {
	return e.fields.StateKey != nil && *e.fields.StateKey == key
}

// Content returns the raw canonical JSON content object. Callers must
// not modify the returned slice.
func (e *Event) Content() []byte { return e.fields.Content }

// PrevEvents returns the IDs of the event's graph parents.
func (e *Event) PrevEvents() []ref.EventID { return e.fields.PrevEvents }

// AuthEvents returns the IDs of the state events that authorize this
// event.
func (e *Event) AuthEvents() []ref.EventID { return e.fields.AuthEvents }

// Depth returns the claimed depth.
func (e *Event) Depth() int64 { return e.fields.Depth }

// OriginServerTS returns the origin timestamp in milliseconds.
func (e *Event) OriginServerTS() int64 { return e.fields.OriginServerTS }

// Redacts returns the target of an m.room.redaction event, read from
// content in room versions that moved it there.
func (e *Event) Redacts() ref.EventID {
	if e.fields.Type != ref.EventTypeRedaction {
		return ref.EventID{}
	}
	if !e.fields.Redacts.IsZero() {
		return e.fields.Redacts
	}
	var content struct {
		Redacts ref.EventID `json:"redacts"`
	}
	if err := json.Unmarshal(e.fields.Content, &content); err != nil {
		return ref.EventID{}
	}
	return content.Redacts
}

// Signatures returns the signatures object: server name to key ID to
// unpadded base64 signature.
func (e *Event) Signatures() map[string]map[string]string { return e.fields.Signatures }

// DeclaredContentHash returns the unpadded base64 value of
// hashes.sha256.
func (e *Event) DeclaredContentHash() string { return e.fields.Hashes["sha256"] }

// ContentHashMatches reports whether hashes.sha256 matches the
// event's content. It is false for redacted events.
func (e *Event) ContentHashMatches() bool {
	declared, err := DecodeBase64(e.fields.Hashes["sha256"])
	return err == nil && bytes.Equal(declared, e.contentHash[:])
}

// ContentDigest returns the SHA-256 of the event minus signatures,
// unsigned data and hashes. Two copies of an event with the same ID and
// different digests carry different content.
func (e *Event) ContentDigest() [32]byte { return e.contentHash }

// JSON returns the event's canonical JSON. Callers must not modify the
// returned slice.
func (e *Event) JSON() []byte { return e.canonical }

// MarshalJSON implements json.Marshaler with the canonical form.
func (e *Event) MarshalJSON() ([]byte, error) { return e.canonical, nil }

// String returns the event ID and type, for logs.
func (e *Event) String() string {
	return e.id.String() + " (" + string(e.fields.Type) + ")"
}

// Object returns a fresh generic decoding of the canonical JSON that
// callers may modify.
func (e *Event) Object() map[string]any {
	object, err := decodeObject(e.canonical)
	if err != nil {
		panic(fmt.Sprintf("pdu: re-decoding canonical JSON of %s: %v", e.id, err))
	}
	return object
}

func decodeObject(data []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var object map[string]any
	if err := decoder.Decode(&object); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if object == nil {
		return nil, fmt.Errorf("%w: event is not a JSON object", ErrMalformed)
	}
	return object, nil
}
