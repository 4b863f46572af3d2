// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType identifies a Matrix state or timeline event type.
//
// EventType is a named string type, not a struct wrapper: event types
// are opaque identifiers that need no parsing or validation. The type
// exists purely for compile-time safety, preventing accidental use of
// a state key where an event type is expected (or vice versa).
type EventType string

// Event types the authorization rules and state resolution inspect.
const (
	EventTypeCreate            EventType = "m.room.create"
	EventTypeMember            EventType = "m.room.member"
	EventTypePowerLevels       EventType = "m.room.power_levels"
	EventTypeJoinRules         EventType = "m.room.join_rules"
	EventTypeThirdPartyInvite  EventType = "m.room.third_party_invite"
	EventTypeRedaction         EventType = "m.room.redaction"
	EventTypeAliases           EventType = "m.room.aliases"
	EventTypeHistoryVisibility EventType = "m.room.history_visibility"
	EventTypeName              EventType = "m.room.name"
	EventTypeTopic             EventType = "m.room.topic"
	EventTypeMessage           EventType = "m.room.message"
)

// String returns the event type string (e.g., "m.room.member").
func (t EventType) String() string { return string(t) }
