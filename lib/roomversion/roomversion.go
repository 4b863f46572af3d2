// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomversion enumerates the room versions the roomserver
// speaks and the rule differences between them.
//
// A room's version is fixed by its create event and never changes. The
// roomserver resolves it once per room and passes the resulting Rules
// value explicitly to the event format, authorization and redaction
// code, which branch on its flags.
package roomversion

import (
	"fmt"
	"slices"
)

// ID is a room version identifier as it appears in the room_version
// field of m.room.create content.
type ID string

// Supported room versions. All use hash-derived event IDs and state
// resolution v2.
const (
	V5  ID = "5"
	V6  ID = "6"
	V7  ID = "7"
	V8  ID = "8"
	V9  ID = "9"
	V10 ID = "10"
	V11 ID = "11"
)

// Default is the version used for rooms created locally without an
// explicit version.
const Default = V10

// Rules holds the behavioral flags that differ between room versions.
type Rules struct {
	ID ID

	// SpecialCaseAliases lets a server set m.room.aliases for its own
	// domain without membership or power.
	SpecialCaseAliases bool

	// LimitNotificationsPowerLevels applies the power level change
	// rules to notifications.room.
	LimitNotificationsPowerLevels bool

	// AllowKnocking enables the knock membership and join rule.
	AllowKnocking bool

	// RestrictedJoinRule enables the restricted join rule and
	// join_authorised_via_users_server.
	RestrictedJoinRule bool

	// KnockRestrictedJoinRule enables the knock_restricted join rule.
	KnockRestrictedJoinRule bool

	// IntegerPowerLevels rejects power levels encoded as strings.
	IntegerPowerLevels bool

	// UseRoomCreateSender makes the create event's sender the room
	// creator and drops the content.creator requirement.
	UseRoomCreateSender bool

	// Redaction rule differences.
	RedactionKeepsAllow           bool // join_rules.allow
	RedactionKeepsJoinAuthorised  bool // member.join_authorised_via_users_server
	RedactionKeepsInvite          bool // power_levels.invite
	RedactionKeepsSignedInvite    bool // member.third_party_invite.signed
	RedactionKeepsCreateContent   bool // full m.room.create content
	RedactionKeepsRedacts         bool // redaction.content.redacts
	RedactionKeepsLegacyTopLevels bool // origin, membership, prev_state
}

var registry = map[ID]Rules{}

func init() {
	base := Rules{
		ID:                            V5,
		SpecialCaseAliases:            true,
		RedactionKeepsLegacyTopLevels: true,
	}
	registry[V5] = base

	v6 := base
	v6.ID = V6
	v6.SpecialCaseAliases = false
	v6.LimitNotificationsPowerLevels = true
	registry[V6] = v6

	v7 := v6
	v7.ID = V7
	v7.AllowKnocking = true
	registry[V7] = v7

	v8 := v7
	v8.ID = V8
	v8.RestrictedJoinRule = true
	v8.RedactionKeepsAllow = true
	registry[V8] = v8

	v9 := v8
	v9.ID = V9
	v9.RedactionKeepsJoinAuthorised = true
	registry[V9] = v9

	v10 := v9
	v10.ID = V10
	v10.KnockRestrictedJoinRule = true
	v10.IntegerPowerLevels = true
	registry[V10] = v10

	v11 := v10
	v11.ID = V11
	v11.UseRoomCreateSender = true
	v11.RedactionKeepsInvite = true
	v11.RedactionKeepsSignedInvite = true
	v11.RedactionKeepsCreateContent = true
	v11.RedactionKeepsRedacts = true
	v11.RedactionKeepsLegacyTopLevels = false
	registry[V11] = v11
}

// Lookup returns the rules for id. Unknown versions are an error; the
// roomserver refuses to participate in rooms whose rules it cannot
// apply.
func Lookup(id ID) (Rules, error) {
	rules, ok := registry[id]
	if !ok {
		return Rules{}, fmt.Errorf("roomversion: unsupported room version %q", id)
	}
	return rules, nil
}

// MustLookup is like Lookup but panics on error.
func MustLookup(id ID) Rules {
	rules, err := Lookup(id)
	if err != nil {
		panic(err)
	}
	return rules
}

// Known reports whether id is a supported version.
func Known(id ID) bool {
	_, ok := registry[id]
	return ok
}

// Supported lists the supported version identifiers in ascending
// numeric order.
func Supported() []ID {
	ids := make([]ID, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b ID) int {
		if len(a) != len(b) {
			return len(a) - len(b)
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	return ids
}

// String returns the version identifier.
func (id ID) String() string { return string(id) }
