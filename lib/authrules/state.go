// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authrules

import (
	"github.com/tidwall/gjson"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/statemap"
)

// Membership values.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// Join rule values.
const (
	JoinRulePublic          = "public"
	JoinRuleInvite          = "invite"
	JoinRuleKnock           = "knock"
	JoinRuleRestricted      = "restricted"
	JoinRuleKnockRestricted = "knock_restricted"
	JoinRulePrivate         = "private"
)

// State is the auth state an event is checked against: the events
// holding the slots the rules read. Callers materialize it from a
// statemap.Map for the keys AuthTypesForEvent lists.
type State map[statemap.Key]*pdu.Event

// NewState keys state events by their slot. Non-state events are
// ignored; later events replace earlier ones in the same slot.
func NewState(events ...*pdu.Event) State {
	state := make(State, len(events))
	for _, event := range events {
		stateKey, ok := event.StateKey()
		if !ok {
			continue
		}
		state[statemap.Key{Type: event.Type(), StateKey: stateKey}] = event
	}
	return state
}

// Get returns the event in key, or nil.
func (s State) Get(key statemap.Key) *pdu.Event { return s[key] }

// Create returns the room's create event, or nil.
func (s State) Create() *pdu.Event { return s[statemap.CreateKey] }

// PowerLevels returns the power levels event, or nil.
func (s State) PowerLevels() *pdu.Event { return s[statemap.PowerLevelsKey] }

// JoinRules returns the join rules event, or nil.
func (s State) JoinRules() *pdu.Event { return s[statemap.JoinRulesKey] }

// Member returns user's membership event, or nil.
func (s State) Member(user string) *pdu.Event { return s[statemap.MemberKey(user)] }

// Membership returns user's membership, "leave" when absent.
func (s State) Membership(user string) string {
	return membershipOf(s.Member(user))
}

// JoinRule returns the room's join rule, "invite" when absent.
func (s State) JoinRule() string {
	event := s.JoinRules()
	if event == nil {
		return JoinRuleInvite
	}
	rule := gjson.GetBytes(event.Content(), "join_rule")
	if rule.Type != gjson.String {
		return JoinRuleInvite
	}
	return rule.Str
}

func membershipOf(event *pdu.Event) string {
	if event == nil {
		return MembershipLeave
	}
	membership := gjson.GetBytes(event.Content(), "membership")
	if membership.Type != gjson.String {
		return MembershipLeave
	}
	return membership.Str
}

// Membership returns the membership field of a member event's content,
// or "" if absent or not a string.
func Membership(event *pdu.Event) string {
	if event == nil || event.Type() != ref.EventTypeMember {
		return ""
	}
	membership := gjson.GetBytes(event.Content(), "membership")
	if membership.Type != gjson.String {
		return ""
	}
	return membership.Str
}
