// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authrules_test

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/bureau-foundation/roomserver/lib/authrules"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/pdu/pdutest"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/statemap"
)

const (
	alice = "@alice:a.example"
	bob   = "@bob:b.example"
	carol = "@carol:a.example"
)

// fixture is a room on a.example created by alice, who has joined and
// holds level 100, with the given join rule.
type fixture struct {
	t     *testing.T
	room  *pdutest.Room
	state authrules.State
	last  *pdu.Event
}

func newFixture(t *testing.T, version roomversion.ID, joinRule string) *fixture {
	t.Helper()
	f := &fixture{t: t, room: pdutest.NewRoom(t, version, "a.example"), state: authrules.State{}}
	f.add(f.room.Create(alice))
	f.member(alice, alice, authrules.MembershipJoin)
	f.add(f.room.PowerLevels(alice, map[string]int{alice: 100}, pdutest.List(f.last), f.authFor(alice, "")))
	f.add(f.room.JoinRules(alice, joinRule, pdutest.List(f.last), f.authFor(alice, "")))
	return f
}

// authFor returns the current events in the slots an event by sender
// about target would cite.
func (f *fixture) authFor(sender, target string) []*pdu.Event {
	var events []*pdu.Event
	keys := []statemap.Key{statemap.CreateKey, statemap.PowerLevelsKey, statemap.JoinRulesKey, statemap.MemberKey(sender)}
	if target != "" {
		keys = append(keys, statemap.MemberKey(target))
	}
	for _, key := range keys {
		if event := f.state.Get(key); event != nil && !slices.Contains(events, event) {
			events = append(events, event)
		}
	}
	return events
}

func (f *fixture) build(sender string, eventType ref.EventType, stateKey *string, content any) *pdu.Event {
	f.t.Helper()
	target := ""
	if eventType == ref.EventTypeMember && stateKey != nil {
		target = *stateKey
	}
	var prev []*pdu.Event
	if f.last != nil {
		prev = pdutest.List(f.last)
	}
	return f.room.Event(sender, eventType, stateKey, content, prev, f.authFor(sender, target))
}

func (f *fixture) memberEvent(sender, target, membership string) *pdu.Event {
	f.t.Helper()
	return f.build(sender, ref.EventTypeMember, pdu.StateKey(target), map[string]any{"membership": membership})
}

// add authorizes event against the current state and applies it.
func (f *fixture) add(event *pdu.Event) *pdu.Event {
	f.t.Helper()
	if err := authrules.Authorize(f.room.Rules, event, f.state); err != nil {
		f.t.Fatalf("setup event %s rejected: %v", event.Type(), err)
	}
	if stateKey, ok := event.StateKey(); ok {
		f.state[statemap.Key{Type: event.Type(), StateKey: stateKey}] = event
	}
	f.last = event
	return event
}

func (f *fixture) member(sender, target, membership string) *pdu.Event {
	f.t.Helper()
	return f.add(f.memberEvent(sender, target, membership))
}

func (f *fixture) authorize(event *pdu.Event) error {
	return authrules.Authorize(f.room.Rules, event, f.state)
}

func expectCode(t *testing.T, err error, want authrules.Code) {
	t.Helper()
	if want == "" {
		if err != nil {
			t.Fatalf("unexpected rejection: %v", err)
		}
		return
	}
	if err == nil {
		t.Fatalf("event accepted, want rejection %s", want)
	}
	if !authrules.IsAuthError(err) {
		t.Fatalf("error %v is not an AuthError", err)
	}
	if got := authrules.CodeOf(err); got != want {
		t.Fatalf("rejection code = %s, want %s (%v)", got, want, err)
	}
}

func TestCreateEvent(t *testing.T) {
	tests := []struct {
		name    string
		version roomversion.ID
		build   func(room *pdutest.Room) *pdu.Event
		want    authrules.Code
	}{
		{
			name:    "valid",
			version: roomversion.V10,
			build:   func(room *pdutest.Room) *pdu.Event { return room.Create(alice) },
		},
		{
			name:    "has prev events",
			version: roomversion.V10,
			build: func(room *pdutest.Room) *pdu.Event {
				first := room.Create(alice)
				return room.Event(alice, ref.EventTypeCreate, pdu.StateKey(""),
					map[string]any{"creator": alice, "room_version": "10"}, pdutest.List(first), nil)
			},
			want: authrules.CodeBadCreate,
		},
		{
			name:    "sender on another server",
			version: roomversion.V10,
			build:   func(room *pdutest.Room) *pdu.Event { return room.Create(bob) },
			want:    authrules.CodeBadCreate,
		},
		{
			name:    "unknown room version",
			version: roomversion.V10,
			build: func(room *pdutest.Room) *pdu.Event {
				return room.Event(alice, ref.EventTypeCreate, pdu.StateKey(""),
					map[string]any{"creator": alice, "room_version": "99"}, nil, nil)
			},
			want: authrules.CodeBadCreate,
		},
		{
			name:    "no creator before v11",
			version: roomversion.V10,
			build: func(room *pdutest.Room) *pdu.Event {
				return room.Event(alice, ref.EventTypeCreate, pdu.StateKey(""),
					map[string]any{"room_version": "10"}, nil, nil)
			},
			want: authrules.CodeBadCreate,
		},
		{
			name:    "no creator in v11",
			version: roomversion.V11,
			build:   func(room *pdutest.Room) *pdu.Event { return room.Create(alice) },
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			room := pdutest.NewRoom(t, test.version, "a.example")
			event := test.build(room)
			expectCode(t, authrules.Authorize(room.Rules, event, authrules.State{}), test.want)
		})
	}
}

func TestMembershipTransitions(t *testing.T) {
	tests := []struct {
		name     string
		version  roomversion.ID
		joinRule string
		setup    func(f *fixture)
		event    func(f *fixture) *pdu.Event
		want     authrules.Code
	}{
		{
			name:     "join public room",
			joinRule: authrules.JoinRulePublic,
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(bob, bob, authrules.MembershipJoin) },
		},
		{
			name:     "join invite-only room uninvited",
			joinRule: authrules.JoinRuleInvite,
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(bob, bob, authrules.MembershipJoin) },
			want:     authrules.CodeJoinRule,
		},
		{
			name:     "join invite-only room after invite",
			joinRule: authrules.JoinRuleInvite,
			setup:    func(f *fixture) { f.member(alice, bob, authrules.MembershipInvite) },
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(bob, bob, authrules.MembershipJoin) },
		},
		{
			name:     "join on behalf of another user",
			joinRule: authrules.JoinRulePublic,
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(carol, bob, authrules.MembershipJoin) },
			want:     authrules.CodeInvalidMembership,
		},
		{
			name:     "private join rule",
			joinRule: authrules.JoinRulePrivate,
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(bob, bob, authrules.MembershipJoin) },
			want:     authrules.CodeJoinRule,
		},
		{
			name:     "invite from non-member",
			joinRule: authrules.JoinRulePublic,
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(bob, carol, authrules.MembershipInvite) },
			want:     authrules.CodeNotMember,
		},
		{
			name:     "invite a joined user",
			joinRule: authrules.JoinRulePublic,
			setup:    func(f *fixture) { f.member(bob, bob, authrules.MembershipJoin) },
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(alice, bob, authrules.MembershipInvite) },
			want:     authrules.CodeInvalidMembership,
		},
		{
			name:     "kick by lower level",
			joinRule: authrules.JoinRulePublic,
			setup:    func(f *fixture) { f.member(bob, bob, authrules.MembershipJoin) },
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(bob, alice, authrules.MembershipLeave) },
			want:     authrules.CodeInsufficientPower,
		},
		{
			name:     "kick by higher level",
			joinRule: authrules.JoinRulePublic,
			setup:    func(f *fixture) { f.member(bob, bob, authrules.MembershipJoin) },
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(alice, bob, authrules.MembershipLeave) },
		},
		{
			name:     "leave without membership",
			joinRule: authrules.JoinRulePublic,
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(bob, bob, authrules.MembershipLeave) },
			want:     authrules.CodeInvalidMembership,
		},
		{
			name:     "rejoin after ban",
			joinRule: authrules.JoinRulePublic,
			setup: func(f *fixture) {
				f.member(bob, bob, authrules.MembershipJoin)
				f.member(alice, bob, authrules.MembershipBan)
			},
			event: func(f *fixture) *pdu.Event { return f.memberEvent(bob, bob, authrules.MembershipJoin) },
			want:  authrules.CodeBanned,
		},
		{
			name:     "ban by lower level",
			joinRule: authrules.JoinRulePublic,
			setup:    func(f *fixture) { f.member(bob, bob, authrules.MembershipJoin) },
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(bob, alice, authrules.MembershipBan) },
			want:     authrules.CodeInsufficientPower,
		},
		{
			name:     "unban by admin",
			joinRule: authrules.JoinRulePublic,
			setup:    func(f *fixture) { f.member(alice, bob, authrules.MembershipBan) },
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(alice, bob, authrules.MembershipLeave) },
		},
		{
			name:     "non-creator cannot use the first join",
			joinRule: authrules.JoinRuleInvite,
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(carol, carol, authrules.MembershipJoin) },
			want:     authrules.CodeJoinRule,
		},
		{
			name:     "knock in v7",
			version:  roomversion.V7,
			joinRule: authrules.JoinRuleKnock,
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(bob, bob, authrules.MembershipKnock) },
		},
		{
			name:     "knock before v7",
			version:  roomversion.V6,
			joinRule: authrules.JoinRuleKnock,
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(bob, bob, authrules.MembershipKnock) },
			want:     authrules.CodeInvalidMembership,
		},
		{
			name:     "knock on invite-only room",
			version:  roomversion.V7,
			joinRule: authrules.JoinRuleInvite,
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(bob, bob, authrules.MembershipKnock) },
			want:     authrules.CodeJoinRule,
		},
		{
			name:     "knock_restricted needs v10",
			version:  roomversion.V9,
			joinRule: authrules.JoinRuleKnockRestricted,
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(bob, bob, authrules.MembershipKnock) },
			want:     authrules.CodeJoinRule,
		},
		{
			name:     "knock_restricted in v10",
			version:  roomversion.V10,
			joinRule: authrules.JoinRuleKnockRestricted,
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(bob, bob, authrules.MembershipKnock) },
		},
		{
			name:     "withdraw knock",
			version:  roomversion.V7,
			joinRule: authrules.JoinRuleKnock,
			setup:    func(f *fixture) { f.member(bob, bob, authrules.MembershipKnock) },
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(bob, bob, authrules.MembershipLeave) },
		},
		{
			name:     "restricted join without authoriser",
			version:  roomversion.V8,
			joinRule: authrules.JoinRuleRestricted,
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(bob, bob, authrules.MembershipJoin) },
			want:     authrules.CodeJoinRule,
		},
		{
			name:     "restricted join authorised by non-member",
			version:  roomversion.V8,
			joinRule: authrules.JoinRuleRestricted,
			event: func(f *fixture) *pdu.Event {
				return f.build(bob, ref.EventTypeMember, pdu.StateKey(bob), map[string]any{
					"membership":                       authrules.MembershipJoin,
					"join_authorised_via_users_server": carol,
				})
			},
			want: authrules.CodeJoinRule,
		},
		{
			name:     "restricted join missing authoriser signature",
			version:  roomversion.V8,
			joinRule: authrules.JoinRuleRestricted,
			event: func(f *fixture) *pdu.Event {
				return f.build(bob, ref.EventTypeMember, pdu.StateKey(bob), map[string]any{
					"membership":                       authrules.MembershipJoin,
					"join_authorised_via_users_server": alice,
				})
			},
			want: authrules.CodeMissingSignature,
		},
		{
			name:     "restricted join co-signed by authoriser",
			version:  roomversion.V8,
			joinRule: authrules.JoinRuleRestricted,
			event: func(f *fixture) *pdu.Event {
				event := f.build(bob, ref.EventTypeMember, pdu.StateKey(bob), map[string]any{
					"membership":                       authrules.MembershipJoin,
					"join_authorised_via_users_server": alice,
				})
				signed, err := event.Sign(f.room.Signer(ref.MustParseServerName("a.example")))
				if err != nil {
					f.t.Fatal(err)
				}
				return signed
			},
		},
		{
			name:     "restricted rule is invite in v7",
			version:  roomversion.V7,
			joinRule: authrules.JoinRuleRestricted,
			event:    func(f *fixture) *pdu.Event { return f.memberEvent(bob, bob, authrules.MembershipJoin) },
			want:     authrules.CodeJoinRule,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			version := test.version
			if version == "" {
				version = roomversion.Default
			}
			f := newFixture(t, version, test.joinRule)
			if test.setup != nil {
				test.setup(f)
			}
			expectCode(t, f.authorize(test.event(f)), test.want)
		})
	}
}

func TestSendLevels(t *testing.T) {
	f := newFixture(t, roomversion.V10, authrules.JoinRulePublic)
	f.member(bob, bob, authrules.MembershipJoin)

	tests := []struct {
		name  string
		event *pdu.Event
		want  authrules.Code
	}{
		{
			name:  "message from member",
			event: f.build(bob, ref.EventTypeMessage, nil, map[string]any{"body": "hi"}),
		},
		{
			name:  "message from non-member",
			event: f.build(carol, ref.EventTypeMessage, nil, map[string]any{"body": "hi"}),
			want:  authrules.CodeNotMember,
		},
		{
			name:  "state below state_default",
			event: f.build(bob, ref.EventTypeTopic, pdu.StateKey(""), map[string]any{"topic": "x"}),
			want:  authrules.CodeInsufficientPower,
		},
		{
			name:  "state from admin",
			event: f.build(alice, ref.EventTypeTopic, pdu.StateKey(""), map[string]any{"topic": "x"}),
		},
		{
			name:  "state key owned by another user",
			event: f.build(alice, "org.example.profile", pdu.StateKey(bob), map[string]any{}),
			want:  authrules.CodeStateKeyOwner,
		},
		{
			name:  "state key owned by sender",
			event: f.build(alice, "org.example.profile", pdu.StateKey(alice), map[string]any{}),
		},
		{
			name:  "third party invite at default invite level",
			event: f.build(bob, ref.EventTypeThirdPartyInvite, pdu.StateKey("token"), map[string]any{}),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			expectCode(t, f.authorize(test.event), test.want)
		})
	}
}

func TestPowerLevelsChange(t *testing.T) {
	powerLevels := func(users map[string]any) map[string]any {
		return map[string]any{"users": users}
	}
	tests := []struct {
		name    string
		version roomversion.ID
		sender  string
		content map[string]any
		want    authrules.Code
	}{
		{
			name:    "admin promotes member",
			sender:  alice,
			content: powerLevels(map[string]any{alice: 100, bob: 50, carol: 50}),
		},
		{
			name:    "member raises self above own level",
			sender:  bob,
			content: powerLevels(map[string]any{alice: 100, bob: 100, carol: 50}),
			want:    authrules.CodeInsufficientPower,
		},
		{
			name:    "member demotes admin",
			sender:  bob,
			content: powerLevels(map[string]any{alice: 0, bob: 50, carol: 50}),
			want:    authrules.CodeInsufficientPower,
		},
		{
			name:    "member demotes peer at equal level",
			sender:  bob,
			content: powerLevels(map[string]any{alice: 100, bob: 50, carol: 0}),
			want:    authrules.CodeInsufficientPower,
		},
		{
			name:    "member demotes self",
			sender:  bob,
			content: powerLevels(map[string]any{alice: 100, bob: 0, carol: 50}),
		},
		{
			name:   "member raises ban above own level",
			sender: bob,
			content: map[string]any{
				"users": map[string]any{alice: 100, bob: 50, carol: 50},
				"ban":   75,
			},
			want: authrules.CodeInsufficientPower,
		},
		{
			name:   "member lowers kick within own level",
			sender: bob,
			content: map[string]any{
				"users": map[string]any{alice: 100, bob: 50, carol: 50},
				"kick":  25,
			},
		},
		{
			name:   "member changes notifications above own level",
			sender: bob,
			content: map[string]any{
				"users":         map[string]any{alice: 100, bob: 50, carol: 50},
				"notifications": map[string]any{"room": 75},
			},
			want: authrules.CodeInsufficientPower,
		},
		{
			name:    "malformed user ID",
			sender:  alice,
			content: powerLevels(map[string]any{alice: 100, "not-a-user": 50}),
			want:    authrules.CodeInvalidPowerLevels,
		},
		{
			name:    "string level in v10",
			sender:  alice,
			content: powerLevels(map[string]any{alice: 100, bob: "50"}),
			want:    authrules.CodeInvalidPowerLevels,
		},
		{
			name:    "string level in v9",
			version: roomversion.V9,
			sender:  alice,
			content: powerLevels(map[string]any{alice: 100, bob: "50"}),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			version := test.version
			if version == "" {
				version = roomversion.Default
			}
			f := newFixture(t, version, authrules.JoinRulePublic)
			f.member(bob, bob, authrules.MembershipJoin)
			f.add(f.build(alice, ref.EventTypePowerLevels, pdu.StateKey(""),
				powerLevels(map[string]any{alice: 100, bob: 50, carol: 50})))

			event := f.build(test.sender, ref.EventTypePowerLevels, pdu.StateKey(""), test.content)
			expectCode(t, f.authorize(event), test.want)
		})
	}
}

func TestUnfederatedRoom(t *testing.T) {
	room := pdutest.NewRoom(t, roomversion.V10, "a.example")
	f := &fixture{t: t, room: room, state: authrules.State{}}
	f.add(room.Event(alice, ref.EventTypeCreate, pdu.StateKey(""), map[string]any{
		"creator":      alice,
		"room_version": "10",
		"m.federate":   false,
	}, nil, nil))
	f.member(alice, alice, authrules.MembershipJoin)
	f.add(room.JoinRules(alice, authrules.JoinRulePublic, pdutest.List(f.last), f.authFor(alice, "")))

	expectCode(t, f.authorize(f.memberEvent(bob, bob, authrules.MembershipJoin)), authrules.CodeNotFederated)
	expectCode(t, f.authorize(f.memberEvent(carol, carol, authrules.MembershipJoin)), "")
}

func TestAliasesSpecialCase(t *testing.T) {
	tests := []struct {
		name     string
		version  roomversion.ID
		stateKey string
		want     authrules.Code
	}{
		{name: "own domain in v5", version: roomversion.V5, stateKey: "b.example"},
		{name: "other domain in v5", version: roomversion.V5, stateKey: "a.example", want: authrules.CodeAliasDomainMismatch},
		{name: "no special case in v6", version: roomversion.V6, stateKey: "b.example", want: authrules.CodeNotMember},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t, test.version, authrules.JoinRulePublic)
			event := f.build(bob, ref.EventTypeAliases, pdu.StateKey(test.stateKey),
				map[string]any{"aliases": []any{"#room:" + test.stateKey}})
			expectCode(t, f.authorize(event), test.want)
		})
	}
}

func TestThirdPartyInvite(t *testing.T) {
	identity := pdutest.NewSigner("id.example")
	other := pdutest.NewSigner("other.example")

	signedBlock := func(t *testing.T, signer *pdutest.KeySigner, mxid string) map[string]any {
		t.Helper()
		data, err := pdu.SignJSON(map[string]any{"mxid": mxid, "token": "abc", "sender": alice}, signer)
		if err != nil {
			t.Fatal(err)
		}
		var signed map[string]any
		if err := json.Unmarshal(data, &signed); err != nil {
			t.Fatal(err)
		}
		return signed
	}

	tests := []struct {
		name   string
		signer *pdutest.KeySigner
		mxid   string
		setup  func(f *fixture)
		want   authrules.Code
	}{
		{name: "valid", signer: identity, mxid: bob},
		{name: "mxid mismatch", signer: identity, mxid: carol, want: authrules.CodeThirdPartyInvite},
		{name: "wrong key", signer: other, mxid: bob, want: authrules.CodeThirdPartyInvite},
		{
			name:   "banned target",
			signer: identity,
			mxid:   bob,
			setup:  func(f *fixture) { f.member(alice, bob, authrules.MembershipBan) },
			want:   authrules.CodeBanned,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t, roomversion.V10, authrules.JoinRuleInvite)
			invite := f.add(f.build(alice, ref.EventTypeThirdPartyInvite, pdu.StateKey("abc"), map[string]any{
				"display_name":     "b...",
				"key_validity_url": "https://id.example/_matrix/identity/v2/pubkey/isvalid",
				"public_key":       pdu.EncodeBase64(identity.PublicKey()),
			}))
			if test.setup != nil {
				test.setup(f)
			}

			event := f.build(alice, ref.EventTypeMember, pdu.StateKey(bob), map[string]any{
				"membership": authrules.MembershipInvite,
				"third_party_invite": map[string]any{
					"display_name": "b...",
					"signed":       signedBlock(t, test.signer, test.mxid),
				},
			})
			keys := authrules.AuthTypesForEvent(f.room.Rules, event)
			inviteKey := statemap.Key{Type: ref.EventTypeThirdPartyInvite, StateKey: "abc"}
			if !slices.Contains(keys, inviteKey) {
				t.Errorf("AuthTypesForEvent = %v, missing %s", keys, inviteKey)
			}
			if f.state.Get(inviteKey) != invite {
				t.Fatal("third party invite not in state")
			}
			expectCode(t, f.authorize(event), test.want)
		})
	}
}

func TestAuthTypesForEvent(t *testing.T) {
	f := newFixture(t, roomversion.V10, authrules.JoinRuleRestricted)

	message := f.build(alice, ref.EventTypeMessage, nil, map[string]any{"body": "x"})
	want := []statemap.Key{statemap.PowerLevelsKey, statemap.MemberKey(alice), statemap.CreateKey}
	if got := authrules.AuthTypesForEvent(f.room.Rules, message); !slices.Equal(got, want) {
		t.Errorf("message auth types = %v, want %v", got, want)
	}

	join := f.build(bob, ref.EventTypeMember, pdu.StateKey(bob), map[string]any{
		"membership":                       authrules.MembershipJoin,
		"join_authorised_via_users_server": alice,
	})
	got := authrules.AuthTypesForEvent(f.room.Rules, join)
	for _, key := range []statemap.Key{statemap.JoinRulesKey, statemap.MemberKey(alice), statemap.MemberKey(bob)} {
		if !slices.Contains(got, key) {
			t.Errorf("restricted join auth types %v missing %s", got, key)
		}
	}

	if got := authrules.AuthTypesForEvent(f.room.Rules, f.state.Create()); len(got) != 0 {
		t.Errorf("create auth types = %v, want none", got)
	}
}

func TestCheckAuthEvents(t *testing.T) {
	f := newFixture(t, roomversion.V10, authrules.JoinRulePublic)
	create := f.state.Create()
	powerLevels := f.state.PowerLevels()
	aliceJoin := f.state.Member(alice)
	message := f.build(alice, ref.EventTypeMessage, nil, map[string]any{"body": "x"})
	olderPowerLevels := f.room.PowerLevels(alice, map[string]int{alice: 100}, pdutest.List(f.last), f.authFor(alice, ""))

	otherRoom := pdutest.NewRoom(t, roomversion.V10, "b.example")
	foreignCreate := otherRoom.Create(bob)

	tests := []struct {
		name       string
		authEvents []*pdu.Event
		want       authrules.Code
	}{
		{name: "valid", authEvents: pdutest.List(create, powerLevels, aliceJoin)},
		{name: "duplicate slot", authEvents: pdutest.List(create, powerLevels, olderPowerLevels), want: authrules.CodeBadAuthEvents},
		{name: "unexpected slot", authEvents: pdutest.List(create, f.state.JoinRules()), want: authrules.CodeBadAuthEvents},
		{name: "missing create", authEvents: pdutest.List(powerLevels, aliceJoin), want: authrules.CodeMissingCreate},
		{name: "other room", authEvents: pdutest.List(create, foreignCreate), want: authrules.CodeBadAuthEvents},
		{name: "not a state event", authEvents: pdutest.List(create, message), want: authrules.CodeBadAuthEvents},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			state, err := authrules.CheckAuthEvents(f.room.Rules, message, test.authEvents)
			expectCode(t, err, test.want)
			if err == nil && len(state) != len(test.authEvents) {
				t.Errorf("state has %d entries, want %d", len(state), len(test.authEvents))
			}
		})
	}
}

// Adding state in slots an event's auth does not read never changes
// its verdict.
func TestAuthorizeIgnoresUnrelatedState(t *testing.T) {
	f := newFixture(t, roomversion.V10, authrules.JoinRuleInvite)
	f.member(alice, carol, authrules.MembershipInvite)

	candidates := []*pdu.Event{
		f.memberEvent(bob, bob, authrules.MembershipJoin),
		f.memberEvent(carol, carol, authrules.MembershipJoin),
		f.build(alice, ref.EventTypeMessage, nil, map[string]any{"body": "x"}),
		f.build(bob, ref.EventTypeMessage, nil, map[string]any{"body": "x"}),
		f.build(alice, ref.EventTypeName, pdu.StateKey(""), map[string]any{"name": "x"}),
	}
	before := make([]authrules.Code, len(candidates))
	for i, event := range candidates {
		before[i] = authrules.CodeOf(f.authorize(event))
	}

	f.add(f.build(alice, ref.EventTypeTopic, pdu.StateKey(""), map[string]any{"topic": "unrelated"}))
	f.add(f.build(alice, ref.EventTypeHistoryVisibility, pdu.StateKey(""), map[string]any{"history_visibility": "shared"}))
	f.member(alice, "@dave:d.example", authrules.MembershipInvite)

	for i, event := range candidates {
		if got := authrules.CodeOf(f.authorize(event)); got != before[i] {
			t.Errorf("candidate %d (%s): verdict changed from %q to %q", i, event.Type(), before[i], got)
		}
	}
}

func TestCanApplyRedaction(t *testing.T) {
	f := newFixture(t, roomversion.V10, authrules.JoinRulePublic)
	f.member(bob, bob, authrules.MembershipJoin)
	f.member(carol, carol, authrules.MembershipJoin)
	aliceMessage := f.add(f.build(alice, ref.EventTypeMessage, nil, map[string]any{"body": "a"}))
	bobMessage := f.add(f.build(bob, ref.EventTypeMessage, nil, map[string]any{"body": "b"}))

	redaction := func(sender string, target *pdu.Event) *pdu.Event {
		return f.build(sender, ref.EventTypeRedaction, nil, map[string]any{"redacts": target.ID().String()})
	}
	tests := []struct {
		name      string
		redaction *pdu.Event
		target    *pdu.Event
		want      bool
	}{
		{name: "admin redacts remote message", redaction: redaction(alice, bobMessage), target: bobMessage, want: true},
		{name: "member redacts admin on another server", redaction: redaction(bob, aliceMessage), target: aliceMessage, want: false},
		{name: "same server redacts", redaction: redaction(carol, aliceMessage), target: aliceMessage, want: true},
		{name: "sender redacts own", redaction: redaction(bob, bobMessage), target: bobMessage, want: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := authrules.CanApplyRedaction(f.room.Rules, test.redaction, test.target, f.state); got != test.want {
				t.Errorf("CanApplyRedaction = %v, want %v", got, test.want)
			}
		})
	}
}

func TestUserPowerLevelWithoutPowerLevels(t *testing.T) {
	for _, version := range []roomversion.ID{roomversion.V10, roomversion.V11} {
		t.Run(string(version), func(t *testing.T) {
			room := pdutest.NewRoom(t, version, "a.example")
			state := authrules.NewState(room.Create(alice))
			if got := authrules.UserPowerLevel(room.Rules, state, alice); got != authrules.NoPowerLevelsCreator {
				t.Errorf("creator level = %d, want %d", got, authrules.NoPowerLevelsCreator)
			}
			if got := authrules.UserPowerLevel(room.Rules, state, carol); got != 0 {
				t.Errorf("other level = %d, want 0", got)
			}
		})
	}
}
