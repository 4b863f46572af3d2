// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authrules

import (
	"crypto/ed25519"
	"slices"

	"github.com/tidwall/gjson"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/statemap"
)

// AuthTypesForEvent lists the state slots whose events authorize
// event. The create event needs none.
func AuthTypesForEvent(rules roomversion.Rules, event *pdu.Event) []statemap.Key {
	if event.Type() == ref.EventTypeCreate {
		return nil
	}
	keys := []statemap.Key{
		statemap.PowerLevelsKey,
		statemap.MemberKey(event.Sender().String()),
		statemap.CreateKey,
	}
	add := func(key statemap.Key) {
		if !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}

	stateKey, isState := event.StateKey()
	if event.Type() != ref.EventTypeMember || !isState {
		return keys
	}
	content := gjson.ParseBytes(event.Content())
	membership := content.Get("membership")
	if membership.Type != gjson.String {
		return keys
	}
	switch membership.Str {
	case MembershipJoin, MembershipInvite, MembershipKnock:
		add(statemap.JoinRulesKey)
		if rules.RestrictedJoinRule && membership.Str == MembershipJoin {
			if authoriser := content.Get("join_authorised_via_users_server"); authoriser.Type == gjson.String {
				add(statemap.MemberKey(authoriser.Str))
			}
		}
	}
	add(statemap.MemberKey(stateKey))
	if membership.Str == MembershipInvite {
		if token := content.Get("third_party_invite.signed.token"); token.Type == gjson.String {
			add(statemap.Key{Type: ref.EventTypeThirdPartyInvite, StateKey: token.Str})
		}
	}
	return keys
}

// CheckAuthEvents builds the auth state from the events an event
// claims as its auth_events. Every claimed event must be a state event
// of the same room in a slot AuthTypesForEvent lists, with no slot
// claimed twice, and the create event must be among them.
func CheckAuthEvents(rules roomversion.Rules, event *pdu.Event, authEvents []*pdu.Event) (State, error) {
	if event.Type() == ref.EventTypeCreate {
		if len(authEvents) > 0 {
			return nil, reject(event.ID(), CodeBadCreate, "create event has auth events")
		}
		return State{}, nil
	}
	allowed := AuthTypesForEvent(rules, event)
	state := make(State, len(authEvents))
	for _, authEvent := range authEvents {
		if authEvent.RoomID() != event.RoomID() {
			return nil, reject(event.ID(), CodeBadAuthEvents, "auth event %s is in room %s", authEvent.ID(), authEvent.RoomID())
		}
		stateKey, ok := authEvent.StateKey()
		if !ok {
			return nil, reject(event.ID(), CodeBadAuthEvents, "auth event %s is not a state event", authEvent.ID())
		}
		key := statemap.Key{Type: authEvent.Type(), StateKey: stateKey}
		if _, duplicate := state[key]; duplicate {
			return nil, reject(event.ID(), CodeBadAuthEvents, "auth events claim %s twice", key)
		}
		if !slices.Contains(allowed, key) {
			return nil, reject(event.ID(), CodeBadAuthEvents, "auth event %s fills unexpected slot %s", authEvent.ID(), key)
		}
		state[key] = authEvent
	}
	if state.Create() == nil {
		return nil, reject(event.ID(), CodeMissingCreate, "auth events do not include the create event")
	}
	return state, nil
}

// Authorize checks event against state.
func Authorize(rules roomversion.Rules, event *pdu.Event, state State) error {
	if err := authorize(rules, event, state); err != nil {
		return err
	}
	return checkSigners(event)
}

func authorize(rules roomversion.Rules, event *pdu.Event, state State) error {
	if event.Type() == ref.EventTypeCreate {
		return checkCreate(event)
	}

	create := state.Create()
	if create == nil {
		return reject(event.ID(), CodeMissingCreate, "no create event in auth state")
	}
	if !slices.Contains(event.AuthEvents(), create.ID()) {
		return reject(event.ID(), CodeMissingCreate, "create event %s not in auth_events", create.ID())
	}
	if federate := gjson.GetBytes(create.Content(), `m\.federate`); federate.Type == gjson.False &&
		create.Sender().Server() != event.Sender().Server() {
		return reject(event.ID(), CodeNotFederated, "room is not federated and sender is on %s", event.Sender().Server())
	}

	if rules.SpecialCaseAliases && event.Type() == ref.EventTypeAliases {
		if !event.StateKeyEquals(event.Sender().Server().String()) {
			return reject(event.ID(), CodeAliasDomainMismatch, "aliases state key must be the sender's server")
		}
		return nil
	}

	if event.Type() == ref.EventTypeMember {
		return checkMembership(rules, event, state)
	}

	sender := event.Sender().String()
	if membership := state.Membership(sender); membership != MembershipJoin {
		return reject(event.ID(), CodeNotMember, "sender membership is %s", membership)
	}

	senderLevel := UserPowerLevel(rules, state, sender)

	if event.Type() == ref.EventTypeThirdPartyInvite {
		inviteLevel := int64(DefaultInvite)
		if levels := levelsOf(rules, state); levels != nil {
			inviteLevel = levels.Invite
		}
		if senderLevel < inviteLevel {
			return reject(event.ID(), CodeInsufficientPower, "level %d below invite level %d", senderLevel, inviteLevel)
		}
		return nil
	}

	if err := checkSendLevel(rules, event, state, senderLevel); err != nil {
		return err
	}

	if event.Type() == ref.EventTypePowerLevels {
		return checkPowerLevelsChange(rules, event, state.PowerLevels(), senderLevel)
	}
	return nil
}

func checkCreate(event *pdu.Event) error {
	if len(event.PrevEvents()) > 0 {
		return reject(event.ID(), CodeBadCreate, "create event has prev_events")
	}
	if event.RoomID().Server() != event.Sender().Server() {
		return reject(event.ID(), CodeBadCreate, "room server %s differs from sender server %s",
			event.RoomID().Server(), event.Sender().Server())
	}
	if !event.StateKeyEquals("") {
		return reject(event.ID(), CodeBadCreate, "create event state key must be empty")
	}
	content := gjson.ParseBytes(event.Content())
	if version := content.Get("room_version"); version.Exists() {
		if version.Type != gjson.String || !roomversion.Known(roomversion.ID(version.Str)) {
			return reject(event.ID(), CodeBadCreate, "unsupported room_version %s", version.Raw)
		}
	}
	rules := event.Rules()
	if !rules.UseRoomCreateSender && !content.Get("creator").Exists() {
		return reject(event.ID(), CodeBadCreate, "create content has no creator")
	}
	return nil
}

func checkSendLevel(rules roomversion.Rules, event *pdu.Event, state State, senderLevel int64) error {
	var required int64
	if levels := levelsOf(rules, state); levels != nil {
		required = levels.SendLevel(event.Type(), event.IsState())
	} else if event.IsState() {
		required = NoPowerLevelsState
	}
	if senderLevel < required {
		return reject(event.ID(), CodeInsufficientPower, "level %d below %d required for %s", senderLevel, required, event.Type())
	}
	if stateKey, ok := event.StateKey(); ok && len(stateKey) > 0 && stateKey[0] == '@' && stateKey != event.Sender().String() {
		return reject(event.ID(), CodeStateKeyOwner, "state key %s belongs to another user", stateKey)
	}
	return nil
}

// checkSigners enforces that every server the event needs a signature
// from has supplied one. Cryptographic validity is checked before
// admission by the key ring; this rule only ties the signature set to
// the event's claimed origin.
func checkSigners(event *pdu.Event) error {
	signatures := event.Signatures()
	for _, server := range event.RequiredSigners() {
		if len(signatures[server.String()]) == 0 {
			return reject(event.ID(), CodeMissingSignature, "no signature from %s", server)
		}
	}
	return nil
}

// CanApplyRedaction reports whether redaction may redact target: the
// redaction's sender must reach the redact level, or be on the same
// server as the target's sender.
func CanApplyRedaction(rules roomversion.Rules, redaction, target *pdu.Event, state State) bool {
	if redaction.Sender().Server() == target.Sender().Server() {
		return true
	}
	redactLevel := int64(DefaultRedact)
	if levels := levelsOf(rules, state); levels != nil {
		redactLevel = levels.Redact
	}
	return UserPowerLevel(rules, state, redaction.Sender().String()) >= redactLevel
}

// thirdPartyInviteKeys collects the public keys an
// m.room.third_party_invite event publishes.
func thirdPartyInviteKeys(invite *pdu.Event) []ed25519.PublicKey {
	var keys []ed25519.PublicKey
	addKey := func(encoded gjson.Result) {
		if encoded.Type != gjson.String {
			return
		}
		if decoded, err := pdu.DecodeBase64(encoded.Str); err == nil && len(decoded) == ed25519.PublicKeySize {
			keys = append(keys, ed25519.PublicKey(decoded))
		}
	}
	content := gjson.ParseBytes(invite.Content())
	addKey(content.Get("public_key"))
	content.Get("public_keys").ForEach(func(_, entry gjson.Result) bool {
		addKey(entry.Get("public_key"))
		return true
	})
	return keys
}
