// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authrules

import (
	"github.com/tidwall/gjson"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/statemap"
)

func checkMembership(rules roomversion.Rules, event *pdu.Event, state State) error {
	stateKey, ok := event.StateKey()
	if !ok {
		return reject(event.ID(), CodeMalformedContent, "membership event has no state key")
	}
	target, err := ref.ParseUserID(stateKey)
	if err != nil {
		return reject(event.ID(), CodeMalformedContent, "membership state key %q is not a user ID", stateKey)
	}
	content := gjson.ParseBytes(event.Content())
	membershipField := content.Get("membership")
	if membershipField.Type != gjson.String {
		return reject(event.ID(), CodeMalformedContent, "membership is missing or not a string")
	}
	membership := membershipField.Str

	sender := event.Sender().String()
	targetID := target.String()

	if membership == MembershipJoin && firstJoinByCreator(rules, event, state, targetID) {
		return nil
	}

	senderMembership := state.Membership(sender)
	targetMembership := state.Membership(targetID)
	joinRule := state.JoinRule()

	levels := levelsOf(rules, state)
	if levels == nil {
		levels = DefaultPowerLevels()
	}
	senderLevel := UserPowerLevel(rules, state, sender)
	targetLevel := UserPowerLevel(rules, state, targetID)

	switch membership {
	case MembershipJoin:
		return checkJoin(rules, event, state, content, targetMembership, joinRule)

	case MembershipInvite:
		if content.Get("third_party_invite").Exists() {
			if targetMembership == MembershipBan {
				return reject(event.ID(), CodeBanned, "%s is banned", targetID)
			}
			return checkThirdPartyInvite(event, state, content, targetID)
		}
		if senderMembership != MembershipJoin {
			return reject(event.ID(), CodeNotMember, "inviter membership is %s", senderMembership)
		}
		if targetMembership == MembershipJoin || targetMembership == MembershipBan {
			return reject(event.ID(), CodeInvalidMembership, "cannot invite %s with membership %s", targetID, targetMembership)
		}
		if senderLevel < levels.Invite {
			return reject(event.ID(), CodeInsufficientPower, "level %d below invite level %d", senderLevel, levels.Invite)
		}
		return nil

	case MembershipLeave:
		if sender == targetID {
			switch senderMembership {
			case MembershipJoin, MembershipInvite:
				return nil
			case MembershipKnock:
				if rules.AllowKnocking {
					return nil
				}
			}
			return reject(event.ID(), CodeInvalidMembership, "cannot leave from membership %s", senderMembership)
		}
		if senderMembership != MembershipJoin {
			return reject(event.ID(), CodeNotMember, "sender membership is %s", senderMembership)
		}
		if targetMembership == MembershipBan && senderLevel < levels.Ban {
			return reject(event.ID(), CodeInsufficientPower, "level %d below ban level %d to unban", senderLevel, levels.Ban)
		}
		if senderLevel < levels.Kick || senderLevel <= targetLevel {
			return reject(event.ID(), CodeInsufficientPower, "level %d cannot kick %s at level %d (kick level %d)",
				senderLevel, targetID, targetLevel, levels.Kick)
		}
		return nil

	case MembershipBan:
		if senderMembership != MembershipJoin {
			return reject(event.ID(), CodeNotMember, "sender membership is %s", senderMembership)
		}
		if senderLevel < levels.Ban || senderLevel <= targetLevel {
			return reject(event.ID(), CodeInsufficientPower, "level %d cannot ban %s at level %d (ban level %d)",
				senderLevel, targetID, targetLevel, levels.Ban)
		}
		return nil

	case MembershipKnock:
		if !rules.AllowKnocking {
			return reject(event.ID(), CodeInvalidMembership, "room version %s does not support knocking", rules.ID)
		}
		if joinRule != JoinRuleKnock && !(rules.KnockRestrictedJoinRule && joinRule == JoinRuleKnockRestricted) {
			return reject(event.ID(), CodeJoinRule, "join rule %s does not allow knocking", joinRule)
		}
		if sender != targetID {
			return reject(event.ID(), CodeInvalidMembership, "cannot knock on behalf of %s", targetID)
		}
		if targetMembership == MembershipBan || targetMembership == MembershipJoin {
			return reject(event.ID(), CodeInvalidMembership, "cannot knock with membership %s", targetMembership)
		}
		return nil
	}
	return reject(event.ID(), CodeMalformedContent, "unknown membership %q", membership)
}

// firstJoinByCreator is the join that brings the creator into a fresh
// room: its only prev event is the create event.
func firstJoinByCreator(rules roomversion.Rules, event *pdu.Event, state State, target string) bool {
	create := state.Create()
	if create == nil {
		return false
	}
	prev := event.PrevEvents()
	if len(prev) != 1 || prev[0] != create.ID() {
		return false
	}
	creator := roomCreator(rules, create)
	return creator != "" && creator == target && event.Sender().String() == target
}

func checkJoin(rules roomversion.Rules, event *pdu.Event, state State, content gjson.Result, targetMembership, joinRule string) error {
	sender := event.Sender().String()
	stateKey, _ := event.StateKey()
	if sender != stateKey {
		return reject(event.ID(), CodeInvalidMembership, "cannot join on behalf of %s", stateKey)
	}
	if targetMembership == MembershipBan {
		return reject(event.ID(), CodeBanned, "%s is banned", sender)
	}

	restricted := (rules.RestrictedJoinRule && joinRule == JoinRuleRestricted) ||
		(rules.KnockRestrictedJoinRule && joinRule == JoinRuleKnockRestricted)

	switch {
	case joinRule == JoinRulePublic:
		return nil
	case restricted:
		if targetMembership == MembershipJoin || targetMembership == MembershipInvite {
			return nil
		}
		authoriserField := content.Get("join_authorised_via_users_server")
		if authoriserField.Type != gjson.String {
			return reject(event.ID(), CodeJoinRule, "restricted join without an authorising user")
		}
		authoriser := authoriserField.Str
		if state.Membership(authoriser) != MembershipJoin {
			return reject(event.ID(), CodeJoinRule, "authorising user %s is not joined", authoriser)
		}
		inviteLevel := int64(DefaultInvite)
		if levels := levelsOf(rules, state); levels != nil {
			inviteLevel = levels.Invite
		}
		if UserPowerLevel(rules, state, authoriser) < inviteLevel {
			return reject(event.ID(), CodeInsufficientPower, "authorising user %s cannot invite", authoriser)
		}
		return nil
	case joinRule == JoinRuleInvite || (rules.AllowKnocking && joinRule == JoinRuleKnock):
		if targetMembership == MembershipJoin || targetMembership == MembershipInvite {
			return nil
		}
		return reject(event.ID(), CodeJoinRule, "join rule %s requires an invite", joinRule)
	}
	return reject(event.ID(), CodeJoinRule, "join rule %s does not allow joining", joinRule)
}

func checkThirdPartyInvite(event *pdu.Event, state State, content gjson.Result, target string) error {
	signed := content.Get("third_party_invite.signed")
	if !signed.IsObject() {
		return reject(event.ID(), CodeThirdPartyInvite, "third_party_invite has no signed object")
	}
	mxid := signed.Get("mxid")
	token := signed.Get("token")
	if mxid.Type != gjson.String || token.Type != gjson.String {
		return reject(event.ID(), CodeThirdPartyInvite, "signed object lacks mxid or token")
	}
	if mxid.Str != target {
		return reject(event.ID(), CodeThirdPartyInvite, "signed mxid %s does not match %s", mxid.Str, target)
	}
	invite := state.Get(statemap.Key{Type: ref.EventTypeThirdPartyInvite, StateKey: token.Str})
	if invite == nil {
		return reject(event.ID(), CodeThirdPartyInvite, "no third party invite for token %s", token.Str)
	}
	if invite.Sender() != event.Sender() {
		return reject(event.ID(), CodeThirdPartyInvite, "third party invite was sent by %s", invite.Sender())
	}
	if !pdu.VerifySignedJSON([]byte(signed.Raw), thirdPartyInviteKeys(invite)) {
		return reject(event.ID(), CodeThirdPartyInvite, "signed object does not verify")
	}
	return nil
}
