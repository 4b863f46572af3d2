// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

var keptTopLevel = []string{
	"event_id", "type", "room_id", "sender", "state_key", "content",
	"hashes", "signatures", "depth", "prev_events", "auth_events",
	"origin_server_ts",
}

var legacyTopLevel = []string{"origin", "membership", "prev_state"}

// Redact returns a copy of object stripped to the keys the room
// version preserves under redaction. The input is not modified; nested
// values that survive are shared with it.
func Redact(rules roomversion.Rules, object map[string]any) map[string]any {
	redacted := make(map[string]any, len(keptTopLevel))
	for _, key := range keptTopLevel {
		if value, ok := object[key]; ok {
			redacted[key] = value
		}
	}
	if rules.RedactionKeepsLegacyTopLevels {
		for _, key := range legacyTopLevel {
			if value, ok := object[key]; ok {
				redacted[key] = value
			}
		}
	}

	content, _ := object["content"].(map[string]any)
	eventType, _ := object["type"].(string)
	redacted["content"] = redactContent(rules, ref.EventType(eventType), content)
	return redacted
}

func redactContent(rules roomversion.Rules, eventType ref.EventType, content map[string]any) map[string]any {
	kept := map[string]any{}
	keep := func(keys ...string) {
		for _, key := range keys {
			if value, ok := content[key]; ok {
				kept[key] = value
			}
		}
	}

	switch eventType {
	case ref.EventTypeMember:
		keep("membership")
		if rules.RedactionKeepsJoinAuthorised {
			keep("join_authorised_via_users_server")
		}
		if rules.RedactionKeepsSignedInvite {
			if invite, ok := content["third_party_invite"].(map[string]any); ok {
				if signed, ok := invite["signed"]; ok {
					kept["third_party_invite"] = map[string]any{"signed": signed}
				}
			}
		}
	case ref.EventTypeCreate:
		if rules.RedactionKeepsCreateContent {
			for key, value := range content {
				kept[key] = value
			}
		} else {
			keep("creator")
		}
	case ref.EventTypeJoinRules:
		keep("join_rule")
		if rules.RedactionKeepsAllow {
			keep("allow")
		}
	case ref.EventTypePowerLevels:
		keep("ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default")
		if rules.RedactionKeepsInvite {
			keep("invite")
		}
	case ref.EventTypeAliases:
		if rules.SpecialCaseAliases {
			keep("aliases")
		}
	case ref.EventTypeHistoryVisibility:
		keep("history_visibility")
	case ref.EventTypeRedaction:
		if rules.RedactionKeepsRedacts {
			keep("redacts")
		}
	}
	return kept
}

// Redacted returns the redacted form of e. The ID and signatures are
// unchanged.
func (e *Event) Redacted() (*Event, error) {
	redacted, err := fromObject(e.rules, Redact(e.rules, e.Object()))
	if err != nil {
		return nil, err
	}
	if redacted.id != e.id {
		return nil, fmt.Errorf("pdu: redacting %s changed its ID to %s", e.id, redacted.id)
	}
	return redacted, nil
}

// IsRedactedForm reports whether e's content is already exactly its
// redacted form.
func (e *Event) IsRedactedForm() bool {
	redacted, err := e.Redacted()
	return err == nil && string(redacted.canonical) == string(e.canonical)
}
