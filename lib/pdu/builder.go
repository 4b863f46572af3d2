// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

// Proto is the unsigned skeleton of a locally created event. The room
// graph fills PrevEvents, AuthEvents and Depth from the room's current
// position before calling Build.
type Proto struct {
	RoomID         ref.RoomID
	Sender         ref.UserID
	Type           ref.EventType
	StateKey       *string
	Content        any
	PrevEvents     []ref.EventID
	AuthEvents     []ref.EventID
	Depth          int64
	OriginServerTS int64
	Redacts        ref.EventID
}

// StateKey returns a pointer to key, for Proto literals.
func StateKey(key string) *string { return &key }

// Build assembles proto into an event, fills the content hash and
// signs it with signer.
func Build(rules roomversion.Rules, proto Proto, signer Signer) (*Event, error) {
	if proto.Sender.IsZero() {
		return nil, fmt.Errorf("pdu: build: missing sender")
	}
	if proto.Sender.Server() != signer.ServerName() {
		return nil, fmt.Errorf("pdu: build: sender %s does not belong to signing server %s", proto.Sender, signer.ServerName())
	}

	contentJSON, err := json.Marshal(proto.Content)
	if err != nil {
		return nil, fmt.Errorf("pdu: build: marshaling content: %w", err)
	}
	if string(contentJSON) == "null" {
		contentJSON = []byte("{}")
	}
	content, err := decodeObject(contentJSON)
	if err != nil {
		return nil, fmt.Errorf("pdu: build: content: %w", err)
	}

	object := map[string]any{
		"room_id":          proto.RoomID.String(),
		"sender":           proto.Sender.String(),
		"type":             string(proto.Type),
		"content":          content,
		"prev_events":      idList(proto.PrevEvents),
		"auth_events":      idList(proto.AuthEvents),
		"depth":            json.Number(strconv.FormatInt(proto.Depth, 10)),
		"origin_server_ts": json.Number(strconv.FormatInt(proto.OriginServerTS, 10)),
	}
	if proto.StateKey != nil {
		object["state_key"] = *proto.StateKey
	}
	if !proto.Redacts.IsZero() {
		if rules.RedactionKeepsRedacts {
			content["redacts"] = proto.Redacts.String()
		} else {
			object["redacts"] = proto.Redacts.String()
		}
	}

	contentHash, err := ContentHash(object)
	if err != nil {
		return nil, err
	}
	object["hashes"] = map[string]any{"sha256": EncodeBase64(contentHash[:])}

	if err := signObject(rules, object, signer); err != nil {
		return nil, err
	}
	return fromObject(rules, object)
}

func idList(ids []ref.EventID) []any {
	list := make([]any, len(ids))
	for i, id := range ids {
		list[i] = id.String()
	}
	return list
}
