// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pdutest builds signed rooms for tests. Keys are derived
// deterministically from server names so the same test produces the
// same event IDs on every run.
package pdutest

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

// KeySigner is a deterministic ed25519 signer for one server.
type KeySigner struct {
	server  ref.ServerName
	keyID   ref.KeyID
	private ed25519.PrivateKey
}

// NewSigner derives a signer for server from a fixed seed.
func NewSigner(server string) *KeySigner {
	seed := sha256.Sum256([]byte("roomserver-test-seed:" + server))
	return &KeySigner{
		server:  ref.MustParseServerName(server),
		keyID:   ref.MustParseKeyID("ed25519:test"),
		private: ed25519.NewKeyFromSeed(seed[:]),
	}
}

func (s *KeySigner) ServerName() ref.ServerName { return s.server }
func (s *KeySigner) KeyID() ref.KeyID           { return s.keyID }
func (s *KeySigner) Sign(message []byte) []byte { return ed25519.Sign(s.private, message) }

// PublicKey returns the signer's public key.
func (s *KeySigner) PublicKey() ed25519.PublicKey {
	return s.private.Public().(ed25519.PublicKey)
}

// Keys is a static pdu.KeyResolver.
type Keys map[ref.ServerName]*KeySigner

// PublicKey implements pdu.KeyResolver.
func (k Keys) PublicKey(_ context.Context, server ref.ServerName, keyID ref.KeyID) (ed25519.PublicKey, error) {
	signer, ok := k[server]
	if !ok || signer.keyID != keyID {
		return nil, fmt.Errorf("pdutest: no key %s for %s", keyID, server)
	}
	return signer.PublicKey(), nil
}

// Room produces events for a single room.
type Room struct {
	t         testing.TB
	Rules     roomversion.Rules
	ID        ref.RoomID
	Keys      Keys
	timestamp int64
}

// NewRoom returns a Room builder for a room hosted on server.
func NewRoom(t testing.TB, version roomversion.ID, server string) *Room {
	t.Helper()
	return &Room{
		t:         t,
		Rules:     roomversion.MustLookup(version),
		ID:        ref.MustParseRoomID("!room:" + server),
		Keys:      Keys{},
		timestamp: 1_700_000_000_000,
	}
}

// Signer returns the signer for server, creating it on first use.
func (r *Room) Signer(server ref.ServerName) *KeySigner {
	signer, ok := r.Keys[server]
	if !ok {
		signer = NewSigner(server.String())
		r.Keys[server] = signer
	}
	return signer
}

// Event builds and signs an event with depth one past its deepest
// parent and a timestamp one millisecond after the previous event.
func (r *Room) Event(sender string, eventType ref.EventType, stateKey *string, content any, prev, auth []*pdu.Event) *pdu.Event {
	r.t.Helper()
	event, err := r.TryEvent(sender, eventType, stateKey, content, prev, auth)
	if err != nil {
		r.t.Fatalf("building %s event: %v", eventType, err)
	}
	return event
}

// TryEvent is Event returning the error instead of failing the test.
func (r *Room) TryEvent(sender string, eventType ref.EventType, stateKey *string, content any, prev, auth []*pdu.Event) (*pdu.Event, error) {
	senderID, err := ref.ParseUserID(sender)
	if err != nil {
		return nil, err
	}
	var depth int64
	for _, parent := range prev {
		depth = max(depth, parent.Depth())
	}
	if len(prev) > 0 {
		depth++
	}
	r.timestamp++
	proto := pdu.Proto{
		RoomID:         r.ID,
		Sender:         senderID,
		Type:           eventType,
		StateKey:       stateKey,
		Content:        content,
		PrevEvents:     IDs(prev),
		AuthEvents:     IDs(auth),
		Depth:          depth,
		OriginServerTS: r.timestamp,
	}
	return pdu.Build(r.Rules, proto, r.Signer(senderID.Server()))
}

// SetTimestamp sets the timestamp the next event gets minus one.
func (r *Room) SetTimestamp(millis int64) { r.timestamp = millis - 1 }

// Create builds the room's create event.
func (r *Room) Create(creator string) *pdu.Event {
	content := map[string]any{"room_version": string(r.Rules.ID)}
	if !r.Rules.UseRoomCreateSender {
		content["creator"] = creator
	}
	return r.Event(creator, ref.EventTypeCreate, pdu.StateKey(""), content, nil, nil)
}

// Member builds a membership event for target sent by sender.
func (r *Room) Member(sender, target, membership string, prev, auth []*pdu.Event) *pdu.Event {
	return r.Event(sender, ref.EventTypeMember, pdu.StateKey(target), map[string]any{"membership": membership}, prev, auth)
}

// PowerLevels builds a power levels event giving users their levels.
func (r *Room) PowerLevels(sender string, users map[string]int, prev, auth []*pdu.Event) *pdu.Event {
	userLevels := map[string]any{}
	for user, level := range users {
		userLevels[user] = level
	}
	return r.Event(sender, ref.EventTypePowerLevels, pdu.StateKey(""), map[string]any{"users": userLevels}, prev, auth)
}

// JoinRules builds a join rules event.
func (r *Room) JoinRules(sender, rule string, prev, auth []*pdu.Event) *pdu.Event {
	return r.Event(sender, ref.EventTypeJoinRules, pdu.StateKey(""), map[string]any{"join_rule": rule}, prev, auth)
}

// Message builds an m.room.message event.
func (r *Room) Message(sender, body string, prev, auth []*pdu.Event) *pdu.Event {
	return r.Event(sender, ref.EventTypeMessage, nil, map[string]any{"msgtype": "m.text", "body": body}, prev, auth)
}

// IDs maps events to their IDs.
func IDs(events []*pdu.Event) []ref.EventID {
	ids := make([]ref.EventID, len(events))
	for i, event := range events {
		ids[i] = event.ID()
	}
	return ids
}

// List is shorthand for a slice of events.
func List(events ...*pdu.Event) []*pdu.Event { return events }
