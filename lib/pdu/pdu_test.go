// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu_test

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/pdu/pdutest"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

// mutate decodes event JSON, applies change, and re-encodes it.
func mutate(t *testing.T, event *pdu.Event, change func(map[string]any)) []byte {
	t.Helper()
	var object map[string]any
	if err := json.Unmarshal(event.JSON(), &object); err != nil {
		t.Fatal(err)
	}
	change(object)
	data, err := json.Marshal(object)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestBuildParseRoundtrip(t *testing.T) {
	room := pdutest.NewRoom(t, roomversion.V10, "example.org")
	create := room.Create("@alice:example.org")

	if !strings.HasPrefix(create.ID().String(), "$") || strings.ContainsAny(create.ID().String(), "+/=:") {
		t.Errorf("event ID %q is not URL-safe unpadded base64", create.ID())
	}
	if !create.ContentHashMatches() {
		t.Error("freshly built event fails its own content hash")
	}

	parsed, err := pdu.Parse(room.Rules, create.JSON())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.ID() != create.ID() {
		t.Errorf("Parse ID = %s, want %s", parsed.ID(), create.ID())
	}
	if key, ok := parsed.StateKey(); !ok || key != "" {
		t.Errorf("StateKey() = %q, %v; want \"\", true", key, ok)
	}
	if parsed.Origin().String() != "example.org" {
		t.Errorf("Origin() = %s", parsed.Origin())
	}

	if err := parsed.VerifySignatures(context.Background(), room.Keys); err != nil {
		t.Errorf("VerifySignatures: %v", err)
	}
}

func TestParseIgnoresUnsignedAndClaimedID(t *testing.T) {
	room := pdutest.NewRoom(t, roomversion.V10, "example.org")
	create := room.Create("@alice:example.org")

	data := mutate(t, create, func(object map[string]any) {
		object["unsigned"] = map[string]any{"age": 5}
		object["event_id"] = "$forged"
	})
	parsed, err := pdu.Parse(room.Rules, data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.ID() != create.ID() {
		t.Errorf("ID changed by unsigned or claimed event_id: %s != %s", parsed.ID(), create.ID())
	}
	if string(parsed.JSON()) != string(create.JSON()) {
		t.Error("canonical JSON retained unsigned data")
	}
}

func TestTamperedMessageKeepsIDButFailsContentHash(t *testing.T) {
	room := pdutest.NewRoom(t, roomversion.V10, "example.org")
	create := room.Create("@alice:example.org")
	message := room.Message("@alice:example.org", "hello", pdutest.List(create), pdutest.List(create))

	data := mutate(t, message, func(object map[string]any) {
		object["content"].(map[string]any)["body"] = "goodbye"
	})
	tampered, err := pdu.Parse(room.Rules, data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tampered.ID() != message.ID() {
		t.Error("message body change altered the reference hash; body is not covered by redaction")
	}
	if tampered.ContentHashMatches() {
		t.Error("tampered message passes its content hash")
	}
	if tampered.ContentDigest() == message.ContentDigest() {
		t.Error("tampered message has the same content digest")
	}
	// Signatures cover the redacted form only, so they still verify.
	if err := tampered.VerifySignatures(context.Background(), room.Keys); err != nil {
		t.Errorf("VerifySignatures: %v", err)
	}
}

func TestTamperedMembershipChangesID(t *testing.T) {
	room := pdutest.NewRoom(t, roomversion.V10, "example.org")
	create := room.Create("@alice:example.org")
	join := room.Member("@alice:example.org", "@alice:example.org", "join", pdutest.List(create), pdutest.List(create))

	data := mutate(t, join, func(object map[string]any) {
		object["content"].(map[string]any)["membership"] = "ban"
	})
	tampered, err := pdu.Parse(room.Rules, data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tampered.ID() == join.ID() {
		t.Error("membership change did not alter the event ID")
	}
	if err := tampered.VerifySignatures(context.Background(), room.Keys); !errors.Is(err, pdu.ErrBadSignature) {
		t.Errorf("VerifySignatures error = %v, want ErrBadSignature", err)
	}
}

func TestRedacted(t *testing.T) {
	room := pdutest.NewRoom(t, roomversion.V10, "example.org")
	create := room.Create("@alice:example.org")
	message := room.Message("@alice:example.org", "secret", pdutest.List(create), pdutest.List(create))

	redacted, err := message.Redacted()
	if err != nil {
		t.Fatalf("Redacted: %v", err)
	}
	if redacted.ID() != message.ID() {
		t.Errorf("redaction changed ID")
	}
	if string(redacted.Content()) != "{}" {
		t.Errorf("redacted content = %s, want {}", redacted.Content())
	}
	if redacted.ContentHashMatches() {
		t.Error("redacted event still matches its content hash")
	}
	if !redacted.IsRedactedForm() || message.IsRedactedForm() {
		t.Error("IsRedactedForm misreports")
	}
	if err := redacted.VerifySignatures(context.Background(), room.Keys); err != nil {
		t.Errorf("redacted event signature: %v", err)
	}
}

func TestRedactContentByVersion(t *testing.T) {
	object := map[string]any{
		"type":   "m.room.power_levels",
		"origin": "example.org",
		"content": map[string]any{
			"ban":    50,
			"invite": 0,
			"users":  map[string]any{"@a:x": 100},
			"extra":  true,
		},
	}
	tests := []struct {
		version    roomversion.ID
		keepInvite bool
		keepOrigin bool
	}{
		{version: roomversion.V10, keepInvite: false, keepOrigin: true},
		{version: roomversion.V11, keepInvite: true, keepOrigin: false},
	}
	for _, test := range tests {
		t.Run(string(test.version), func(t *testing.T) {
			redacted := pdu.Redact(roomversion.MustLookup(test.version), object)
			content := redacted["content"].(map[string]any)
			if _, ok := content["extra"]; ok {
				t.Error("unknown content key survived redaction")
			}
			if _, ok := content["ban"]; !ok {
				t.Error("ban was dropped")
			}
			if _, ok := content["invite"]; ok != test.keepInvite {
				t.Errorf("invite kept = %v, want %v", ok, test.keepInvite)
			}
			if _, ok := redacted["origin"]; ok != test.keepOrigin {
				t.Errorf("origin kept = %v, want %v", ok, test.keepOrigin)
			}
		})
	}
	if _, ok := object["content"].(map[string]any)["extra"]; !ok {
		t.Error("Redact modified its input")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	room := pdutest.NewRoom(t, roomversion.V10, "example.org")
	create := room.Create("@alice:example.org")

	tests := []struct {
		name   string
		change func(map[string]any)
	}{
		{name: "missing sender", change: func(o map[string]any) { delete(o, "sender") }},
		{name: "bad room id", change: func(o map[string]any) { o["room_id"] = "room" }},
		{name: "content not object", change: func(o map[string]any) { o["content"] = "x" }},
		{name: "missing prev_events", change: func(o map[string]any) { delete(o, "prev_events") }},
		{name: "negative depth", change: func(o map[string]any) { o["depth"] = -1 }},
		{name: "fractional depth", change: func(o map[string]any) { o["depth"] = 1.5 }},
		{name: "no signatures", change: func(o map[string]any) { delete(o, "signatures") }},
		{name: "no hashes", change: func(o map[string]any) { delete(o, "hashes") }},
		{name: "too many prev events", change: func(o map[string]any) {
			prev := make([]any, pdu.MaxPrevEvents+1)
			for i := range prev {
				prev[i] = "$p"
			}
			o["prev_events"] = prev
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := pdu.Parse(room.Rules, mutate(t, create, test.change))
			if !errors.Is(err, pdu.ErrMalformed) {
				t.Errorf("Parse error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestRedactsLocationByVersion(t *testing.T) {
	for _, version := range []roomversion.ID{roomversion.V10, roomversion.V11} {
		room := pdutest.NewRoom(t, version, "example.org")
		signer := room.Signer(ref.MustParseServerName("example.org"))
		target := ref.MustParseEventID("$target")
		event, err := pdu.Build(room.Rules, pdu.Proto{
			RoomID:     room.ID,
			Sender:     ref.MustParseUserID("@alice:example.org"),
			Type:       ref.EventTypeRedaction,
			Content:    map[string]any{},
			PrevEvents: []ref.EventID{},
			AuthEvents: []ref.EventID{},
			Redacts:    target,
		}, signer)
		if err != nil {
			t.Fatalf("%s: Build: %v", version, err)
		}
		if event.Redacts() != target {
			t.Errorf("%s: Redacts() = %s, want %s", version, event.Redacts(), target)
		}
		inContent := strings.Contains(string(event.Content()), "redacts")
		if inContent != (version == roomversion.V11) {
			t.Errorf("%s: redacts in content = %v", version, inContent)
		}
	}
}

func TestRequiredSignersForRestrictedJoin(t *testing.T) {
	room := pdutest.NewRoom(t, roomversion.V10, "example.org")
	create := room.Create("@alice:example.org")
	join := room.Event("@bob:remote.org", ref.EventTypeMember, pdu.StateKey("@bob:remote.org"), map[string]any{
		"membership":                       "join",
		"join_authorised_via_users_server": "@alice:example.org",
	}, pdutest.List(create), pdutest.List(create))

	signers := join.RequiredSigners()
	if len(signers) != 2 || signers[1].String() != "example.org" {
		t.Fatalf("RequiredSigners = %v, want [remote.org example.org]", signers)
	}
	if err := join.VerifySignatures(context.Background(), room.Keys); err == nil {
		t.Fatal("restricted join without authorising server signature verified")
	}
	cosigned, err := join.Sign(room.Signer(ref.MustParseServerName("example.org")))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if cosigned.ID() != join.ID() {
		t.Error("co-signing changed the event ID")
	}
	if err := cosigned.VerifySignatures(context.Background(), room.Keys); err != nil {
		t.Errorf("co-signed join: %v", err)
	}
}

func TestVerifySignedJSON(t *testing.T) {
	signer := pdutest.NewSigner("identity.example.org")
	signed, err := pdu.SignJSON(map[string]any{
		"mxid":   "@carol:example.org",
		"token":  "abc",
		"sender": "@alice:example.org",
	}, signer)
	if err != nil {
		t.Fatalf("SignJSON: %v", err)
	}
	if !pdu.VerifySignedJSON(signed, []ed25519.PublicKey{signer.PublicKey()}) {
		t.Error("VerifySignedJSON rejected a valid signature")
	}
	other := pdutest.NewSigner("other.example.org")
	if pdu.VerifySignedJSON(signed, []ed25519.PublicKey{other.PublicKey()}) {
		t.Error("VerifySignedJSON accepted the wrong key")
	}
}
