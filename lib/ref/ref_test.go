// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/json"
	"slices"
	"testing"
)

func TestParseRoomID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		server  string
		wantErr bool
	}{
		{name: "simple", raw: "!abc:example.org", server: "example.org"},
		{name: "with port", raw: "!abc:example.org:8448", server: "example.org:8448"},
		{name: "empty", raw: "", wantErr: true},
		{name: "wrong sigil", raw: "#abc:example.org", wantErr: true},
		{name: "no server", raw: "!abc", wantErr: true},
		{name: "empty local part", raw: "!:example.org", wantErr: true},
		{name: "empty server", raw: "!abc:", wantErr: true},
		{name: "space in server", raw: "!abc:exa mple.org", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			roomID, err := ParseRoomID(test.raw)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ParseRoomID(%q) succeeded, want error", test.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRoomID(%q): %v", test.raw, err)
			}
			if roomID.String() != test.raw {
				t.Errorf("String() = %q, want %q", roomID.String(), test.raw)
			}
			if roomID.Server().String() != test.server {
				t.Errorf("Server() = %q, want %q", roomID.Server(), test.server)
			}
		})
	}
}

func TestParseUserID(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		localpart string
		server    string
		wantErr   bool
	}{
		{name: "simple", raw: "@alice:example.org", localpart: "alice", server: "example.org"},
		{name: "colon in server", raw: "@bob:host:8448", localpart: "bob", server: "host:8448"},
		{name: "empty localpart", raw: "@:example.org", wantErr: true},
		{name: "no sigil", raw: "alice:example.org", wantErr: true},
		{name: "no server", raw: "@alice", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			userID, err := ParseUserID(test.raw)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ParseUserID(%q) succeeded, want error", test.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseUserID(%q): %v", test.raw, err)
			}
			if userID.Localpart() != test.localpart {
				t.Errorf("Localpart() = %q, want %q", userID.Localpart(), test.localpart)
			}
			if userID.Server().String() != test.server {
				t.Errorf("Server() = %q, want %q", userID.Server(), test.server)
			}
		})
	}
}

func TestParseEventID(t *testing.T) {
	if _, err := ParseEventID("$"); err == nil {
		t.Error("ParseEventID(\"$\") succeeded, want error")
	}
	if _, err := ParseEventID("abc"); err == nil {
		t.Error("ParseEventID without sigil succeeded, want error")
	}
	hashed := MustParseEventID("$Rqnc-F-dvnEYJTyHq_iKxU2bZ1CI92-kuZq3a5lr5Zg")
	if hashed.Server() != "" {
		t.Errorf("hash-based event ID Server() = %q, want empty", hashed.Server())
	}
	legacy := MustParseEventID("$abc:example.org")
	if legacy.Server() != "example.org" {
		t.Errorf("legacy event ID Server() = %q, want example.org", legacy.Server())
	}
}

func TestSortEventIDs(t *testing.T) {
	ids := []EventID{MustParseEventID("$c"), MustParseEventID("$a"), MustParseEventID("$B")}
	SortEventIDs(ids)
	got := []string{ids[0].String(), ids[1].String(), ids[2].String()}
	want := []string{"$B", "$a", "$c"}
	if !slices.Equal(got, want) {
		t.Errorf("SortEventIDs = %v, want %v", got, want)
	}
}

func TestParseKeyID(t *testing.T) {
	keyID, err := ParseKeyID("ed25519:a_1")
	if err != nil {
		t.Fatalf("ParseKeyID: %v", err)
	}
	if keyID.Algorithm() != "ed25519" {
		t.Errorf("Algorithm() = %q", keyID.Algorithm())
	}
	for _, bad := range []string{"ed25519", ":abc", "ed25519:", "ed25519:a-b"} {
		if _, err := ParseKeyID(bad); err == nil {
			t.Errorf("ParseKeyID(%q) succeeded, want error", bad)
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type envelope struct {
		Room   RoomID     `json:"room_id"`
		Sender UserID     `json:"sender"`
		Event  EventID    `json:"event_id"`
		Origin ServerName `json:"origin"`
	}
	original := envelope{
		Room:   MustParseRoomID("!room:example.org"),
		Sender: MustParseUserID("@alice:example.org"),
		Event:  MustParseEventID("$event"),
		Origin: MustParseServerName("example.org"),
	}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"room_id":"!room:example.org","sender":"@alice:example.org","event_id":"$event","origin":"example.org"}`
	if string(data) != want {
		t.Errorf("Marshal = %s, want %s", data, want)
	}
	var decoded envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip = %+v, want %+v", decoded, original)
	}

	if err := json.Unmarshal([]byte(`{"room_id":"not-a-room"}`), &decoded); err == nil {
		t.Error("Unmarshal of invalid room ID succeeded, want error")
	}
}
