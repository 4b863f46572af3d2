// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statemap

import (
	"testing"

	"github.com/bureau-foundation/roomserver/lib/codec"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

func id(raw string) ref.EventID { return ref.MustParseEventID(raw) }

func TestMapIsImmutable(t *testing.T) {
	source := map[Key]ref.EventID{CreateKey: id("$create")}
	m := New(source)
	source[PowerLevelsKey] = id("$power")
	if m.Len() != 1 {
		t.Fatalf("New did not copy its input: Len() = %d", m.Len())
	}

	derived := m.With(PowerLevelsKey, id("$power"))
	if m.Len() != 1 || derived.Len() != 2 {
		t.Fatalf("With modified the receiver: m=%d derived=%d", m.Len(), derived.Len())
	}

	builder := NewBuilder(derived)
	builder.Set(MemberKey("@a:x"), id("$join"))
	snapshot := builder.Map()
	builder.Set(JoinRulesKey, id("$rules"))
	if snapshot.Len() != 3 {
		t.Fatalf("Builder.Map snapshot changed after Set: Len() = %d", snapshot.Len())
	}
}

func TestKeysSorted(t *testing.T) {
	m := New(map[Key]ref.EventID{
		MemberKey("@b:x"): id("$2"),
		PowerLevelsKey:    id("$3"),
		MemberKey("@a:x"): id("$1"),
		CreateKey:         id("$0"),
	})
	keys := m.Keys()
	want := []Key{CreateKey, MemberKey("@a:x"), MemberKey("@b:x"), PowerLevelsKey}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Keys() = %v, want %v", keys, want)
		}
	}
}

func TestDigest(t *testing.T) {
	a := New(map[Key]ref.EventID{CreateKey: id("$c"), MemberKey("@a:x"): id("$m")})
	b := NewBuilder(Empty)
	b.Set(MemberKey("@a:x"), id("$m"))
	b.Set(CreateKey, id("$c"))

	if a.Digest() != b.Map().Digest() {
		t.Error("equal maps have different digests")
	}
	if a.Digest() == a.With(CreateKey, id("$other")).Digest() {
		t.Error("different maps have equal digests")
	}
	if Empty.Digest().IsZero() {
		t.Error("empty map digest is zero")
	}

	// Field boundaries are length-prefixed: moving a byte between the
	// type and the state key must change the digest.
	left := New(map[Key]ref.EventID{{Type: "ab", StateKey: "c"}: id("$e")})
	right := New(map[Key]ref.EventID{{Type: "a", StateKey: "bc"}: id("$e")})
	if left.Digest() == right.Digest() {
		t.Error("ambiguous field boundary produced equal digests")
	}
}

func TestEntriesCBORRoundtrip(t *testing.T) {
	original := New(map[Key]ref.EventID{
		CreateKey:         id("$c"),
		MemberKey("@a:x"): id("$m"),
	})
	data, err := codec.Marshal(original.Entries())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var entries []Entry
	if err := codec.Unmarshal(data, &entries); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded := FromEntries(entries); !decoded.Equal(original) {
		t.Errorf("roundtrip = %v, want %v", decoded.Entries(), original.Entries())
	}
}

func TestEventIDsDistinct(t *testing.T) {
	m := New(map[Key]ref.EventID{
		CreateKey:         id("$c"),
		MemberKey("@a:x"): id("$m"),
		MemberKey("@b:x"): id("$m"),
	})
	ids := m.EventIDs()
	if len(ids) != 2 || ids[0].String() != "$c" || ids[1].String() != "$m" {
		t.Errorf("EventIDs() = %v", ids)
	}
}
