// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statemap provides the immutable state snapshot: a mapping
// from (event type, state key) to the event ID that currently holds
// that slot.
//
// A Map is never edited in place. Derivations (With, Without, a
// Builder) produce new maps, so a snapshot handed to the auth rules or
// cached by the state resolver cannot change underneath its reader.
// Every Map has a BLAKE3 [Digest] over its sorted entries; equal maps
// have equal digests, which is how the event store deduplicates
// snapshots and how the resolver keys its cache.
package statemap

import (
	"cmp"
	"encoding/binary"
	"encoding/hex"
	"iter"
	"maps"
	"slices"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Key identifies a state slot.
type Key struct {
	Type     ref.EventType
	StateKey string
}

// Compare orders keys by type, then state key.
func (k Key) Compare(other Key) int {
	if c := cmp.Compare(k.Type, other.Type); c != 0 {
		return c
	}
	return cmp.Compare(k.StateKey, other.StateKey)
}

// String renders the key as "type|state_key" for logs.
func (k Key) String() string { return string(k.Type) + "|" + k.StateKey }

// Well-known keys.
var (
	CreateKey      = Key{Type: ref.EventTypeCreate}
	PowerLevelsKey = Key{Type: ref.EventTypePowerLevels}
	JoinRulesKey   = Key{Type: ref.EventTypeJoinRules}
)

// MemberKey returns the key of user's membership.
func MemberKey(user string) Key {
	return Key{Type: ref.EventTypeMember, StateKey: user}
}

// Map is an immutable state snapshot. The zero value is the empty map.
type Map struct {
	entries map[Key]ref.EventID
}

// Empty is the map with no entries.
var Empty = Map{}

// New builds a Map from entries. The input is copied.
func New(entries map[Key]ref.EventID) Map {
	if len(entries) == 0 {
		return Map{}
	}
	return Map{entries: maps.Clone(entries)}
}

// Get returns the event holding key.
func (m Map) Get(key Key) (ref.EventID, bool) {
	id, ok := m.entries[key]
	return id, ok
}

// Len returns the number of entries.
func (m Map) Len() int { return len(m.entries) }

// Keys returns the keys in sorted order.
func (m Map) Keys() []Key {
	keys := slices.Collect(maps.Keys(m.entries))
	slices.SortFunc(keys, Key.Compare)
	return keys
}

// All iterates entries in key order.
func (m Map) All() iter.Seq2[Key, ref.EventID] {
	return func(yield func(Key, ref.EventID) bool) {
		for _, key := range m.Keys() {
			if !yield(key, m.entries[key]) {
				return
			}
		}
	}
}

// EventIDs returns the distinct event IDs in the map, sorted.
func (m Map) EventIDs() []ref.EventID {
	ids := make([]ref.EventID, 0, len(m.entries))
	for _, id := range m.entries {
		ids = append(ids, id)
	}
	ref.SortEventIDs(ids)
	return slices.Compact(ids)
}

// With returns a copy of m with key set to id.
func (m Map) With(key Key, id ref.EventID) Map {
	entries := make(map[Key]ref.EventID, len(m.entries)+1)
	maps.Copy(entries, m.entries)
	entries[key] = id
	return Map{entries: entries}
}

// Equal reports whether m and other hold the same entries.
func (m Map) Equal(other Map) bool {
	return maps.Equal(m.entries, other.entries)
}

// Builder accumulates entries for a new Map. A Builder is not safe for
// concurrent use.
type Builder struct {
	entries map[Key]ref.EventID
}

// NewBuilder returns a Builder seeded with base's entries.
func NewBuilder(base Map) *Builder {
	entries := make(map[Key]ref.EventID, len(base.entries))
	maps.Copy(entries, base.entries)
	return &Builder{entries: entries}
}

// Set assigns key to id.
func (b *Builder) Set(key Key, id ref.EventID) { b.entries[key] = id }

// Get returns the current value of key.
func (b *Builder) Get(key Key) (ref.EventID, bool) {
	id, ok := b.entries[key]
	return id, ok
}

// Map returns an immutable snapshot of the builder's current entries.
// The builder may continue to be used.
func (b *Builder) Map() Map { return New(b.entries) }

// Entry is a serializable map entry.
type Entry struct {
	Type     ref.EventType `json:"type"`
	StateKey string        `json:"state_key"`
	EventID  ref.EventID   `json:"event_id"`
}

// Entries returns the map as a key-sorted slice.
func (m Map) Entries() []Entry {
	entries := make([]Entry, 0, len(m.entries))
	for key, id := range m.All() {
		entries = append(entries, Entry{Type: key.Type, StateKey: key.StateKey, EventID: id})
	}
	return entries
}

// FromEntries rebuilds a Map from Entries output.
func FromEntries(entries []Entry) Map {
	m := make(map[Key]ref.EventID, len(entries))
	for _, entry := range entries {
		m[Key{Type: entry.Type, StateKey: entry.StateKey}] = entry.EventID
	}
	return Map{entries: m}
}

// Digest is a 32-byte BLAKE3 keyed digest.
type Digest [32]byte

// String returns the lowercase hex form.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether d is all zeros.
func (d Digest) IsZero() bool { return d == Digest{} }

// Domain key for state map digests: ASCII, zero-padded to 32 bytes.
// Changing it invalidates every stored snapshot digest.
var mapDomainKey = [32]byte{
	'r', 'o', 'o', 'm', 's', 'e', 'r', 'v', 'e', 'r', '.', 's', 't', 'a', 't', 'e',
	'm', 'a', 'p', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Digest returns the content digest of m. Every field is length
// prefixed so no two distinct maps share an encoding.
func (m Map) Digest() Digest {
	hasher := NewHasher(mapDomainKey)
	for key, id := range m.All() {
		hasher.WriteString(string(key.Type))
		hasher.WriteString(key.StateKey)
		hasher.WriteString(id.String())
	}
	return hasher.Sum()
}

// Hasher writes length-prefixed strings into a keyed BLAKE3 hash.
type Hasher struct {
	hasher *blake3.Hasher
	prefix [binary.MaxVarintLen64]byte
}

// NewHasher returns a Hasher keyed with the given domain key.
func NewHasher(domainKey [32]byte) *Hasher {
	hasher, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		panic("statemap: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return &Hasher{hasher: hasher}
}

// WriteString appends a length-prefixed string.
func (h *Hasher) WriteString(value string) {
	n := binary.PutUvarint(h.prefix[:], uint64(len(value)))
	h.hasher.Write(h.prefix[:n])
	h.hasher.WriteString(value)
}

// WriteDigest appends a digest.
func (h *Hasher) WriteDigest(d Digest) {
	h.hasher.Write(d[:])
}

// Sum returns the digest of everything written.
func (h *Hasher) Sum() Digest {
	var digest Digest
	copy(digest[:], h.hasher.Sum(nil))
	return digest
}
