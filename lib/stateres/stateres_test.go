// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres_test

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/roomserver/lib/authrules"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/pdu/pdutest"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/statemap"
	"github.com/bureau-foundation/roomserver/lib/stateres"
)

const (
	alice = "@alice:a.example"
	bob   = "@bob:b.example"
	carol = "@carol:a.example"
)

// testRoom collects every event built so tests can hand them to
// Resolve as an EventSource.
type testRoom struct {
	t      *testing.T
	room   *pdutest.Room
	events stateres.Events
}

// branch is one line of history with its own state.
type branch struct {
	r     *testRoom
	state authrules.State
	last  *pdu.Event
}

func newTestRoom(t *testing.T) *testRoom {
	return &testRoom{t: t, room: pdutest.NewRoom(t, roomversion.V10, "a.example"), events: stateres.Events{}}
}

// base creates the room: alice creates and joins with level 100, bob
// gets the level in users, join rule public, bob joins.
func (r *testRoom) base(users map[string]int) *branch {
	b := &branch{r: r, state: authrules.State{}}
	b.add(r.room.Create(alice))
	b.send(alice, ref.EventTypeMember, pdu.StateKey(alice), map[string]any{"membership": "join"})
	content := map[string]any{}
	for user, level := range users {
		content[user] = level
	}
	b.send(alice, ref.EventTypePowerLevels, pdu.StateKey(""), map[string]any{"users": content})
	b.send(alice, ref.EventTypeJoinRules, pdu.StateKey(""), map[string]any{"join_rule": "public"})
	b.send(bob, ref.EventTypeMember, pdu.StateKey(bob), map[string]any{"membership": "join"})
	return b
}

func (b *branch) fork() *branch {
	return &branch{r: b.r, state: maps.Clone(b.state), last: b.last}
}

func (b *branch) add(event *pdu.Event) *pdu.Event {
	b.r.t.Helper()
	if err := authrules.Authorize(b.r.room.Rules, event, b.state); err != nil {
		b.r.t.Fatalf("building test room: %v", err)
	}
	b.r.events[event.ID()] = event
	if stateKey, ok := event.StateKey(); ok {
		b.state[statemap.Key{Type: event.Type(), StateKey: stateKey}] = event
	}
	b.last = event
	return event
}

func (b *branch) send(sender string, eventType ref.EventType, stateKey *string, content map[string]any) *pdu.Event {
	b.r.t.Helper()
	keys := []statemap.Key{statemap.CreateKey, statemap.PowerLevelsKey, statemap.MemberKey(sender)}
	if eventType == ref.EventTypeMember && stateKey != nil {
		keys = append(keys, statemap.JoinRulesKey, statemap.MemberKey(*stateKey))
	}
	var auth []*pdu.Event
	for _, key := range keys {
		if event := b.state.Get(key); event != nil && !slices.Contains(auth, event) {
			auth = append(auth, event)
		}
	}
	var prev []*pdu.Event
	if b.last != nil {
		prev = pdutest.List(b.last)
	}
	return b.add(b.r.room.Event(sender, eventType, stateKey, content, prev, auth))
}

func (b *branch) powerLevels(sender string, users map[string]any) *pdu.Event {
	return b.send(sender, ref.EventTypePowerLevels, pdu.StateKey(""), map[string]any{"users": users})
}

func (b *branch) stateMap() statemap.Map {
	builder := statemap.NewBuilder(statemap.Empty)
	for key, event := range b.state {
		builder.Set(key, event.ID())
	}
	return builder.Map()
}

func resolve(t *testing.T, r *testRoom, states ...statemap.Map) statemap.Map {
	t.Helper()
	resolved, err := stateres.Resolve(context.Background(), r.room.Rules, states, r.events)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return resolved
}

func expectEntry(t *testing.T, state statemap.Map, key statemap.Key, want *pdu.Event) {
	t.Helper()
	got, ok := state.Get(key)
	if !ok {
		t.Fatalf("resolved state has no %s, want %s", key, want.ID())
	}
	if got != want.ID() {
		t.Fatalf("resolved %s = %s, want %s", key, got, want.ID())
	}
}

// failingSource fails the test if resolution loads anything.
type failingSource struct{ t *testing.T }

func (s failingSource) LoadEvents(context.Context, []ref.EventID) (map[ref.EventID]*pdu.Event, error) {
	s.t.Error("fast path loaded events")
	return nil, errors.New("unexpected load")
}

func TestResolveFastPaths(t *testing.T) {
	r := newTestRoom(t)
	base := r.base(map[string]int{alice: 100})
	state := base.stateMap()
	rules := r.room.Rules
	source := failingSource{t}

	empty, err := stateres.Resolve(context.Background(), rules, nil, source)
	if err != nil || empty.Len() != 0 {
		t.Errorf("Resolve(nil) = %d entries, %v; want empty", empty.Len(), err)
	}

	for _, inputs := range [][]statemap.Map{
		{state},
		{state, state},
		{state, statemap.FromEntries(state.Entries()), state},
	} {
		resolved, err := stateres.Resolve(context.Background(), rules, inputs, source)
		if err != nil {
			t.Fatalf("Resolve of %d identical inputs: %v", len(inputs), err)
		}
		if !resolved.Equal(state) {
			t.Errorf("Resolve of %d identical inputs changed the state", len(inputs))
		}
	}

	emptyMaps, err := stateres.Resolve(context.Background(), rules, []statemap.Map{statemap.Empty, statemap.Empty}, source)
	if err != nil || emptyMaps.Len() != 0 {
		t.Errorf("Resolve of empty maps = %d entries, %v", emptyMaps.Len(), err)
	}
}

func TestResolveHigherPowerWins(t *testing.T) {
	r := newTestRoom(t)
	base := r.base(map[string]int{alice: 100, bob: 50})

	// Bob's change is older but alice outranks him, so hers is applied
	// first and his no longer passes against it.
	bobBranch := base.fork()
	bobBranch.powerLevels(bob, map[string]any{alice: 100, bob: 50, carol: 10})
	aliceBranch := base.fork()
	alicePower := aliceBranch.powerLevels(alice, map[string]any{alice: 100, bob: 50, carol: 50})

	first := resolve(t, r, aliceBranch.stateMap(), bobBranch.stateMap())
	expectEntry(t, first, statemap.PowerLevelsKey, alicePower)

	second := resolve(t, r, bobBranch.stateMap(), aliceBranch.stateMap())
	if !second.Equal(first) {
		t.Error("resolution depends on input order")
	}
	for range 3 {
		if again := resolve(t, r, aliceBranch.stateMap(), bobBranch.stateMap()); !again.Equal(first) {
			t.Fatal("repeated resolution differs")
		}
	}
	if _, ok := first.Get(statemap.MemberKey(bob)); !ok {
		t.Error("unconflicted membership lost")
	}
}

func TestResolveEqualPowerLaterTimestampWins(t *testing.T) {
	r := newTestRoom(t)
	base := r.base(map[string]int{alice: 100, bob: 100})

	aliceBranch := base.fork()
	aliceBranch.powerLevels(alice, map[string]any{alice: 100, bob: 100, carol: 20})
	bobBranch := base.fork()
	bobPower := bobBranch.powerLevels(bob, map[string]any{alice: 100, bob: 100, carol: 30})

	resolved := resolve(t, r, aliceBranch.stateMap(), bobBranch.stateMap())
	expectEntry(t, resolved, statemap.PowerLevelsKey, bobPower)
}

func TestResolveBanBeatsConcurrentStateChange(t *testing.T) {
	r := newTestRoom(t)
	base := r.base(map[string]int{alice: 100, bob: 50})
	topic := base.send(alice, ref.EventTypeTopic, pdu.StateKey(""), map[string]any{"topic": "original"})

	banBranch := base.fork()
	ban := banBranch.send(alice, ref.EventTypeMember, pdu.StateKey(bob), map[string]any{"membership": "ban"})
	topicBranch := base.fork()
	topicBranch.send(bob, ref.EventTypeTopic, pdu.StateKey(""), map[string]any{"topic": "changed by bob"})

	resolved := resolve(t, r, banBranch.stateMap(), topicBranch.stateMap())
	expectEntry(t, resolved, statemap.MemberKey(bob), ban)
	expectEntry(t, resolved, statemap.Key{Type: ref.EventTypeTopic}, topic)
}

func TestResolveMissingDependency(t *testing.T) {
	r := newTestRoom(t)
	base := r.base(map[string]int{alice: 100, bob: 50})
	oldPower := base.state.PowerLevels()

	aliceBranch := base.fork()
	aliceBranch.powerLevels(alice, map[string]any{alice: 100, bob: 50, carol: 50})
	bobBranch := base.fork()
	bobBranch.powerLevels(bob, map[string]any{alice: 100, bob: 50, carol: 10})

	partial := maps.Clone(r.events)
	delete(partial, oldPower.ID())

	_, err := stateres.Resolve(context.Background(), r.room.Rules,
		[]statemap.Map{aliceBranch.stateMap(), bobBranch.stateMap()}, partial)
	var missing *stateres.MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("Resolve error = %v, want MissingDependencyError", err)
	}
	if !slices.Equal(missing.EventIDs, []ref.EventID{oldPower.ID()}) {
		t.Errorf("missing = %v, want [%s]", missing.EventIDs, oldPower.ID())
	}
	if !stateres.IsMissingDependency(err) {
		t.Error("IsMissingDependency = false")
	}
}

func TestResolveMalformedStateEntry(t *testing.T) {
	r := newTestRoom(t)
	base := r.base(map[string]int{alice: 100})
	good := base.stateMap()
	powerLevels := base.state.PowerLevels()
	bad := good.With(statemap.Key{Type: ref.EventTypeTopic}, powerLevels.ID())

	_, err := stateres.Resolve(context.Background(), r.room.Rules, []statemap.Map{good, bad}, r.events)
	if !errors.Is(err, stateres.ErrMalformedRoom) {
		t.Fatalf("Resolve error = %v, want ErrMalformedRoom", err)
	}
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []stateres.Outcome
}

func (o *outcomeRecorder) ObserveResolution(outcome stateres.Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

type memoryStore struct {
	mu      sync.Mutex
	entries map[statemap.Digest]statemap.Map
}

func (s *memoryStore) LookupResolution(_ context.Context, key statemap.Digest) (statemap.Map, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.entries[key]
	return state, ok, nil
}

func (s *memoryStore) StoreResolution(_ context.Context, key statemap.Digest, state statemap.Map) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = state
	return nil
}

func TestResolverCache(t *testing.T) {
	r := newTestRoom(t)
	base := r.base(map[string]int{alice: 100, bob: 50})
	aliceBranch := base.fork()
	alicePower := aliceBranch.powerLevels(alice, map[string]any{alice: 100, bob: 50, carol: 50})
	bobBranch := base.fork()
	bobBranch.powerLevels(bob, map[string]any{alice: 100, bob: 50, carol: 10})
	states := []statemap.Map{aliceBranch.stateMap(), bobBranch.stateMap()}

	store := &memoryStore{entries: map[statemap.Digest]statemap.Map{}}
	recorder := &outcomeRecorder{}
	resolver, err := stateres.NewResolver(stateres.ResolverConfig{Store: store, Observer: recorder})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, r.room.Rules, states, r.events)
	if err != nil {
		t.Fatal(err)
	}
	expectEntry(t, first, statemap.PowerLevelsKey, alicePower)

	// The cache hit must not touch the event source.
	second, err := resolver.Resolve(ctx, r.room.Rules, []statemap.Map{states[1], states[0]}, failingSource{t})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Equal(first) {
		t.Error("cached resolution differs")
	}
	if _, err := resolver.Resolve(ctx, r.room.Rules, states[:1], failingSource{t}); err != nil {
		t.Fatal(err)
	}

	restarted, err := stateres.NewResolver(stateres.ResolverConfig{Store: store, Observer: recorder})
	if err != nil {
		t.Fatal(err)
	}
	third, err := restarted.Resolve(ctx, r.room.Rules, states, failingSource{t})
	if err != nil {
		t.Fatal(err)
	}
	if !third.Equal(first) {
		t.Error("stored resolution differs")
	}

	want := []stateres.Outcome{
		stateres.OutcomeResolved,
		stateres.OutcomeCacheHit,
		stateres.OutcomeFastPath,
		stateres.OutcomeStoreHit,
	}
	if !slices.Equal(recorder.outcomes, want) {
		t.Errorf("outcomes = %v, want %v", recorder.outcomes, want)
	}
}

func TestCacheKey(t *testing.T) {
	r := newTestRoom(t)
	base := r.base(map[string]int{alice: 100, bob: 50})
	aliceBranch := base.fork()
	aliceBranch.powerLevels(alice, map[string]any{alice: 100, bob: 50, carol: 50})
	bobBranch := base.fork()
	bobBranch.powerLevels(bob, map[string]any{alice: 100, bob: 50, carol: 10})
	a, b := aliceBranch.stateMap(), bobBranch.stateMap()

	forward, ok := stateres.CacheKey(r.room.Rules, []statemap.Map{a, b})
	if !ok {
		t.Fatal("CacheKey reported a fast path for conflicting states")
	}
	backward, _ := stateres.CacheKey(r.room.Rules, []statemap.Map{b, a, b})
	if forward != backward {
		t.Error("CacheKey depends on input order or duplicates")
	}
	other, _ := stateres.CacheKey(roomversion.MustLookup(roomversion.V11), []statemap.Map{a, b})
	if other == forward {
		t.Error("CacheKey ignores the room version")
	}
	if _, ok := stateres.CacheKey(r.room.Rules, []statemap.Map{a, a}); ok {
		t.Error("CacheKey wants caching for identical states")
	}
}
