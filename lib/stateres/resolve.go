// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/tidwall/gjson"

	"github.com/bureau-foundation/roomserver/lib/authrules"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/statemap"
)

// Resolve merges states into one state map. It is deterministic: the
// result depends only on the inputs and the events source returns for
// them, never on input order.
func Resolve(ctx context.Context, rules roomversion.Rules, states []statemap.Map, source EventSource) (statemap.Map, error) {
	distinct := distinctStates(states)
	switch len(distinct) {
	case 0:
		return statemap.Empty, nil
	case 1:
		return distinct[0], nil
	}
	conflict := separate(distinct)
	r := &resolution{rules: rules, events: newEventCache(source)}
	resolved, err := r.run(ctx, distinct, conflict)
	if err != nil {
		return statemap.Map{}, err
	}
	return statemap.New(resolved), nil
}

// distinctStates drops duplicate inputs and orders the rest by digest,
// so callers passing the same maps in any order see the same work.
func distinctStates(states []statemap.Map) []statemap.Map {
	type digested struct {
		digest statemap.Digest
		state  statemap.Map
	}
	var unique []digested
	for _, state := range states {
		digest := state.Digest()
		if !slices.ContainsFunc(unique, func(d digested) bool { return d.digest == digest }) {
			unique = append(unique, digested{digest, state})
		}
	}
	slices.SortFunc(unique, func(a, b digested) int {
		return slices.Compare(a.digest[:], b.digest[:])
	})
	result := make([]statemap.Map, len(unique))
	for i, d := range unique {
		result[i] = d.state
	}
	return result
}

// conflict is the partition of the input keys.
type conflict struct {
	unconflicted map[statemap.Key]ref.EventID
	conflicted   map[statemap.Key][]ref.EventID
}

// conflictedIDs returns every conflicted event ID, sorted.
func (c conflict) conflictedIDs() []ref.EventID {
	var ids []ref.EventID
	for _, candidates := range c.conflicted {
		ids = append(ids, candidates...)
	}
	ref.SortEventIDs(ids)
	return slices.Compact(ids)
}

// separate splits keys into those every state holds with the same
// event and the rest. A key missing from some state is conflicted.
func separate(states []statemap.Map) conflict {
	c := conflict{
		unconflicted: make(map[statemap.Key]ref.EventID),
		conflicted:   make(map[statemap.Key][]ref.EventID),
	}
	keys := make(map[statemap.Key]struct{})
	for _, state := range states {
		for key := range state.All() {
			keys[key] = struct{}{}
		}
	}
	for key := range keys {
		var candidates []ref.EventID
		present := 0
		for _, state := range states {
			id, ok := state.Get(key)
			if !ok {
				continue
			}
			present++
			if !slices.Contains(candidates, id) {
				candidates = append(candidates, id)
			}
		}
		if present == len(states) && len(candidates) == 1 {
			c.unconflicted[key] = candidates[0]
			continue
		}
		ref.SortEventIDs(candidates)
		c.conflicted[key] = candidates
	}
	return c
}

// resolution holds the working data of one Resolve call.
type resolution struct {
	rules  roomversion.Rules
	events *eventCache
}

func (r *resolution) run(ctx context.Context, states []statemap.Map, c conflict) (map[statemap.Key]ref.EventID, error) {
	// Every state event is loaded as part of its state's auth chain;
	// check each sits under its own key before trusting the inputs.
	starts := make([][]ref.EventID, len(states))
	for i, state := range states {
		starts[i] = state.EventIDs()
	}
	chains, err := r.events.authChains(ctx, starts)
	if err != nil {
		return nil, err
	}
	for _, state := range states {
		for key, id := range state.All() {
			event := r.events.get(id)
			stateKey, ok := event.StateKey()
			if !ok || event.Type() != key.Type || stateKey != key.StateKey {
				return nil, fmt.Errorf("%w: state entry %s holds %s", ErrMalformedRoom, key, event)
			}
		}
	}

	full := authDifference(chains)
	for _, id := range c.conflictedIDs() {
		full[id] = struct{}{}
	}
	for id := range full {
		if !r.events.get(id).IsState() {
			return nil, fmt.Errorf("%w: non-state event %s in an auth chain", ErrMalformedRoom, id)
		}
	}

	var powerIDs []ref.EventID
	for id := range full {
		if isPowerEvent(r.events.get(id)) {
			powerIDs = append(powerIDs, id)
		}
	}
	ref.SortEventIDs(powerIDs)

	sortedPower, err := r.powerSort(powerIDs, full)
	if err != nil {
		return nil, err
	}
	resolved, err := r.iterativeAuth(ctx, sortedPower, c.unconflicted)
	if err != nil {
		return nil, err
	}

	sortedPowerSet := make(map[ref.EventID]struct{}, len(sortedPower))
	for _, id := range sortedPower {
		sortedPowerSet[id] = struct{}{}
	}
	var leftover []ref.EventID
	for id := range full {
		if _, ok := sortedPowerSet[id]; !ok {
			leftover = append(leftover, id)
		}
	}
	powerLevelsID, hasPowerLevels := resolved[statemap.PowerLevelsKey]
	leftover, err = r.mainlineSort(ctx, leftover, powerLevelsID, hasPowerLevels)
	if err != nil {
		return nil, err
	}
	resolved, err = r.iterativeAuth(ctx, leftover, resolved)
	if err != nil {
		return nil, err
	}

	maps.Copy(resolved, c.unconflicted)
	return resolved, nil
}

// authDifference returns the events present in some chains but not
// all of them.
func authDifference(chains []map[ref.EventID]struct{}) map[ref.EventID]struct{} {
	difference := make(map[ref.EventID]struct{})
	for _, chain := range chains {
		for id := range chain {
			for _, other := range chains {
				if _, ok := other[id]; !ok {
					difference[id] = struct{}{}
					break
				}
			}
		}
	}
	return difference
}

// isPowerEvent reports whether event can take abilities away: create,
// power levels, join rules, and a membership change to leave or ban
// made by someone other than the target.
func isPowerEvent(event *pdu.Event) bool {
	switch event.Type() {
	case ref.EventTypeCreate, ref.EventTypePowerLevels, ref.EventTypeJoinRules:
		return event.StateKeyEquals("")
	case ref.EventTypeMember:
		stateKey, _ := event.StateKey()
		if stateKey == event.Sender().String() {
			return false
		}
		membership := gjson.GetBytes(event.Content(), "membership").String()
		return membership == authrules.MembershipLeave || membership == authrules.MembershipBan
	}
	return false
}

// iterativeAuth applies events in order on top of base, keeping each
// that passes the auth rules. An event's auth state is its own
// auth_events overlaid with the slots it needs from the state built so
// far.
func (r *resolution) iterativeAuth(ctx context.Context, ids []ref.EventID, base map[statemap.Key]ref.EventID) (map[statemap.Key]ref.EventID, error) {
	resolved := maps.Clone(base)
	if resolved == nil {
		resolved = make(map[statemap.Key]ref.EventID)
	}
	for _, id := range ids {
		event := r.events.get(id)
		authState := authrules.State{}
		for _, authID := range event.AuthEvents() {
			authEvent := r.events.get(authID)
			if authEvent == nil {
				continue
			}
			if stateKey, ok := authEvent.StateKey(); ok {
				authState[statemap.Key{Type: authEvent.Type(), StateKey: stateKey}] = authEvent
			}
		}
		for _, key := range authrules.AuthTypesForEvent(r.rules, event) {
			stateID, ok := resolved[key]
			if !ok {
				continue
			}
			if err := r.events.load(ctx, []ref.EventID{stateID}); err != nil {
				return nil, err
			}
			authState[key] = r.events.get(stateID)
		}
		if authrules.Authorize(r.rules, event, authState) != nil {
			continue
		}
		resolved[stateKeyOf(event)] = id
	}
	return resolved, nil
}
