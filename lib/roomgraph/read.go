// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomgraph

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/statemap"
)

// Reads do not go through the room's admission goroutine. They see
// every event admitted before they started and possibly some admitted
// while they run.

// RoomRules returns the rules of the room's version.
func (m *Manager) RoomRules(ctx context.Context, roomID ref.RoomID) (roomversion.Rules, error) {
	stored, err := m.store.Room(ctx, roomID)
	if eventstore.IsNotFound(err) {
		return roomversion.Rules{}, fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	if err != nil {
		return roomversion.Rules{}, err
	}
	return roomversion.Lookup(stored.Version)
}

// CurrentState returns the room's current state.
func (m *Manager) CurrentState(ctx context.Context, roomID ref.RoomID) (statemap.Map, error) {
	if state, ok := m.cachedState(roomID); ok {
		return state, nil
	}
	state, err := m.store.CurrentState(ctx, roomID)
	if eventstore.IsNotFound(err) {
		return statemap.Map{}, fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	return state, err
}

// CurrentStateEvents returns the events of the room's current state.
func (m *Manager) CurrentStateEvents(ctx context.Context, roomID ref.RoomID) ([]*pdu.Event, error) {
	state, err := m.CurrentState(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return m.loadAll(ctx, state.EventIDs())
}

// Event returns a stored event of the room.
func (m *Manager) Event(ctx context.Context, roomID ref.RoomID, id ref.EventID) (*pdu.Event, error) {
	event, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if event.RoomID() != roomID {
		return nil, fmt.Errorf("roomgraph: %s is not in %s: %w", id, roomID, eventstore.ErrNotFound)
	}
	return event, nil
}

// EventByID returns a stored event of any room.
func (m *Manager) EventByID(ctx context.Context, id ref.EventID) (*pdu.Event, error) {
	return m.store.Get(ctx, id)
}

// ForwardExtremities returns the room's forward extremities.
func (m *Manager) ForwardExtremities(ctx context.Context, roomID ref.RoomID) ([]ref.EventID, error) {
	return m.store.ForwardExtremities(ctx, roomID)
}

// BackwardExtremities returns the room's earliest known events whose
// parents are missing. Backfill starts from them.
func (m *Manager) BackwardExtremities(ctx context.Context, roomID ref.RoomID) ([]ref.EventID, error) {
	return m.store.BackwardExtremities(ctx, roomID)
}

// StateAt returns the state before event and the auth chain of that
// state, as a joining server needs them.
func (m *Manager) StateAt(ctx context.Context, roomID ref.RoomID, id ref.EventID) (state, authChain []*pdu.Event, err error) {
	if _, err := m.Event(ctx, roomID, id); err != nil {
		return nil, nil, err
	}
	before, err := m.store.StateBefore(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("roomgraph: state before %s: %w", id, err)
	}
	state, err = m.loadAll(ctx, before.EventIDs())
	if err != nil {
		return nil, nil, err
	}
	authChain, err = m.AuthChain(ctx, before.EventIDs())
	if err != nil {
		return nil, nil, err
	}
	return state, authChain, nil
}

// AuthChain returns every event reachable from ids through auth
// events, excluding ids themselves unless reachable from another.
// Events missing from the store end the walk along their branch.
func (m *Manager) AuthChain(ctx context.Context, ids []ref.EventID) ([]*pdu.Event, error) {
	loaded, err := m.store.LoadEvents(ctx, ids)
	if err != nil {
		return nil, err
	}
	var frontier []*pdu.Event
	for _, id := range ids {
		if event := loaded[id]; event != nil {
			frontier = append(frontier, event)
		}
	}

	seen := make(map[ref.EventID]struct{})
	var chain []*pdu.Event
	for len(frontier) > 0 {
		var next []ref.EventID
		for _, event := range frontier {
			for _, authID := range event.AuthEvents() {
				if _, ok := seen[authID]; !ok {
					seen[authID] = struct{}{}
					next = append(next, authID)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		loaded, err := m.store.LoadEvents(ctx, next)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, id := range next {
			if event := loaded[id]; event != nil {
				chain = append(chain, event)
				frontier = append(frontier, event)
			}
		}
	}
	return chain, nil
}

// History returns up to limit accepted events of the room at or before
// the deepest of from, deepest first.
func (m *Manager) History(ctx context.Context, roomID ref.RoomID, from []ref.EventID, limit int) ([]*pdu.Event, error) {
	return m.store.EventsBefore(ctx, roomID, from, limit)
}

func (m *Manager) loadAll(ctx context.Context, ids []ref.EventID) ([]*pdu.Event, error) {
	loaded, err := m.store.LoadEvents(ctx, ids)
	if err != nil {
		return nil, err
	}
	events := make([]*pdu.Event, 0, len(ids))
	for _, id := range ids {
		event := loaded[id]
		if event == nil {
			return nil, fmt.Errorf("roomgraph: state names %s, which is not stored", id)
		}
		events = append(events, event)
	}
	return events, nil
}
