// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// EventSource loads events by ID. Events it does not have are left
// out of the result; that is not an error.
type EventSource interface {
	LoadEvents(ctx context.Context, ids []ref.EventID) (map[ref.EventID]*pdu.Event, error)
}

// Events is an in-memory EventSource.
type Events map[ref.EventID]*pdu.Event

// NewEvents indexes events by ID.
func NewEvents(events ...*pdu.Event) Events {
	index := make(Events, len(events))
	for _, event := range events {
		index[event.ID()] = event
	}
	return index
}

// LoadEvents implements EventSource.
func (e Events) LoadEvents(_ context.Context, ids []ref.EventID) (map[ref.EventID]*pdu.Event, error) {
	found := make(map[ref.EventID]*pdu.Event, len(ids))
	for _, id := range ids {
		if event, ok := e[id]; ok {
			found[id] = event
		}
	}
	return found, nil
}

// eventCache memoizes loads for one resolution and checks that every
// loaded event belongs to the room being resolved.
type eventCache struct {
	source EventSource
	roomID ref.RoomID
	events map[ref.EventID]*pdu.Event
}

func newEventCache(source EventSource) *eventCache {
	return &eventCache{source: source, events: make(map[ref.EventID]*pdu.Event)}
}

// load fetches every id not yet cached. Any id the source does not
// have fails the whole call with a *MissingDependencyError listing all
// of them.
func (c *eventCache) load(ctx context.Context, ids []ref.EventID) error {
	var needed []ref.EventID
	seen := make(map[ref.EventID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := c.events[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		needed = append(needed, id)
	}
	if len(needed) == 0 {
		return nil
	}
	found, err := c.source.LoadEvents(ctx, needed)
	if err != nil {
		return fmt.Errorf("stateres: loading events: %w", err)
	}
	var missing []ref.EventID
	for _, id := range needed {
		event, ok := found[id]
		if !ok || event == nil {
			missing = append(missing, id)
			continue
		}
		if event.ID() != id {
			return fmt.Errorf("%w: source returned %s for %s", ErrMalformedRoom, event.ID(), id)
		}
		if c.roomID.IsZero() {
			c.roomID = event.RoomID()
		} else if event.RoomID() != c.roomID {
			return fmt.Errorf("%w: event %s is in %s, not %s", ErrMalformedRoom, id, event.RoomID(), c.roomID)
		}
		c.events[id] = event
	}
	if len(missing) > 0 {
		ref.SortEventIDs(missing)
		return &MissingDependencyError{EventIDs: missing}
	}
	return nil
}

// get returns a loaded event. Callers load first.
func (c *eventCache) get(id ref.EventID) *pdu.Event { return c.events[id] }

// authChains returns, for each set of starting events, the set of
// those events plus everything reachable through auth_events. Loads
// proceed a breadth-first level at a time so a store-backed source
// sees one batch per level.
func (c *eventCache) authChains(ctx context.Context, starts [][]ref.EventID) ([]map[ref.EventID]struct{}, error) {
	chains := make([]map[ref.EventID]struct{}, len(starts))
	for i, start := range starts {
		chain := make(map[ref.EventID]struct{}, len(start))
		frontier := start
		for len(frontier) > 0 {
			if err := c.load(ctx, frontier); err != nil {
				return nil, err
			}
			var next []ref.EventID
			for _, id := range frontier {
				if _, ok := chain[id]; ok {
					continue
				}
				chain[id] = struct{}{}
				for _, authID := range c.get(id).AuthEvents() {
					if _, ok := chain[authID]; !ok {
						next = append(next, authID)
					}
				}
			}
			frontier = next
		}
		chains[i] = chain
	}
	return chains, nil
}
