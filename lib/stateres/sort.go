// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"cmp"
	"container/heap"
	"context"
	"fmt"
	"slices"

	"github.com/bureau-foundation/roomserver/lib/authrules"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/statemap"
)

// powerOrder is the tie-break among power events whose auth events
// have all been placed: higher sender power first, then earlier
// origin_server_ts, then smaller event ID.
type powerOrder struct {
	negativePower int64
	timestamp     int64
	id            ref.EventID
}

func (a powerOrder) compare(b powerOrder) int {
	if c := cmp.Compare(a.negativePower, b.negativePower); c != 0 {
		return c
	}
	if c := cmp.Compare(a.timestamp, b.timestamp); c != 0 {
		return c
	}
	return a.id.Compare(b.id)
}

// readyHeap is a min-heap of events ready to be emitted.
// Implements container/heap.Interface.
type readyHeap []powerOrder

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return h[i].compare(h[j]) < 0 }
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(powerOrder)) }
func (h *readyHeap) Pop() any {
	old := *h
	entry := old[len(old)-1]
	*h = old[:len(old)-1]
	return entry
}

// powerSort orders the power events and the parts of their auth chains
// inside full so that every event follows its auth events.
func (r *resolution) powerSort(powerIDs []ref.EventID, full map[ref.EventID]struct{}) ([]ref.EventID, error) {
	graph := make(map[ref.EventID][]ref.EventID)
	queue := slices.Clone(powerIDs)
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if _, done := graph[id]; done {
			continue
		}
		var edges []ref.EventID
		for _, authID := range r.events.get(id).AuthEvents() {
			if _, ok := full[authID]; !ok || slices.Contains(edges, authID) {
				continue
			}
			edges = append(edges, authID)
			queue = append(queue, authID)
		}
		graph[id] = edges
	}

	order := make(map[ref.EventID]powerOrder, len(graph))
	for id := range graph {
		event := r.events.get(id)
		order[id] = powerOrder{
			negativePower: -r.senderPowerLevel(event),
			timestamp:     event.OriginServerTS(),
			id:            id,
		}
	}
	return topologicalSort(graph, order)
}

// topologicalSort is Kahn's algorithm over graph (event to its auth
// events), emitting an event once all its auth events are emitted and
// choosing the smallest order among the ready ones.
func topologicalSort(graph map[ref.EventID][]ref.EventID, order map[ref.EventID]powerOrder) ([]ref.EventID, error) {
	pending := make(map[ref.EventID]int, len(graph))
	dependents := make(map[ref.EventID][]ref.EventID, len(graph))
	ready := &readyHeap{}
	for id, edges := range graph {
		pending[id] = len(edges)
		for _, authID := range edges {
			dependents[authID] = append(dependents[authID], id)
		}
		if len(edges) == 0 {
			*ready = append(*ready, order[id])
		}
	}
	heap.Init(ready)

	sorted := make([]ref.EventID, 0, len(graph))
	for ready.Len() > 0 {
		next := heap.Pop(ready).(powerOrder)
		sorted = append(sorted, next.id)
		for _, dependent := range dependents[next.id] {
			pending[dependent]--
			if pending[dependent] == 0 {
				heap.Push(ready, order[dependent])
			}
		}
	}
	if len(sorted) != len(graph) {
		return nil, fmt.Errorf("%w: auth_events cycle among %d power events", ErrMalformedRoom, len(graph)-len(sorted))
	}
	return sorted, nil
}

// senderPowerLevel is the sender's level according to the event's own
// auth events: the power levels event if it cites one, otherwise the
// creator rule from the create event.
func (r *resolution) senderPowerLevel(event *pdu.Event) int64 {
	var create, powerLevels *pdu.Event
	for _, authID := range event.AuthEvents() {
		authEvent := r.events.get(authID)
		if authEvent == nil || !authEvent.StateKeyEquals("") {
			continue
		}
		switch authEvent.Type() {
		case ref.EventTypePowerLevels:
			if powerLevels == nil {
				powerLevels = authEvent
			}
		case ref.EventTypeCreate:
			if create == nil {
				create = authEvent
			}
		}
	}
	sender := event.Sender().String()
	if powerLevels != nil {
		levels, err := authrules.ParsePowerLevels(r.rules, powerLevels.Content())
		if err != nil {
			return 0
		}
		return levels.UserLevel(sender)
	}
	if create == nil {
		return 0
	}
	return authrules.UserPowerLevel(r.rules, authrules.NewState(create), sender)
}

// mainlineOrder sorts the events that were not power events.
type mainlineOrder struct {
	depth     int
	timestamp int64
	id        ref.EventID
}

// mainlineSort orders ids by where they attach to the mainline of the
// resolved power levels event: the chain of power levels events
// reached by following each one's power levels auth event. Events
// attaching nearer the room's start sort first.
func (r *resolution) mainlineSort(ctx context.Context, ids []ref.EventID, powerLevelsID ref.EventID, hasPowerLevels bool) ([]ref.EventID, error) {
	if len(ids) == 0 {
		return ids, nil
	}

	var mainline []ref.EventID
	for current, ok := powerLevelsID, hasPowerLevels; ok; {
		if slices.Contains(mainline, current) {
			return nil, fmt.Errorf("%w: power levels mainline loops at %s", ErrMalformedRoom, current)
		}
		mainline = append(mainline, current)
		var err error
		if current, ok, err = r.powerLevelsAuthEvent(ctx, current); err != nil {
			return nil, err
		}
	}
	position := make(map[ref.EventID]int, len(mainline))
	for i, id := range mainline {
		position[id] = len(mainline) - i
	}

	keys := make(map[ref.EventID]mainlineOrder, len(ids))
	for _, id := range ids {
		depth, err := r.mainlineDepth(ctx, id, position)
		if err != nil {
			return nil, err
		}
		keys[id] = mainlineOrder{depth: depth, timestamp: r.events.get(id).OriginServerTS(), id: id}
	}
	sorted := slices.Clone(ids)
	slices.SortFunc(sorted, func(a, b ref.EventID) int {
		ka, kb := keys[a], keys[b]
		if c := cmp.Compare(ka.depth, kb.depth); c != 0 {
			return c
		}
		if c := cmp.Compare(ka.timestamp, kb.timestamp); c != 0 {
			return c
		}
		return ka.id.Compare(kb.id)
	})
	return sorted, nil
}

// mainlineDepth walks from id through power levels auth events until
// it reaches the mainline. Zero means it never does. Positions found
// along the way are recorded.
func (r *resolution) mainlineDepth(ctx context.Context, id ref.EventID, position map[ref.EventID]int) (int, error) {
	var walked []ref.EventID
	depth := 0
	for current, ok := id, true; ok; {
		if found, known := position[current]; known {
			depth = found
			break
		}
		if slices.Contains(walked, current) {
			return 0, fmt.Errorf("%w: power levels chain loops at %s", ErrMalformedRoom, current)
		}
		walked = append(walked, current)
		var err error
		if current, ok, err = r.powerLevelsAuthEvent(ctx, current); err != nil {
			return 0, err
		}
	}
	for _, visited := range walked {
		position[visited] = depth
	}
	return depth, nil
}

// powerLevelsAuthEvent returns the power levels event that id cites in
// its auth_events.
func (r *resolution) powerLevelsAuthEvent(ctx context.Context, id ref.EventID) (ref.EventID, bool, error) {
	if err := r.events.load(ctx, []ref.EventID{id}); err != nil {
		return ref.EventID{}, false, err
	}
	event := r.events.get(id)
	if err := r.events.load(ctx, event.AuthEvents()); err != nil {
		return ref.EventID{}, false, err
	}
	for _, authID := range event.AuthEvents() {
		authEvent := r.events.get(authID)
		if authEvent.Type() == ref.EventTypePowerLevels && authEvent.StateKeyEquals("") {
			return authID, true, nil
		}
	}
	return ref.EventID{}, false, nil
}

// stateKeyOf returns the state slot event fills.
func stateKeyOf(event *pdu.Event) statemap.Key {
	stateKey, _ := event.StateKey()
	return statemap.Key{Type: event.Type(), StateKey: stateKey}
}
