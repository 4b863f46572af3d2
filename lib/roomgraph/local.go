// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomgraph

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/bureau-foundation/roomserver/lib/authrules"
	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

// EventRequest is an event a local user wants to send. The manager
// fills in prev events, auth events, depth and timestamp.
type EventRequest struct {
	RoomID   ref.RoomID
	Sender   ref.UserID
	Type     ref.EventType
	StateKey *string
	Content  any
	Redacts  ref.EventID
}

// CreateRoomRequest describes a room to create.
type CreateRoomRequest struct {
	Creator ref.UserID

	// Version defaults to roomversion.Default.
	Version roomversion.ID

	// JoinRule defaults to "invite".
	JoinRule string

	Name  string
	Topic string
}

// BuildEvent builds and signs an event on the room's forward
// extremities without admitting it.
func (m *Manager) BuildEvent(ctx context.Context, request EventRequest) (*pdu.Event, error) {
	var event *pdu.Event
	err := m.do(ctx, request.RoomID, func(ctx context.Context, r *room) error {
		var err error
		event, err = r.build(ctx, request)
		return err
	})
	return event, err
}

// SubmitLocal builds an event and admits it in one step, so no other
// event can move the room between the two. An event the sender is not
// allowed to send returns an *authrules.AuthError and is not stored.
func (m *Manager) SubmitLocal(ctx context.Context, request EventRequest) (*pdu.Event, error) {
	var event *pdu.Event
	err := m.do(ctx, request.RoomID, func(ctx context.Context, r *room) error {
		built, err := r.build(ctx, request)
		if err != nil {
			return err
		}
		if err := r.admitLocal(ctx, built); err != nil {
			return err
		}
		event = built
		return nil
	})
	return event, err
}

// CreateRoom creates a room with a fresh ID: the create event, the
// creator's join, power levels giving the creator 100, the join rule,
// and name and topic when given.
func (m *Manager) CreateRoom(ctx context.Context, request CreateRoomRequest) (ref.RoomID, error) {
	if request.Creator.IsZero() || request.Creator.Server() != m.serverName {
		return ref.RoomID{}, fmt.Errorf("roomgraph: creator %q is not a local user", request.Creator)
	}
	version := cmp.Or(request.Version, roomversion.Default)
	rules, err := roomversion.Lookup(version)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("roomgraph: creating room: %w", err)
	}
	roomID, err := ref.NewRoomID(uuid.NewString(), m.serverName)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("roomgraph: creating room: %w", err)
	}
	if err := m.store.CreateRoom(ctx, roomID, version); err != nil {
		return ref.RoomID{}, err
	}

	creator := request.Creator.String()
	createContent := map[string]any{"room_version": string(version)}
	if !rules.UseRoomCreateSender {
		createContent["creator"] = creator
	}
	initial := []EventRequest{
		{Type: ref.EventTypeCreate, StateKey: pdu.StateKey(""), Content: createContent},
		{Type: ref.EventTypeMember, StateKey: pdu.StateKey(creator), Content: map[string]any{"membership": authrules.MembershipJoin}},
		{Type: ref.EventTypePowerLevels, StateKey: pdu.StateKey(""), Content: map[string]any{"users": map[string]any{creator: 100}}},
		{Type: ref.EventTypeJoinRules, StateKey: pdu.StateKey(""), Content: map[string]any{"join_rule": cmp.Or(request.JoinRule, "invite")}},
		{Type: ref.EventTypeHistoryVisibility, StateKey: pdu.StateKey(""), Content: map[string]any{"history_visibility": "shared"}},
	}
	if request.Name != "" {
		initial = append(initial, EventRequest{Type: ref.EventTypeName, StateKey: pdu.StateKey(""), Content: map[string]any{"name": request.Name}})
	}
	if request.Topic != "" {
		initial = append(initial, EventRequest{Type: ref.EventTypeTopic, StateKey: pdu.StateKey(""), Content: map[string]any{"topic": request.Topic}})
	}

	err = m.do(ctx, roomID, func(ctx context.Context, r *room) error {
		for _, step := range initial {
			step.RoomID = roomID
			step.Sender = request.Creator
			event, err := r.build(ctx, step)
			if err != nil {
				return err
			}
			if err := r.admitLocal(ctx, event); err != nil {
				return fmt.Errorf("roomgraph: creating %s: %s event: %w", roomID, step.Type, err)
			}
		}
		return nil
	})
	if err != nil {
		return ref.RoomID{}, err
	}
	m.logger.Info("room created",
		"room_id", roomID,
		"creator", request.Creator,
		"version", version,
	)
	return roomID, nil
}

// admitLocal admits an event this server built and turns anything but
// acceptance into an error.
func (r *room) admitLocal(ctx context.Context, event *pdu.Event) error {
	result := r.admit(ctx, &admission{event: event, origin: r.m.serverName, local: true})
	if result.Outcome == OutcomeAccepted {
		return nil
	}
	if result.Err != nil {
		return result.Err
	}
	return fmt.Errorf("roomgraph: local event %s was %s", event.ID(), result.Outcome)
}

// build fills request into a signed event on the room's current
// forward extremities, with auth events taken from current state.
func (r *room) build(ctx context.Context, request EventRequest) (*pdu.Event, error) {
	if r.m.signer == nil {
		return nil, fmt.Errorf("roomgraph: building events needs a Signer")
	}
	if request.Sender.IsZero() || request.Sender.Server() != r.m.serverName {
		return nil, fmt.Errorf("roomgraph: sender %q is not a local user", request.Sender)
	}

	stored, err := r.m.store.Room(ctx, r.id)
	if eventstore.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, r.id)
	}
	if err != nil {
		return nil, err
	}
	if stored.Inconsistent {
		return nil, fmt.Errorf("%w: %s: %s", ErrRoomInconsistent, r.id, stored.InconsistentReason)
	}
	rules, err := roomversion.Lookup(stored.Version)
	if err != nil {
		return nil, err
	}

	proto := pdu.Proto{
		RoomID:         r.id,
		Sender:         request.Sender,
		Type:           request.Type,
		StateKey:       request.StateKey,
		Content:        request.Content,
		OriginServerTS: clock.Millis(r.m.clock.Now()),
		Redacts:        request.Redacts,
	}

	if request.Type == ref.EventTypeCreate && request.StateKey != nil && *request.StateKey == "" {
		proto.Depth = 1
		return pdu.Build(rules, proto, r.m.signer)
	}

	prevs, depth, err := r.prevEvents(ctx)
	if err != nil {
		return nil, err
	}
	proto.PrevEvents = prevs
	proto.Depth = depth

	draft, err := pdu.Build(rules, proto, r.m.signer)
	if err != nil {
		return nil, err
	}
	current, err := r.currentState(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range authrules.AuthTypesForEvent(rules, draft) {
		if id, ok := current.Get(key); ok {
			proto.AuthEvents = append(proto.AuthEvents, id)
		}
	}
	return pdu.Build(rules, proto, r.m.signer)
}

// prevEvents picks the deepest forward extremities, at most
// pdu.MaxPrevEvents of them, and the depth of an event on top of them.
func (r *room) prevEvents(ctx context.Context) ([]ref.EventID, int64, error) {
	forward, err := r.m.store.ForwardExtremities(ctx, r.id)
	if err != nil {
		return nil, 0, err
	}
	if len(forward) == 0 {
		return nil, 0, fmt.Errorf("roomgraph: %s has no events to build on", r.id)
	}
	loaded, err := r.m.store.LoadEvents(ctx, forward)
	if err != nil {
		return nil, 0, err
	}
	parents := make([]*pdu.Event, 0, len(loaded))
	for _, id := range forward {
		if parent := loaded[id]; parent != nil {
			parents = append(parents, parent)
		}
	}
	if len(parents) == 0 {
		return nil, 0, fmt.Errorf("roomgraph: forward extremities of %s are not stored", r.id)
	}
	slices.SortFunc(parents, func(a, b *pdu.Event) int {
		return cmp.Or(cmp.Compare(b.Depth(), a.Depth()), a.ID().Compare(b.ID()))
	})
	if len(parents) > pdu.MaxPrevEvents {
		parents = parents[:pdu.MaxPrevEvents]
	}

	ids := make([]ref.EventID, len(parents))
	for i, parent := range parents {
		ids[i] = parent.ID()
	}
	return ids, parents[0].Depth() + 1, nil
}
