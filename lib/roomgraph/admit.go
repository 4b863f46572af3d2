// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomgraph

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/bureau-foundation/roomserver/lib/authrules"
	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/statemap"
	"github.com/bureau-foundation/roomserver/lib/stateres"
)

// Outcome classifies what admission did with an event.
type Outcome string

const (
	// OutcomeAccepted: authorized against its own history and the
	// room's current state; it is part of the room.
	OutcomeAccepted Outcome = "accepted"

	// OutcomeSoftFailed: authorized against its own history but not
	// against current state. Stored, never a forward extremity.
	OutcomeSoftFailed Outcome = "soft_failed"

	// OutcomeRejected: failed authorization. Stored for audit.
	OutcomeRejected Outcome = "rejected"

	// OutcomeOutlier: authorized against its auth events only, with
	// no known state around it.
	OutcomeOutlier Outcome = "outlier"

	// OutcomeDuplicate: already stored.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomePending: waiting for missing dependencies.
	OutcomePending Outcome = "pending"

	// OutcomeBlocked: gave up waiting for dependencies. Only reported
	// to the Observer; the admission call itself saw OutcomePending.
	OutcomeBlocked Outcome = "blocked"

	// OutcomeFailed: not admitted because of a malformed event or an
	// infrastructure error. Nothing about the event was stored.
	OutcomeFailed Outcome = "failed"
)

// Result is the outcome of admitting one event.
type Result struct {
	EventID ref.EventID
	Outcome Outcome

	// Err explains every outcome except accepted, outlier and
	// duplicate. Category maps it to a client-facing category.
	Err error
}

// Admit runs event through admission: dependency check, authorization
// against the state before it, soft-fail check against current state,
// persistence and extremity update. origin is the server the event was
// received from, used to fetch missing dependencies and for trust
// accounting; it is zero for events with no remote source.
func (m *Manager) Admit(ctx context.Context, event *pdu.Event, origin ref.ServerName) Result {
	return m.admit(ctx, event.RoomID(), event.ID(), func(ctx context.Context, r *room) Result {
		return r.admit(ctx, &admission{event: event, origin: origin})
	})
}

// AdmitOutlier stores event after checking it against its auth events
// alone. Backfilled history and fetched auth chains arrive this way;
// their prev events may never be known.
func (m *Manager) AdmitOutlier(ctx context.Context, event *pdu.Event, origin ref.ServerName) Result {
	return m.admit(ctx, event.RoomID(), event.ID(), func(ctx context.Context, r *room) Result {
		return r.admit(ctx, &admission{event: event, origin: origin, outlier: true})
	})
}

// AdmitWithState admits event with an explicitly supplied state before
// it, as when joining a room over federation. The state and auth chain
// events are stored as outliers first; event's prev events need not be
// known. The room is recorded from the create event in state if this
// server has not seen it before.
func (m *Manager) AdmitWithState(ctx context.Context, event *pdu.Event, origin ref.ServerName, state, authChain []*pdu.Event) Result {
	return m.admit(ctx, event.RoomID(), event.ID(), func(ctx context.Context, r *room) Result {
		return r.admitWithState(ctx, event, origin, state, authChain)
	})
}

func (m *Manager) admit(ctx context.Context, roomID ref.RoomID, id ref.EventID, fn func(ctx context.Context, r *room) Result) Result {
	var result Result
	err := m.do(ctx, roomID, func(ctx context.Context, r *room) error {
		result = fn(ctx, r)
		return nil
	})
	if err != nil {
		return Result{EventID: id, Outcome: OutcomeFailed, Err: err}
	}
	return result
}

// admission carries one event through the pipeline.
type admission struct {
	event  *pdu.Event
	origin ref.ServerName

	// local events were built by this server. A local event that fails
	// authorization is returned to its sender, not stored.
	local bool

	// outlier admits against auth events only.
	outlier bool

	// stateBefore, when set, replaces resolution of the prev events'
	// states.
	stateBefore *statemap.Map

	// generation counts fetches between the admission the caller asked
	// for and this one. ancestors holds the IDs of those admissions.
	generation int
	ancestors  map[ref.EventID]struct{}
}

// admit processes a and then every pending event a released.
func (r *room) admit(ctx context.Context, a *admission) Result {
	result := r.process(ctx, a)
	r.redrive(ctx)
	return result
}

func (r *room) admitWithState(ctx context.Context, event *pdu.Event, origin ref.ServerName, state, authChain []*pdu.Event) Result {
	fail := func(err error) Result {
		return Result{EventID: event.ID(), Outcome: OutcomeFailed, Err: err}
	}

	if _, err := r.m.store.Room(ctx, r.id); eventstore.IsNotFound(err) {
		create := findCreate(state)
		if create == nil {
			return fail(fmt.Errorf("%w: state for %s has no create event", ErrMalformedEvent, event.ID()))
		}
		if create.Rules().ID != event.Rules().ID {
			return fail(fmt.Errorf("%w: create event is version %s, event is version %s",
				ErrMalformedEvent, create.Rules().ID, event.Rules().ID))
		}
		if err := r.m.store.CreateRoom(ctx, r.id, create.Rules().ID); err != nil {
			return fail(err)
		}
	} else if err != nil {
		return fail(err)
	}

	for _, outlier := range authOrder(append(slices.Clone(state), authChain...)) {
		if outlier.RoomID() != r.id {
			return fail(fmt.Errorf("%w: state event %s is in room %s", ErrMalformedEvent, outlier.ID(), outlier.RoomID()))
		}
		result := r.process(ctx, &admission{event: outlier, origin: origin, outlier: true})
		if result.Outcome == OutcomeFailed {
			return fail(fmt.Errorf("admitting state event %s: %w", outlier.ID(), result.Err))
		}
	}

	builder := statemap.NewBuilder(statemap.Empty)
	for _, stateEvent := range state {
		stateKey, ok := stateEvent.StateKey()
		if !ok {
			return fail(fmt.Errorf("%w: state event %s has no state key", ErrMalformedEvent, stateEvent.ID()))
		}
		meta, err := r.m.store.GetMeta(ctx, stateEvent.ID())
		if eventstore.IsNotFound(err) {
			return fail(&MissingDependencyError{EventID: event.ID(), Missing: []ref.EventID{stateEvent.ID()}})
		}
		if err != nil {
			return fail(err)
		}
		if meta.Rejected {
			r.m.logger.Warn("dropping rejected event from supplied state",
				"room_id", r.id,
				"event_id", stateEvent.ID(),
				"reason", meta.RejectReason,
			)
			continue
		}
		builder.Set(statemap.Key{Type: stateEvent.Type(), StateKey: stateKey}, stateEvent.ID())
	}
	before := builder.Map()

	result := r.process(ctx, &admission{event: event, origin: origin, stateBefore: &before})
	r.redrive(ctx)
	return result
}

// redrive admits pending events whose dependencies have arrived. It
// outlives the request that released them.
func (r *room) redrive(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for len(r.ready) > 0 {
		p := r.ready[0]
		r.ready[0] = nil
		r.ready = r.ready[1:]
		r.process(ctx, &admission{event: p.event, origin: p.origin, outlier: p.outlier})
	}
}

// process runs the pipeline for one event and does the bookkeeping
// every outcome shares.
func (r *room) process(ctx context.Context, a *admission) Result {
	started := r.m.clock.Now()
	result := r.evaluate(ctx, a)
	result.EventID = a.event.ID()
	r.m.observe(result.Outcome, started)

	logger := r.m.logger.With("room_id", r.id, "event_id", result.EventID, "origin", a.origin)
	switch result.Outcome {
	case OutcomeAccepted, OutcomeOutlier, OutcomeDuplicate, OutcomePending:
		logger.Debug("event admitted", "outcome", result.Outcome)
	case OutcomeRejected, OutcomeSoftFailed:
		logger.Info("event not accepted", "outcome", result.Outcome, "error", result.Err)
	default:
		logger.Warn("event admission failed", "error", result.Err)
	}

	stored := result.Outcome != OutcomePending && result.Outcome != OutcomeFailed &&
		!(a.local && result.Outcome != OutcomeAccepted)
	if stored {
		r.release(result.EventID)
	}

	if !a.local && (result.Outcome == OutcomeRejected || result.Outcome == OutcomeSoftFailed) {
		if r.m.trust.recordFailure(a.origin) {
			r.m.logger.Warn("origin degraded after repeated bad events",
				"origin", a.origin,
				"room_id", r.id,
			)
		}
	}
	return result
}

// evaluate is the admission pipeline proper. Outcome is always set;
// EventID is filled by process.
func (r *room) evaluate(ctx context.Context, a *admission) Result {
	rules, err := r.rules(ctx, a.event)
	if err != nil {
		return failed(err)
	}
	if err := r.checkShape(a.event); err != nil {
		return failed(err)
	}
	if !a.local && !a.event.ContentHashMatches() {
		redacted, err := a.event.Redacted()
		if err != nil {
			return failed(err)
		}
		r.m.logger.Warn("content hash mismatch, admitting redacted form",
			"room_id", r.id,
			"event_id", a.event.ID(),
			"origin", a.origin,
		)
		a.event = redacted
	}
	event := a.event

	meta, err := r.m.store.GetMeta(ctx, event.ID())
	switch {
	case err == nil:
		if !meta.Outlier || meta.Rejected || a.outlier {
			return r.duplicate(ctx, event)
		}
		// A stored outlier continues so that it can be promoted.
	case !eventstore.IsNotFound(err):
		return failed(err)
	}

	missing, err := r.missingDependencies(ctx, a)
	if err != nil {
		return failed(err)
	}
	if len(missing) > 0 {
		return r.wait(ctx, a, missing)
	}

	authState, err := r.claimedAuthState(ctx, rules, event)
	if err == nil {
		err = authrules.Authorize(rules, event, authState)
	}
	if err != nil {
		if authrules.IsAuthError(err) {
			return r.reject(ctx, a, err, nil)
		}
		return failed(err)
	}
	if a.outlier {
		return r.persist(ctx, a, eventstore.PutOptions{Outlier: true}, OutcomeOutlier)
	}

	before, known, err := r.stateBefore(ctx, a, rules)
	if err != nil {
		var missing *stateres.MissingDependencyError
		if errors.As(err, &missing) {
			return r.wait(ctx, a, missing.EventIDs)
		}
		return failed(err)
	}
	if !known {
		return r.persist(ctx, a, eventstore.PutOptions{Outlier: true}, OutcomeOutlier)
	}

	if err := r.authorizeAgainst(ctx, rules, event, before); err != nil {
		if authrules.IsAuthError(err) {
			return r.reject(ctx, a, err, &before)
		}
		return failed(err)
	}

	after := before
	if stateKey, ok := event.StateKey(); ok {
		after = before.With(statemap.Key{Type: event.Type(), StateKey: stateKey}, event.ID())
	}

	current, err := r.currentState(ctx)
	if err != nil {
		return failed(err)
	}
	if current.Len() > 0 && !current.Equal(before) {
		if err := r.authorizeAgainst(ctx, rules, event, current); err != nil {
			if !authrules.IsAuthError(err) {
				return failed(err)
			}
			if a.local {
				return Result{Outcome: OutcomeSoftFailed, Err: fmt.Errorf("%w: %w", errSoftFailed, err)}
			}
			result := r.persist(ctx, a, eventstore.PutOptions{
				SoftFailed:  true,
				StateBefore: &before,
				StateAfter:  &after,
			}, OutcomeSoftFailed)
			if result.Outcome == OutcomeSoftFailed {
				result.Err = err
			}
			return result
		}
	}

	next, err := r.nextCurrentState(ctx, a, rules, after)
	if err != nil {
		return failed(err)
	}
	result := r.persist(ctx, a, eventstore.PutOptions{
		StateBefore:  &before,
		StateAfter:   &after,
		CurrentState: &next,
	}, OutcomeAccepted)
	if result.Outcome != OutcomeAccepted {
		return result
	}
	r.m.setCachedState(r.id, next)

	if event.Type() == ref.EventTypeRedaction {
		r.applyRedaction(ctx, rules, event, before)
	}
	return result
}

func failed(err error) Result {
	return Result{Outcome: OutcomeFailed, Err: err}
}

// rules checks that the room exists, accepts events and has event's
// version. A create event for a room this server has never seen
// records the room.
func (r *room) rules(ctx context.Context, event *pdu.Event) (roomversion.Rules, error) {
	stored, err := r.m.store.Room(ctx, r.id)
	switch {
	case eventstore.IsNotFound(err) && isCreate(event):
		if err := r.m.store.CreateRoom(ctx, r.id, event.Rules().ID); err != nil {
			return roomversion.Rules{}, err
		}
		return event.Rules(), nil
	case eventstore.IsNotFound(err):
		return roomversion.Rules{}, fmt.Errorf("%w: %s", ErrUnknownRoom, r.id)
	case err != nil:
		return roomversion.Rules{}, err
	}
	if stored.Inconsistent {
		return roomversion.Rules{}, fmt.Errorf("%w: %s: %s", ErrRoomInconsistent, r.id, stored.InconsistentReason)
	}
	if stored.Version != event.Rules().ID {
		return roomversion.Rules{}, fmt.Errorf("%w: %s is a version %s event in version %s room %s",
			ErrMalformedEvent, event.ID(), event.Rules().ID, stored.Version, r.id)
	}
	return event.Rules(), nil
}

func (r *room) checkShape(event *pdu.Event) error {
	if event.RoomID() != r.id {
		return fmt.Errorf("%w: %s belongs to %s, not %s", ErrMalformedEvent, event.ID(), event.RoomID(), r.id)
	}
	prevs := event.PrevEvents()
	if isCreate(event) {
		if len(prevs) > 0 {
			return fmt.Errorf("%w: create event %s has prev events", ErrMalformedEvent, event.ID())
		}
	} else if len(prevs) == 0 {
		return fmt.Errorf("%w: %s has no prev events", ErrMalformedEvent, event.ID())
	}
	if slices.Contains(prevs, event.ID()) || slices.Contains(event.AuthEvents(), event.ID()) {
		return fmt.Errorf("%w: %s references itself", ErrCycle, event.ID())
	}
	return nil
}

func isCreate(event *pdu.Event) bool {
	return event.Type() == ref.EventTypeCreate && event.StateKeyEquals("")
}

// duplicate handles an event that is already stored. Put compares the
// copy with the stored one and reports content mismatches.
func (r *room) duplicate(ctx context.Context, event *pdu.Event) Result {
	if _, err := r.m.store.Put(ctx, event, eventstore.PutOptions{Outlier: true}); err != nil {
		return failed(err)
	}
	return Result{Outcome: OutcomeDuplicate}
}

// missingDependencies returns the unknown events a depends on, after
// fetching what it can. Outliers and events with supplied state only
// need their auth events.
func (r *room) missingDependencies(ctx context.Context, a *admission) ([]ref.EventID, error) {
	dependencies := slices.Clone(a.event.AuthEvents())
	if !a.outlier && a.stateBefore == nil {
		for _, prev := range a.event.PrevEvents() {
			if !slices.Contains(dependencies, prev) {
				dependencies = append(dependencies, prev)
			}
		}
	}
	if len(dependencies) == 0 {
		return nil, nil
	}
	missing, err := r.m.store.Has(ctx, dependencies)
	if err != nil || len(missing) == 0 {
		return missing, err
	}
	return r.fetchMissing(ctx, a, missing)
}

// wait parks a until missing arrive. Local events never wait: they
// were built on events this server has.
func (r *room) wait(ctx context.Context, a *admission, missing []ref.EventID) Result {
	err := &MissingDependencyError{EventID: a.event.ID(), Missing: missing}
	if a.local {
		return failed(err)
	}
	r.park(ctx, a, missing)
	return Result{Outcome: OutcomePending, Err: err}
}

// fetchMissing asks a's origin for each missing event and admits what
// it gets, then reports what is still missing. Fetching stops
// generations deep; the deepest event waits instead.
func (r *room) fetchMissing(ctx context.Context, a *admission, missing []ref.EventID) ([]ref.EventID, error) {
	if r.m.fetcher == nil || a.origin.IsZero() || a.origin == r.m.serverName || a.generation >= r.m.fetchDepth {
		return missing, nil
	}

	ancestors := make(map[ref.EventID]struct{}, len(a.ancestors)+1)
	for id := range a.ancestors {
		ancestors[id] = struct{}{}
	}
	ancestors[a.event.ID()] = struct{}{}

	for _, id := range missing {
		if _, ok := ancestors[id]; ok {
			return nil, fmt.Errorf("%w: %s descends from %s, which depends on it", ErrCycle, id, a.event.ID())
		}
		if ctx.Err() != nil {
			break
		}
		fetched, err := r.fetch(ctx, a.event.Rules(), a.origin, id)
		if err != nil {
			continue
		}
		result := r.process(ctx, &admission{
			event:      fetched,
			origin:     a.origin,
			outlier:    a.outlier,
			generation: a.generation + 1,
			ancestors:  ancestors,
		})
		if errors.Is(result.Err, ErrCycle) {
			return nil, result.Err
		}
	}
	// Fetched events stay stored even if ctx ended meanwhile.
	return r.m.store.Has(context.WithoutCancel(ctx), missing)
}

func (r *room) fetch(ctx context.Context, rules roomversion.Rules, origin ref.ServerName, id ref.EventID) (*pdu.Event, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.m.fetchTimeout)
	defer cancel()

	event, err := r.m.fetcher.FetchEvent(fetchCtx, rules, origin, id)
	if err == nil && (event.ID() != id || event.RoomID() != r.id) {
		err = fmt.Errorf("%w: asked %s for %s in %s, got %s in %s",
			ErrMalformedEvent, origin, id, r.id, event.ID(), event.RoomID())
	}
	if r.m.observer != nil {
		r.m.observer.ObserveFetch(err)
	}
	if err != nil {
		r.m.logger.Warn("fetching missing event failed",
			"room_id", r.id,
			"event_id", id,
			"origin", origin,
			"error", err,
		)
		return nil, err
	}
	return event, nil
}

// claimedAuthState loads the events event names as its auth events and
// checks they fill the right slots. Naming a rejected event rejects the
// event.
func (r *room) claimedAuthState(ctx context.Context, rules roomversion.Rules, event *pdu.Event) (authrules.State, error) {
	ids := event.AuthEvents()
	loaded, err := r.m.store.LoadEvents(ctx, ids)
	if err != nil {
		return nil, err
	}
	authEvents := make([]*pdu.Event, 0, len(ids))
	for _, id := range ids {
		authEvent := loaded[id]
		if authEvent == nil {
			return nil, fmt.Errorf("roomgraph: auth event %s of %s is not stored", id, event.ID())
		}
		meta, err := r.m.store.GetMeta(ctx, id)
		if err != nil {
			return nil, err
		}
		if meta.Rejected {
			return nil, &authrules.AuthError{
				Code:    authrules.CodeBadAuthEvents,
				EventID: event.ID(),
				Reason:  fmt.Sprintf("auth event %s was rejected", id),
			}
		}
		authEvents = append(authEvents, authEvent)
	}
	return authrules.CheckAuthEvents(rules, event, authEvents)
}

// stateBefore computes the state event was sent against. known is
// false when none of the prev events has state, which happens when all
// of them are outliers.
func (r *room) stateBefore(ctx context.Context, a *admission, rules roomversion.Rules) (state statemap.Map, known bool, err error) {
	if a.stateBefore != nil {
		return *a.stateBefore, true, nil
	}
	if isCreate(a.event) {
		return statemap.Empty, true, nil
	}

	var states []statemap.Map
	for _, prev := range a.event.PrevEvents() {
		meta, err := r.m.store.GetMeta(ctx, prev)
		if err != nil {
			return statemap.Map{}, false, err
		}
		if meta.Outlier {
			continue
		}
		// The state at a rejected event is the state before it.
		var prevState statemap.Map
		if meta.Rejected {
			prevState, err = r.m.store.StateBefore(ctx, prev)
		} else {
			prevState, err = r.m.store.StateAfter(ctx, prev)
		}
		if eventstore.IsNotFound(err) {
			continue
		}
		if err != nil {
			return statemap.Map{}, false, err
		}
		states = append(states, prevState)
	}
	switch len(states) {
	case 0:
		return statemap.Map{}, false, nil
	case 1:
		return states[0], true, nil
	}
	state, err = r.resolve(ctx, a, rules, states)
	return state, err == nil, err
}

// resolve resolves states, fetching events resolution finds missing
// once. The states may name a.event itself, which is not stored until
// admission ends, so resolution reads it from memory. A malformed room
// is flagged inconsistent.
func (r *room) resolve(ctx context.Context, a *admission, rules roomversion.Rules, states []statemap.Map) (statemap.Map, error) {
	source := pendingSource{event: a.event, store: r.m.store}
	state, err := r.m.resolver.Resolve(ctx, rules, states, source)
	var missing *stateres.MissingDependencyError
	if errors.As(err, &missing) {
		fetchable := slices.DeleteFunc(slices.Clone(missing.EventIDs), func(id ref.EventID) bool {
			return id == a.event.ID()
		})
		still, fetchErr := r.fetchMissing(ctx, a, fetchable)
		if fetchErr != nil {
			return statemap.Map{}, fetchErr
		}
		if len(fetchable) > 0 && len(still) < len(fetchable) {
			state, err = r.m.resolver.Resolve(ctx, rules, states, source)
		}
	}
	if errors.Is(err, stateres.ErrMalformedRoom) {
		reason := err.Error()
		if markErr := r.m.store.MarkInconsistent(ctx, r.id, reason); markErr != nil {
			r.m.logger.Error("flagging room inconsistent failed", "room_id", r.id, "error", markErr)
		}
		return statemap.Map{}, fmt.Errorf("%w: %w", ErrRoomInconsistent, err)
	}
	return state, err
}

// pendingSource serves the event under admission alongside the stored
// events.
type pendingSource struct {
	event *pdu.Event
	store stateres.EventSource
}

func (p pendingSource) LoadEvents(ctx context.Context, ids []ref.EventID) (map[ref.EventID]*pdu.Event, error) {
	own := slices.Contains(ids, p.event.ID())
	if own {
		ids = slices.DeleteFunc(slices.Clone(ids), func(id ref.EventID) bool { return id == p.event.ID() })
	}
	events, err := p.store.LoadEvents(ctx, ids)
	if err != nil {
		return nil, err
	}
	if own {
		if events == nil {
			events = make(map[ref.EventID]*pdu.Event, 1)
		}
		events[p.event.ID()] = p.event
	}
	return events, nil
}

// authorizeAgainst authorizes event against the slots of state it
// depends on.
func (r *room) authorizeAgainst(ctx context.Context, rules roomversion.Rules, event *pdu.Event, state statemap.Map) error {
	authState, err := r.authState(ctx, rules, event, state)
	if err != nil {
		return err
	}
	return authrules.Authorize(rules, event, authState)
}

func (r *room) authState(ctx context.Context, rules roomversion.Rules, event *pdu.Event, state statemap.Map) (authrules.State, error) {
	keys := authrules.AuthTypesForEvent(rules, event)
	ids := make([]ref.EventID, 0, len(keys))
	for _, key := range keys {
		if id, ok := state.Get(key); ok {
			ids = append(ids, id)
		}
	}
	loaded, err := r.m.store.LoadEvents(ctx, ids)
	if err != nil {
		return nil, err
	}
	authState := make(authrules.State, len(ids))
	for _, key := range keys {
		id, ok := state.Get(key)
		if !ok {
			continue
		}
		stateEvent := loaded[id]
		if stateEvent == nil {
			return nil, fmt.Errorf("roomgraph: state of %s names %s for %s, which is not stored", r.id, id, key)
		}
		authState[key] = stateEvent
	}
	return authState, nil
}

// currentState returns the room's current state from the cache,
// loading it on first use.
func (r *room) currentState(ctx context.Context) (statemap.Map, error) {
	if state, ok := r.m.cachedState(r.id); ok {
		return state, nil
	}
	state, err := r.m.store.CurrentState(ctx, r.id)
	if err != nil {
		return statemap.Map{}, err
	}
	r.m.setCachedState(r.id, state)
	return state, nil
}

// nextCurrentState is the room's current state once a.event becomes a
// forward extremity: its own state if it supersedes every extremity,
// otherwise the resolution of its state with the remaining ones.
func (r *room) nextCurrentState(ctx context.Context, a *admission, rules roomversion.Rules, after statemap.Map) (statemap.Map, error) {
	forward, err := r.m.store.ForwardExtremities(ctx, r.id)
	if err != nil {
		return statemap.Map{}, err
	}
	states := []statemap.Map{after}
	for _, id := range forward {
		if id == a.event.ID() || slices.Contains(a.event.PrevEvents(), id) {
			continue
		}
		state, err := r.m.store.StateAfter(ctx, id)
		if err != nil {
			return statemap.Map{}, fmt.Errorf("roomgraph: state after forward extremity %s: %w", id, err)
		}
		states = append(states, state)
	}
	if len(states) == 1 {
		return after, nil
	}
	return r.resolve(ctx, a, rules, states)
}

func (r *room) reject(ctx context.Context, a *admission, authErr error, before *statemap.Map) Result {
	if a.local {
		return Result{Outcome: OutcomeRejected, Err: authErr}
	}
	result := r.persist(ctx, a, eventstore.PutOptions{
		Rejected:     true,
		RejectReason: authErr.Error(),
		Outlier:      before == nil,
		StateBefore:  before,
	}, OutcomeRejected)
	if result.Outcome == OutcomeRejected {
		result.Err = authErr
	}
	return result
}

func (r *room) persist(ctx context.Context, a *admission, options eventstore.PutOptions, outcome Outcome) Result {
	stored, err := r.m.store.Put(ctx, a.event, options)
	if err != nil {
		return failed(err)
	}
	if stored.Duplicate {
		return Result{Outcome: OutcomeDuplicate}
	}
	return Result{Outcome: outcome}
}

// applyRedaction redacts the stored target of an accepted redaction
// when the sender may. Targets that arrive after their redaction are
// not redacted.
func (r *room) applyRedaction(ctx context.Context, rules roomversion.Rules, redaction *pdu.Event, state statemap.Map) {
	targetID := redaction.Redacts()
	if targetID.IsZero() {
		return
	}
	logger := r.m.logger.With("room_id", r.id, "redaction", redaction.ID(), "target", targetID)

	target, err := r.m.store.Get(ctx, targetID)
	if eventstore.IsNotFound(err) {
		logger.Debug("redaction target not stored")
		return
	}
	if err != nil {
		logger.Error("loading redaction target failed", "error", err)
		return
	}
	if target.RoomID() != r.id {
		logger.Warn("redaction target is in another room", "target_room", target.RoomID())
		return
	}
	authState, err := r.authState(ctx, rules, redaction, state)
	if err != nil {
		logger.Error("loading state for redaction failed", "error", err)
		return
	}
	if !authrules.CanApplyRedaction(rules, redaction, target, authState) {
		logger.Info("redaction not applied: sender may not redact target")
		return
	}
	if err := r.m.store.Redact(ctx, targetID, redaction.ID()); err != nil {
		logger.Error("applying redaction failed", "error", err)
	}
}

func findCreate(events []*pdu.Event) *pdu.Event {
	for _, event := range events {
		if isCreate(event) {
			return event
		}
	}
	return nil
}

// authOrder orders events so that each comes after the events among
// them it names as auth events, breaking ties by depth and then ID.
func authOrder(events []*pdu.Event) []*pdu.Event {
	byID := make(map[ref.EventID]*pdu.Event, len(events))
	for _, event := range events {
		byID[event.ID()] = event
	}
	sorted := make([]*pdu.Event, 0, len(byID))
	for _, event := range byID {
		sorted = append(sorted, event)
	}
	slices.SortFunc(sorted, func(a, b *pdu.Event) int {
		return cmp.Or(cmp.Compare(a.Depth(), b.Depth()), a.ID().Compare(b.ID()))
	})

	ordered := make([]*pdu.Event, 0, len(sorted))
	visited := make(map[ref.EventID]bool, len(sorted))
	var visit func(event *pdu.Event)
	visit = func(event *pdu.Event) {
		if visited[event.ID()] {
			return
		}
		visited[event.ID()] = true
		for _, id := range event.AuthEvents() {
			if dependency := byID[id]; dependency != nil {
				visit(dependency)
			}
		}
		ordered = append(ordered, event)
	}
	for _, event := range sorted {
		visit(event)
	}
	return ordered
}
