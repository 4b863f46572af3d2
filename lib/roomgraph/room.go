// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomgraph

import (
	"context"
	"time"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// room is the admission goroutine of one room. Everything except queue
// and wake is owned by that goroutine.
type room struct {
	m  *Manager
	id ref.RoomID

	// queue is guarded by m.mu. wake has capacity one and is signaled
	// after every append.
	queue []*request
	wake  chan struct{}

	// pending holds events waiting for dependencies, keyed by their
	// ID. waiting maps each missing dependency to the pending events
	// that need it. order lists pending IDs oldest first; entries for
	// events no longer pending are skipped lazily.
	pending map[ref.EventID]*pendingEvent
	waiting map[ref.EventID][]ref.EventID
	order   []ref.EventID

	// ready holds pending events whose last dependency just arrived.
	ready []*pendingEvent
}

type pendingEvent struct {
	event   *pdu.Event
	origin  ref.ServerName
	outlier bool
	missing map[ref.EventID]struct{}
	since   time.Time
}

func newRoom(m *Manager, id ref.RoomID) *room {
	return &room{
		m:       m,
		id:      id,
		wake:    make(chan struct{}, 1),
		pending: make(map[ref.EventID]*pendingEvent),
		waiting: make(map[ref.EventID][]ref.EventID),
	}
}

func (r *room) loop() {
	defer r.m.wg.Done()
	for {
		req := r.next()
		if req == nil {
			return
		}
		req.result <- req.run(req.ctx, r)
	}
}

// next returns the next queued request, sweeping expired pending events
// while idle. It returns nil once the goroutine should exit: the
// manager closed, or the room sat idle with nothing pending.
func (r *room) next() *request {
	for {
		r.m.mu.Lock()
		if len(r.queue) > 0 {
			req := r.queue[0]
			r.queue[0] = nil
			r.queue = r.queue[1:]
			r.m.mu.Unlock()
			return req
		}
		if r.m.closed {
			delete(r.m.rooms, r.id)
			r.m.mu.Unlock()
			r.blockAll(context.Background(), "server shut down while waiting")
			return nil
		}
		r.m.mu.Unlock()

		select {
		case <-r.wake:
		case <-r.m.done:
		case <-r.m.clock.After(r.m.idleTimeout):
			r.sweep(context.Background())
			r.m.mu.Lock()
			if len(r.queue) == 0 && len(r.pending) == 0 {
				delete(r.m.rooms, r.id)
				r.m.mu.Unlock()
				return nil
			}
			r.m.mu.Unlock()
		}
	}
}

// park holds a's event until missing arrive. If the room is over its
// pending budget the oldest pending event is blocked.
func (r *room) park(ctx context.Context, a *admission, missing []ref.EventID) {
	id := a.event.ID()
	p := r.pending[id]
	if p == nil {
		p = &pendingEvent{event: a.event, origin: a.origin, outlier: a.outlier, since: r.m.clock.Now()}
		r.pending[id] = p
		r.order = append(r.order, id)
	}
	p.missing = make(map[ref.EventID]struct{}, len(missing))
	for _, dependency := range missing {
		p.missing[dependency] = struct{}{}
		r.waiting[dependency] = append(r.waiting[dependency], id)
	}
	r.m.logger.Debug("event waiting for dependencies",
		"room_id", r.id,
		"event_id", id,
		"missing", len(missing),
		"pending", len(r.pending),
	)

	for len(r.pending) > r.m.pendingBudget {
		oldest := r.oldest()
		if oldest == nil {
			break
		}
		r.block(ctx, oldest, "pending budget exceeded")
	}
}

// release marks id as stored and moves events that were waiting only
// for it to the ready list.
func (r *room) release(id ref.EventID) {
	children := r.waiting[id]
	if len(children) == 0 {
		return
	}
	delete(r.waiting, id)
	for _, child := range children {
		p := r.pending[child]
		if p == nil {
			continue
		}
		delete(p.missing, id)
		if len(p.missing) == 0 {
			delete(r.pending, child)
			r.ready = append(r.ready, p)
		}
	}
}

// oldest returns the longest-waiting pending event, compacting order as
// it goes.
func (r *room) oldest() *pendingEvent {
	for len(r.order) > 0 {
		p := r.pending[r.order[0]]
		if p != nil {
			return p
		}
		r.order = r.order[1:]
	}
	return nil
}

// sweep blocks pending events that have waited longer than the pending
// timeout.
func (r *room) sweep(ctx context.Context) {
	now := r.m.clock.Now()
	for {
		p := r.oldest()
		if p == nil || now.Sub(p.since) < r.m.pendingTimeout {
			return
		}
		r.block(ctx, p, "timed out waiting for dependencies")
	}
}

func (r *room) blockAll(ctx context.Context, reason string) {
	for p := r.oldest(); p != nil; p = r.oldest() {
		r.block(ctx, p, reason)
	}
}

// block removes p from the pending set and records it in the store for
// operators. The event is not admitted; a later copy of it starts
// admission afresh.
func (r *room) block(ctx context.Context, p *pendingEvent, reason string) {
	id := p.event.ID()
	delete(r.pending, id)

	missing := make([]ref.EventID, 0, len(p.missing))
	for dependency := range p.missing {
		missing = append(missing, dependency)
		r.waiting[dependency] = removeID(r.waiting[dependency], id)
		if len(r.waiting[dependency]) == 0 {
			delete(r.waiting, dependency)
		}
	}
	ref.SortEventIDs(missing)

	if err := r.m.store.RecordBlocked(ctx, p.event, missing, reason); err != nil {
		r.m.logger.Error("recording blocked event failed",
			"room_id", r.id,
			"event_id", id,
			"error", err,
		)
		return
	}
	r.m.logger.Warn("event blocked on missing dependencies",
		"room_id", r.id,
		"event_id", id,
		"origin", p.origin,
		"missing", len(missing),
		"reason", reason,
	)
	r.m.observe(OutcomeBlocked, p.since)
}

func removeID(ids []ref.EventID, target ref.EventID) []ref.EventID {
	kept := ids[:0]
	for _, id := range ids {
		if id != target {
			kept = append(kept, id)
		}
	}
	return kept
}
