// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomgraph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/statemap"
	"github.com/bureau-foundation/roomserver/lib/stateres"
)

// Defaults for Config fields left zero.
const (
	DefaultFetchDepth     = 32
	DefaultFetchTimeout   = 30 * time.Second
	DefaultPendingBudget  = 256
	DefaultPendingTimeout = 10 * time.Minute
	DefaultIdleTimeout    = time.Minute
)

// Store is the persistence the manager needs. *eventstore.Store
// implements it.
type Store interface {
	stateres.EventSource

	Put(ctx context.Context, event *pdu.Event, options eventstore.PutOptions) (eventstore.PutResult, error)
	Get(ctx context.Context, id ref.EventID) (*pdu.Event, error)
	GetMeta(ctx context.Context, id ref.EventID) (eventstore.Meta, error)
	Has(ctx context.Context, ids []ref.EventID) ([]ref.EventID, error)
	StateAfter(ctx context.Context, id ref.EventID) (statemap.Map, error)
	StateBefore(ctx context.Context, id ref.EventID) (statemap.Map, error)
	CurrentState(ctx context.Context, roomID ref.RoomID) (statemap.Map, error)
	EventsBefore(ctx context.Context, roomID ref.RoomID, from []ref.EventID, limit int) ([]*pdu.Event, error)
	ForwardExtremities(ctx context.Context, roomID ref.RoomID) ([]ref.EventID, error)
	BackwardExtremities(ctx context.Context, roomID ref.RoomID) ([]ref.EventID, error)
	CreateRoom(ctx context.Context, roomID ref.RoomID, version roomversion.ID) error
	Room(ctx context.Context, roomID ref.RoomID) (eventstore.Room, error)
	MarkInconsistent(ctx context.Context, roomID ref.RoomID, reason string) error
	Redact(ctx context.Context, target, redaction ref.EventID) error
	RecordBlocked(ctx context.Context, event *pdu.Event, missing []ref.EventID, reason string) error
}

// Fetcher retrieves an event this server does not have from a remote
// server. Implementations verify signatures before returning.
type Fetcher interface {
	FetchEvent(ctx context.Context, rules roomversion.Rules, origin ref.ServerName, id ref.EventID) (*pdu.Event, error)
}

// Observer is told about every admission.
type Observer interface {
	ObserveAdmission(outcome Outcome, elapsed time.Duration)
	ObserveFetch(err error)
}

// Config holds the manager's collaborators and limits.
type Config struct {
	// ServerName is this server. Events whose sender is on this server
	// are local. Required.
	ServerName ref.ServerName

	// Signer signs locally built events. Required for BuildEvent,
	// SubmitLocal and CreateRoom.
	Signer pdu.Signer

	// Store persists events. Required.
	Store Store

	// Resolver resolves state forks. Required.
	Resolver *stateres.Resolver

	// Fetcher retrieves missing dependencies. Without one, events with
	// unknown parents wait until the parents arrive by other means.
	Fetcher Fetcher

	// FetchDepth bounds how many generations of missing ancestors one
	// admission fetches before parking the event.
	FetchDepth int

	// FetchTimeout bounds each individual fetch.
	FetchTimeout time.Duration

	// PendingBudget bounds the events one room may hold waiting for
	// dependencies. The oldest is blocked when it overflows.
	PendingBudget int

	// PendingTimeout is how long an event may wait before it is
	// blocked.
	PendingTimeout time.Duration

	// IdleTimeout is how long a room's admission goroutine lingers
	// with nothing to do.
	IdleTimeout time.Duration

	// Trust configures origin degradation. The zero value uses
	// DefaultTrustPolicy.
	Trust TrustPolicy

	Observer Observer
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Manager admits events into rooms. Admission is serialized per room
// by a goroutine that owns the room's pending events; rooms proceed in
// parallel. Reads go to the store and the shared current-state cache
// and never wait for admission.
type Manager struct {
	serverName     ref.ServerName
	signer         pdu.Signer
	store          Store
	resolver       *stateres.Resolver
	fetcher        Fetcher
	fetchDepth     int
	fetchTimeout   time.Duration
	pendingBudget  int
	pendingTimeout time.Duration
	idleTimeout    time.Duration
	trust          *trustTracker
	observer       Observer
	clock          clock.Clock
	logger         *slog.Logger

	// stateMu guards currentState. Admission takes it exclusively
	// after a write; readers share it.
	stateMu      sync.RWMutex
	currentState map[ref.RoomID]statemap.Map

	mu     sync.Mutex
	rooms  map[ref.RoomID]*room
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Manager.
func New(config Config) (*Manager, error) {
	if config.ServerName.IsZero() {
		return nil, fmt.Errorf("roomgraph: ServerName is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("roomgraph: Store is required")
	}
	if config.Resolver == nil {
		return nil, fmt.Errorf("roomgraph: Resolver is required")
	}
	if config.Signer != nil && config.Signer.ServerName() != config.ServerName {
		return nil, fmt.Errorf("roomgraph: Signer is for %s, not %s", config.Signer.ServerName(), config.ServerName)
	}
	if config.FetchDepth <= 0 {
		config.FetchDepth = DefaultFetchDepth
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultFetchTimeout
	}
	if config.PendingBudget <= 0 {
		config.PendingBudget = DefaultPendingBudget
	}
	if config.PendingTimeout <= 0 {
		config.PendingTimeout = DefaultPendingTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.Trust == (TrustPolicy{}) {
		config.Trust = DefaultTrustPolicy()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	return &Manager{
		serverName:     config.ServerName,
		signer:         config.Signer,
		store:          config.Store,
		resolver:       config.Resolver,
		fetcher:        config.Fetcher,
		fetchDepth:     config.FetchDepth,
		fetchTimeout:   config.FetchTimeout,
		pendingBudget:  config.PendingBudget,
		pendingTimeout: config.PendingTimeout,
		idleTimeout:    config.IdleTimeout,
		trust:          newTrustTracker(config.Trust, config.Clock),
		observer:       config.Observer,
		clock:          config.Clock,
		logger:         config.Logger,
		currentState:   make(map[ref.RoomID]statemap.Map),
		rooms:          make(map[ref.RoomID]*room),
		done:           make(chan struct{}),
	}, nil
}

// Close stops accepting work, lets each room finish its queue and
// waits for the room goroutines to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()
	m.wg.Wait()
}

// ServerName is the server local events are built for.
func (m *Manager) ServerName() ref.ServerName { return m.serverName }

// Degraded reports whether origin has sent enough bad events recently
// to be throttled.
func (m *Manager) Degraded(origin ref.ServerName) bool {
	return m.trust.degraded(origin)
}

// DegradedOrigins lists the currently degraded origins.
func (m *Manager) DegradedOrigins() []ref.ServerName {
	return m.trust.degradedOrigins()
}

// request is one unit of work on a room's admission goroutine.
type request struct {
	ctx    context.Context
	run    func(ctx context.Context, r *room) error
	result chan error
}

// do runs fn on roomID's admission goroutine, starting it if needed,
// and waits for it to finish or ctx to end. When ctx ends first, fn
// still runs to completion unless it observes ctx itself.
func (m *Manager) do(ctx context.Context, roomID ref.RoomID, fn func(ctx context.Context, r *room) error) error {
	req := &request{ctx: ctx, run: fn, result: make(chan error, 1)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	r := m.rooms[roomID]
	if r == nil {
		r = newRoom(m, roomID)
		m.rooms[roomID] = r
		m.wg.Add(1)
		go r.loop()
	}
	r.queue = append(r.queue, req)
	select {
	case r.wake <- struct{}{}:
	default:
	}
	m.mu.Unlock()

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) cachedState(roomID ref.RoomID) (statemap.Map, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	state, ok := m.currentState[roomID]
	return state, ok
}

func (m *Manager) setCachedState(roomID ref.RoomID, state statemap.Map) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.currentState[roomID] = state
}

func (m *Manager) observe(outcome Outcome, started time.Time) {
	if m.observer != nil {
		m.observer.ObserveAdmission(outcome, m.clock.Now().Sub(started))
	}
}

func (m *Manager) isLocal(event *pdu.Event) bool {
	return event.Sender().Server() == m.serverName
}
