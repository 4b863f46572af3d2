// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomgraph"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

// Rooms is the room graph as federation uses it. *roomgraph.Manager
// implements it.
type Rooms interface {
	RoomRules(ctx context.Context, roomID ref.RoomID) (roomversion.Rules, error)
	Admit(ctx context.Context, event *pdu.Event, origin ref.ServerName) roomgraph.Result
	AdmitOutlier(ctx context.Context, event *pdu.Event, origin ref.ServerName) roomgraph.Result
	AdmitWithState(ctx context.Context, event *pdu.Event, origin ref.ServerName, state, authChain []*pdu.Event) roomgraph.Result
	Degraded(origin ref.ServerName) bool
	EventByID(ctx context.Context, id ref.EventID) (*pdu.Event, error)
	StateAt(ctx context.Context, roomID ref.RoomID, id ref.EventID) (state, authChain []*pdu.Event, err error)
	History(ctx context.Context, roomID ref.RoomID, from []ref.EventID, limit int) ([]*pdu.Event, error)
	CurrentStateEvents(ctx context.Context, roomID ref.RoomID) ([]*pdu.Event, error)
	BackwardExtremities(ctx context.Context, roomID ref.RoomID) ([]ref.EventID, error)
}

var _ Rooms = (*roomgraph.Manager)(nil)

// Verifier checks event signatures. *keyring.Ring implements it.
type Verifier interface {
	Verify(ctx context.Context, event *pdu.Event) error
}

// ReceiveObserver is told how each inbound transaction was handled.
type ReceiveObserver interface {
	ObserveReceive(origin ref.ServerName, outcome ReceiveOutcome)
}

// ReceiveOutcome classifies an inbound transaction.
type ReceiveOutcome string

const (
	ReceiveProcessed   ReceiveOutcome = "processed"
	ReceiveDuplicate   ReceiveOutcome = "duplicate"
	ReceiveRateLimited ReceiveOutcome = "rate_limited"
	ReceiveInvalid     ReceiveOutcome = "invalid"
)

const (
	// DefaultInboundRate is transactions per second per origin.
	DefaultInboundRate  = 20
	DefaultInboundBurst = 50

	// Degraded origins get this fraction of the normal rate.
	DefaultDegradedDivisor = 10

	DefaultDedupeSize      = 4096
	DefaultRoomConcurrency = 8

	// DefaultAdmissionTimeout bounds the work done for one transaction,
	// remote fetches included.
	DefaultAdmissionTimeout = 2 * time.Minute
)

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	Rooms    Rooms
	Verifier Verifier

	InboundRate  rate.Limit
	InboundBurst int

	// DegradedDivisor divides the rate and burst of origins the room
	// graph reports as degraded.
	DegradedDivisor int

	// DedupeSize is how many (origin, transaction ID) pairs are
	// remembered with their response.
	DedupeSize int

	// RoomConcurrency bounds how many rooms of one transaction are
	// admitted at once.
	RoomConcurrency int

	// AdmissionTimeout bounds processing of one transaction. Work stops
	// earlier once every request waiting on it has gone away.
	AdmissionTimeout time.Duration

	Observer ReceiveObserver
	Logger   *slog.Logger
}

// Receiver processes inbound transactions.
type Receiver struct {
	rooms           Rooms
	verifier        Verifier
	rate            rate.Limit
	burst           int
	degradedDivisor int
	concurrency     int
	timeout         time.Duration
	observer        ReceiveObserver
	logger          *slog.Logger

	seen     *lru.Cache[string, SendResponse]
	inflight singleflight.Group

	flightsMu sync.Mutex
	flights   map[string]*flight

	limitersMu sync.Mutex
	limiters   *lru.Cache[ref.ServerName, *rate.Limiter]
}

// NewReceiver creates a Receiver.
func NewReceiver(config ReceiverConfig) (*Receiver, error) {
	if config.Rooms == nil || config.Verifier == nil {
		return nil, errors.New("federation: receiver needs Rooms and Verifier")
	}
	if config.InboundRate == 0 {
		config.InboundRate = DefaultInboundRate
	}
	if config.InboundBurst == 0 {
		config.InboundBurst = DefaultInboundBurst
	}
	if config.DegradedDivisor == 0 {
		config.DegradedDivisor = DefaultDegradedDivisor
	}
	if config.DedupeSize == 0 {
		config.DedupeSize = DefaultDedupeSize
	}
	if config.RoomConcurrency == 0 {
		config.RoomConcurrency = DefaultRoomConcurrency
	}
	if config.AdmissionTimeout == 0 {
		config.AdmissionTimeout = DefaultAdmissionTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	seen, err := lru.New[string, SendResponse](config.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("federation: creating dedupe cache: %w", err)
	}
	limiters, err := lru.New[ref.ServerName, *rate.Limiter](config.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("federation: creating limiter cache: %w", err)
	}
	return &Receiver{
		rooms:           config.Rooms,
		verifier:        config.Verifier,
		rate:            config.InboundRate,
		burst:           config.InboundBurst,
		degradedDivisor: config.DegradedDivisor,
		concurrency:     config.RoomConcurrency,
		timeout:         config.AdmissionTimeout,
		observer:        config.Observer,
		logger:          config.Logger,
		seen:            seen,
		flights:         make(map[string]*flight),
		limiters:        limiters,
	}, nil
}

// Receive processes a transaction origin sent under txnID and returns
// the per-PDU response and the admission result of every PDU that
// parsed, in transaction order. A repeated (origin, txnID) returns the
// first response without admitting anything again.
//
// Concurrent requests for one transaction share a single run, which is
// cancelled once all of them have returned. Events stored before then
// stay stored, but the transaction is not remembered as answered.
func (r *Receiver) Receive(ctx context.Context, origin ref.ServerName, txnID string, txn Transaction) (SendResponse, []roomgraph.Result, error) {
	if txn.Origin != origin.String() {
		r.observeReceive(origin, ReceiveInvalid)
		return SendResponse{}, nil, newError(http.StatusForbidden, ErrCodeForbidden,
			"transaction origin %q does not match authenticated origin %s", txn.Origin, origin)
	}
	if len(txn.PDUs) > MaxTransactionPDUs || len(txn.EDUs) > MaxTransactionEDUs {
		r.observeReceive(origin, ReceiveInvalid)
		return SendResponse{}, nil, newError(http.StatusBadRequest, ErrCodeBadJSON,
			"transaction has %d PDUs and %d EDUs, limits are %d and %d",
			len(txn.PDUs), len(txn.EDUs), MaxTransactionPDUs, MaxTransactionEDUs)
	}

	key := origin.String() + "\x00" + txnID
	if response, ok := r.seen.Get(key); ok {
		r.observeReceive(origin, ReceiveDuplicate)
		return response, nil, nil
	}
	if !r.allow(origin) {
		r.observeReceive(origin, ReceiveRateLimited)
		return SendResponse{}, nil, newError(http.StatusTooManyRequests, ErrCodeLimitExceeded,
			"too many transactions from %s", origin)
	}

	for {
		done, executed, err := r.join(ctx, key, origin, txn)
		if errors.Is(err, errAbandoned) && !executed && ctx.Err() == nil {
			// Joined a flight whose own callers all left; run it again.
			continue
		}
		if errors.Is(err, errAbandoned) {
			return SendResponse{}, nil, newError(http.StatusServiceUnavailable, ErrCodeUnknown,
				"transaction %s from %s: %v", txnID, origin, err)
		}
		if err != nil {
			return SendResponse{}, nil, err
		}
		if !executed {
			r.observeReceive(origin, ReceiveDuplicate)
			return done.response, nil, nil
		}
		r.observeReceive(origin, ReceiveProcessed)
		return done.response, done.results, nil
	}
}

// errAbandoned reports a transaction whose processing stopped before
// it finished. Nothing about it is remembered for deduplication.
var errAbandoned = errors.New("processing abandoned")

// join runs txn, or waits for the run already in flight under key.
// executed reports whether this call did the work.
func (r *Receiver) join(ctx context.Context, key string, origin ref.ServerName, txn Transaction) (processedTransaction, bool, error) {
	work := r.joinFlight(ctx, key)
	defer r.leaveFlight(key, work)

	var executed bool
	calls := r.inflight.DoChan(key, func() (any, error) {
		executed = true
		response, results := r.process(work.ctx, origin, txn)
		if err := work.ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", errAbandoned, err)
		}
		r.seen.Add(key, response)
		return processedTransaction{response: response, results: results}, nil
	})

	select {
	case call := <-calls:
		if call.Err != nil {
			return processedTransaction{}, executed, call.Err
		}
		return call.Val.(processedTransaction), executed, nil
	case <-ctx.Done():
		return processedTransaction{}, false, ctx.Err()
	}
}

type processedTransaction struct {
	response SendResponse
	results  []roomgraph.Result
}

// flight is the work context shared by every request for one
// transaction. It is cancelled when the last of them leaves, or when
// the admission timeout passes.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (r *Receiver) joinFlight(ctx context.Context, key string) *flight {
	r.flightsMu.Lock()
	defer r.flightsMu.Unlock()
	f, ok := r.flights[key]
	if !ok {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		f = &flight{ctx: ctx, cancel: cancel}
		r.flights[key] = f
	}
	f.waiters++
	return f
}

func (r *Receiver) leaveFlight(key string, f *flight) {
	r.flightsMu.Lock()
	defer r.flightsMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if r.flights[key] == f {
		delete(r.flights, key)
	}
}

// allow applies origin's rate limit, tightened while the room graph
// reports it degraded.
func (r *Receiver) allow(origin ref.ServerName) bool {
	limit, burst := r.rate, r.burst
	if r.rooms.Degraded(origin) {
		limit = r.rate / rate.Limit(r.degradedDivisor)
		burst = max(1, r.burst/r.degradedDivisor)
	}

	r.limitersMu.Lock()
	limiter, ok := r.limiters.Get(origin)
	if !ok {
		limiter = rate.NewLimiter(limit, burst)
		r.limiters.Add(origin, limiter)
	}
	r.limitersMu.Unlock()

	if limiter.Limit() != limit {
		limiter.SetLimit(limit)
	}
	if limiter.Burst() != burst {
		limiter.SetBurst(burst)
	}
	return limiter.Allow()
}

// incoming is one parsed PDU of a transaction.
type incoming struct {
	index int
	event *pdu.Event
}

func (r *Receiver) process(ctx context.Context, origin ref.ServerName, txn Transaction) (SendResponse, []roomgraph.Result) {
	response := SendResponse{PDUs: make(map[string]PDUResult, len(txn.PDUs))}
	results := make([]roomgraph.Result, len(txn.PDUs))
	parsed := make([]bool, len(txn.PDUs))

	byRoom := make(map[ref.RoomID][]incoming)
	var roomOrder []ref.RoomID
	for index, raw := range txn.PDUs {
		event, err := r.parse(ctx, raw)
		if err != nil {
			r.logger.Warn("dropping unparseable PDU",
				"origin", origin,
				"index", index,
				"error", err,
			)
			continue
		}
		parsed[index] = true
		if err := r.verifier.Verify(ctx, event); err != nil {
			results[index] = roomgraph.Result{EventID: event.ID(), Outcome: roomgraph.OutcomeRejected, Err: err}
			response.PDUs[event.ID().String()] = PDUResult{Error: err.Error()}
			r.logger.Warn("PDU signature check failed",
				"origin", origin,
				"event_id", event.ID(),
				"error", err,
			)
			continue
		}
		if _, ok := byRoom[event.RoomID()]; !ok {
			roomOrder = append(roomOrder, event.RoomID())
		}
		byRoom[event.RoomID()] = append(byRoom[event.RoomID()], incoming{index: index, event: event})
	}

	// Rooms are independent; events of one room go in transaction order.
	var group errgroup.Group
	group.SetLimit(r.concurrency)
	for _, roomID := range roomOrder {
		events := byRoom[roomID]
		group.Go(func() error {
			for _, in := range events {
				results[in.index] = r.rooms.Admit(ctx, in.event, origin)
			}
			return nil
		})
	}
	group.Wait()

	ordered := make([]roomgraph.Result, 0, len(txn.PDUs))
	for index, result := range results {
		if !parsed[index] {
			continue
		}
		ordered = append(ordered, result)
		if _, reported := response.PDUs[result.EventID.String()]; reported {
			continue
		}
		response.PDUs[result.EventID.String()] = pduResult(result)
	}
	return response, ordered
}

// parse reads a PDU with the rules of the room it names. PDUs for rooms
// this server is not in are refused; joining goes through Puller.
func (r *Receiver) parse(ctx context.Context, raw []byte) (*pdu.Event, error) {
	roomID, err := ref.ParseRoomID(gjson.GetBytes(raw, "room_id").String())
	if err != nil {
		return nil, fmt.Errorf("%w: room_id: %v", pdu.ErrMalformed, err)
	}
	rules, err := r.rooms.RoomRules(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return pdu.Parse(rules, raw)
}

func pduResult(result roomgraph.Result) PDUResult {
	switch result.Outcome {
	case roomgraph.OutcomeRejected, roomgraph.OutcomeFailed, roomgraph.OutcomeBlocked:
		if result.Err != nil {
			return PDUResult{Error: result.Err.Error()}
		}
		return PDUResult{Error: string(result.Outcome)}
	}
	return PDUResult{}
}

func (r *Receiver) observeReceive(origin ref.ServerName, outcome ReceiveOutcome) {
	if r.observer != nil {
		r.observer.ObserveReceive(origin, outcome)
	}
}
