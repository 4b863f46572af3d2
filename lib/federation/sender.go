// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/bureau-foundation/roomserver/lib/authrules"
	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// TransactionSender delivers one transaction. *Client implements it.
type TransactionSender interface {
	SendTransaction(ctx context.Context, destination ref.ServerName, txnID string, txn Transaction) (SendResponse, error)
}

// SendObserver is told about every delivery attempt.
type SendObserver interface {
	ObserveSend(destination ref.ServerName, pdus int, err error)
}

const (
	DefaultTransactionSize = MaxTransactionPDUs
	DefaultInitialBackoff  = time.Second
	DefaultMaxBackoff      = 10 * time.Minute
	DefaultMaxAttempts     = 10
	DefaultRetryHorizon    = time.Hour
)

// ErrSenderClosed is returned by Send after Close.
var ErrSenderClosed = errors.New("federation: sender closed")

// SenderConfig configures a Sender.
type SenderConfig struct {
	// Origin is this server's name, stamped on every transaction.
	Origin ref.ServerName

	Client TransactionSender

	// TransactionSize is the most PDUs sent in one transaction.
	TransactionSize int

	// InitialBackoff doubles per failed attempt up to MaxBackoff. The
	// actual wait is drawn uniformly from [0, backoff].
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxAttempts is how often one transaction is tried. After the
	// last failure the destination's queue is dropped and Send refuses
	// it until RetryHorizon has passed.
	MaxAttempts  int
	RetryHorizon time.Duration

	// Jitter maps a backoff to the wait actually used. Defaults to
	// full jitter.
	Jitter func(time.Duration) time.Duration

	Observer SendObserver
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Sender delivers events to remote servers. Each destination has its
// own FIFO queue and goroutine, so events to one destination leave in
// the order they were queued and a slow destination does not hold up
// the others.
type Sender struct {
	origin          ref.ServerName
	client          TransactionSender
	transactionSize int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	maxAttempts     int
	retryHorizon    time.Duration
	jitter          func(time.Duration) time.Duration
	observer        SendObserver
	clock           clock.Clock
	logger          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	destinations map[ref.ServerName]*destinationQueue
}

// destinationQueue is guarded by Sender.mu.
type destinationQueue struct {
	destination    ref.ServerName
	events         []*pdu.Event
	running        bool
	attempts       int
	lastError      error
	abandonedUntil time.Time
}

// DestinationStatus describes one destination's queue.
type DestinationStatus struct {
	Destination    ref.ServerName
	Queued         int
	Attempts       int
	LastError      string
	AbandonedUntil time.Time
}

// NewSender creates a Sender.
func NewSender(config SenderConfig) (*Sender, error) {
	if config.Origin.IsZero() {
		return nil, errors.New("federation: sender Origin is required")
	}
	if config.Client == nil {
		return nil, errors.New("federation: sender Client is required")
	}
	if config.TransactionSize <= 0 || config.TransactionSize > MaxTransactionPDUs {
		config.TransactionSize = DefaultTransactionSize
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = DefaultInitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryHorizon == 0 {
		config.RetryHorizon = DefaultRetryHorizon
	}
	if config.Jitter == nil {
		config.Jitter = fullJitter
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		origin:          config.Origin,
		client:          config.Client,
		transactionSize: config.TransactionSize,
		initialBackoff:  config.InitialBackoff,
		maxBackoff:      config.MaxBackoff,
		maxAttempts:     config.MaxAttempts,
		retryHorizon:    config.RetryHorizon,
		jitter:          config.Jitter,
		observer:        config.Observer,
		clock:           config.Clock,
		logger:          config.Logger,
		ctx:             ctx,
		cancel:          cancel,
		destinations:    make(map[ref.ServerName]*destinationQueue),
	}, nil
}

func fullJitter(backoff time.Duration) time.Duration {
	if backoff <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(backoff) + 1))
}

// Send queues events for destination. Events to the local server are
// ignored. It fails with ErrDestinationAbandoned while destination is
// inside its retry horizon; the events stay valid locally and the
// destination can backfill them later.
func (s *Sender) Send(destination ref.ServerName, events ...*pdu.Event) error {
	if destination == s.origin || len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSenderClosed
	}
	queue := s.destinations[destination]
	if queue == nil {
		queue = &destinationQueue{destination: destination}
		s.destinations[destination] = queue
	}
	if !queue.abandonedUntil.IsZero() {
		if s.clock.Now().Before(queue.abandonedUntil) {
			return ErrDestinationAbandoned
		}
		queue.abandonedUntil = time.Time{}
	}
	queue.events = append(queue.events, events...)
	if !queue.running {
		queue.running = true
		s.wg.Add(1)
		go s.run(queue)
	}
	return nil
}

// Broadcast sends event to every server with a joined member in
// state, the room state the event was sent in.
func (s *Sender) Broadcast(event *pdu.Event, state []*pdu.Event) map[ref.ServerName]error {
	failures := make(map[ref.ServerName]error)
	for _, server := range JoinedServers(state) {
		if err := s.Send(server, event); err != nil {
			failures[server] = err
		}
	}
	return failures
}

// JoinedServers returns the servers of the joined members in state,
// sorted.
func JoinedServers(state []*pdu.Event) []ref.ServerName {
	seen := make(map[ref.ServerName]struct{})
	var servers []ref.ServerName
	for _, event := range state {
		if event.Type() != ref.EventTypeMember {
			continue
		}
		stateKey, _ := event.StateKey()
		user, err := ref.ParseUserID(stateKey)
		if err != nil {
			continue
		}
		if gjson.GetBytes(event.Content(), "membership").String() != authrules.MembershipJoin {
			continue
		}
		if _, ok := seen[user.Server()]; !ok {
			seen[user.Server()] = struct{}{}
			servers = append(servers, user.Server())
		}
	}
	slices.SortFunc(servers, func(a, b ref.ServerName) int {
		return strings.Compare(a.String(), b.String())
	})
	return servers
}

// Status returns the state of every destination that has been sent to.
func (s *Sender) Status() []DestinationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := make([]DestinationStatus, 0, len(s.destinations))
	for _, queue := range s.destinations {
		entry := DestinationStatus{
			Destination:    queue.destination,
			Queued:         len(queue.events),
			Attempts:       queue.attempts,
			AbandonedUntil: queue.abandonedUntil,
		}
		if queue.lastError != nil {
			entry.LastError = queue.lastError.Error()
		}
		status = append(status, entry)
	}
	slices.SortFunc(status, func(a, b DestinationStatus) int {
		return strings.Compare(a.Destination.String(), b.Destination.String())
	})
	return status
}

// Close stops delivery and waits for the destination goroutines.
// Queued events are dropped.
func (s *Sender) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// run delivers queue's events until the queue is empty, the
// destination is abandoned, or the sender closes.
func (s *Sender) run(queue *destinationQueue) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(queue.events) == 0 || s.closed {
			queue.running = false
			s.mu.Unlock()
			return
		}
		batch := slices.Clone(queue.events[:min(len(queue.events), s.transactionSize)])
		s.mu.Unlock()

		if !s.deliver(queue, batch) {
			return
		}
	}
}

// deliver sends batch as one transaction, retrying with backoff. It
// reports whether the goroutine should go on with the queue.
func (s *Sender) deliver(queue *destinationQueue, batch []*pdu.Event) bool {
	txnID := uuid.NewString()
	txn := Transaction{Origin: s.origin.String(), PDUs: rawEvents(batch)}
	backoff := s.initialBackoff

	for attempt := 1; ; attempt++ {
		txn.OriginServerTS = clock.Millis(s.clock.Now())
		response, err := s.client.SendTransaction(s.ctx, queue.destination, txnID, txn)
		if s.observer != nil {
			s.observer.ObserveSend(queue.destination, len(batch), err)
		}
		if err == nil {
			s.logRejected(queue.destination, response)
			s.finish(queue, len(batch), nil)
			return true
		}
		if s.ctx.Err() != nil {
			s.finish(queue, 0, err)
			return false
		}
		if permanent(err) {
			s.logger.Error("destination refused transaction, dropping it",
				"destination", queue.destination,
				"txn_id", txnID,
				"pdus", len(batch),
				"error", err,
			)
			s.finish(queue, len(batch), err)
			return true
		}
		if attempt >= s.maxAttempts {
			s.abandon(queue, txnID, attempt, err)
			return false
		}

		wait := s.jitter(backoff)
		s.mu.Lock()
		queue.attempts = attempt
		queue.lastError = err
		s.mu.Unlock()
		s.logger.Warn("transaction failed, will retry",
			"destination", queue.destination,
			"txn_id", txnID,
			"attempt", attempt,
			"backoff", wait,
			"error", err,
		)
		select {
		case <-s.clock.After(wait):
		case <-s.ctx.Done():
			s.finish(queue, 0, err)
			return false
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

// finish pops delivered events off the queue and records the outcome.
func (s *Sender) finish(queue *destinationQueue, delivered int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue.events = queue.events[delivered:]
	queue.attempts = 0
	queue.lastError = err
	if s.ctx.Err() != nil {
		queue.running = false
	}
}

func (s *Sender) abandon(queue *destinationQueue, txnID string, attempts int, err error) {
	s.mu.Lock()
	dropped := len(queue.events)
	queue.events = nil
	queue.running = false
	queue.attempts = attempts
	queue.lastError = err
	queue.abandonedUntil = s.clock.Now().Add(s.retryHorizon)
	s.mu.Unlock()
	s.logger.Error("destination unreachable, abandoning queued events",
		"destination", queue.destination,
		"txn_id", txnID,
		"attempts", attempts,
		"dropped", dropped,
		"retry_after", s.retryHorizon,
		"error", err,
	)
}

func (s *Sender) logRejected(destination ref.ServerName, response SendResponse) {
	for eventID, result := range response.PDUs {
		if result.Error != "" {
			s.logger.Warn("destination rejected event",
				"destination", destination,
				"event_id", eventID,
				"reason", result.Error,
			)
		}
	}
}

// permanent reports a response retrying cannot fix: a 4xx other than
// rate limiting.
func permanent(err error) bool {
	var federationErr *Error
	if !errors.As(err, &federationErr) {
		return false
	}
	status := federationErr.StatusCode
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusUnauthorized
}
