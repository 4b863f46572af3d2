// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/sqlitepool"
	"github.com/bureau-foundation/roomserver/lib/statemap"
)

// ErrNotFound is returned when an event, room or snapshot is not in
// the store.
var ErrNotFound = errors.New("eventstore: not found")

// IntegrityError reports a second copy of an event whose content
// differs from the stored one under the same event ID. The event ID
// covers only the redacted form, so this means some server rewrote
// unredacted content; it is never retried.
type IntegrityError struct {
	EventID      ref.EventID
	StoredHash   [32]byte
	IncomingHash [32]byte
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("eventstore: integrity violation: %s stored with content hash %x, received with %x",
		e.EventID, e.StoredHash[:8], e.IncomingHash[:8])
}

// DefaultSnapshotCacheSize is the number of decoded state snapshots
// kept in memory when Config.SnapshotCacheSize is zero.
const DefaultSnapshotCacheSize = 1024

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file. Required.
	Path string

	// PoolSize is the number of connections. Zero uses the
	// sqlitepool default.
	PoolSize int

	// Durable selects synchronous=FULL. Production deployments set
	// it; tests leave it off.
	Durable bool

	// SnapshotCacheSize bounds the decoded snapshot cache.
	SnapshotCacheSize int

	// Clock stamps received_at, created_at and blocked_at. Required.
	Clock clock.Clock

	// Logger receives integrity violations and open/close messages.
	// Nil discards.
	Logger *slog.Logger
}

// Store is the durable, append-only record of events, the graph edges
// between them, per-event state snapshots and per-room extremities.
// It is safe for concurrent use; writers are serialized by SQLite.
type Store struct {
	pool      *sqlitepool.Pool
	clock     clock.Clock
	logger    *slog.Logger
	snapshots *lru.Cache[statemap.Digest, statemap.Map]
}

// Open opens or creates the store at config.Path.
func Open(config Config) (*Store, error) {
	if config.Clock == nil {
		return nil, fmt.Errorf("eventstore: Clock is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	cacheSize := config.SnapshotCacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultSnapshotCacheSize
	}
	snapshots, err := lru.New[statemap.Digest, statemap.Map](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("eventstore: creating snapshot cache: %w", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      config.Path,
		PoolSize:  config.PoolSize,
		Durable:   config.Durable,
		Logger:    logger,
		OnConnect: applySchema,
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: %w", err)
	}

	return &Store{
		pool:      pool,
		clock:     config.Clock,
		logger:    logger,
		snapshots: snapshots,
	}, nil
}

// Close closes the connection pool, blocking until in-flight
// operations return their connections.
func (s *Store) Close() error {
	return s.pool.Close()
}

func boolInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}

func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	buffer := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, buffer)
	return buffer
}

func columnDigest(stmt *sqlite.Stmt, column int) (statemap.Digest, bool) {
	var digest statemap.Digest
	if stmt.ColumnIsNull(column) {
		return digest, false
	}
	if stmt.ColumnLen(column) != len(digest) {
		return digest, false
	}
	stmt.ColumnBytes(column, digest[:])
	return digest, true
}
