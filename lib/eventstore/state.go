// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/codec"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/statemap"
)

// putSnapshot stores state under its digest unless an identical
// snapshot is already present, and returns the digest. The decoded
// cache is only filled on load: a snapshot written inside a
// transaction that later rolls back must not be remembered.
func (s *Store) putSnapshot(conn *sqlite.Conn, state statemap.Map) (statemap.Digest, error) {
	digest := state.Digest()
	var exists bool
	err := sqlitex.Execute(conn, `SELECT 1 FROM state_snapshots WHERE digest = ?`,
		&sqlitex.ExecOptions{
			Args: []any{digest[:]},
			ResultFunc: func(*sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	if err != nil {
		return digest, fmt.Errorf("eventstore: checking snapshot %s: %w", digest, err)
	}
	if exists {
		return digest, nil
	}

	encoded, err := codec.Marshal(state.Entries())
	if err != nil {
		return digest, fmt.Errorf("eventstore: encoding snapshot: %w", err)
	}
	data, tag, err := compress(encoded, compressionZstd)
	if err != nil {
		return digest, err
	}
	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO state_snapshots (digest, entries, compression, raw_size, data)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{digest[:], state.Len(), int64(tag), len(encoded), data}})
	if err != nil {
		return digest, fmt.Errorf("eventstore: inserting snapshot %s: %w", digest, err)
	}
	return digest, nil
}

// loadSnapshot reads and verifies the snapshot stored under digest.
func (s *Store) loadSnapshot(conn *sqlite.Conn, digest statemap.Digest) (statemap.Map, error) {
	if state, ok := s.snapshots.Get(digest); ok {
		return state, nil
	}

	var (
		found   bool
		tag     compression
		rawSize int
		data    []byte
	)
	err := sqlitex.Execute(conn,
		`SELECT compression, raw_size, data FROM state_snapshots WHERE digest = ?`,
		&sqlitex.ExecOptions{
			Args: []any{digest[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				tag = compression(stmt.ColumnInt64(0))
				rawSize = stmt.ColumnInt(1)
				data = columnBlob(stmt, 2)
				return nil
			},
		})
	if err != nil {
		return statemap.Map{}, fmt.Errorf("eventstore: reading snapshot %s: %w", digest, err)
	}
	if !found {
		return statemap.Map{}, fmt.Errorf("%w: snapshot %s", ErrNotFound, digest)
	}

	encoded, err := decompress(data, tag, rawSize)
	if err != nil {
		return statemap.Map{}, fmt.Errorf("eventstore: snapshot %s: %w", digest, err)
	}
	var entries []statemap.Entry
	if err := codec.Unmarshal(encoded, &entries); err != nil {
		return statemap.Map{}, fmt.Errorf("eventstore: decoding snapshot %s: %w", digest, err)
	}
	state := statemap.FromEntries(entries)
	if state.Digest() != digest {
		return statemap.Map{}, fmt.Errorf("eventstore: snapshot %s fails digest verification", digest)
	}
	s.snapshots.Add(digest, state)
	return state, nil
}

// StateAfter returns the room state after the event, including the
// event itself if it is a state event. Outliers and rejected events
// have no state: the result is ErrNotFound.
func (s *Store) StateAfter(ctx context.Context, id ref.EventID) (statemap.Map, error) {
	return s.eventState(ctx, id, "state_after")
}

// StateBefore returns the room state the event was authorized
// against.
func (s *Store) StateBefore(ctx context.Context, id ref.EventID) (statemap.Map, error) {
	return s.eventState(ctx, id, "state_before")
}

func (s *Store) eventState(ctx context.Context, id ref.EventID, column string) (statemap.Map, error) {
	var state statemap.Map
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var (
			found     bool
			digest    statemap.Digest
			hasDigest bool
		)
		err := sqlitex.Execute(conn,
			`SELECT `+column+` FROM events WHERE event_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					digest, hasDigest = columnDigest(stmt, 0)
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("eventstore: reading %s of %s: %w", column, id, err)
		}
		if !found {
			return fmt.Errorf("%w: event %s", ErrNotFound, id)
		}
		if !hasDigest {
			return fmt.Errorf("%w: %s has no recorded state", ErrNotFound, id)
		}
		state, err = s.loadSnapshot(conn, digest)
		return err
	})
	return state, err
}

// CurrentState returns the room's resolved current state. A room that
// has no admitted events yet has an empty state.
func (s *Store) CurrentState(ctx context.Context, roomID ref.RoomID) (statemap.Map, error) {
	var state statemap.Map
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var (
			found     bool
			digest    statemap.Digest
			hasDigest bool
		)
		err := sqlitex.Execute(conn,
			`SELECT current_state FROM rooms WHERE room_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{roomID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					digest, hasDigest = columnDigest(stmt, 0)
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("eventstore: reading current state of %s: %w", roomID, err)
		}
		if !found {
			return fmt.Errorf("%w: room %s", ErrNotFound, roomID)
		}
		if !hasDigest {
			state = statemap.Empty
			return nil
		}
		state, err = s.loadSnapshot(conn, digest)
		return err
	})
	return state, err
}

// LookupResolution returns a previously stored resolution result.
func (s *Store) LookupResolution(ctx context.Context, key statemap.Digest) (statemap.Map, bool, error) {
	var (
		state statemap.Map
		found bool
	)
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var (
			digest    statemap.Digest
			hasDigest bool
		)
		err := sqlitex.Execute(conn,
			`SELECT snapshot FROM resolutions WHERE cache_key = ?`,
			&sqlitex.ExecOptions{
				Args: []any{key[:]},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					digest, hasDigest = columnDigest(stmt, 0)
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("eventstore: reading resolution %s: %w", key, err)
		}
		if !hasDigest {
			return nil
		}
		state, err = s.loadSnapshot(conn, digest)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return state, found, err
}

// StoreResolution records the result of resolving the conflict
// identified by key. A key is only ever stored with one result, so a
// repeated store is a no-op.
func (s *Store) StoreResolution(ctx context.Context, key statemap.Digest, state statemap.Map) error {
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		digest, err := s.putSnapshot(conn, state)
		if err != nil {
			return err
		}
		err = sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO resolutions (cache_key, snapshot, created_at) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{key[:], digest[:], clock.Millis(s.clock.Now())}})
		if err != nil {
			return fmt.Errorf("eventstore: storing resolution %s: %w", key, err)
		}
		return nil
	})
}
