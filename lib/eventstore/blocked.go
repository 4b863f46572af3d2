// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/codec"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Blocked is an event that could not be admitted because some of its
// dependencies never became available.
type Blocked struct {
	EventID   ref.EventID
	RoomID    ref.RoomID
	Missing   []ref.EventID
	Reason    string
	BlockedAt time.Time

	// JSON is the event as received, so an operator can re-submit it
	// once the dependencies are found.
	JSON []byte
}

// RecordBlocked records that event is blocked on missing. Recording
// the same event again replaces the earlier record.
func (s *Store) RecordBlocked(ctx context.Context, event *pdu.Event, missing []ref.EventID, reason string) error {
	encoded, err := codec.Marshal(missing)
	if err != nil {
		return fmt.Errorf("eventstore: encoding missing ids of %s: %w", event.ID(), err)
	}
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT OR REPLACE INTO blocked (event_id, room_id, json, missing, reason, blocked_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				event.ID().String(),
				event.RoomID().String(),
				event.JSON(),
				encoded,
				reason,
				clock.Millis(s.clock.Now()),
			}})
		if err != nil {
			return fmt.Errorf("eventstore: recording blocked %s: %w", event.ID(), err)
		}
		return nil
	})
}

// ListBlocked returns the blocked events of a room, oldest first.
func (s *Store) ListBlocked(ctx context.Context, roomID ref.RoomID) ([]Blocked, error) {
	var blocked []Blocked
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT event_id, json, missing, reason, blocked_at FROM blocked
			 WHERE room_id = ? ORDER BY blocked_at, event_id`,
			&sqlitex.ExecOptions{
				Args: []any{roomID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					id, err := ref.ParseEventID(stmt.ColumnText(0))
					if err != nil {
						return fmt.Errorf("stored blocked id: %w", err)
					}
					var missing []ref.EventID
					if err := codec.Unmarshal(columnBlob(stmt, 2), &missing); err != nil {
						return fmt.Errorf("decoding missing ids of %s: %w", id, err)
					}
					blocked = append(blocked, Blocked{
						EventID:   id,
						RoomID:    roomID,
						Missing:   missing,
						Reason:    stmt.ColumnText(3),
						BlockedAt: time.UnixMilli(stmt.ColumnInt64(4)),
						JSON:      columnBlob(stmt, 1),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: listing blocked events of %s: %w", roomID, err)
	}
	return blocked, nil
}

// ClearBlocked removes a blocked record without admitting the event,
// for operators abandoning it. Put clears the record of an event it
// stores. Clearing an event that is not blocked is a no-op.
func (s *Store) ClearBlocked(ctx context.Context, id ref.EventID) error {
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `DELETE FROM blocked WHERE event_id = ?`,
			&sqlitex.ExecOptions{Args: []any{id.String()}})
		if err != nil {
			return fmt.Errorf("eventstore: clearing blocked %s: %w", id, err)
		}
		return nil
	})
}
