// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/statemap"
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Room is the stored record of a room.
type Room struct {
	RoomID             ref.RoomID
	Version            roomversion.ID
	CreatedAt          time.Time
	Inconsistent       bool
	InconsistentReason string
}

// CreateRoom records a room and its version. Creating a room that
// already exists with the same version is a no-op.
func (s *Store) CreateRoom(ctx context.Context, roomID ref.RoomID, version roomversion.ID) error {
	if !roomversion.Known(version) {
		return fmt.Errorf("eventstore: creating %s: unsupported room version %q", roomID, version)
	}
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		existing, found, err := readRoomVersion(conn, roomID)
		if err != nil {
			return err
		}
		if found {
			if existing != version {
				return fmt.Errorf("eventstore: room %s already exists with version %s, not %s", roomID, existing, version)
			}
			return nil
		}
		err = sqlitex.Execute(conn,
			`INSERT INTO rooms (room_id, room_version, created_at) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{roomID.String(), string(version), clock.Millis(s.clock.Now())}})
		if err != nil {
			return fmt.Errorf("eventstore: creating room %s: %w", roomID, err)
		}
		return nil
	})
}

// RoomVersion returns the version a room was created with.
func (s *Store) RoomVersion(ctx context.Context, roomID ref.RoomID) (roomversion.ID, error) {
	var version roomversion.ID
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var (
			found bool
			err   error
		)
		version, found, err = readRoomVersion(conn, roomID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: room %s", ErrNotFound, roomID)
		}
		return nil
	})
	return version, err
}

func readRoomVersion(conn *sqlite.Conn, roomID ref.RoomID) (roomversion.ID, bool, error) {
	var (
		version roomversion.ID
		found   bool
	)
	err := sqlitex.Execute(conn, `SELECT room_version FROM rooms WHERE room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				version = roomversion.ID(stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return "", false, fmt.Errorf("eventstore: reading room %s: %w", roomID, err)
	}
	return version, found, nil
}

// checkRoomVersion refuses events for unknown rooms and events parsed
// under a different version than their room's.
func checkRoomVersion(conn *sqlite.Conn, event *pdu.Event) error {
	version, found, err := readRoomVersion(conn, event.RoomID())
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: room %s of event %s", ErrNotFound, event.RoomID(), event.ID())
	}
	if version != event.Rules().ID {
		return fmt.Errorf("eventstore: event %s was parsed as version %s but room %s is version %s",
			event.ID(), event.Rules().ID, event.RoomID(), version)
	}
	return nil
}

func (s *Store) setCurrentState(conn *sqlite.Conn, roomID ref.RoomID, state *statemap.Map) error {
	if state == nil {
		return nil
	}
	digest, err := s.putSnapshot(conn, *state)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `UPDATE rooms SET current_state = ? WHERE room_id = ?`,
		&sqlitex.ExecOptions{Args: []any{digest[:], roomID.String()}})
	if err != nil {
		return fmt.Errorf("eventstore: updating current state of %s: %w", roomID, err)
	}
	return nil
}

// Room returns the stored room record.
func (s *Store) Room(ctx context.Context, roomID ref.RoomID) (Room, error) {
	var (
		room  Room
		found bool
	)
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT room_id, room_version, created_at, inconsistent, inconsistent_reason
			 FROM rooms WHERE room_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{roomID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var err error
					room, err = scanRoom(stmt)
					found = err == nil
					return err
				},
			})
	})
	if err != nil {
		return Room{}, err
	}
	if !found {
		return Room{}, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}
	return room, nil
}

// Rooms lists every stored room ordered by room ID.
func (s *Store) Rooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT room_id, room_version, created_at, inconsistent, inconsistent_reason
			 FROM rooms ORDER BY room_id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					room, err := scanRoom(stmt)
					if err != nil {
						return err
					}
					rooms = append(rooms, room)
					return nil
				},
			})
	})
	return rooms, err
}

func scanRoom(stmt *sqlite.Stmt) (Room, error) {
	roomID, err := ref.ParseRoomID(stmt.ColumnText(0))
	if err != nil {
		return Room{}, fmt.Errorf("eventstore: stored room id: %w", err)
	}
	return Room{
		RoomID:             roomID,
		Version:            roomversion.ID(stmt.ColumnText(1)),
		CreatedAt:          time.UnixMilli(stmt.ColumnInt64(2)),
		Inconsistent:       stmt.ColumnInt(3) != 0,
		InconsistentReason: stmt.ColumnText(4),
	}, nil
}

// MarkInconsistent flags a room whose stored graph or state cannot be
// trusted. Admission into the room stops until an operator repairs
// it.
func (s *Store) MarkInconsistent(ctx context.Context, roomID ref.RoomID, reason string) error {
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE rooms SET inconsistent = 1, inconsistent_reason = ? WHERE room_id = ?`,
			&sqlitex.ExecOptions{Args: []any{reason, roomID.String()}})
		if err != nil {
			return fmt.Errorf("eventstore: marking %s inconsistent: %w", roomID, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("%w: room %s", ErrNotFound, roomID)
		}
		s.logger.Error("room marked inconsistent", "room_id", roomID, "reason", reason)
		return nil
	})
}

// ForwardExtremities returns the room's accepted events with no
// accepted children, sorted by event ID.
func (s *Store) ForwardExtremities(ctx context.Context, roomID ref.RoomID) ([]ref.EventID, error) {
	return s.extremities(ctx, "forward_extremities", roomID)
}

// BackwardExtremities returns the room's events whose parents are not
// stored, sorted by event ID. Backfill starts from them.
func (s *Store) BackwardExtremities(ctx context.Context, roomID ref.RoomID) ([]ref.EventID, error) {
	return s.extremities(ctx, "backward_extremities", roomID)
}

func (s *Store) extremities(ctx context.Context, table string, roomID ref.RoomID) ([]ref.EventID, error) {
	var ids []ref.EventID
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT event_id FROM `+table+` WHERE room_id = ? ORDER BY event_id`,
			&sqlitex.ExecOptions{
				Args: []any{roomID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					id, err := ref.ParseEventID(stmt.ColumnText(0))
					if err != nil {
						return fmt.Errorf("eventstore: stored extremity: %w", err)
					}
					ids = append(ids, id)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: reading %s of %s: %w", table, roomID, err)
	}
	ref.SortEventIDs(ids)
	return ids, nil
}
