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
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/statemap"
)

// PutOptions describes how an event was admitted.
type PutOptions struct {
	// Rejected events are kept for audit and for answering auth chain
	// queries, but never become extremities or room state.
	Rejected     bool
	RejectReason string

	// SoftFailed events passed authorization against their own
	// history but not against current state. They stay in the graph
	// and never become forward extremities.
	SoftFailed bool

	// Outlier events were authorized against their auth events only;
	// the state around them is unknown.
	Outlier bool

	// StateBefore and StateAfter record the state the event was
	// authorized against and the state it produced. Nil for outliers.
	StateBefore *statemap.Map
	StateAfter  *statemap.Map

	// CurrentState, if set, replaces the room's current state in the
	// same transaction.
	CurrentState *statemap.Map
}

// PutResult reports what Put did.
type PutResult struct {
	// Duplicate means the event was already stored with identical
	// content; nothing changed.
	Duplicate bool

	// Promoted means a stored outlier was re-admitted with state and
	// is now part of the room's timeline.
	Promoted bool

	// StreamPosition is the event's position in the store's insertion
	// order.
	StreamPosition int64
}

// Meta is the admission record of a stored event.
type Meta struct {
	EventID        ref.EventID
	RoomID         ref.RoomID
	StreamPosition int64
	Depth          int64
	Rejected       bool
	RejectReason   string
	SoftFailed     bool
	Outlier        bool
	RedactedBy     ref.EventID
	ReceivedAt     time.Time
}

// Put stores an event with its edges, state snapshots and extremity
// updates in one transaction, and drops any blocked record of it. The
// room must exist.
//
// Storing the same event twice is a no-op reported as Duplicate. A
// second copy that differs in content from the stored one is an
// *IntegrityError, except that a copy in redacted form (or a stored
// copy in redacted form) matches the original: both share the event
// ID, which covers exactly the redacted form.
func (s *Store) Put(ctx context.Context, event *pdu.Event, options PutOptions) (PutResult, error) {
	var result PutResult
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := checkRoomVersion(conn, event); err != nil {
			return err
		}

		existing, found, err := readAdmission(conn, event.ID())
		if err != nil {
			return err
		}
		if found {
			result, err = s.putExisting(conn, event, existing, options)
			return err
		}

		result.StreamPosition, err = s.insertEvent(conn, event, options)
		if err != nil {
			return err
		}
		for _, prev := range event.PrevEvents() {
			err := sqlitex.Execute(conn,
				`INSERT OR IGNORE INTO edges (event_id, prev_event_id) VALUES (?, ?)`,
				&sqlitex.ExecOptions{Args: []any{event.ID().String(), prev.String()}})
			if err != nil {
				return fmt.Errorf("eventstore: inserting edge %s -> %s: %w", event.ID(), prev, err)
			}
		}

		if !options.Rejected {
			if err := updateBackwardExtremities(conn, event); err != nil {
				return err
			}
		}
		if !options.Rejected && !options.SoftFailed && !options.Outlier {
			if err := updateForwardExtremities(conn, event); err != nil {
				return err
			}
		}
		err = sqlitex.Execute(conn, `DELETE FROM blocked WHERE event_id = ?`,
			&sqlitex.ExecOptions{Args: []any{event.ID().String()}})
		if err != nil {
			return fmt.Errorf("eventstore: clearing blocked record of %s: %w", event.ID(), err)
		}
		return s.setCurrentState(conn, event.RoomID(), options.CurrentState)
	})
	return result, err
}

// admission is the subset of an event row Put needs to classify a
// repeated event.
type admission struct {
	stream      int64
	contentHash [32]byte
	pruned      bool
	rejected    bool
	outlier     bool
}

func readAdmission(conn *sqlite.Conn, id ref.EventID) (admission, bool, error) {
	var (
		row   admission
		found bool
	)
	err := sqlitex.Execute(conn,
		`SELECT stream, content_hash, pruned, rejected, outlier FROM events WHERE event_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				row.stream = stmt.ColumnInt64(0)
				stmt.ColumnBytes(1, row.contentHash[:])
				row.pruned = stmt.ColumnInt(2) != 0
				row.rejected = stmt.ColumnInt(3) != 0
				row.outlier = stmt.ColumnInt(4) != 0
				return nil
			},
		})
	if err != nil {
		return row, false, fmt.Errorf("eventstore: reading %s: %w", id, err)
	}
	return row, found, nil
}

func (s *Store) putExisting(conn *sqlite.Conn, event *pdu.Event, existing admission, options PutOptions) (PutResult, error) {
	result := PutResult{StreamPosition: existing.stream}

	incoming := event.ContentDigest()
	if incoming != existing.contentHash && !existing.pruned && !event.IsRedactedForm() {
		integrity := &IntegrityError{
			EventID:      event.ID(),
			StoredHash:   existing.contentHash,
			IncomingHash: incoming,
		}
		s.logger.Error("event content differs from stored copy",
			"event_id", event.ID(),
			"room_id", event.RoomID(),
			"error", integrity,
		)
		return result, integrity
	}

	promote := existing.outlier && !existing.rejected &&
		!options.Outlier && !options.Rejected && options.StateAfter != nil
	if !promote {
		result.Duplicate = true
		return result, nil
	}

	before, err := s.optionalSnapshot(conn, options.StateBefore)
	if err != nil {
		return result, err
	}
	after, err := s.optionalSnapshot(conn, options.StateAfter)
	if err != nil {
		return result, err
	}
	err = sqlitex.Execute(conn,
		`UPDATE events SET outlier = 0, soft_failed = ?, state_before = ?, state_after = ?
		 WHERE event_id = ?`,
		&sqlitex.ExecOptions{Args: []any{boolInt(options.SoftFailed), before, after, event.ID().String()}})
	if err != nil {
		return result, fmt.Errorf("eventstore: promoting outlier %s: %w", event.ID(), err)
	}
	if !options.SoftFailed {
		if err := updateForwardExtremities(conn, event); err != nil {
			return result, err
		}
	}
	if err := s.setCurrentState(conn, event.RoomID(), options.CurrentState); err != nil {
		return result, err
	}
	result.Promoted = true
	return result, nil
}

func (s *Store) insertEvent(conn *sqlite.Conn, event *pdu.Event, options PutOptions) (int64, error) {
	raw := event.JSON()
	data, tag, err := compress(raw, compressionLZ4)
	if err != nil {
		return 0, err
	}
	before, err := s.optionalSnapshot(conn, options.StateBefore)
	if err != nil {
		return 0, err
	}
	after, err := s.optionalSnapshot(conn, options.StateAfter)
	if err != nil {
		return 0, err
	}

	var stateKey any
	if key, ok := event.StateKey(); ok {
		stateKey = key
	}
	contentHash := event.ContentDigest()

	err = sqlitex.Execute(conn,
		`INSERT INTO events (
			event_id, room_id, room_version, type, state_key, sender, depth, origin_ts,
			content_hash, pruned, compression, raw_size, json,
			rejected, reject_reason, soft_failed, outlier,
			state_before, state_after, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			event.ID().String(),
			event.RoomID().String(),
			string(event.Rules().ID),
			string(event.Type()),
			stateKey,
			event.Sender().String(),
			event.Depth(),
			event.OriginServerTS(),
			contentHash[:],
			boolInt(event.IsRedactedForm()),
			int64(tag),
			len(raw),
			data,
			boolInt(options.Rejected),
			options.RejectReason,
			boolInt(options.SoftFailed),
			boolInt(options.Outlier),
			before,
			after,
			clock.Millis(s.clock.Now()),
		}})
	if err != nil {
		return 0, fmt.Errorf("eventstore: inserting %s: %w", event.ID(), err)
	}
	return conn.LastInsertRowID(), nil
}

// optionalSnapshot stores state if present and returns its digest as
// a bind argument, or nil for SQL NULL.
func (s *Store) optionalSnapshot(conn *sqlite.Conn, state *statemap.Map) (any, error) {
	if state == nil {
		return nil, nil
	}
	digest, err := s.putSnapshot(conn, *state)
	if err != nil {
		return nil, err
	}
	return digest[:], nil
}

// updateForwardExtremities makes event a forward extremity in place
// of its parents. An event that already has an accepted child (it
// arrived after its descendants) is not an extremity.
func updateForwardExtremities(conn *sqlite.Conn, event *pdu.Event) error {
	room := event.RoomID().String()
	for _, prev := range event.PrevEvents() {
		err := sqlitex.Execute(conn,
			`DELETE FROM forward_extremities WHERE room_id = ? AND event_id = ?`,
			&sqlitex.ExecOptions{Args: []any{room, prev.String()}})
		if err != nil {
			return fmt.Errorf("eventstore: removing forward extremity %s: %w", prev, err)
		}
	}

	var hasChild bool
	err := sqlitex.Execute(conn,
		`SELECT 1 FROM edges e JOIN events c ON c.event_id = e.event_id
		 WHERE e.prev_event_id = ? AND c.rejected = 0 AND c.soft_failed = 0 AND c.outlier = 0
		 LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{event.ID().String()},
			ResultFunc: func(*sqlite.Stmt) error {
				hasChild = true
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("eventstore: checking children of %s: %w", event.ID(), err)
	}
	if hasChild {
		return nil
	}
	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO forward_extremities (room_id, event_id) VALUES (?, ?)`,
		&sqlitex.ExecOptions{Args: []any{room, event.ID().String()}})
	if err != nil {
		return fmt.Errorf("eventstore: adding forward extremity %s: %w", event.ID(), err)
	}
	return nil
}

// updateBackwardExtremities records event as a backward extremity if
// any of its parents is unknown, and releases children that were
// waiting only on event.
func updateBackwardExtremities(conn *sqlite.Conn, event *pdu.Event) error {
	room := event.RoomID().String()

	for _, prev := range event.PrevEvents() {
		known, err := eventExists(conn, prev)
		if err != nil {
			return err
		}
		if known {
			continue
		}
		err = sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO backward_extremities (room_id, event_id) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{room, event.ID().String()}})
		if err != nil {
			return fmt.Errorf("eventstore: adding backward extremity %s: %w", event.ID(), err)
		}
		break
	}

	err := sqlitex.Execute(conn,
		`DELETE FROM backward_extremities
		 WHERE room_id = ?
		   AND event_id IN (SELECT event_id FROM edges WHERE prev_event_id = ?)
		   AND NOT EXISTS (
			SELECT 1 FROM edges e
			WHERE e.event_id = backward_extremities.event_id
			  AND NOT EXISTS (SELECT 1 FROM events p WHERE p.event_id = e.prev_event_id)
		   )`,
		&sqlitex.ExecOptions{Args: []any{room, event.ID().String()}})
	if err != nil {
		return fmt.Errorf("eventstore: releasing backward extremities below %s: %w", event.ID(), err)
	}
	return nil
}

func eventExists(conn *sqlite.Conn, id ref.EventID) (bool, error) {
	var found bool
	err := sqlitex.Execute(conn, `SELECT 1 FROM events WHERE event_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(*sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("eventstore: looking up %s: %w", id, err)
	}
	return found, nil
}

// Get returns the stored event. Redacted events are returned in their
// redacted form.
func (s *Store) Get(ctx context.Context, id ref.EventID) (*pdu.Event, error) {
	var event *pdu.Event
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		event, err = readEvent(conn, id)
		return err
	})
	return event, err
}

// LoadEvents returns the stored events among ids. Absent ids are
// omitted from the result rather than reported as an error, so the
// caller can name every missing dependency at once.
func (s *Store) LoadEvents(ctx context.Context, ids []ref.EventID) (map[ref.EventID]*pdu.Event, error) {
	events := make(map[ref.EventID]*pdu.Event, len(ids))
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		for _, id := range ids {
			if _, seen := events[id]; seen {
				continue
			}
			event, err := readEvent(conn, id)
			if IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			events[id] = event
		}
		return nil
	})
	return events, err
}

func readEvent(conn *sqlite.Conn, id ref.EventID) (*pdu.Event, error) {
	var (
		found   bool
		version roomversion.ID
		tag     compression
		rawSize int
		data    []byte
	)
	err := sqlitex.Execute(conn,
		`SELECT room_version, compression, raw_size, json FROM events WHERE event_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				version = roomversion.ID(stmt.ColumnText(0))
				tag = compression(stmt.ColumnInt64(1))
				rawSize = stmt.ColumnInt(2)
				data = columnBlob(stmt, 3)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("eventstore: reading %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	return decodeEvent(id, version, tag, rawSize, data)
}

func decodeEvent(id ref.EventID, version roomversion.ID, tag compression, rawSize int, data []byte) (*pdu.Event, error) {
	rules, err := roomversion.Lookup(version)
	if err != nil {
		return nil, fmt.Errorf("eventstore: %s: %w", id, err)
	}
	raw, err := decompress(data, tag, rawSize)
	if err != nil {
		return nil, fmt.Errorf("eventstore: %s: %w", id, err)
	}
	event, err := pdu.Parse(rules, raw)
	if err != nil {
		return nil, fmt.Errorf("eventstore: parsing stored %s: %w", id, err)
	}
	if event.ID() != id {
		return nil, fmt.Errorf("eventstore: stored %s hashes to %s", id, event.ID())
	}
	return event, nil
}

// GetMeta returns the admission record of an event.
func (s *Store) GetMeta(ctx context.Context, id ref.EventID) (Meta, error) {
	var (
		meta  Meta
		found bool
	)
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT room_id, stream, depth, rejected, reject_reason, soft_failed, outlier,
			        redacted_by, received_at
			 FROM events WHERE event_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					roomID, err := ref.ParseRoomID(stmt.ColumnText(0))
					if err != nil {
						return fmt.Errorf("stored room id: %w", err)
					}
					found = true
					meta = Meta{
						EventID:        id,
						RoomID:         roomID,
						StreamPosition: stmt.ColumnInt64(1),
						Depth:          stmt.ColumnInt64(2),
						Rejected:       stmt.ColumnInt(3) != 0,
						RejectReason:   stmt.ColumnText(4),
						SoftFailed:     stmt.ColumnInt(5) != 0,
						Outlier:        stmt.ColumnInt(6) != 0,
						ReceivedAt:     time.UnixMilli(stmt.ColumnInt64(8)),
					}
					if !stmt.ColumnIsNull(7) {
						redactedBy, err := ref.ParseEventID(stmt.ColumnText(7))
						if err != nil {
							return fmt.Errorf("stored redacted_by: %w", err)
						}
						meta.RedactedBy = redactedBy
					}
					return nil
				},
			})
	})
	if err != nil {
		return Meta{}, fmt.Errorf("eventstore: reading metadata of %s: %w", id, err)
	}
	if !found {
		return Meta{}, fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	return meta, nil
}

// Has returns the ids that are not stored, in input order.
func (s *Store) Has(ctx context.Context, ids []ref.EventID) ([]ref.EventID, error) {
	var missing []ref.EventID
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		for _, id := range ids {
			known, err := eventExists(conn, id)
			if err != nil {
				return err
			}
			if !known {
				missing = append(missing, id)
			}
		}
		return nil
	})
	return missing, err
}

// EventsBefore returns up to limit accepted events of the room at or
// below the greatest depth among from, deepest first. It serves
// backfill requests: from are the events the requester already has
// the children of.
func (s *Store) EventsBefore(ctx context.Context, roomID ref.RoomID, from []ref.EventID, limit int) ([]*pdu.Event, error) {
	if limit <= 0 || len(from) == 0 {
		return nil, nil
	}
	var events []*pdu.Event
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var (
			maxDepth int64
			anyKnown bool
		)
		for _, id := range from {
			err := sqlitex.Execute(conn,
				`SELECT depth FROM events WHERE event_id = ? AND room_id = ?`,
				&sqlitex.ExecOptions{
					Args: []any{id.String(), roomID.String()},
					ResultFunc: func(stmt *sqlite.Stmt) error {
						depth := stmt.ColumnInt64(0)
						if !anyKnown || depth > maxDepth {
							maxDepth = depth
						}
						anyKnown = true
						return nil
					},
				})
			if err != nil {
				return fmt.Errorf("eventstore: reading depth of %s: %w", id, err)
			}
		}
		if !anyKnown {
			return fmt.Errorf("%w: none of the backfill starting points in %s", ErrNotFound, roomID)
		}

		return sqlitex.Execute(conn,
			`SELECT event_id, room_version, compression, raw_size, json FROM events
			 WHERE room_id = ? AND depth <= ? AND rejected = 0
			 ORDER BY depth DESC, stream DESC
			 LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{roomID.String(), maxDepth, limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					id, err := ref.ParseEventID(stmt.ColumnText(0))
					if err != nil {
						return fmt.Errorf("eventstore: stored event id: %w", err)
					}
					event, err := decodeEvent(id,
						roomversion.ID(stmt.ColumnText(1)),
						compression(stmt.ColumnInt64(2)),
						stmt.ColumnInt(3),
						columnBlob(stmt, 4))
					if err != nil {
						return err
					}
					events = append(events, event)
					return nil
				},
			})
	})
	return events, err
}

// Redact replaces the stored content of target with its redacted form
// and records which event redacted it. The event keeps its ID, graph
// position and signatures. Redacting an already-redacted event is a
// no-op.
func (s *Store) Redact(ctx context.Context, target, redaction ref.EventID) error {
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		stored, found, err := readRedactionTarget(conn, target)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: redaction target %s", ErrNotFound, target)
		}
		if stored.alreadyRedacted {
			return nil
		}

		event, err := decodeEvent(target, stored.version, stored.tag, stored.rawSize, stored.data)
		if err != nil {
			return err
		}
		redacted, err := event.Redacted()
		if err != nil {
			return fmt.Errorf("eventstore: redacting %s: %w", target, err)
		}
		raw := redacted.JSON()
		data, tag, err := compress(raw, compressionLZ4)
		if err != nil {
			return err
		}
		err = sqlitex.Execute(conn,
			`UPDATE events SET json = ?, compression = ?, raw_size = ?, pruned = 1, redacted_by = ?
			 WHERE event_id = ?`,
			&sqlitex.ExecOptions{Args: []any{data, int64(tag), len(raw), redaction.String(), target.String()}})
		if err != nil {
			return fmt.Errorf("eventstore: storing redacted %s: %w", target, err)
		}
		return nil
	})
}

type redactionTarget struct {
	version         roomversion.ID
	tag             compression
	rawSize         int
	data            []byte
	alreadyRedacted bool
}

func readRedactionTarget(conn *sqlite.Conn, id ref.EventID) (redactionTarget, bool, error) {
	var (
		target redactionTarget
		found  bool
	)
	err := sqlitex.Execute(conn,
		`SELECT room_version, compression, raw_size, json, redacted_by
		 FROM events WHERE event_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				target.version = roomversion.ID(stmt.ColumnText(0))
				target.tag = compression(stmt.ColumnInt64(1))
				target.rawSize = stmt.ColumnInt(2)
				target.data = columnBlob(stmt, 3)
				target.alreadyRedacted = !stmt.ColumnIsNull(4)
				return nil
			},
		})
	if err != nil {
		return target, false, fmt.Errorf("eventstore: reading redaction target %s: %w", id, err)
	}
	return target, found, nil
}
