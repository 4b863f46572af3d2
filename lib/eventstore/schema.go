// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// schema is applied on every connection. All statements are
// idempotent.
//
// Digests (content_hash, snapshot references, resolution keys) are
// stored as 32-byte blobs. Event JSON and snapshots carry their
// compression tag and uncompressed size next to the blob.
const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id             TEXT PRIMARY KEY,
	room_version        TEXT NOT NULL,
	created_at          INTEGER NOT NULL,
	current_state       BLOB,
	inconsistent        INTEGER NOT NULL DEFAULT 0,
	inconsistent_reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS events (
	stream        INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id      TEXT NOT NULL UNIQUE,
	room_id       TEXT NOT NULL REFERENCES rooms(room_id),
	room_version  TEXT NOT NULL,
	type          TEXT NOT NULL,
	state_key     TEXT,
	sender        TEXT NOT NULL,
	depth         INTEGER NOT NULL,
	origin_ts     INTEGER NOT NULL,
	content_hash  BLOB NOT NULL,
	pruned        INTEGER NOT NULL DEFAULT 0,
	compression   INTEGER NOT NULL,
	raw_size      INTEGER NOT NULL,
	json          BLOB NOT NULL,
	rejected      INTEGER NOT NULL DEFAULT 0,
	reject_reason TEXT NOT NULL DEFAULT '',
	soft_failed   INTEGER NOT NULL DEFAULT 0,
	outlier       INTEGER NOT NULL DEFAULT 0,
	redacted_by   TEXT,
	state_before  BLOB,
	state_after   BLOB,
	received_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_room_depth ON events(room_id, depth);

CREATE TABLE IF NOT EXISTS edges (
	event_id      TEXT NOT NULL,
	prev_event_id TEXT NOT NULL,
	PRIMARY KEY (event_id, prev_event_id)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_edges_prev ON edges(prev_event_id);

CREATE TABLE IF NOT EXISTS forward_extremities (
	room_id  TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_id, event_id)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS backward_extremities (
	room_id  TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_id, event_id)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS state_snapshots (
	digest      BLOB PRIMARY KEY,
	entries     INTEGER NOT NULL,
	compression INTEGER NOT NULL,
	raw_size    INTEGER NOT NULL,
	data        BLOB NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS resolutions (
	cache_key  BLOB PRIMARY KEY,
	snapshot   BLOB NOT NULL,
	created_at INTEGER NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS blocked (
	event_id   TEXT PRIMARY KEY,
	room_id    TEXT NOT NULL,
	json       BLOB NOT NULL,
	missing    BLOB NOT NULL,
	reason     TEXT NOT NULL,
	blocked_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blocked_room ON blocked(room_id);
`

func applySchema(conn *sqlite.Conn) error {
	return sqlitex.ExecuteScript(conn, schema, nil)
}
