// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Roomserver is the event graph and state resolution core of a
// federated Matrix homeserver. It admits events from remote servers
// and from local users into per-room directed acyclic graphs, resolves
// conflicting room state with state resolution v2, persists everything
// in a single SQLite database, and exchanges events with other servers
// over the Matrix federation API.
//
// # Startup
//
// The binary reads a YAML configuration file named by --config or the
// ROOMSERVER_CONFIG environment variable. Unknown keys are rejected,
// and all validation errors are reported together before anything is
// opened. It then:
//
//   - loads the signing key from paths.signing_key, generating and
//     saving one on first start. When keys.seal_recipients is set the
//     key file is age-encrypted, and paths.signing_key_identity names
//     the age identity that opens it.
//   - opens the event store (paths.database) and the room graph on
//     top of it. Rooms are loaded lazily on first use.
//   - builds the federation client, the key ring (with any keys
//     pinned under keys.pinned), the outbound sender and the inbound
//     receiver.
//
// # Listeners
//
// Three HTTP listeners run until SIGINT or SIGTERM:
//
//   - listen.federation serves /_matrix/federation/v1 (send, event,
//     state, backfill) and /_matrix/key/v2/server.
//   - listen.admin serves the JSON admin API used by roomserver-admin.
//     Write endpoints (create room, send, backfill, join) are only
//     mounted when listen.admin_actions is true; production defaults to
//     read-only. An empty address disables the listener.
//   - listen.metrics serves Prometheus metrics at /metrics. An empty
//     address disables it.
//
// On shutdown the listeners drain in-flight requests, the sender stops
// retrying, each room's admission goroutine finishes its queue, and
// the database is closed.
//
// # Logging
//
// Logs are JSON lines on stderr (log/slog). --log-level selects the
// minimum level.
package main
