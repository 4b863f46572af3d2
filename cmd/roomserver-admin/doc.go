// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Roomserver-admin inspects and operates a roomserver through its
// admin API.
//
// Query commands (rooms, state, event, extremities, blocked,
// destinations, degraded) read the server's view of its rooms and
// outbound queues. Action commands (create-room, send, import,
// backfill, join) change it and need listen.admin_actions on the
// server. keygen generates signing keys offline.
//
// The server is taken from --server, then $ROOMSERVER_ADMIN_URL, then
// http://127.0.0.1:8009. Results print as tables on a terminal and as
// JSON otherwise. Usage errors exit with status 2, every other failure
// with status 1.
package main
