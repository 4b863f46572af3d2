// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventstore is the durable record of a roomserver's rooms:
// every event it has accepted or rejected, the prev_events edges
// between them, the state before and after each event, and each room's
// forward and backward extremities.
//
// The store is append-only for events. The only in-place changes are
// redaction (content pruned, ID and graph position kept), promotion of
// an outlier once its state is known, and the per-room current state
// and consistency flags.
//
// Every Put is one IMMEDIATE transaction covering the event row, its
// edges, its state snapshots and the extremity updates, so a crash
// never leaves an event without its edges or an extremity set that
// disagrees with the graph.
//
// Event JSON is stored LZ4-compressed. State snapshots are stored
// once per distinct state (keyed by [statemap.Map.Digest]) as CBOR
// compressed with zstd; consecutive events that do not change state
// share a snapshot row.
//
// Store also implements the stateres.Store and stateres.EventSource
// interfaces, so resolution results survive restarts and resolution
// reads events straight from the database.
package eventstore
