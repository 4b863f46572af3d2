// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomgraph admits events into rooms and keeps each room's
// graph position: forward extremities, current state and the set of
// events waiting for missing parents.
//
// Every event passes through the same pipeline:
//
//  1. Shape checks: the room is known and consistent, the event has the
//     room's version and names parents (only a create event may not).
//  2. Dependencies: unknown prev and auth events are fetched from the
//     event's origin, admitting each fetched event through this same
//     pipeline, up to a bounded number of generations. An event whose
//     dependencies are still missing waits in the room's pending set
//     and is admitted when they arrive; after a timeout or when the
//     pending set overflows it is recorded as blocked.
//  3. Authorization against its claimed auth events, then against the
//     state before it: the state after its single parent, or the
//     resolution of its parents' states. Failing either rejects it.
//  4. Soft-fail: a remote event authorized by its own history but not
//     by the room's current state is stored without becoming part of
//     the room.
//  5. Persistence with the state after the event and the room's new
//     current state, resolved across forward extremities when the
//     event does not supersede them all.
//
// Admission is serialized per room by a goroutine that owns the room's
// pending set, started on demand and stopped when the room goes idle.
// Rooms proceed in parallel, and reads never wait for admission.
//
// Origins that keep sending rejected or soft-failed events are marked
// degraded for a while; [Manager.Degraded] lets the federation layer
// throttle them. Degradation never touches admitted history.
package roomgraph
