// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package authrules decides whether an event is permitted by a room's
// state.
//
// [Authorize] is a pure function of (room version rules, event, auth
// state). It performs no I/O and reads only the state slots listed by
// [AuthTypesForEvent], so changing any other slot of the state cannot
// change its answer. Every server in a room must reach the same verdict
// for the same inputs, so the checks run in the protocol's fixed order:
//
//  1. m.room.create: no parents, room and sender on the same server,
//     a recognized room_version, a creator where the version needs one.
//  2. The create event must be in the room state and in auth_events,
//     and m.federate=false rooms only accept the creator's server.
//  3. Aliases special case (room versions that have it).
//  4. m.room.member: the join, invite, leave, ban and knock transitions.
//  5. Everything else: the sender must be joined, then the send level
//     for the event type, then type-specific checks
//     (m.room.third_party_invite, m.room.power_levels).
//  6. The sender's server, and the authorising server of a restricted
//     join, must have signed the event.
//
// A rejection is always an [*AuthError] whose Code names the failed
// rule. Codes are stable and are logged and surfaced to clients.
//
// Content fields are read with gjson rather than decoded into structs:
// the rules need a handful of fields from each event and must tolerate
// arbitrary extra content.
package authrules
