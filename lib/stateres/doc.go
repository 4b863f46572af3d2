// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stateres implements Matrix state resolution version 2.
//
// [Resolve] reduces a set of state maps (one per forward extremity or
// per parent of a new event) to a single state map. Every server in a
// room must compute the same result from the same inputs, so the
// procedure is fixed:
//
//  1. Split the keys of the inputs into unconflicted (every input holds
//     the same event) and conflicted.
//  2. The full conflicted set is the conflicted events plus the auth
//     difference: events in the auth chain of some input but not all.
//  3. Power events (create, power levels, join rules, kicks and bans)
//     in the full conflicted set, with the parts of their auth chains
//     that are also in it, are sorted so auth events come first and
//     ties go to the higher sender power level, then the earlier
//     origin_server_ts, then the smaller event ID.
//  4. Those events are applied in order on top of the unconflicted
//     state, each only if it passes the auth rules against the state
//     accumulated so far.
//  5. The remaining events are sorted by their position relative to
//     the mainline of the resolved power levels event, then by
//     origin_server_ts and event ID, and applied the same way.
//  6. The unconflicted state is applied over the result.
//
// Zero inputs resolve to the empty map, and inputs that are all equal
// resolve to that map without loading any event.
//
// [Resolver] adds a cache keyed by the conflict: resolving the same
// conflicted events over the same unconflicted base returns the stored
// result.
package stateres
