// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// The roomserver reads time in three places: the origin_server_ts of
// locally built events, the idle timeout of per-room actors, and the
// retry backoff of federation senders. Each takes a Clock so tests can
// drive them deterministically with Fake and Advance instead of
// sleeping.
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go sender.Run(ctx)
//	c.WaitForTimers(1)         // sender is parked in its backoff
//	c.Advance(2 * time.Second) // release it
package clock
