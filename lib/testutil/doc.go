// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by the roomserver's tests.
//
// [RequireReceive] and [RequireClosed] bound waits on channels fed by
// goroutines under test (room actors, federation senders, listeners).
// They are the only wall-clock timeouts in the suite; admission,
// backoff and key expiry run on clock.Fake.
//
// [UniqueID] names values that must differ between tests.
package testutil
