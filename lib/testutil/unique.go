// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"strconv"
	"sync/atomic"
)

var sequence atomic.Uint64

// UniqueID returns prefix followed by a process-wide sequence number,
// for message bodies, transaction IDs and room names that must not
// collide between tests sharing a server.
//
//	body := testutil.UniqueID("hello") // "hello-1", "hello-2", ...
func UniqueID(prefix string) string {
	return prefix + "-" + strconv.FormatUint(sequence.Add(1), 10)
}
