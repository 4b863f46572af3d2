// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool behind the
// roomserver's event store.
//
// It wraps zombiezen.com/go/sqlite with fixed pragmas: WAL journal
// mode, a busy timeout so concurrent room actors queue for the write
// lock instead of failing, memory-mapped reads, and an in-memory temp
// store. Synchronous mode is NORMAL unless [Config.Durable] is set, in
// which case it is FULL: the event store is the source of truth for
// admitted history and a power loss must not drop a committed event
// that was already acknowledged to a remote server.
//
// Callers [Pool.Take] a connection, do their work, and [Pool.Put] it
// back; a connection is never shared between goroutines. [Pool.Write]
// and [Pool.Read] wrap the common pattern of taking a connection and
// running a function inside an IMMEDIATE or deferred transaction.
//
// The package applies pragmas and exposes zombiezen types directly.
// Queries are plain SQL through sqlitex.Execute with cached
// statements.
package sqlitepool
