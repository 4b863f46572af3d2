// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material outside the Go heap.
//
// The roomserver keeps two secrets resident for its whole lifetime: the
// ed25519 seed it signs events and federation requests with, and the
// age identity that unseals that seed at startup. Both live in a
// [Buffer]: an anonymous mmap region locked into RAM (mlock), excluded
// from core dumps (MADV_DONTDUMP), and zeroed on Close. The garbage
// collector never sees the region, so it cannot leave stray copies.
//
// [ReadFile] loads a secret from disk straight into a Buffer, trimming
// surrounding whitespace and wiping the intermediate heap copy.
package secret
