// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pdu implements the persistent data unit: the immutable,
// signed, hash-addressed event that makes up a room's history.
//
// An [Event] is parsed from federation JSON with [Parse] or built
// locally with [Build]. Either way the event is held as its canonical
// JSON bytes plus decoded fields, and its ID is derived, never trusted:
// the ID is "$" followed by the unpadded URL-safe base64 SHA-256 of the
// event's redacted canonical form with signatures and unsigned data
// removed. Changing any field that survives redaction changes the ID.
//
// Three digests protect an event:
//
//   - the reference hash, which is the event ID;
//   - the content hash in hashes.sha256, over the full event minus
//     signatures, unsigned data and the hashes field itself, which
//     detects content tampering that redaction would hide from the
//     reference hash;
//   - ed25519 signatures from the origin server over the redacted form.
//
// Redaction follows per-room-version key allow-lists (see [Redact]).
// A redacted event keeps its ID and signatures; only its content hash
// stops matching.
package pdu
