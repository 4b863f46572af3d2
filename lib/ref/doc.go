// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identifiers for the
// objects a roomserver handles: events, rooms, users, homeservers and
// signing keys.
//
// Every identifier is a validated value type. Constructors check the
// Matrix sigil and the ":server" suffix where the grammar requires one;
// once constructed, an identifier never changes. The zero value of each
// type is not valid and reports IsZero.
//
// All types implement encoding.TextMarshaler and
// encoding.TextUnmarshaler, so they serialize as their canonical string
// form in JSON (federation wire format) and CBOR (internal storage, via
// lib/codec's TextMarshaler settings).
package ref
