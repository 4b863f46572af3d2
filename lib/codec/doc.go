// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the roomserver's two serialization formats.
//
// Matrix canonical JSON is the external format: every hash and
// signature over an event is computed on its canonical form, so two
// servers that disagree on a single byte of it disagree on the event
// ID. [CanonicalJSON] re-encodes arbitrary JSON with sorted keys, no
// insignificant whitespace, minimal string escaping, and integer-only
// numbers within the interoperable range.
//
// CBOR is the internal format for data the roomserver writes for its
// own later use: state snapshots and the state resolution cache in the
// event store. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2), so equal snapshots produce equal bytes and can be deduplicated
// by digest.
//
//	data, err := codec.Marshal(snapshot)
//	err = codec.Unmarshal(data, &snapshot)
//
// Types serialized only to CBOR use `cbor` struct tags. Types that also
// cross the federation boundary use `json` tags; fxamacker/cbor reads
// those as a fallback, so one tag controls both formats.
package codec
