// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil bounds HTTP body reads.
//
// Response helpers (ReadResponse, DecodeResponse) cap reads at
// MaxResponseSize so a misbehaving remote server cannot exhaust memory
// with one federation response. ReadRequest caps inbound request bodies
// at a caller-chosen limit and reports bodies that exceed it.
package netutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxResponseSize is the bound on JSON response body reads: 64 MB. A
// backfill or state response with thousands of events stays well below
// it.
const MaxResponseSize int64 = 64 << 20

// ErrBodyTooLarge reports a request body over the ReadRequest limit.
var ErrBodyTooLarge = errors.New("netutil: request body too large")

// ReadRequest reads an inbound request body of at most limit bytes.
func ReadRequest(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a response body (up to MaxResponseSize bytes)
// and JSON-decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}
