// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestReadResponse(t *testing.T) {
	t.Run("normal body", func(t *testing.T) {
		data, err := ReadResponse(bytes.NewReader([]byte(`{"pdus":[]}`)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(data) != `{"pdus":[]}` {
			t.Fatalf("got %q, want %q", data, `{"pdus":[]}`)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		data, err := ReadResponse(bytes.NewReader(nil))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(data) != 0 {
			t.Fatalf("expected empty, got %d bytes", len(data))
		}
	})

	t.Run("read error propagates", func(t *testing.T) {
		_, err := ReadResponse(&failReader{})
		if err == nil {
			t.Fatal("expected error from failing reader")
		}
	})
}

func TestDecodeResponse(t *testing.T) {
	t.Run("valid JSON", func(t *testing.T) {
		body := bytes.NewReader([]byte(`{"origin":"b.example","limit":42}`))
		var result struct {
			Origin string `json:"origin"`
			Limit  int    `json:"limit"`
		}
		if err := DecodeResponse(body, &result); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Origin != "b.example" {
			t.Fatalf("origin: got %q, want %q", result.Origin, "b.example")
		}
		if result.Limit != 42 {
			t.Fatalf("limit: got %d, want %d", result.Limit, 42)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if err := DecodeResponse(bytes.NewReader([]byte(`not json`)), &struct{}{}); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("read error propagates", func(t *testing.T) {
		if err := DecodeResponse(&failReader{}, &struct{}{}); err == nil {
			t.Fatal("expected error from failing reader")
		}
	})
}

func TestReadRequest(t *testing.T) {
	t.Run("within limit", func(t *testing.T) {
		data, err := ReadRequest(bytes.NewReader([]byte("12345")), 5)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(data) != "12345" {
			t.Fatalf("got %q, want %q", data, "12345")
		}
	})

	t.Run("over limit", func(t *testing.T) {
		_, err := ReadRequest(bytes.NewReader([]byte("123456")), 5)
		if !errors.Is(err, ErrBodyTooLarge) {
			t.Fatalf("got %v, want ErrBodyTooLarge", err)
		}
	})
}

// failReader always returns an error on Read.
type failReader struct{}

func (*failReader) Read([]byte) (int, error) {
	return 0, fmt.Errorf("simulated read failure")
}
