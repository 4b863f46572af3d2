// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	buffer, err := New(32)
	if err != nil {
		t.Fatalf("New(32): %v", err)
	}
	defer buffer.Close()

	if buffer.Len() != 32 {
		t.Errorf("Len() = %d, want 32", buffer.Len())
	}
	for index, value := range buffer.Bytes() {
		if value != 0 {
			t.Fatalf("byte %d = %d, want zero", index, value)
		}
	}

	if _, err := New(0); err == nil {
		t.Error("New(0) succeeded, want error")
	}
}

func TestNewFromBytesZeroesSource(t *testing.T) {
	source := []byte("ed25519-seed-material")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if !buffer.Equal([]byte("ed25519-seed-material")) {
		t.Errorf("buffer = %q, want original content", buffer.String())
	}
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source byte %d = %d after copy, want zero", index, value)
		}
	}
}

func TestCloseIsIdempotentAndPanicsOnRead(t *testing.T) {
	buffer, err := NewFromBytes([]byte("x"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("Bytes after Close did not panic")
		}
	}()
	buffer.Bytes()
}

func TestReadFile(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "identity")
	if err := os.WriteFile(path, []byte("  AGE-SECRET-KEY-1ABC\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	buffer, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	defer buffer.Close()
	if buffer.String() != "AGE-SECRET-KEY-1ABC" {
		t.Errorf("ReadFile = %q", buffer.String())
	}

	empty := filepath.Join(directory, "empty")
	if err := os.WriteFile(empty, []byte("\n\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(empty); err == nil {
		t.Error("ReadFile of whitespace-only file succeeded, want error")
	}
}
