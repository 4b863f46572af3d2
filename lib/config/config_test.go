// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "roomserver.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return configPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}

	if cfg.Listen.Federation != ":8448" {
		t.Errorf("expected listen.federation=:8448, got %s", cfg.Listen.Federation)
	}

	if !cfg.Listen.AdminActions {
		t.Error("expected admin_actions=true for development")
	}

	if cfg.Federation.TransactionSize != 50 {
		t.Errorf("expected transaction_size=50, got %d", cfg.Federation.TransactionSize)
	}

	if cfg.Room.DefaultVersion != "10" {
		t.Errorf("expected default_version=10, got %s", cfg.Room.DefaultVersion)
	}
}

func TestLoad_RequiresRoomserverConfig(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when ROOMSERVER_CONFIG not set, got nil")
	}

	expectedMsg := "ROOMSERVER_CONFIG environment variable not set"
	if !strings.HasPrefix(err.Error(), expectedMsg) {
		t.Errorf("expected error message to start with %q, got %q", expectedMsg, err.Error())
	}
}

func TestLoad_WithRoomserverConfig(t *testing.T) {
	configPath := writeConfig(t, `
server_name: a.example
environment: staging
paths:
  root: /test/root
`)
	t.Setenv(EnvironmentVariable, configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}

	if cfg.ServerName != "a.example" {
		t.Errorf("expected server_name=a.example, got %s", cfg.ServerName)
	}

	if cfg.Paths.Database != "/test/root/events.db" {
		t.Errorf("expected database under the root, got %s", cfg.Paths.Database)
	}
}

func TestLoadFile(t *testing.T) {
	configPath := writeConfig(t, `
server_name: a.example
environment: staging

paths:
  root: /custom/root
  signing_key: /custom/keys/a.key

keys:
  version: b_2
  pinned:
    b.example:
      "ed25519:a_1": l8Hft5qXKn1vfHrg3p4+W8gELQVo8N13JkluMfmn2sQ

listen:
  federation: 0.0.0.0:8448
  admin: ""

federation:
  destinations:
    b.example: http://127.0.0.1:18448
  initial_backoff: 2s
  max_attempts: 4
  inbound_rate: 5.5

admission:
  pending_timeout: 90s
  degraded_threshold: 7
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Paths.SigningKey != "/custom/keys/a.key" {
		t.Errorf("expected signing_key=/custom/keys/a.key, got %s", cfg.Paths.SigningKey)
	}

	if cfg.Paths.Database != "/custom/root/events.db" {
		t.Errorf("expected database=/custom/root/events.db, got %s", cfg.Paths.Database)
	}

	if cfg.Keys.Version != "b_2" {
		t.Errorf("expected keys.version=b_2, got %s", cfg.Keys.Version)
	}

	if got := cfg.Keys.Pinned["b.example"]["ed25519:a_1"]; got != "l8Hft5qXKn1vfHrg3p4+W8gELQVo8N13JkluMfmn2sQ" {
		t.Errorf("pinned key = %q", got)
	}

	if cfg.Listen.Federation != "0.0.0.0:8448" {
		t.Errorf("expected listen.federation=0.0.0.0:8448, got %s", cfg.Listen.Federation)
	}

	if cfg.Listen.Admin != "" {
		t.Errorf("expected admin listener disabled, got %s", cfg.Listen.Admin)
	}

	if cfg.Federation.Destinations["b.example"] != "http://127.0.0.1:18448" {
		t.Errorf("destinations = %v", cfg.Federation.Destinations)
	}

	if cfg.Federation.InitialBackoff != 2*time.Second {
		t.Errorf("expected initial_backoff=2s, got %s", cfg.Federation.InitialBackoff)
	}

	if cfg.Federation.MaxBackoff != 10*time.Minute {
		t.Errorf("expected default max_backoff=10m, got %s", cfg.Federation.MaxBackoff)
	}

	if cfg.Federation.MaxAttempts != 4 {
		t.Errorf("expected max_attempts=4, got %d", cfg.Federation.MaxAttempts)
	}

	if cfg.Federation.InboundRate != 5.5 {
		t.Errorf("expected inbound_rate=5.5, got %v", cfg.Federation.InboundRate)
	}

	if cfg.Admission.PendingTimeout != 90*time.Second {
		t.Errorf("expected pending_timeout=90s, got %s", cfg.Admission.PendingTimeout)
	}

	if cfg.Admission.DegradedThreshold != 7 {
		t.Errorf("expected degraded_threshold=7, got %d", cfg.Admission.DegradedThreshold)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	configPath := writeConfig(t, `
server_name: a.example
federation:
  max_attempt: 3
`)

	_, err := LoadFile(configPath)
	if err == nil {
		t.Fatal("expected error for misspelled key, got nil")
	}
	if !strings.Contains(err.Error(), "max_attempt") {
		t.Errorf("error %q does not name the unknown key", err)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) = %v", err)
	}
	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	configPath := writeConfig(t, `
server_name: a.example
environment: production

paths:
  root: /default/root

listen:
  admin_actions: true

federation:
  destinations:
    b.example: http://b.internal:8448
  max_attempts: 10

production:
  paths:
    root: /prod/root
  listen:
    admin_actions: false
  storage:
    durable: true
  federation:
    destinations:
      c.example: https://c.internal
    max_attempts: 20
  admission:
    pending_budget: 1024
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	// Production overrides should be applied.
	if cfg.Paths.Root != "/prod/root" {
		t.Errorf("expected root=/prod/root, got %s", cfg.Paths.Root)
	}

	if cfg.Paths.Database != "/prod/root/events.db" {
		t.Errorf("expected database to follow the overridden root, got %s", cfg.Paths.Database)
	}

	if cfg.Listen.AdminActions {
		t.Error("expected admin_actions=false from production override")
	}

	if !cfg.Storage.Durable {
		t.Error("expected durable=true from production override")
	}

	if cfg.Federation.MaxAttempts != 20 {
		t.Errorf("expected max_attempts=20, got %d", cfg.Federation.MaxAttempts)
	}

	if len(cfg.Federation.Destinations) != 2 {
		t.Errorf("expected destinations merged from both sections, got %v", cfg.Federation.Destinations)
	}

	if cfg.Admission.PendingBudget != 1024 {
		t.Errorf("expected pending_budget=1024, got %d", cfg.Admission.PendingBudget)
	}
}

func TestProductionDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server_name: a.example\nenvironment: production\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Listen.AdminActions {
		t.Error("expected admin actions disabled in production")
	}
	if !cfg.Storage.Durable {
		t.Error("expected durable storage in production")
	}
}

func TestEnvVarsDoNotOverride(t *testing.T) {
	// Environment variables must NOT override config file values.
	t.Setenv("ROOMSERVER_ROOT", "/env/root")
	t.Setenv("ROOMSERVER_SERVER_NAME", "env.example")

	configPath := writeConfig(t, `
server_name: file.example
environment: development
paths:
  root: /file/root
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.ServerName != "file.example" {
		t.Errorf("expected server_name=file.example from file, got %s (env vars should not override)", cfg.ServerName)
	}

	if cfg.Paths.Root != "/file/root" {
		t.Errorf("expected root=/file/root from file, got %s (env vars should not override)", cfg.Paths.Root)
	}

	if cfg.Paths.Database != "/file/root/events.db" {
		t.Errorf("expected database under the file root, got %s", cfg.Paths.Database)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/roomserver",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/roomserver",
		},
		{
			input:    "${MISSING_ROOMSERVER_TEST_VAR:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "${A}/${B}",
			vars:     map[string]string{"A": "first", "B": "second"},
			expected: "first/second",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name:    "missing server name",
			modify:  func(c *Config) { c.ServerName = "" },
			wantErr: "server_name is required",
		},
		{
			name:    "invalid environment",
			modify:  func(c *Config) { c.Environment = "invalid" },
			wantErr: "invalid environment",
		},
		{
			name:    "empty database path",
			modify:  func(c *Config) { c.Paths.Database = "" },
			wantErr: "paths.database",
		},
		{
			name:    "bad listen address",
			modify:  func(c *Config) { c.Listen.Metrics = "9090" },
			wantErr: "listen.metrics",
		},
		{
			name: "bad destination",
			modify: func(c *Config) {
				c.Federation.Destinations = map[string]string{"b.example": "b.example:8448"}
			},
			wantErr: "federation.destinations.b.example",
		},
		{
			name:    "oversized transactions",
			modify:  func(c *Config) { c.Federation.TransactionSize = 51 },
			wantErr: "transaction_size",
		},
		{
			name:    "inverted backoff",
			modify:  func(c *Config) { c.Federation.MaxBackoff = time.Millisecond },
			wantErr: "backoff",
		},
		{
			name: "pinned key of another algorithm",
			modify: func(c *Config) {
				c.Keys.Pinned = map[string]map[string]string{"b.example": {"curve25519:x": "AAAA"}}
			},
			wantErr: "keys.pinned.b.example",
		},
		{
			name:    "unsupported room version",
			modify:  func(c *Config) { c.Room.DefaultVersion = "1" },
			wantErr: "room.default_version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.ServerName = "a.example"
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsEverything(t *testing.T) {
	cfg := Default()
	cfg.Paths.Database = ""
	cfg.Federation.MaxAttempts = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want errors")
	}
	for _, want := range []string{"server_name", "paths.database", "max_attempts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() = %v, missing %q", err, want)
		}
	}
}

func TestEnsurePaths(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Default()
	cfg.Paths.Database = filepath.Join(tmpDir, "data", "events.db")
	cfg.Paths.SigningKey = filepath.Join(tmpDir, "keys", "signing.key")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths failed: %v", err)
	}

	for _, path := range []string{filepath.Join(tmpDir, "data"), filepath.Join(tmpDir, "keys")} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("path %s not created: %v", path, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("path %s is not a directory", path)
		}
	}
}
