// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file for Load.
const EnvironmentVariable = "ROOMSERVER_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Room versions this server can create rooms in.
var supportedVersions = []string{"5", "6", "7", "8", "9", "10", "11"}

// Config is the roomserver configuration.
type Config struct {
	// ServerName is the name this server signs as and is reached by.
	ServerName string `yaml:"server_name"`

	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures file locations.
	Paths PathsConfig `yaml:"paths"`

	// Keys configures the signing key and the keys of other servers
	// known ahead of time.
	Keys KeysConfig `yaml:"keys"`

	// Listen configures the HTTP listeners.
	Listen ListenConfig `yaml:"listen"`

	// Storage configures the event store.
	Storage StorageConfig `yaml:"storage"`

	// Federation configures outbound delivery and inbound limits.
	Federation FederationConfig `yaml:"federation"`

	// Admission configures the room graph.
	Admission AdmissionConfig `yaml:"admission"`

	// Room configures locally created rooms.
	Room RoomConfig `yaml:"room"`

	// Per-environment overrides, applied after the base config is
	// loaded when Environment matches.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths      *PathsConfig      `yaml:"paths,omitempty"`
	Listen     *ListenConfig     `yaml:"listen,omitempty"`
	Storage    *StorageConfig    `yaml:"storage,omitempty"`
	Federation *FederationConfig `yaml:"federation,omitempty"`
	Admission  *AdmissionConfig  `yaml:"admission,omitempty"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// Root is the base directory for roomserver data.
	Root string `yaml:"root"`

	// Database is the SQLite event store.
	Database string `yaml:"database"`

	// SigningKey is the signing key file. It is generated on first
	// start if missing.
	SigningKey string `yaml:"signing_key"`

	// SigningKeyIdentity is an age identity file. When set, the
	// signing key file is expected to be sealed to it.
	SigningKeyIdentity string `yaml:"signing_key_identity"`
}

// KeysConfig configures signing keys.
type KeysConfig struct {
	// Version names a generated key: "ed25519:<version>".
	// Default: a_1
	Version string `yaml:"version"`

	// SealRecipients are age1... public keys a newly generated key
	// file is sealed to.
	SealRecipients []string `yaml:"seal_recipients"`

	// Pinned maps server names to key IDs to unpadded base64 ed25519
	// public keys. Pinned keys are trusted without fetching.
	Pinned map[string]map[string]string `yaml:"pinned"`

	// RefetchInterval is the least time between two fetches of one
	// server's keys.
	// Default: 5m
	RefetchInterval time.Duration `yaml:"refetch_interval"`
}

// ListenConfig configures the HTTP listeners. An empty address
// disables the listener, except Federation, which is required.
type ListenConfig struct {
	// Federation serves the federation and key APIs.
	// Default: :8448
	Federation string `yaml:"federation"`

	// Admin serves the admin API. Bind it to loopback.
	// Default: 127.0.0.1:8009
	Admin string `yaml:"admin"`

	// AdminActions enables the admin endpoints that create rooms and
	// send events.
	// Default: true (development), false (production)
	AdminActions bool `yaml:"admin_actions"`

	// Metrics serves /metrics.
	// Default: 127.0.0.1:9090
	Metrics string `yaml:"metrics"`
}

// StorageConfig configures the event store.
type StorageConfig struct {
	// PoolSize is the number of SQLite connections.
	// Default: 8
	PoolSize int `yaml:"pool_size"`

	// Durable selects synchronous=FULL.
	// Default: false (development), true (production)
	Durable bool `yaml:"durable"`

	// SnapshotCacheSize bounds the decoded state snapshot cache.
	// Default: 1024
	SnapshotCacheSize int `yaml:"snapshot_cache_size"`
}

// FederationConfig configures the federation sender, receiver and
// client.
type FederationConfig struct {
	// Destinations maps server names to base URLs. Servers not listed
	// are reached at https://<server name>.
	Destinations map[string]string `yaml:"destinations"`

	// TransactionSize is the most PDUs per outbound transaction.
	// Default: 50
	TransactionSize int `yaml:"transaction_size"`

	// InitialBackoff doubles per failed delivery up to MaxBackoff.
	// Default: 1s, 10m
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// MaxAttempts is how often one transaction is tried before the
	// destination is abandoned for RetryHorizon.
	// Default: 10, 1h
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryHorizon time.Duration `yaml:"retry_horizon"`

	// RequestTimeout bounds one outbound request.
	// Default: 30s
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// InboundRate and InboundBurst limit transactions per origin.
	// Degraded origins get a tenth of both.
	// Default: 20/s, 50
	InboundRate  float64 `yaml:"inbound_rate"`
	InboundBurst int     `yaml:"inbound_burst"`

	// MaxTransactionBytes bounds inbound transaction bodies.
	// Default: 4 MiB
	MaxTransactionBytes int64 `yaml:"max_transaction_bytes"`
}

// AdmissionConfig configures the room graph.
type AdmissionConfig struct {
	// FetchDepth bounds how many generations of missing ancestors one
	// admission fetches.
	// Default: 32
	FetchDepth int `yaml:"fetch_depth"`

	// FetchTimeout bounds one fetch of a missing event.
	// Default: 30s
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// PendingBudget bounds events one room holds waiting for
	// dependencies; PendingTimeout bounds how long each waits.
	// Default: 256, 10m
	PendingBudget  int           `yaml:"pending_budget"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`

	// DegradedThreshold rejected or soft-failed events within
	// DegradedWindow degrade an origin for DegradedDuration. Zero
	// threshold disables degradation.
	// Default: 50, 10m, 1h
	DegradedThreshold int           `yaml:"degraded_threshold"`
	DegradedWindow    time.Duration `yaml:"degraded_window"`
	DegradedDuration  time.Duration `yaml:"degraded_duration"`

	// ResolutionCacheSize bounds the in-memory state resolution cache.
	// Default: 4096
	ResolutionCacheSize int `yaml:"resolution_cache_size"`
}

// RoomConfig configures locally created rooms.
type RoomConfig struct {
	// DefaultVersion is the room version of new rooms.
	// Default: 10
	DefaultVersion string `yaml:"default_version"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible values, not
// as a fallback: the config file is required and must at least name
// the server.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "roomserver")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:       defaultRoot,
			Database:   "${ROOMSERVER_ROOT}/events.db",
			SigningKey: "${ROOMSERVER_ROOT}/signing.key",
		},
		Keys: KeysConfig{
			Version:         "a_1",
			RefetchInterval: 5 * time.Minute,
		},
		Listen: ListenConfig{
			Federation:   ":8448",
			Admin:        "127.0.0.1:8009",
			AdminActions: true,
			Metrics:      "127.0.0.1:9090",
		},
		Storage: StorageConfig{
			PoolSize:          8,
			SnapshotCacheSize: 1024,
		},
		Federation: FederationConfig{
			TransactionSize:     50,
			InitialBackoff:      time.Second,
			MaxBackoff:          10 * time.Minute,
			MaxAttempts:         10,
			RetryHorizon:        time.Hour,
			RequestTimeout:      30 * time.Second,
			InboundRate:         20,
			InboundBurst:        50,
			MaxTransactionBytes: 4 << 20,
		},
		Admission: AdmissionConfig{
			FetchDepth:          32,
			FetchTimeout:        30 * time.Second,
			PendingBudget:       256,
			PendingTimeout:      10 * time.Minute,
			DegradedThreshold:   50,
			DegradedWindow:      10 * time.Minute,
			DegradedDuration:    time.Hour,
			ResolutionCacheSize: 4096,
		},
		Room: RoomConfig{
			DefaultVersion: "10",
		},
	}
}

// Load loads configuration from the ROOMSERVER_CONFIG environment
// variable.
//
// There are no fallbacks: if ROOMSERVER_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your roomserver.yaml config file, or use --config flag", EnvironmentVariable)
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values; the only expansion performed is
// ${HOME}, ${ROOMSERVER_ROOT} and similar variables in paths.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// Parse loads configuration from YAML bytes, as LoadFile does.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := c.decode(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// decode merges data into c. Unknown keys are errors: a misspelled
// limit would otherwise silently keep its default.
func (c *Config) decode(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: durable writes, no admin actions.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Listen:  &ListenConfig{AdminActions: false},
				Storage: &StorageConfig{Durable: true},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		override(&c.Paths.Root, overrides.Paths.Root)
		override(&c.Paths.Database, overrides.Paths.Database)
		override(&c.Paths.SigningKey, overrides.Paths.SigningKey)
		override(&c.Paths.SigningKeyIdentity, overrides.Paths.SigningKeyIdentity)
	}

	if overrides.Listen != nil {
		override(&c.Listen.Federation, overrides.Listen.Federation)
		override(&c.Listen.Admin, overrides.Listen.Admin)
		override(&c.Listen.Metrics, overrides.Listen.Metrics)
		// AdminActions is a bool, so it is always applied from overrides.
		c.Listen.AdminActions = overrides.Listen.AdminActions
	}

	if overrides.Storage != nil {
		override(&c.Storage.PoolSize, overrides.Storage.PoolSize)
		override(&c.Storage.SnapshotCacheSize, overrides.Storage.SnapshotCacheSize)
		// Durable is a bool, so it is always applied from overrides.
		c.Storage.Durable = overrides.Storage.Durable
	}

	if federation := overrides.Federation; federation != nil {
		if len(federation.Destinations) > 0 {
			if c.Federation.Destinations == nil {
				c.Federation.Destinations = make(map[string]string)
			}
			for server, base := range federation.Destinations {
				c.Federation.Destinations[server] = base
			}
		}
		override(&c.Federation.TransactionSize, federation.TransactionSize)
		override(&c.Federation.InitialBackoff, federation.InitialBackoff)
		override(&c.Federation.MaxBackoff, federation.MaxBackoff)
		override(&c.Federation.MaxAttempts, federation.MaxAttempts)
		override(&c.Federation.RetryHorizon, federation.RetryHorizon)
		override(&c.Federation.RequestTimeout, federation.RequestTimeout)
		override(&c.Federation.InboundRate, federation.InboundRate)
		override(&c.Federation.InboundBurst, federation.InboundBurst)
		override(&c.Federation.MaxTransactionBytes, federation.MaxTransactionBytes)
	}

	if admission := overrides.Admission; admission != nil {
		override(&c.Admission.FetchDepth, admission.FetchDepth)
		override(&c.Admission.FetchTimeout, admission.FetchTimeout)
		override(&c.Admission.PendingBudget, admission.PendingBudget)
		override(&c.Admission.PendingTimeout, admission.PendingTimeout)
		override(&c.Admission.DegradedThreshold, admission.DegradedThreshold)
		override(&c.Admission.DegradedWindow, admission.DegradedWindow)
		override(&c.Admission.DegradedDuration, admission.DegradedDuration)
		override(&c.Admission.ResolutionCacheSize, admission.ResolutionCacheSize)
	}
}

// override replaces *field with value unless value is the zero value.
func override[T comparable](field *T, value T) {
	var zero T
	if value != zero {
		*field = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"ROOMSERVER_ROOT": c.Paths.Root,
		"HOME":            os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["ROOMSERVER_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.SigningKey = expandVars(c.Paths.SigningKey, vars)
	c.Paths.SigningKeyIdentity = expandVars(c.Paths.SigningKeyIdentity, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerName == "" {
		errs = append(errs, errors.New("server_name is required"))
	} else if strings.ContainsAny(c.ServerName, "/@!$# ") {
		errs = append(errs, fmt.Errorf("server_name %q is not a server name", c.ServerName))
	}

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Database == "" {
		errs = append(errs, errors.New("paths.database is required"))
	}
	if c.Paths.SigningKey == "" {
		errs = append(errs, errors.New("paths.signing_key is required"))
	}
	if c.Keys.Version == "" {
		errs = append(errs, errors.New("keys.version is required"))
	}
	for server, keys := range c.Keys.Pinned {
		for keyID := range keys {
			if !strings.HasPrefix(keyID, "ed25519:") {
				errs = append(errs, fmt.Errorf("keys.pinned.%s: key %q is not an ed25519 key", server, keyID))
			}
		}
	}

	if c.Listen.Federation == "" {
		errs = append(errs, errors.New("listen.federation is required"))
	}
	for name, address := range map[string]string{
		"listen.federation": c.Listen.Federation,
		"listen.admin":      c.Listen.Admin,
		"listen.metrics":    c.Listen.Metrics,
	} {
		if address == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(address); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	for server, base := range c.Federation.Destinations {
		parsed, err := url.Parse(base)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("federation.destinations.%s: %q is not an http(s) URL", server, base))
		}
	}
	if c.Federation.TransactionSize < 1 || c.Federation.TransactionSize > 50 {
		errs = append(errs, fmt.Errorf("federation.transaction_size must be between 1 and 50, got %d", c.Federation.TransactionSize))
	}
	if c.Federation.InitialBackoff <= 0 || c.Federation.MaxBackoff < c.Federation.InitialBackoff {
		errs = append(errs, errors.New("federation backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}
	if c.Federation.MaxAttempts < 1 {
		errs = append(errs, errors.New("federation.max_attempts must be positive"))
	}
	if c.Federation.InboundRate <= 0 || c.Federation.InboundBurst < 1 {
		errs = append(errs, errors.New("federation.inbound_rate and inbound_burst must be positive"))
	}

	if c.Admission.PendingBudget < 1 {
		errs = append(errs, errors.New("admission.pending_budget must be positive"))
	}
	if c.Admission.DegradedThreshold < 0 {
		errs = append(errs, errors.New("admission.degraded_threshold must not be negative"))
	}

	if !slices.Contains(supportedVersions, c.Room.DefaultVersion) {
		errs = append(errs, fmt.Errorf("room.default_version must be one of: %v", supportedVersions))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directories of the configured files.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Database, c.Paths.SigningKey} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("creating directory for %s: %w", path, err)
		}
	}
	return nil
}
