// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyring resolves the public keys servers sign events with.
//
// A [Ring] answers for the local server from its own signing key,
// for pinned servers from configuration, and for everyone else by
// fetching the server's key document through a [Fetcher] and caching
// it until its valid_until_ts. Concurrent lookups for the same server
// share one fetch. A lookup that misses right after a fetch does not
// fetch again until MinRefetchInterval has passed, so events signed
// with an unknown key cannot drive a fetch per event.
package keyring

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// ErrUnknownKey reports a key the ring cannot find.
var ErrUnknownKey = errors.New("keyring: unknown key")

// Fetcher retrieves a server's published keys.
type Fetcher interface {
	FetchServerKeys(ctx context.Context, server ref.ServerName) (ServerKeys, error)
}

// LocalKey is the local server's signing key.
type LocalKey interface {
	pdu.Signer
	PublicKey() ed25519.PublicKey
}

const (
	DefaultCacheSize          = 1024
	DefaultMinRefetchInterval = 5 * time.Minute
	DefaultLocalValidity      = 24 * time.Hour
)

// Config configures a Ring.
type Config struct {
	// Local is this server's key. Required.
	Local LocalKey

	// Pinned keys are never fetched or evicted.
	Pinned []ServerKeys

	// Fetcher retrieves remote keys. Nil limits the ring to the
	// local and pinned keys.
	Fetcher Fetcher

	CacheSize          int
	MinRefetchInterval time.Duration

	// LocalValidity is the valid_until_ts the local key document
	// advertises, relative to now.
	LocalValidity time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

type cached struct {
	keys      ServerKeys
	fetchedAt time.Time
}

// Ring is a pdu.KeyResolver. It is safe for concurrent use.
type Ring struct {
	local         LocalKey
	fetcher       Fetcher
	minRefetch    time.Duration
	localValidity time.Duration
	clock         clock.Clock
	logger        *slog.Logger

	mu     sync.RWMutex
	pinned map[ref.ServerName]ServerKeys

	cache *lru.Cache[ref.ServerName, cached]
	group singleflight.Group
}

var _ pdu.KeyResolver = (*Ring)(nil)

// New creates a Ring.
func New(config Config) (*Ring, error) {
	if config.Local == nil {
		return nil, errors.New("keyring: Local key is required")
	}
	size := config.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[ref.ServerName, cached](size)
	if err != nil {
		return nil, fmt.Errorf("keyring: creating cache: %w", err)
	}
	if config.MinRefetchInterval == 0 {
		config.MinRefetchInterval = DefaultMinRefetchInterval
	}
	if config.LocalValidity == 0 {
		config.LocalValidity = DefaultLocalValidity
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	ring := &Ring{
		local:         config.Local,
		fetcher:       config.Fetcher,
		minRefetch:    config.MinRefetchInterval,
		localValidity: config.LocalValidity,
		clock:         config.Clock,
		logger:        config.Logger,
		pinned:        make(map[ref.ServerName]ServerKeys),
		cache:         cache,
	}
	for _, keys := range config.Pinned {
		ring.Pin(keys)
	}
	return ring, nil
}

// Pin adds keys that are trusted without fetching. Pinned keys for a
// server are merged with earlier pins.
func (r *Ring) Pin(keys ServerKeys) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.pinned[keys.Server]
	if existing.VerifyKeys == nil {
		existing = ServerKeys{Server: keys.Server, VerifyKeys: make(map[ref.KeyID]ed25519.PublicKey)}
	}
	for keyID, key := range keys.VerifyKeys {
		existing.VerifyKeys[keyID] = key
	}
	r.pinned[keys.Server] = existing
}

// PublicKey returns the key server published under keyID.
func (r *Ring) PublicKey(ctx context.Context, server ref.ServerName, keyID ref.KeyID) (ed25519.PublicKey, error) {
	if server == r.local.ServerName() {
		if keyID == r.local.KeyID() {
			return r.local.PublicKey(), nil
		}
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownKey, server, keyID)
	}

	r.mu.RLock()
	pinned, ok := r.pinned[server]
	r.mu.RUnlock()
	if ok {
		if key, ok := pinned.lookup(keyID); ok {
			return key, nil
		}
	}

	now := r.clock.Now()
	entry, ok := r.cache.Get(server)
	if ok {
		if key, found := entry.keys.lookup(keyID); found && now.Before(entry.keys.ValidUntil) {
			return key, nil
		}
		if now.Sub(entry.fetchedAt) < r.minRefetch {
			if key, found := entry.keys.lookup(keyID); found {
				return key, nil
			}
			return nil, fmt.Errorf("%w: %s %s", ErrUnknownKey, server, keyID)
		}
	}
	if r.fetcher == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownKey, server, keyID)
	}

	keys, err := r.fetch(ctx, server)
	if err != nil {
		// A stale copy is better than none while the server is down.
		if ok {
			if key, found := entry.keys.lookup(keyID); found {
				r.logger.Warn("using expired server keys after fetch failure",
					"server", server,
					"key_id", keyID,
					"error", err,
				)
				return key, nil
			}
		}
		return nil, err
	}
	if key, found := keys.lookup(keyID); found {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s %s", ErrUnknownKey, server, keyID)
}

func (r *Ring) fetch(ctx context.Context, server ref.ServerName) (ServerKeys, error) {
	result, err, _ := r.group.Do(server.String(), func() (any, error) {
		// Another lookup may have fetched while this one waited.
		if entry, ok := r.cache.Get(server); ok && r.clock.Now().Sub(entry.fetchedAt) < r.minRefetch {
			return entry.keys, nil
		}
		keys, err := r.fetcher.FetchServerKeys(context.WithoutCancel(ctx), server)
		if err != nil {
			return ServerKeys{}, fmt.Errorf("keyring: fetching keys of %s: %w", server, err)
		}
		if keys.Server != server {
			return ServerKeys{}, fmt.Errorf("keyring: fetched keys of %s for %s", keys.Server, server)
		}
		r.cache.Add(server, cached{keys: keys, fetchedAt: r.clock.Now()})
		r.logger.Debug("fetched server keys",
			"server", server,
			"keys", len(keys.VerifyKeys),
			"valid_until", keys.ValidUntil,
		)
		return keys, nil
	})
	if err != nil {
		return ServerKeys{}, err
	}
	return result.(ServerKeys), nil
}

// Verify checks the signatures every required server must have made
// on event.
func (r *Ring) Verify(ctx context.Context, event *pdu.Event) error {
	return event.VerifySignatures(ctx, r)
}

// LocalKeys returns the local server's published keys.
func (r *Ring) LocalKeys() ServerKeys {
	return ServerKeys{
		Server:     r.local.ServerName(),
		VerifyKeys: map[ref.KeyID]ed25519.PublicKey{r.local.KeyID(): r.local.PublicKey()},
		ValidUntil: r.clock.Now().Add(r.localValidity),
	}
}

// LocalDocument returns the signed key document for GET
// /_matrix/key/v2/server.
func (r *Ring) LocalDocument() ([]byte, error) {
	return Document(r.LocalKeys(), r.local)
}
