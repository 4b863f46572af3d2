// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/statemap"
)

// DefaultCacheSize is the number of resolutions a Resolver keeps in
// memory when ResolverConfig.CacheSize is zero.
const DefaultCacheSize = 4096

// Outcome classifies one Resolver.Resolve call.
type Outcome string

const (
	OutcomeFastPath Outcome = "fast_path"
	OutcomeCacheHit Outcome = "cache_hit"
	OutcomeStoreHit Outcome = "store_hit"
	OutcomeResolved Outcome = "resolved"
	OutcomeMissing  Outcome = "missing_dependency"
	OutcomeFailed   Outcome = "failed"
)

// Store persists resolutions across restarts.
type Store interface {
	LookupResolution(ctx context.Context, key statemap.Digest) (statemap.Map, bool, error)
	StoreResolution(ctx context.Context, key statemap.Digest, state statemap.Map) error
}

// Observer is told the outcome and duration of every resolution.
type Observer interface {
	ObserveResolution(outcome Outcome, elapsed time.Duration)
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// CacheSize bounds the in-memory cache. Zero means DefaultCacheSize.
	CacheSize int

	// Store, if set, backs the in-memory cache.
	Store Store

	// Observer, if set, receives one call per Resolve.
	Observer Observer

	Clock  clock.Clock
	Logger *slog.Logger
}

// Resolver runs Resolve behind a cache keyed by the conflict being
// resolved. It is safe for concurrent use.
type Resolver struct {
	cache    *lru.Cache[statemap.Digest, statemap.Map]
	store    Store
	observer Observer
	clock    clock.Clock
	logger   *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	size := config.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[statemap.Digest, statemap.Map](size)
	if err != nil {
		return nil, fmt.Errorf("stateres: creating cache: %w", err)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{
		cache:    cache,
		store:    config.Store,
		observer: config.Observer,
		clock:    config.Clock,
		logger:   config.Logger,
	}, nil
}

// Resolve is the package-level Resolve with caching.
func (r *Resolver) Resolve(ctx context.Context, rules roomversion.Rules, states []statemap.Map, source EventSource) (statemap.Map, error) {
	started := r.clock.Now()
	state, outcome, err := r.resolve(ctx, rules, states, source)
	if r.observer != nil {
		r.observer.ObserveResolution(outcome, r.clock.Now().Sub(started))
	}
	return state, err
}

func (r *Resolver) resolve(ctx context.Context, rules roomversion.Rules, states []statemap.Map, source EventSource) (statemap.Map, Outcome, error) {
	key, needed := CacheKey(rules, states)
	if !needed {
		state, err := Resolve(ctx, rules, states, source)
		return state, OutcomeFastPath, err
	}

	if state, ok := r.cache.Get(key); ok {
		return state, OutcomeCacheHit, nil
	}
	if r.store != nil {
		state, ok, err := r.store.LookupResolution(ctx, key)
		if err != nil {
			r.logger.Warn("resolution cache lookup failed", "key", key.String(), "error", err)
		} else if ok {
			r.cache.Add(key, state)
			return state, OutcomeStoreHit, nil
		}
	}

	state, err := Resolve(ctx, rules, states, source)
	if err != nil {
		if IsMissingDependency(err) {
			return statemap.Map{}, OutcomeMissing, err
		}
		return statemap.Map{}, OutcomeFailed, err
	}
	r.cache.Add(key, state)
	if r.store != nil {
		if err := r.store.StoreResolution(ctx, key, state); err != nil {
			r.logger.Warn("storing resolution failed", "key", key.String(), "error", err)
		}
	}
	return state, OutcomeResolved, nil
}

// Domain key for resolution cache keys: ASCII, zero-padded to 32
// bytes.
var resolutionDomainKey = [32]byte{
	'r', 'o', 'o', 'm', 's', 'e', 'r', 'v', 'e', 'r', '.', 's', 't', 'a', 't', 'e',
	'r', 'e', 's', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// CacheKey identifies the resolution of states: the room version and
// the digests of the distinct input states in digest order. Keying on
// whole inputs rather than on the conflicted events alone matters
// because the auth difference depends on which candidates share an
// input. It reports false when states take a fast path and need no
// cache.
func CacheKey(rules roomversion.Rules, states []statemap.Map) (statemap.Digest, bool) {
	distinct := distinctStates(states)
	if len(distinct) < 2 {
		return statemap.Digest{}, false
	}
	hasher := statemap.NewHasher(resolutionDomainKey)
	hasher.WriteString(string(rules.ID))
	for _, state := range distinct {
		hasher.WriteDigest(state.Digest())
	}
	return hasher.Sum(), true
}
