// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomgraph

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// TrustPolicy configures when an origin is degraded.
type TrustPolicy struct {
	// Threshold is the number of rejected or soft-failed events within
	// Window that degrades an origin. Zero disables degradation.
	Threshold int

	// Window is the sliding period failures are counted over. A
	// failure stops counting once it is older than Window.
	Window time.Duration

	// Duration is how long an origin stays degraded after crossing the
	// threshold.
	Duration time.Duration
}

// DefaultTrustPolicy degrades an origin after 50 bad events in ten
// minutes, for one hour.
func DefaultTrustPolicy() TrustPolicy {
	return TrustPolicy{Threshold: 50, Window: 10 * time.Minute, Duration: time.Hour}
}

// trustTracker counts rejected and soft-failed events per origin.
// Degradation never affects already-admitted history; the federation
// receiver reads it to throttle the origin.
type trustTracker struct {
	policy TrustPolicy
	clock  clock.Clock

	mu        sync.Mutex
	origins   map[ref.ServerName]*originRecord
	lastSweep time.Time
}

type originRecord struct {
	// failures holds the times of failures within the last Window,
	// oldest first.
	failures      []time.Time
	degradedUntil time.Time
}

// expire drops failures older than window before now.
func (o *originRecord) expire(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	keep := 0
	for keep < len(o.failures) && !o.failures[keep].After(cutoff) {
		keep++
	}
	o.failures = slices.Delete(o.failures, 0, keep)
}

// idle reports whether the record carries nothing the tracker needs.
func (o *originRecord) idle(now time.Time) bool {
	return len(o.failures) == 0 && !now.Before(o.degradedUntil)
}

func newTrustTracker(policy TrustPolicy, clk clock.Clock) *trustTracker {
	return &trustTracker{policy: policy, clock: clk, origins: make(map[ref.ServerName]*originRecord)}
}

// recordFailure counts one bad event from origin and reports whether
// this failure degraded it.
func (t *trustTracker) recordFailure(origin ref.ServerName) bool {
	if t.policy.Threshold <= 0 || origin.IsZero() {
		return false
	}
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep(now)

	record := t.origins[origin]
	if record == nil {
		record = &originRecord{}
		t.origins[origin] = record
	}
	record.expire(now, t.policy.Window)
	record.failures = append(record.failures, now)
	if len(record.failures) < t.policy.Threshold || now.Before(record.degradedUntil) {
		return false
	}
	record.degradedUntil = now.Add(t.policy.Duration)
	record.failures = record.failures[:0]
	return true
}

// sweep forgets origins with no recent failures and no degradation,
// at most once per Window. Callers hold t.mu.
func (t *trustTracker) sweep(now time.Time) {
	if now.Sub(t.lastSweep) < t.policy.Window {
		return
	}
	t.lastSweep = now
	for origin, record := range t.origins {
		record.expire(now, t.policy.Window)
		if record.idle(now) {
			delete(t.origins, origin)
		}
	}
}

func (t *trustTracker) degraded(origin ref.ServerName) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	record := t.origins[origin]
	return record != nil && now.Before(record.degradedUntil)
}

func (t *trustTracker) degradedOrigins() []ref.ServerName {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep(now)
	var origins []ref.ServerName
	for origin, record := range t.origins {
		if now.Before(record.degradedUntil) {
			origins = append(origins, origin)
		}
	}
	slices.SortFunc(origins, func(a, b ref.ServerName) int {
		return strings.Compare(a.String(), b.String())
	})
	return origins
}
