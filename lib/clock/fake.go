// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{current: initial}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

// FakeClock is a deterministic Clock for testing. Pending waiters fire
// during Advance in deadline order, ties broken by registration order.
//
// AfterFunc callbacks run synchronously inside Advance. A callback
// must not call Advance or Sleep on the same clock.
type FakeClock struct {
	mu       sync.Mutex
	current  time.Time
	sequence uint64
	pending  []*fakeWaiter
	changed  *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	sequence uint64
	channel  chan time.Time // nil for AfterFunc
	callback func()         // nil for After and Sleep
	done     bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock has been
// advanced by at least d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.registerLocked(&fakeWaiter{deadline: c.current.Add(d), channel: channel})
	return channel
}

// AfterFunc schedules f for when the clock has been advanced by at
// least d. If d <= 0, f runs before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	waiter := &fakeWaiter{callback: f}
	c.mu.Lock()
	waiter.deadline = c.current.Add(d)
	c.registerLocked(waiter)
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if waiter.done {
			return false
		}
		waiter.done = true
		c.pending = slices.DeleteFunc(c.pending, func(w *fakeWaiter) bool { return w == waiter })
		return true
	}}
}

// Sleep blocks until the clock has been advanced by at least d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline is at or before the new time.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		waiter := c.popExpired(target)
		if waiter == nil {
			return
		}
		if waiter.callback != nil {
			waiter.callback()
			continue
		}
		select {
		case waiter.channel <- target:
		default:
		}
	}
}

// popExpired removes and returns the earliest waiter due at target,
// or nil if none is due.
func (c *FakeClock) popExpired(target time.Time) *fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 || c.pending[0].deadline.After(target) {
		return nil
	}
	waiter := c.pending[0]
	c.pending = c.pending[1:]
	waiter.done = true
	return waiter
}

func (c *FakeClock) registerLocked(waiter *fakeWaiter) {
	c.sequence++
	waiter.sequence = c.sequence
	index, _ := slices.BinarySearchFunc(c.pending, waiter, func(a, b *fakeWaiter) int {
		if cmp := a.deadline.Compare(b.deadline); cmp != 0 {
			return cmp
		}
		return int(int64(a.sequence) - int64(b.sequence))
	})
	c.pending = slices.Insert(c.pending, index, waiter)
	c.changed.Broadcast()
}

// WaitForTimers blocks until at least n waiters are pending. Call it
// before Advance to avoid racing a goroutine that has not yet reached
// its After or Sleep.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of waiters that have not fired or
// been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
