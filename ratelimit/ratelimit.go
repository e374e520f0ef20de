// Package ratelimit provides a sliding-window rate limiter with optional
// lockout, shared by concurrent connections.
//
// A limiter has one or more windows, e.g. the last minute/hour/day, each with
// a maximum event count. Events are kept as timestamps per opaque string key
// (e.g. a normalized remote address, or an account identifier). A check
// counts the events within each window and denies when any window is at its
// maximum. With a lockout configured, a denied check additionally blocks the
// key for the lockout duration, outlasting the window that triggered it.
//
// Timestamps are pruned lazily on use. PeriodicSweep removes idle keys in
// bulk, bounding memory under sustained load.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is a single sliding window with its maximum event count.
type Window struct {
	Duration time.Duration
	Max      int
}

// Decision is the result of a limiter check.
type Decision int

const (
	// Allow means the event may proceed.
	Allow Decision = iota
	// DenyWindow means a window is at its maximum, retry later.
	DenyWindow
	// DenyLockout means the key is in a lockout period.
	DenyLockout
)

// Limiter is a sliding-window rate limiter. The fields must be set before
// first use and no longer changed.
type Limiter struct {
	Windows []Window
	Lockout time.Duration // If > 0, a denied check locks the key out for this duration.

	mu   sync.Mutex
	keys map[string]*entry
}

type entry struct {
	times       []time.Time // Ordered oldest first, pruned to the longest window on use.
	lockedUntil time.Time
}

func (l *Limiter) longestWindow() time.Duration {
	var d time.Duration
	for _, w := range l.Windows {
		if w.Duration > d {
			d = w.Duration
		}
	}
	return d
}

// prune drops timestamps that no longer fall in the longest window.
func (l *Limiter) prune(e *entry, now time.Time) {
	horizon := now.Add(-l.longestWindow())
	i := 0
	for i < len(e.times) && !e.times[i].After(horizon) {
		i++
	}
	if i > 0 {
		e.times = append(e.times[:0], e.times[i:]...)
	}
}

// Check returns whether an event for key may proceed at time now. It does not
// record the event, use Record for that. A denial with a configured lockout
// starts the lockout period for the key.
func (l *Limiter) Check(key string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.keys[key]
	if e == nil {
		return Allow
	}
	if now.Before(e.lockedUntil) {
		return DenyLockout
	}
	l.prune(e, now)
	for _, w := range l.Windows {
		cutoff := now.Add(-w.Duration)
		n := 0
		for _, t := range e.times {
			if t.After(cutoff) {
				n++
			}
		}
		if n >= w.Max {
			if l.Lockout > 0 {
				e.lockedUntil = now.Add(l.Lockout)
				return DenyLockout
			}
			return DenyWindow
		}
	}
	return Allow
}

// Record adds an event for key at time now.
func (l *Limiter) Record(key string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.keys == nil {
		l.keys = map[string]*entry{}
	}
	e := l.keys[key]
	if e == nil {
		e = &entry{}
		l.keys[key] = e
	}
	l.prune(e, now)
	e.times = append(e.times, now)
}

// Reset removes all state for key, e.g. after successful authentication.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
}

// Sweep removes keys whose newest event is older than twice the longest
// window and whose lockout has expired, returning the number of keys removed.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	horizon := now.Add(-2 * l.longestWindow())
	var removed int
	for key, e := range l.keys {
		if now.Before(e.lockedUntil) {
			continue
		}
		if len(e.times) == 0 || e.times[len(e.times)-1].Before(horizon) {
			delete(l.keys, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked keys.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// PeriodicSweep runs Sweep at each interval until ctx is done. Run it in a
// goroutine; request traffic never triggers a full-table sweep itself.
func (l *Limiter) PeriodicSweep(ctx context.Context, interval time.Duration, swept func(removed int)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n := l.Sweep(time.Now())
			if swept != nil {
				swept(n)
			}
		case <-ctx.Done():
			return
		}
	}
}
