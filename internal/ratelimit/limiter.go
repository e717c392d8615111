// Package ratelimit implements fixed-window request counting keyed by client
// identity. Each named limiter owns its counters; limiters for different
// policies never share state.
//
// Fixed windows trade precision for O(1) memory and cheap updates: a client
// can burst up to 2×max in a short span straddling a window boundary. That is
// an accepted property of the scheme, not a defect to mask.
package ratelimit

import "time"

// Entry is one client's counter within the current window. Count only grows
// while the window is open; once the window has elapsed the entry is replaced
// outright, never incremented.
type Entry struct {
	Count   int
	ResetAt time.Time
}

// EntryStore holds limiter entries with get/compare-and-swap semantics. The
// CAS contract is what makes the read-check-increment sequence atomic per key
// without a lock spanning the store. Implementations must not serialize
// operations on unrelated keys.
//
// The interface exists so the limiter can run against an injected store in
// tests and be pointed at a shared backend later without touching the
// admission logic.
type EntryStore interface {
	// Get returns the entry for key and whether one exists.
	Get(key string) (Entry, bool)

	// CompareAndSwap replaces the entry for key with next if the current
	// entry equals prev. A zero prev matches an absent key. Returns whether
	// the swap happened.
	CompareAndSwap(key string, prev, next Entry) bool
}

// Limiter admits or rejects requests for a single policy using fixed-window
// counting. Safe for concurrent use; per-key atomicity comes from the store's
// CAS, retried on contention.
type Limiter struct {
	name   string
	window time.Duration
	max    int
	store  EntryStore
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithStore replaces the default in-memory entry store.
func WithStore(s EntryStore) Option {
	return func(l *Limiter) { l.store = s }
}

// WithClock replaces the wall clock, letting tests drive window expiry
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a named limiter admitting up to maxRequests per window.
func New(name string, window time.Duration, maxRequests int, opts ...Option) *Limiter {
	l := &Limiter{
		name:   name,
		window: window,
		max:    maxRequests,
		store:  NewMemoryStore(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the policy name this limiter was created with.
func (l *Limiter) Name() string { return l.name }

// Admit reports whether a request from clientKey is within quota, counting it
// if so. An absent or expired entry is replaced with a fresh one-count window;
// an open window increments until max and rejects beyond it. The CAS loop
// retries when another request for the same key won the race, so concurrent
// callers can never admit more than max per window.
func (l *Limiter) Admit(clientKey string) bool {
	for {
		now := l.now()
		cur, ok := l.store.Get(clientKey)

		if !ok || !now.Before(cur.ResetAt) {
			fresh := Entry{Count: 1, ResetAt: now.Add(l.window)}
			if !ok {
				cur = Entry{} // zero prev means insert-if-absent
			}
			if l.store.CompareAndSwap(clientKey, cur, fresh) {
				return true
			}
			continue
		}

		if cur.Count >= l.max {
			return false
		}

		next := Entry{Count: cur.Count + 1, ResetAt: cur.ResetAt}
		if l.store.CompareAndSwap(clientKey, cur, next) {
			return true
		}
	}
}

// RetryAfter returns how long clientKey must wait before the current window
// resets. Zero when no window is open.
func (l *Limiter) RetryAfter(clientKey string) time.Duration {
	cur, ok := l.store.Get(clientKey)
	if !ok {
		return 0
	}
	if wait := cur.ResetAt.Sub(l.now()); wait > 0 {
		return wait
	}
	return 0
}
