package guard

import (
	"fmt"
	"sync"
	"time"

	"testimony/internal/cache"
)

// RateLimit caps invocations per (subcommand, user) inside a sliding-start
// window: the window opens on the first use and every later use inside it
// consumes budget, whether or not it is allowed.
type RateLimit struct {
	// mu serializes the read-increment-write in Check and Decrement.
	mu        sync.Mutex
	namespace *cache.Namespace
}

// NewRateLimit builds a rate limiter over namespace.
func NewRateLimit(namespace *cache.Namespace) *RateLimit {
	return &RateLimit{namespace: namespace}
}

// Check counts one use of (subcommand, userID) against limit per window.
//
// The counter is incremented before comparison, so a denied call still leaves
// the counter above the limit and the caller keeps waiting out the original
// window. The stored window deadline is preserved across increments.
func (r *RateLimit) Check(subcommand string, userID string, limit int, window time.Duration) (Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := policyKey(subcommand, userID)

	raw, active := r.namespace.Get(key)
	if !active {
		return r.openWindow(key, window)
	}

	count, ok := raw.(int)
	if !ok {
		return Decision{}, fmt.Errorf("rate limit check %s: counter has type %T", key, raw)
	}

	remaining, exists := r.namespace.RemainingTTL(key)
	if !exists || remaining <= 0 {
		// The window lapsed between Get and the TTL read; start fresh.
		return r.openWindow(key, window)
	}

	count++
	if err := r.namespace.SetTTL(key, count, remaining); err != nil {
		return Decision{}, fmt.Errorf("rate limit check %s: %w", key, err)
	}

	if count > limit {
		return Decision{Allowed: false, RetryAfter: remaining}, nil
	}

	return Decision{
		Allowed: true,
		Undo: func() {
			r.decrementKey(key)
		},
	}, nil
}

// Decrement gives one use back for (subcommand, userID). Reaching zero removes
// the counter entirely so the next use opens a fresh window.
func (r *RateLimit) Decrement(subcommand string, userID string) {
	r.decrementKey(policyKey(subcommand, userID))
}

func (r *RateLimit) decrementKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, active := r.namespace.Get(key)
	if !active {
		return
	}
	count, ok := raw.(int)
	if !ok {
		r.namespace.Delete(key)

		return
	}

	if count <= 1 {
		r.namespace.Delete(key)

		return
	}

	remaining, exists := r.namespace.RemainingTTL(key)
	if !exists || remaining <= 0 {
		r.namespace.Delete(key)

		return
	}

	// Best effort: the window may lapse between the reads above and this
	// write, in which case the eviction wins.
	_ = r.namespace.SetTTL(key, count-1, remaining)
}

func (r *RateLimit) openWindow(key string, window time.Duration) (Decision, error) {
	if err := r.namespace.SetTTL(key, 1, window); err != nil {
		return Decision{}, fmt.Errorf("rate limit open window %s: %w", key, err)
	}

	return Decision{
		Allowed: true,
		Undo: func() {
			r.decrementKey(key)
		},
	}, nil
}
