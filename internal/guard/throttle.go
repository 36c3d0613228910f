// Package guard implements the per-user policy layer gating command handlers:
// cooldown throttles, windowed rate limits, and the middleware pipeline that
// composes them around a handler.
package guard

import (
	"fmt"
	"sync"
	"time"

	"testimony/internal/cache"
)

// Decision is the outcome of one policy check.
type Decision struct {
	// Allowed reports whether the guarded action may proceed.
	Allowed bool
	// RetryAfter is the remaining wait when Allowed is false.
	RetryAfter time.Duration
	// Undo gives back the budget this check consumed. Non-nil only on allowed
	// decisions; call it when the guarded action fails before taking effect.
	Undo func()
}

// Throttle denies repeat invocations per (subcommand, user) inside a cooldown.
type Throttle struct {
	// mu serializes the miss-check-then-write in Check; handlers sharing one
	// throttle run on separate dispatch goroutines.
	mu        sync.Mutex
	namespace *cache.Namespace
	duration  time.Duration
	clock     func() time.Time
}

// ThrottleOption configures a Throttle.
type ThrottleOption func(*Throttle)

// WithThrottleClock injects the time source stored in cooldown markers.
func WithThrottleClock(clock func() time.Time) ThrottleOption {
	return func(t *Throttle) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// NewThrottle builds a throttle over namespace with the given cooldown.
func NewThrottle(namespace *cache.Namespace, duration time.Duration, options ...ThrottleOption) *Throttle {
	throttle := &Throttle{
		namespace: namespace,
		duration:  duration,
		clock:     time.Now,
	}
	for _, option := range options {
		option(throttle)
	}

	return throttle
}

// Duration returns the configured cooldown.
func (t *Throttle) Duration() time.Duration {
	return t.duration
}

// Check consumes the (subcommand, userID) cooldown slot.
//
// An allowed decision writes a cooldown marker expiring after the configured
// duration and carries an Undo that removes it. A denied decision reports the
// remaining cooldown.
func (t *Throttle) Check(subcommand string, userID string) (Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := policyKey(subcommand, userID)

	if _, active := t.namespace.Get(key); active {
		remaining, exists := t.namespace.RemainingTTL(key)
		if !exists {
			// Marker written without expiry would lock the user out forever.
			t.namespace.Delete(key)

			return Decision{}, fmt.Errorf("throttle check %s: marker without deadline", key)
		}

		return Decision{Allowed: false, RetryAfter: remaining}, nil
	}

	if err := t.namespace.SetTTL(key, t.clock().Format(time.RFC3339Nano), t.duration); err != nil {
		return Decision{}, fmt.Errorf("throttle check %s: %w", key, err)
	}

	return Decision{
		Allowed: true,
		Undo: func() {
			t.namespace.Delete(key)
		},
	}, nil
}

func policyKey(subcommand string, userID string) string {
	return subcommand + ":" + userID
}
