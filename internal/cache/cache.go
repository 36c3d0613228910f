// Package cache implements the namespaced expiring cache that coordinates
// throttles, rate limits, reminder timers, and quiz rounds.
//
// Each Namespace holds independent entries with optional per-entry expiry.
// Expiry is enforced by a scheduled one-shot eviction; overwriting or deleting
// an entry invalidates the pending eviction through a per-entry generation
// counter, so a stale timer firing is a no-op.
package cache

import (
	"log/slog"
	"reflect"
	"sync"
	"time"

	"testimony/pkg/testimony"
)

// Registry owns every cache namespace for the process lifetime.
type Registry struct {
	mu         sync.Mutex
	namespaces map[string]*Namespace

	logger     *slog.Logger
	clock      func() time.Time
	onEviction func(namespace string)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock injects the time source used for deadlines and RemainingTTL.
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithEvictionObserver registers a callback invoked once per timer-driven
// eviction, keyed by namespace name. Used for metrics.
func WithEvictionObserver(observer func(namespace string)) RegistryOption {
	return func(r *Registry) {
		r.onEviction = observer
	}
}

// NewRegistry builds an empty namespace registry.
func NewRegistry(options ...RegistryOption) *Registry {
	registry := &Registry{
		namespaces: make(map[string]*Namespace),
		logger:     slog.Default(),
		clock:      time.Now,
	}
	for _, option := range options {
		option(registry)
	}

	return registry
}

// Namespace creates the named namespace. Creating the same name twice fails
// with ErrDuplicateNamespace; namespaces are created once at wiring time and
// handed to the single module that owns them.
func (r *Registry) Namespace(name string, options ...NamespaceOption) (*Namespace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.namespaces[name]; exists {
		return nil, testimony.ErrDuplicateNamespace
	}

	namespace := &Namespace{
		name:     name,
		entries:  make(map[string]*entry),
		logger:   r.logger.With(slog.String("cache_namespace", name)),
		clock:    r.clock,
		onEvict:  r.onEviction,
	}
	for _, option := range options {
		option(namespace)
	}
	r.namespaces[name] = namespace

	return namespace, nil
}

// NamespaceOption configures a Namespace at creation time.
type NamespaceOption func(*Namespace)

// WithOnExpire sets the expiry hook, invoked after a timer-driven eviction
// removed the entry. The hook never fires for overwrites or explicit deletes,
// and runs outside the namespace lock.
func WithOnExpire(hook func(key string, value any)) NamespaceOption {
	return func(n *Namespace) {
		n.onExpire = hook
	}
}

type entry struct {
	value      any
	expiresAt  time.Time // zero means no expiry
	generation uint64
	timer      *time.Timer
}

// Namespace is one isolated key/value cache with per-entry optional expiry.
type Namespace struct {
	mu      sync.Mutex
	name    string
	entries map[string]*entry

	logger   *slog.Logger
	clock    func() time.Time
	onExpire func(key string, value any)
	onEvict  func(namespace string)
}

// Name returns the namespace name.
func (n *Namespace) Name() string {
	return n.name
}

// SetOnExpire replaces the expiry hook. Namespaces are wired centrally but the
// owning module attaches its hook during registration, after creation.
func (n *Namespace) SetOnExpire(hook func(key string, value any)) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.onExpire = hook
}

// Set stores value under key without expiry, canceling any pending eviction.
func (n *Namespace) Set(key string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.store(key, value, time.Time{}, nil)
}

// SetTTL stores value under key and schedules eviction after ttl.
//
// Zero and negative ttl values are rejected with ErrInvalidTTL; callers that
// want an entry removed now should call Delete instead.
func (n *Namespace) SetTTL(key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return testimony.ErrInvalidTTL
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	generation := n.nextGeneration(key)
	timer := time.AfterFunc(ttl, func() {
		n.expire(key, generation)
	})
	n.store(key, value, n.clock().Add(ttl), timer)

	return nil
}

// Get returns the live value stored under key.
//
// An entry whose deadline has passed but whose eviction has not run yet is
// treated as absent; the scheduled eviction remains the removal mechanism.
func (n *Namespace) Get(key string) (any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	current, exists := n.entries[key]
	if !exists || n.expired(current) {
		return nil, false
	}

	return current.value, true
}

// Delete removes key and cancels its pending eviction. It reports whether a
// live entry was removed. The expiry hook does not fire.
func (n *Namespace) Delete(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	current, exists := n.entries[key]
	if !exists {
		return false
	}

	if current.timer != nil {
		current.timer.Stop()
	}
	delete(n.entries, key)

	return !n.expired(current)
}

// RemainingTTL returns the time until key's eviction deadline.
//
// The second return is false for absent entries and entries without expiry.
func (n *Namespace) RemainingTTL(key string) (time.Duration, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	current, exists := n.entries[key]
	if !exists || current.expiresAt.IsZero() {
		return 0, false
	}

	remaining := current.expiresAt.Sub(n.clock())
	if remaining < 0 {
		return 0, false
	}

	return remaining, true
}

// ValueEquals reports whether key holds a value structurally equal to candidate.
func (n *Namespace) ValueEquals(key string, candidate any) bool {
	value, exists := n.Get(key)
	if !exists {
		return false
	}

	return reflect.DeepEqual(value, candidate)
}

// Len returns the number of stored entries, including entries past their
// deadline whose eviction has not run yet.
func (n *Namespace) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.entries)
}

// expired reports whether current's deadline has passed on the injected
// clock. The scheduled eviction stays responsible for removal.
func (n *Namespace) expired(current *entry) bool {
	return !current.expiresAt.IsZero() && !n.clock().Before(current.expiresAt)
}

// store replaces key's entry under the held lock, canceling the old timer.
func (n *Namespace) store(key string, value any, expiresAt time.Time, timer *time.Timer) {
	generation := n.nextGeneration(key)
	if previous, exists := n.entries[key]; exists && previous.timer != nil {
		previous.timer.Stop()
	}

	n.entries[key] = &entry{
		value:      value,
		expiresAt:  expiresAt,
		generation: generation,
		timer:      timer,
	}
}

// nextGeneration returns the generation the next write to key must carry.
// The second call for one logical write is stable because store runs under
// the same lock acquisition as the caller.
func (n *Namespace) nextGeneration(key string) uint64 {
	if previous, exists := n.entries[key]; exists {
		return previous.generation + 1
	}

	return 1
}

// expire is the timer callback for (key, generation).
func (n *Namespace) expire(key string, generation uint64) {
	n.mu.Lock()

	current, exists := n.entries[key]
	if !exists || current.generation != generation {
		n.mu.Unlock()
		n.logger.Debug("stale eviction timer ignored",
			slog.String("key", key),
			slog.Uint64("generation", generation),
		)

		return
	}

	value := current.value
	delete(n.entries, key)
	hook := n.onExpire
	observer := n.onEvict
	n.mu.Unlock()

	if observer != nil {
		observer(n.name)
	}
	if hook != nil {
		hook(key, value)
	}
}
