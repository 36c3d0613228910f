package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"testimony/pkg/testimony"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestNamespace(t *testing.T, options ...NamespaceOption) *Namespace {
	t.Helper()

	namespace, err := NewRegistry().Namespace("test", options...)
	if err != nil {
		t.Fatalf("create namespace: %v", err)
	}

	return namespace
}

func TestRegistryRejectsDuplicateNamespace(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	if _, err := registry.Namespace("quiz"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := registry.Namespace("quiz"); !errors.Is(err, testimony.ErrDuplicateNamespace) {
		t.Fatalf("err = %v, want ErrDuplicateNamespace", err)
	}
	if _, err := registry.Namespace("remind"); err != nil {
		t.Fatalf("distinct name: %v", err)
	}
}

func TestNamespaceSetGetDelete(t *testing.T) {
	t.Parallel()

	namespace := newTestNamespace(t)

	namespace.Set("k", 42)
	value, exists := namespace.Get("k")
	if !exists || value.(int) != 42 {
		t.Fatalf("Get = %v, %v", value, exists)
	}

	if _, exists := namespace.Get("missing"); exists {
		t.Fatal("missing key reported present")
	}

	if !namespace.Delete("k") {
		t.Fatal("Delete reported no entry removed")
	}
	if namespace.Delete("k") {
		t.Fatal("second Delete reported an entry removed")
	}
	if _, exists := namespace.Get("k"); exists {
		t.Fatal("deleted key still present")
	}
}

func TestNamespaceEntriesAreIsolated(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	first, err := registry.Namespace("first")
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := registry.Namespace("second")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	first.Set("shared-key", "a")
	second.Set("shared-key", "b")

	if value, _ := first.Get("shared-key"); value != "a" {
		t.Fatalf("first value = %v", value)
	}
	if value, _ := second.Get("shared-key"); value != "b" {
		t.Fatalf("second value = %v", value)
	}

	first.Delete("shared-key")
	if _, exists := second.Get("shared-key"); !exists {
		t.Fatal("delete in one namespace affected another")
	}
}

func TestSetTTLRejectsNonPositive(t *testing.T) {
	t.Parallel()

	namespace := newTestNamespace(t)

	if err := namespace.SetTTL("k", 1, 0); !errors.Is(err, testimony.ErrInvalidTTL) {
		t.Fatalf("zero ttl err = %v, want ErrInvalidTTL", err)
	}
	if err := namespace.SetTTL("k", 1, -time.Second); !errors.Is(err, testimony.ErrInvalidTTL) {
		t.Fatalf("negative ttl err = %v, want ErrInvalidTTL", err)
	}
	if _, exists := namespace.Get("k"); exists {
		t.Fatal("rejected SetTTL stored a value")
	}
}

func TestSetTTLEvictsAfterDeadline(t *testing.T) {
	t.Parallel()

	expired := make(chan string, 1)
	namespace := newTestNamespace(t, WithOnExpire(func(key string, value any) {
		expired <- key
	}))

	if err := namespace.SetTTL("k", "v", 30*time.Millisecond); err != nil {
		t.Fatalf("SetTTL: %v", err)
	}
	if _, exists := namespace.Get("k"); !exists {
		t.Fatal("entry absent before deadline")
	}

	select {
	case key := <-expired:
		if key != "k" {
			t.Fatalf("expired key = %q", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("eviction never fired")
	}
	if _, exists := namespace.Get("k"); exists {
		t.Fatal("entry still present after eviction")
	}
}

func TestOverwriteReschedulesEviction(t *testing.T) {
	t.Parallel()

	var hookCalls atomic.Int64
	namespace := newTestNamespace(t, WithOnExpire(func(key string, value any) {
		hookCalls.Add(1)
	}))

	if err := namespace.SetTTL("k", "short", 20*time.Millisecond); err != nil {
		t.Fatalf("SetTTL: %v", err)
	}
	if err := namespace.SetTTL("k", "long", 500*time.Millisecond); err != nil {
		t.Fatalf("overwrite SetTTL: %v", err)
	}

	// Past the first deadline: the stale timer must not evict the new value.
	time.Sleep(100 * time.Millisecond)
	value, exists := namespace.Get("k")
	if !exists || value.(string) != "long" {
		t.Fatalf("after stale deadline: Get = %v, %v", value, exists)
	}
	if calls := hookCalls.Load(); calls != 0 {
		t.Fatalf("hook fired %d times before the live deadline", calls)
	}

	namespace.Delete("k")
}

func TestSetWithoutTTLCancelsPendingEviction(t *testing.T) {
	t.Parallel()

	var hookCalls atomic.Int64
	namespace := newTestNamespace(t, WithOnExpire(func(key string, value any) {
		hookCalls.Add(1)
	}))

	if err := namespace.SetTTL("k", "temp", 20*time.Millisecond); err != nil {
		t.Fatalf("SetTTL: %v", err)
	}
	namespace.Set("k", "permanent")

	time.Sleep(100 * time.Millisecond)
	value, exists := namespace.Get("k")
	if !exists || value.(string) != "permanent" {
		t.Fatalf("Get = %v, %v", value, exists)
	}
	if _, hasDeadline := namespace.RemainingTTL("k"); hasDeadline {
		t.Fatal("plain Set left an eviction deadline behind")
	}
	if calls := hookCalls.Load(); calls != 0 {
		t.Fatalf("hook fired %d times after plain Set", calls)
	}
}

func TestDeleteDoesNotFireExpiryHook(t *testing.T) {
	t.Parallel()

	var hookCalls atomic.Int64
	namespace := newTestNamespace(t, WithOnExpire(func(key string, value any) {
		hookCalls.Add(1)
	}))

	if err := namespace.SetTTL("k", "v", 20*time.Millisecond); err != nil {
		t.Fatalf("SetTTL: %v", err)
	}
	if !namespace.Delete("k") {
		t.Fatal("Delete reported no entry removed")
	}

	time.Sleep(100 * time.Millisecond)
	if calls := hookCalls.Load(); calls != 0 {
		t.Fatalf("hook fired %d times after explicit delete", calls)
	}
}

func TestRemainingTTL(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	registry := NewRegistry(WithClock(func() time.Time { return now }))
	namespace, err := registry.Namespace("clocked")
	if err != nil {
		t.Fatalf("create namespace: %v", err)
	}

	if err := namespace.SetTTL("k", "v", time.Hour); err != nil {
		t.Fatalf("SetTTL: %v", err)
	}

	remaining, exists := namespace.RemainingTTL("k")
	if !exists || remaining != time.Hour {
		t.Fatalf("RemainingTTL = %v, %v", remaining, exists)
	}

	now = now.Add(40 * time.Minute)
	remaining, exists = namespace.RemainingTTL("k")
	if !exists || remaining != 20*time.Minute {
		t.Fatalf("after advance: RemainingTTL = %v, %v", remaining, exists)
	}

	now = now.Add(21 * time.Minute)
	if _, exists := namespace.RemainingTTL("k"); exists {
		t.Fatal("past-deadline entry still reported a remaining TTL")
	}
	if _, exists := namespace.Get("k"); exists {
		t.Fatal("past-deadline entry still readable")
	}

	namespace.Set("plain", "v")
	if _, exists := namespace.RemainingTTL("plain"); exists {
		t.Fatal("entry without expiry reported a remaining TTL")
	}
	if _, exists := namespace.RemainingTTL("missing"); exists {
		t.Fatal("missing entry reported a remaining TTL")
	}
}

func TestClockExpiredEntryIsAbsent(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	registry := NewRegistry(WithClock(func() time.Time { return now }))
	namespace, err := registry.Namespace("clocked-absent")
	if err != nil {
		t.Fatalf("create namespace: %v", err)
	}

	if err := namespace.SetTTL("k", "v", time.Minute); err != nil {
		t.Fatalf("SetTTL: %v", err)
	}
	if _, exists := namespace.Get("k"); !exists {
		t.Fatal("live entry not readable")
	}

	// The wall-clock eviction timer has not fired, but the injected clock is
	// past the deadline: readers must treat the entry as gone already.
	now = now.Add(2 * time.Minute)
	if _, exists := namespace.Get("k"); exists {
		t.Fatal("past-deadline entry still readable")
	}
	if namespace.ValueEquals("k", "v") {
		t.Fatal("past-deadline entry still compares equal")
	}
	if namespace.Delete("k") {
		t.Fatal("delete reported removing a live entry past its deadline")
	}
	if namespace.Len() != 0 {
		t.Fatalf("entries = %d after delete", namespace.Len())
	}
}

func TestValueEquals(t *testing.T) {
	t.Parallel()

	type payload struct {
		Accused string
		Content string
	}

	namespace := newTestNamespace(t)
	namespace.Set("round", payload{Accused: "alice", Content: "the moon is cheese"})

	if !namespace.ValueEquals("round", payload{Accused: "alice", Content: "the moon is cheese"}) {
		t.Fatal("structurally equal value reported unequal")
	}
	if namespace.ValueEquals("round", payload{Accused: "alice", Content: "other"}) {
		t.Fatal("different value reported equal")
	}
	if namespace.ValueEquals("missing", payload{}) {
		t.Fatal("missing key reported equal")
	}
}

func TestEvictionObserver(t *testing.T) {
	t.Parallel()

	evicted := make(chan string, 1)
	registry := NewRegistry(WithEvictionObserver(func(namespace string) {
		evicted <- namespace
	}))
	namespace, err := registry.Namespace("observed")
	if err != nil {
		t.Fatalf("create namespace: %v", err)
	}

	if err := namespace.SetTTL("k", "v", 20*time.Millisecond); err != nil {
		t.Fatalf("SetTTL: %v", err)
	}

	select {
	case name := <-evicted:
		if name != "observed" {
			t.Fatalf("observer namespace = %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer never invoked")
	}
}

func TestConcurrentMutation(t *testing.T) {
	t.Parallel()

	namespace := newTestNamespace(t)

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = namespace.SetTTL("shared", i, 50*time.Millisecond)
				namespace.Get("shared")
				namespace.RemainingTTL("shared")
				if i%10 == 0 {
					namespace.Delete("shared")
				}
			}
		}()
	}
	wg.Wait()

	namespace.Delete("shared")
}
