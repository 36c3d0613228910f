package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"testimony/internal/metrics"
	"testimony/pkg/testimony"
)

// EventBus is the kernel's bounded asynchronous pub/sub implementation.
//
// Each subscription owns a bounded queue with its own backpressure policy, so
// one slow consumer never stalls the rest of the fan-out.
type EventBus struct {
	mu            sync.RWMutex
	nextID        int64
	closed        bool
	subscriptions map[int64]*busSubscription
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscriptions: make(map[int64]*busSubscription),
	}
}

// Subscribe registers a bounded consumer per spec.
func (b *EventBus) Subscribe(spec testimony.SubscriptionSpec) (testimony.Subscription, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	sub := &busSubscription{
		id:    atomic.AddInt64(&b.nextID, 1),
		spec:  spec,
		queue: make(chan *testimony.Event, spec.BufferSize),
		done:  make(chan struct{}),
		bus:   b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, testimony.ErrSubscriptionClosed)
	}
	b.subscriptions[sub.id] = sub

	return sub, nil
}

// Publish validates event and distributes it to every interested subscription
// per its backpressure policy. Drops are aggregated under ErrEventDropped.
func (b *EventBus) Publish(ctx context.Context, event *testimony.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	subs, err := b.snapshotSubscriptions()
	if err != nil {
		return fmt.Errorf("publish event %s: %w", event.Kind, err)
	}
	metrics.EventsPublished.WithLabelValues(string(event.Kind)).Inc()

	var publishErrs []error
	for _, sub := range subs {
		if !sub.wantsKind(event.Kind) {
			continue
		}
		if err := sub.enqueue(ctx, event); err != nil {
			if errors.Is(err, testimony.ErrEventDropped) {
				metrics.EventsDropped.WithLabelValues(sub.spec.Name).Inc()
			}
			publishErrs = append(publishErrs, err)
		}
	}

	if len(publishErrs) > 0 {
		return fmt.Errorf("publish event %s: %w", event.Kind, errors.Join(publishErrs...))
	}

	return nil
}

// Shutdown detaches and closes every subscription and rejects further work.
func (b *EventBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return nil
	}
	b.closed = true
	subs := make([]*busSubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	b.subscriptions = make(map[int64]*busSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}

	return ctx.Err()
}

// snapshotSubscriptions returns a stable copy for lock-free publish fan-out.
func (b *EventBus) snapshotSubscriptions() ([]*busSubscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, testimony.ErrSubscriptionClosed
	}

	subs := make([]*busSubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}

	return subs, nil
}

// unsubscribe removes a subscription by id.
func (b *EventBus) unsubscribe(id int64) {
	b.mu.Lock()
	sub, found := b.subscriptions[id]
	if found {
		delete(b.subscriptions, id)
	}
	b.mu.Unlock()

	if found {
		sub.close()
	}
}

// busSubscription owns the bounded queue for one consumer.
//
// sendMu serializes senders against channel closure: close acquires the write
// side after signaling done, so no sender can be mid-send when the queue closes.
type busSubscription struct {
	id    int64
	spec  testimony.SubscriptionSpec
	queue chan *testimony.Event
	done  chan struct{}
	once  sync.Once

	sendMu sync.RWMutex
	closed bool

	bus *EventBus
}

// Name returns the subscription name.
func (s *busSubscription) Name() string {
	return s.spec.Name
}

// Events returns the receive channel.
func (s *busSubscription) Events() <-chan *testimony.Event {
	return s.queue
}

// Close detaches the subscription from its bus and closes the channel.
func (s *busSubscription) Close() {
	s.bus.unsubscribe(s.id)
}

// wantsKind applies the subscription's kind filter.
func (s *busSubscription) wantsKind(kind testimony.EventKind) bool {
	if len(s.spec.Kinds) == 0 {
		return true
	}
	for _, want := range s.spec.Kinds {
		if want == kind {
			return true
		}
	}

	return false
}

// enqueue applies the configured backpressure policy.
func (s *busSubscription) enqueue(ctx context.Context, event *testimony.Event) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.closed {
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, testimony.ErrSubscriptionClosed)
	}

	switch s.spec.Backpressure {
	case testimony.BackpressureDropNewest:
		select {
		case s.queue <- event:
			return nil
		default:
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, testimony.ErrEventDropped)
		}
	case testimony.BackpressureDropOldest:
		select {
		case s.queue <- event:
			return nil
		default:
		}
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- event:
			return nil
		default:
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, testimony.ErrEventDropped)
		}
	case testimony.BackpressureBlock:
		select {
		case s.queue <- event:
			return nil
		case <-s.done:
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, testimony.ErrSubscriptionClosed)
		case <-ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, ctx.Err())
		}
	default:
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, testimony.ErrInvalidSubscription)
	}
}

// close signals senders, waits them out, and closes the queue exactly once.
func (s *busSubscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		s.closed = true
		s.sendMu.Unlock()
		close(s.queue)
	})
}
