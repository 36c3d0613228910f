package testimony

import (
	"context"
	"fmt"
	"strings"
)

// BackpressurePolicy selects the behavior when a subscription buffer is full.
type BackpressurePolicy string

const (
	// BackpressureDropNewest drops the incoming event when the buffer is full.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureDropOldest evicts the oldest buffered event to make room.
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
	// BackpressureBlock blocks publication until buffer space frees or ctx ends.
	BackpressureBlock BackpressurePolicy = "block"
)

// Validate checks that the policy is one of the supported values.
func (p BackpressurePolicy) Validate() error {
	switch p {
	case BackpressureDropNewest, BackpressureDropOldest, BackpressureBlock:
		return nil
	default:
		return fmt.Errorf("%w: unsupported backpressure policy %q", ErrInvalidSubscription, p)
	}
}

// SubscriptionSpec configures one event-bus subscription.
type SubscriptionSpec struct {
	// Name identifies the subscription in logs and diagnostics.
	Name string
	// Kinds restricts delivery; empty means all kinds.
	Kinds []EventKind
	// BufferSize is the bounded channel capacity. Must be positive.
	BufferSize int
	// Backpressure selects full-buffer behavior.
	Backpressure BackpressurePolicy
}

// Validate checks subscription spec coherence.
func (s SubscriptionSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidSubscription)
	}
	if s.BufferSize <= 0 {
		return fmt.Errorf("%w: buffer size must be positive, got %d", ErrInvalidSubscription, s.BufferSize)
	}
	if err := s.Backpressure.Validate(); err != nil {
		return err
	}

	return nil
}

// NewDefaultSubscriptionSpec returns the spec modules use unless they opt out.
func NewDefaultSubscriptionSpec(name string, kinds ...EventKind) SubscriptionSpec {
	return SubscriptionSpec{
		Name:         name,
		Kinds:        kinds,
		BufferSize:   64,
		Backpressure: BackpressureDropOldest,
	}
}

// Subscription is one live event stream handed to a consumer.
type Subscription interface {
	// Name returns the subscription name.
	Name() string
	// Events returns the receive channel. It is closed on Close or bus shutdown.
	Events() <-chan *Event
	// Close detaches the subscription and closes its channel.
	Close()
}

// EventBus distributes events to bounded, independently configured subscriptions.
type EventBus interface {
	// Subscribe attaches one consumer. Fails after shutdown.
	Subscribe(spec SubscriptionSpec) (Subscription, error)
	// Publish validates and distributes one event per each subscription's
	// backpressure policy. ErrEventDropped aggregates non-blocking drops.
	Publish(ctx context.Context, event *Event) error
	// Shutdown closes every subscription and rejects further publishes.
	Shutdown(ctx context.Context) error
}
