package testimony

import "errors"

var (
	// ErrInvalidEvent indicates that an event does not satisfy protocol invariants.
	ErrInvalidEvent = errors.New("testimony: invalid event")
	// ErrInvalidSubscription indicates that a subscription configuration is invalid.
	ErrInvalidSubscription = errors.New("testimony: invalid subscription")
	// ErrSubscriptionClosed indicates that a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("testimony: subscription closed")
	// ErrEventDropped indicates a non-blocking backpressure drop.
	ErrEventDropped = errors.New("testimony: event dropped due to backpressure")
	// ErrServiceAlreadyRegistered indicates duplicate service registration.
	ErrServiceAlreadyRegistered = errors.New("testimony: service already registered")
	// ErrServiceNotFound indicates a service lookup miss.
	ErrServiceNotFound = errors.New("testimony: service not found")
	// ErrModuleAlreadyRegistered indicates duplicate module registration.
	ErrModuleAlreadyRegistered = errors.New("testimony: module already registered")
	// ErrDriverAlreadyRegistered indicates duplicate driver registration.
	ErrDriverAlreadyRegistered = errors.New("testimony: driver already registered")
	// ErrInvalidOutboundRequest indicates a malformed outbound request envelope.
	ErrInvalidOutboundRequest = errors.New("testimony: invalid outbound request")
	// ErrDuplicateNamespace indicates a cache namespace name collision at startup.
	ErrDuplicateNamespace = errors.New("testimony: duplicate cache namespace")
	// ErrInvalidTTL indicates an explicitly supplied non-positive cache TTL.
	// Zero and negative durations are caller bugs and are never clamped.
	ErrInvalidTTL = errors.New("testimony: invalid cache ttl")
	// ErrNoStatements indicates that the statement pool is empty.
	ErrNoStatements = errors.New("testimony: no statements recorded")
)
