package kernel

import (
	"fmt"
	"sync"

	"testimony/pkg/testimony"
)

// ServiceRegistry is the kernel's concurrency-safe service singleton store.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[testimony.ServiceKey]any
}

// NewServiceRegistry creates an empty service registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[testimony.ServiceKey]any),
	}
}

// Register stores a service singleton under key. Re-registration fails.
func (r *ServiceRegistry) Register(key testimony.ServiceKey, service any) error {
	if key == "" {
		return fmt.Errorf("register service: empty key")
	}
	if service == nil {
		return fmt.Errorf("register service %s: nil service", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[key]; exists {
		return fmt.Errorf("register service %s: %w", key, testimony.ErrServiceAlreadyRegistered)
	}
	r.services[key] = service

	return nil
}

// Resolve returns the service registered under key.
func (r *ServiceRegistry) Resolve(key testimony.ServiceKey) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	service, exists := r.services[key]
	if !exists {
		return nil, fmt.Errorf("resolve service %s: %w", key, testimony.ErrServiceNotFound)
	}

	return service, nil
}
