package kernel

import (
	"log/slog"

	"testimony/pkg/testimony"
)

// moduleRuntime is the per-module view of kernel facilities handed to
// OnRegister.
type moduleRuntime struct {
	logger   *slog.Logger
	services *ServiceRegistry
}

// Logger returns the module-scoped structured logger.
func (r *moduleRuntime) Logger() *slog.Logger {
	return r.logger
}

// Services returns the shared service registry.
func (r *moduleRuntime) Services() testimony.ServiceRegistry {
	return r.services
}
