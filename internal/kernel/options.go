package kernel

import (
	"log/slog"
	"time"
)

type config struct {
	logger            *slog.Logger
	handlerTimeout    time.Duration
	moduleHookTimeout time.Duration
	shutdownTimeout   time.Duration
}

func defaultConfig() config {
	return config{
		logger:            slog.Default(),
		handlerTimeout:    30 * time.Second,
		moduleHookTimeout: 10 * time.Second,
		shutdownTimeout:   15 * time.Second,
	}
}

// Option configures the kernel.
type Option func(*config)

// WithLogger sets the kernel logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(c *config) {
		if timeout > 0 {
			c.handlerTimeout = timeout
		}
	}
}

// WithModuleHookTimeout bounds OnRegister/OnStart/OnShutdown hooks.
func WithModuleHookTimeout(timeout time.Duration) Option {
	return func(c *config) {
		if timeout > 0 {
			c.moduleHookTimeout = timeout
		}
	}
}

// WithShutdownTimeout bounds the whole teardown sequence.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(c *config) {
		if timeout > 0 {
			c.shutdownTimeout = timeout
		}
	}
}
