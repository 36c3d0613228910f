package testimony

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// EventHandler processes one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// EventSink accepts driver-produced events for kernel distribution.
type EventSink interface {
	// Publish hands one event to the kernel. It never blocks on slow modules;
	// backpressure behavior is owned by each subscription.
	Publish(ctx context.Context, event *Event) error
}

// InterestSet declares which events one capability wants delivered.
//
// Empty slices mean "no constraint" for that dimension.
type InterestSet struct {
	// Kinds restricts delivery to the listed event kinds.
	Kinds []EventKind
	// CommandNames restricts command events to the listed command names.
	CommandNames []string
	// Emojis restricts reaction events to the listed emoji tokens.
	Emojis []string
}

// Matches reports whether one event satisfies the interest set.
func (s InterestSet) Matches(event *Event) bool {
	if event == nil {
		return false
	}

	if len(s.Kinds) > 0 {
		matched := false
		for _, kind := range s.Kinds {
			if event.Kind == kind {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(s.CommandNames) > 0 && event.Kind == EventKindCommandReceived {
		if event.Command == nil {
			return false
		}
		matched := false
		for _, name := range s.CommandNames {
			if strings.EqualFold(name, event.Command.Name) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(s.Emojis) > 0 && (event.Kind == EventKindReactionAdded || event.Kind == EventKindReactionRemoved) {
		if event.Reaction == nil {
			return false
		}
		matched := false
		for _, emoji := range s.Emojis {
			if emoji == event.Reaction.Emoji {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// Capability names one module behavior and its delivery interest.
type Capability struct {
	// Name uniquely identifies the capability within its module.
	Name string
	// Description describes capability behavior for diagnostics.
	Description string
	// Interest selects which events this capability receives.
	Interest InterestSet
}

// Validate checks capability coherence.
func (c Capability) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("validate capability: missing name")
	}

	return nil
}

// ModuleHandler binds one capability to its handler function.
type ModuleHandler struct {
	// Capability declares what this handler does and what it receives.
	Capability Capability
	// Handle processes each matching event.
	Handle EventHandler
}

// ModuleSpec declares a module's handlers and command registrations.
type ModuleSpec struct {
	// Handlers lists the module's capability-bound event handlers.
	Handlers []ModuleHandler
	// Commands lists command specs the kernel should bind for this module.
	Commands []CommandSpec
}

// Validate checks module spec coherence.
func (s ModuleSpec) Validate() error {
	seen := make(map[string]struct{}, len(s.Handlers))
	for index, handler := range s.Handlers {
		if err := handler.Capability.Validate(); err != nil {
			return fmt.Errorf("validate module spec handler[%d]: %w", index, err)
		}
		if handler.Handle == nil {
			return fmt.Errorf("validate module spec handler[%d]: nil handler", index)
		}

		name := strings.ToLower(handler.Capability.Name)
		if _, exists := seen[name]; exists {
			return fmt.Errorf("validate module spec: duplicate capability %q", handler.Capability.Name)
		}
		seen[name] = struct{}{}
	}

	for index, command := range s.Commands {
		if err := command.Validate(); err != nil {
			return fmt.Errorf("validate module spec command[%d]: %w", index, err)
		}
	}

	return nil
}

// ModuleRuntime is what the kernel hands each module during registration.
type ModuleRuntime interface {
	// Logger returns the shared structured logger.
	Logger() *slog.Logger
	// Services returns the shared service registry.
	Services() ServiceRegistry
}

// Module is one self-contained feature unit managed by the kernel.
type Module interface {
	// Name returns the stable module name.
	Name() string
	// Spec returns the module's declarative registration spec.
	Spec() ModuleSpec
	// OnRegister wires runtime dependencies. Called before OnStart.
	OnRegister(ctx context.Context, runtime ModuleRuntime) error
	// OnStart launches module background work, if any.
	OnStart(ctx context.Context) error
	// OnShutdown stops module background work and releases resources.
	OnShutdown(ctx context.Context) error
}

// Driver connects one external platform to the kernel.
type Driver interface {
	// Name returns the stable driver name.
	Name() string
	// Platform returns the platform this driver serves.
	Platform() Platform
	// Run connects to the platform and publishes inbound events to sink until
	// ctx is canceled.
	Run(ctx context.Context, sink EventSink) error
	// Outbound returns the dispatcher for module-originated actions.
	Outbound() OutboundDispatcher
}
