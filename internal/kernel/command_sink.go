package kernel

import (
	"context"
	"fmt"
	"log/slog"

	"testimony/pkg/testimony"
)

// commandSink is the EventSink handed to drivers. It forwards every inbound
// event to the bus and derives a command.received event from each message that
// parses as a command and binds to a registered command spec.
//
// The original message event is always published first, so modules listening
// for plain messages (quiz answers) still see command-shaped text.
type commandSink struct {
	kernel *Kernel
	logger *slog.Logger
}

// Publish implements testimony.EventSink.
func (s *commandSink) Publish(ctx context.Context, event *testimony.Event) error {
	if err := s.kernel.bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("sink publish: %w", err)
	}

	derived, ok := s.deriveCommandEvent(event)
	if !ok {
		return nil
	}
	if err := s.kernel.bus.Publish(ctx, derived); err != nil {
		return fmt.Errorf("sink publish derived command %s: %w", derived.Command.Name, err)
	}

	return nil
}

// deriveCommandEvent builds the command.received companion for one message.
func (s *commandSink) deriveCommandEvent(event *testimony.Event) (*testimony.Event, bool) {
	if event == nil || event.Kind != testimony.EventKindMessageCreated || event.Message == nil {
		return nil, false
	}

	candidate, matched, err := testimony.ParseCommandCandidate(event.Message.Text)
	if !matched {
		return nil, false
	}
	if err != nil {
		s.logger.Debug("command candidate rejected",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)

		return nil, false
	}

	registration, exists := s.kernel.lookupCommand(candidate.Name)
	if !exists {
		return nil, false
	}

	invocation, err := testimony.BindCommand(candidate, registration.spec, event)
	if err != nil {
		s.logger.Debug("command binding failed",
			slog.String("command", candidate.Name),
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)

		return nil, false
	}

	derived := *event
	derived.ID = event.ID + ":cmd"
	derived.Kind = testimony.EventKindCommandReceived
	derived.Command = &invocation

	return &derived, true
}
