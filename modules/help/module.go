// Package help implements the /help command rendering the command catalog.
package help

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"testimony/pkg/testimony"
)

// Module replies to /help with the registered command surface.
type Module struct {
	logger   *slog.Logger
	outbound testimony.OutboundDispatcher
	catalog  testimony.CommandCatalog
}

// New creates the help module.
func New() *Module {
	return &Module{}
}

// Name implements testimony.Module.
func (m *Module) Name() string {
	return "help"
}

// Spec implements testimony.Module.
func (m *Module) Spec() testimony.ModuleSpec {
	return testimony.ModuleSpec{
		Commands: []testimony.CommandSpec{
			{Name: "help", Description: "List available commands."},
		},
		Handlers: []testimony.ModuleHandler{
			{
				Capability: testimony.Capability{
					Name:        "help-command",
					Description: "Replies with the command catalog.",
					Interest: testimony.InterestSet{
						Kinds:        []testimony.EventKind{testimony.EventKindCommandReceived},
						CommandNames: []string{"help"},
					},
				},
				Handle: m.handleHelp,
			},
		},
	}
}

// OnRegister implements testimony.Module.
func (m *Module) OnRegister(ctx context.Context, runtime testimony.ModuleRuntime) error {
	m.logger = runtime.Logger()

	outbound, err := testimony.ResolveAs[testimony.OutboundDispatcher](runtime.Services(), testimony.ServiceOutboundDispatcher)
	if err != nil {
		return fmt.Errorf("help module register: %w", err)
	}
	m.outbound = outbound

	catalog, err := testimony.ResolveAs[testimony.CommandCatalog](runtime.Services(), testimony.ServiceCommandCatalog)
	if err != nil {
		return fmt.Errorf("help module register: %w", err)
	}
	m.catalog = catalog

	return nil
}

// OnStart implements testimony.Module.
func (m *Module) OnStart(ctx context.Context) error {
	return nil
}

// OnShutdown implements testimony.Module.
func (m *Module) OnShutdown(ctx context.Context) error {
	return nil
}

func (m *Module) handleHelp(ctx context.Context, event *testimony.Event) error {
	target, err := testimony.OutboundTargetFromEvent(event)
	if err != nil {
		return fmt.Errorf("help reply: %w", err)
	}

	if _, err := m.outbound.SendMessage(ctx, testimony.SendMessageRequest{
		Target:           target,
		Text:             renderCatalog(m.catalog.Entries()),
		ReplyToMessageID: event.Message.ID,
	}); err != nil {
		return fmt.Errorf("help reply: %w", err)
	}

	return nil
}

// renderCatalog formats the command list, one command per line with its
// options indented underneath.
func renderCatalog(entries []testimony.CommandCatalogEntry) string {
	if len(entries) == 0 {
		return "No commands registered."
	}

	var builder strings.Builder
	builder.WriteString("Available commands:\n")
	for _, entry := range entries {
		builder.WriteString(testimony.CommandPrefix)
		builder.WriteString(entry.Spec.Name)
		if entry.Spec.Description != "" {
			builder.WriteString(" - ")
			builder.WriteString(entry.Spec.Description)
		}
		builder.WriteString("\n")
		for _, option := range entry.Spec.Options {
			builder.WriteString("  --")
			builder.WriteString(option.Name)
			if option.Alias != "" {
				builder.WriteString(" (-")
				builder.WriteString(option.Alias)
				builder.WriteString(")")
			}
			if option.Description != "" {
				builder.WriteString(": ")
				builder.WriteString(option.Description)
			}
			builder.WriteString("\n")
		}
	}

	return strings.TrimRight(builder.String(), "\n")
}
