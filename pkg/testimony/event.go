package testimony

import (
	"fmt"
	"time"
)

// EventKind identifies a neutral domain event type.
type EventKind string

const (
	// EventKindMessageCreated is emitted when a new message is posted.
	EventKindMessageCreated EventKind = "message.created"
	// EventKindReactionAdded is emitted when a reaction is added to a message.
	EventKindReactionAdded EventKind = "reaction.added"
	// EventKindReactionRemoved is emitted when a reaction is removed from a message.
	EventKindReactionRemoved EventKind = "reaction.removed"
	// EventKindCommandReceived is derived by the kernel from a message that binds
	// to a registered command spec.
	EventKindCommandReceived EventKind = "command.received"
)

// Platform identifies an external chat platform source.
type Platform string

const (
	// PlatformTelegram is Telegram.
	PlatformTelegram Platform = "telegram"
)

// ConversationType identifies conversation scope.
type ConversationType string

const (
	// ConversationTypePrivate is a direct/private conversation.
	ConversationTypePrivate ConversationType = "private"
	// ConversationTypeGroup is a group conversation.
	ConversationTypeGroup ConversationType = "group"
	// ConversationTypeChannel is a channel-style conversation.
	ConversationTypeChannel ConversationType = "channel"
)

// Event is the neutral protocol envelope that the driver publishes and modules consume.
//
// Message, Reaction, and Command are optional payload branches selected by Kind.
type Event struct {
	// ID is a stable identifier for this event instance.
	ID string
	// Kind selects which payload branch is expected.
	Kind EventKind
	// OccurredAt is the source-platform timestamp for the event.
	OccurredAt time.Time
	// Platform identifies the upstream platform that produced the event.
	Platform Platform
	// Conversation identifies where the event happened.
	Conversation Conversation
	// Actor identifies who initiated the event when available.
	Actor Actor
	// Message carries message content for message events and command events.
	Message *Message
	// Reaction carries emoji reaction metadata for reaction events.
	Reaction *Reaction
	// Command carries the bound invocation for command events.
	Command *CommandInvocation
}

// Conversation identifies the neutral destination where an event occurred.
type Conversation struct {
	// ID is the stable conversation identifier on the source platform.
	ID string
	// Type describes the conversation scope.
	Type ConversationType
	// Title is a best-effort display label for the conversation.
	Title string
}

// Actor identifies the user/account that initiated an event.
type Actor struct {
	// ID is the stable actor identifier on the source platform.
	ID string
	// Username is the platform handle when available.
	Username string
	// DisplayName is the human-readable actor name.
	DisplayName string
	// IsBot reports whether the actor is an automated account.
	IsBot bool
}

// Message holds neutral message content.
type Message struct {
	// ID is the message identifier on the source platform.
	ID string
	// ReplyToID is the parent message identifier when this is a reply.
	ReplyToID string
	// Text is the normalized message text body.
	Text string
}

// ReactionAction identifies whether a reaction is being added or removed.
type ReactionAction string

const (
	// ReactionActionAdd indicates a reaction was added.
	ReactionActionAdd ReactionAction = "add"
	// ReactionActionRemove indicates a reaction was removed.
	ReactionActionRemove ReactionAction = "remove"
)

// Reaction holds neutral reaction/emoji metadata.
type Reaction struct {
	// MessageID identifies the message receiving the reaction mutation.
	MessageID string
	// Emoji is the normalized emoji token.
	Emoji string
	// Action identifies whether the emoji was added or removed.
	Action ReactionAction
}

// Validate checks event envelope and payload coherence.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}
	if e.Conversation.ID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidEvent)
	}

	switch e.Kind {
	case EventKindMessageCreated:
		if e.Message == nil {
			return fmt.Errorf("%w: message.created requires message payload", ErrInvalidEvent)
		}
	case EventKindReactionAdded, EventKindReactionRemoved:
		if e.Reaction == nil {
			return fmt.Errorf("%w: reaction event requires reaction payload", ErrInvalidEvent)
		}
	case EventKindCommandReceived:
		if e.Command == nil {
			return fmt.Errorf("%w: command event requires command payload", ErrInvalidEvent)
		}
		if e.Message == nil {
			return fmt.Errorf("%w: command event requires source message payload", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidEvent, e.Kind)
	}

	return nil
}
