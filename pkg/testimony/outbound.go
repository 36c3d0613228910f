package testimony

import (
	"context"
	"fmt"
)

// OutboundTarget addresses one conversation on one platform.
type OutboundTarget struct {
	// Platform selects the destination platform.
	Platform Platform
	// ConversationID is the platform-native conversation identifier.
	ConversationID string
}

// Validate checks outbound target coherence.
func (t OutboundTarget) Validate() error {
	if t.Platform == "" {
		return fmt.Errorf("%w: missing target platform", ErrInvalidOutboundRequest)
	}
	if t.ConversationID == "" {
		return fmt.Errorf("%w: missing target conversation id", ErrInvalidOutboundRequest)
	}

	return nil
}

// OutboundTargetFromEvent builds the reply target for one inbound event.
func OutboundTargetFromEvent(event *Event) (OutboundTarget, error) {
	if event == nil {
		return OutboundTarget{}, fmt.Errorf("%w: nil source event", ErrInvalidOutboundRequest)
	}

	target := OutboundTarget{
		Platform:       event.Platform,
		ConversationID: event.Conversation.ID,
	}
	if err := target.Validate(); err != nil {
		return OutboundTarget{}, err
	}

	return target, nil
}

// SendMessageRequest asks the platform driver to post one message.
type SendMessageRequest struct {
	// Target addresses the destination conversation.
	Target OutboundTarget
	// Text is the message body.
	Text string
	// ReplyToMessageID optionally threads the message under a parent message.
	ReplyToMessageID string
}

// Validate checks send-message request coherence.
func (r SendMessageRequest) Validate() error {
	if err := r.Target.Validate(); err != nil {
		return fmt.Errorf("send message request: %w", err)
	}
	if r.Text == "" {
		return fmt.Errorf("%w: send message request: empty text", ErrInvalidOutboundRequest)
	}

	return nil
}

// DeleteMessageRequest asks the platform driver to delete one message.
type DeleteMessageRequest struct {
	// Target addresses the conversation that holds the message.
	Target OutboundTarget
	// MessageID identifies the message to delete.
	MessageID string
}

// Validate checks delete-message request coherence.
func (r DeleteMessageRequest) Validate() error {
	if err := r.Target.Validate(); err != nil {
		return fmt.Errorf("delete message request: %w", err)
	}
	if r.MessageID == "" {
		return fmt.Errorf("%w: delete message request: missing message id", ErrInvalidOutboundRequest)
	}

	return nil
}

// SetReactionRequest asks the platform driver to set a reaction on one message.
type SetReactionRequest struct {
	// Target addresses the conversation that holds the message.
	Target OutboundTarget
	// MessageID identifies the message to react to.
	MessageID string
	// Emoji is the reaction token; empty clears the bot's reaction.
	Emoji string
}

// Validate checks set-reaction request coherence.
func (r SetReactionRequest) Validate() error {
	if err := r.Target.Validate(); err != nil {
		return fmt.Errorf("set reaction request: %w", err)
	}
	if r.MessageID == "" {
		return fmt.Errorf("%w: set reaction request: missing message id", ErrInvalidOutboundRequest)
	}

	return nil
}

// OutboundDispatcher sends module-originated actions back to the platform.
//
// Implementations validate requests before performing platform calls.
type OutboundDispatcher interface {
	// SendMessage posts one message and returns the created platform message id.
	SendMessage(ctx context.Context, request SendMessageRequest) (string, error)
	// DeleteMessage removes one message.
	DeleteMessage(ctx context.Context, request DeleteMessageRequest) error
	// SetReaction sets or clears the bot's reaction on one message.
	SetReaction(ctx context.Context, request SetReactionRequest) error
}
