package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/crypto"
	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/unpack"
	"github.com/gotd/td/tg"

	"testimony/pkg/testimony"
)

const defaultOutboundTimeout = 10 * time.Second

// outboundDispatcher adapts neutral outbound requests to Telegram RPC calls.
// Conversations resolve through the peer cache populated by inbound traffic.
type outboundDispatcher struct {
	logger     *slog.Logger
	peers      *peerCache
	raw        *tg.Client
	sender     *message.Sender
	rand       io.Reader
	rpcTimeout time.Duration
}

func newOutboundDispatcher(client *gotdtelegram.Client, peers *peerCache, logger *slog.Logger) *outboundDispatcher {
	raw := client.API()

	return &outboundDispatcher{
		logger:     logger,
		peers:      peers,
		raw:        raw,
		sender:     message.NewSender(raw),
		rand:       crypto.DefaultRand(),
		rpcTimeout: defaultOutboundTimeout,
	}
}

// SendMessage implements testimony.OutboundDispatcher.
func (d *outboundDispatcher) SendMessage(ctx context.Context, request testimony.SendMessageRequest) (string, error) {
	if err := request.Validate(); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	peer, err := d.peers.resolve(request.Target.ConversationID)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	sendRequest := &tg.MessagesSendMessageRequest{
		Peer:    peer,
		Message: request.Text,
	}
	if request.ReplyToMessageID != "" {
		replyID, err := parseMessageID(request.ReplyToMessageID)
		if err != nil {
			return "", fmt.Errorf("send message reply id %q: %w", request.ReplyToMessageID, err)
		}
		sendRequest.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: replyID}
	}

	randomID, err := crypto.RandInt64(d.rand)
	if err != nil {
		return "", fmt.Errorf("send message random id: %w", err)
	}
	sendRequest.RandomID = randomID

	rpcCtx, cancel := context.WithTimeout(ctx, d.rpcTimeout)
	defer cancel()

	updates, err := d.raw.MessagesSendMessage(rpcCtx, sendRequest)
	if err != nil {
		return "", fmt.Errorf("send message to %s: %w", request.Target.ConversationID, err)
	}

	messageID, err := unpack.MessageID(updates, nil)
	if err != nil {
		return "", fmt.Errorf("extract sent message id: %w", err)
	}
	d.logger.Debug("message sent",
		slog.String("conversation_id", request.Target.ConversationID),
		slog.Int("message_id", messageID),
	)

	return strconv.Itoa(messageID), nil
}

// DeleteMessage implements testimony.OutboundDispatcher.
func (d *outboundDispatcher) DeleteMessage(ctx context.Context, request testimony.DeleteMessageRequest) error {
	if err := request.Validate(); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	peer, err := d.peers.resolve(request.Target.ConversationID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	messageID, err := parseMessageID(request.MessageID)
	if err != nil {
		return fmt.Errorf("delete message id %q: %w", request.MessageID, err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, d.rpcTimeout)
	defer cancel()

	if _, err := d.sender.To(peer).Revoke().Messages(rpcCtx, messageID); err != nil {
		return fmt.Errorf("delete message %s: %w", request.MessageID, err)
	}

	return nil
}

// SetReaction implements testimony.OutboundDispatcher. An empty emoji clears
// the bot's reaction on the message.
func (d *outboundDispatcher) SetReaction(ctx context.Context, request testimony.SetReactionRequest) error {
	if err := request.Validate(); err != nil {
		return fmt.Errorf("set reaction: %w", err)
	}

	peer, err := d.peers.resolve(request.Target.ConversationID)
	if err != nil {
		return fmt.Errorf("set reaction: %w", err)
	}
	messageID, err := parseMessageID(request.MessageID)
	if err != nil {
		return fmt.Errorf("set reaction message id %q: %w", request.MessageID, err)
	}

	var reactions []tg.ReactionClass
	if request.Emoji != "" {
		reactions = []tg.ReactionClass{&tg.ReactionEmoji{Emoticon: request.Emoji}}
	}

	rpcCtx, cancel := context.WithTimeout(ctx, d.rpcTimeout)
	defer cancel()

	if _, err := d.sender.To(peer).Reaction(rpcCtx, messageID, reactions...); err != nil {
		return fmt.Errorf("set reaction on message %s: %w", request.MessageID, err)
	}

	return nil
}

func parseMessageID(raw string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid message id: %w", testimony.ErrInvalidOutboundRequest, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: invalid message id", testimony.ErrInvalidOutboundRequest)
	}

	return value, nil
}
