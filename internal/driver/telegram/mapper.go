package telegram

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gotd/td/tg"

	"testimony/pkg/testimony"
)

// chatInfo describes one chat entity carried alongside an update batch.
type chatInfo struct {
	kind  testimony.ConversationType
	title string
	peer  tg.InputPeerClass
}

// updateEnvelope is one flattened update plus the entity context its batch
// carried. The entity maps may be nil for short updates.
type updateEnvelope struct {
	update     tg.UpdateClass
	occurredAt time.Time
	users      map[int64]*tg.User
	chats      map[int64]chatInfo
}

// flattenUpdates unwraps a gotd updates container into per-update envelopes.
// Unsupported containers are skipped rather than failed: the stream must
// survive whatever Telegram sends.
func flattenUpdates(updates tg.UpdatesClass, fallbackTime time.Time) []updateEnvelope {
	switch typed := updates.(type) {
	case *tg.Updates:
		return flattenBatch(typed.Updates, typed.Date, typed.Users, typed.Chats, fallbackTime)
	case *tg.UpdatesCombined:
		return flattenBatch(typed.Updates, typed.Date, typed.Users, typed.Chats, fallbackTime)
	case *tg.UpdateShort:
		return []updateEnvelope{{
			update:     typed.Update,
			occurredAt: unixTimeUTC(typed.Date, fallbackTime),
		}}
	case *tg.UpdateShortMessage:
		return []updateEnvelope{shortMessageEnvelope(typed, fallbackTime)}
	case *tg.UpdateShortChatMessage:
		return []updateEnvelope{shortChatMessageEnvelope(typed, fallbackTime)}
	default:
		return nil
	}
}

func flattenBatch(
	updates []tg.UpdateClass,
	date int,
	users []tg.UserClass,
	chats []tg.ChatClass,
	fallbackTime time.Time,
) []updateEnvelope {
	occurredAt := unixTimeUTC(date, fallbackTime)
	usersByID := indexUsers(users)
	chatsByID := indexChats(chats)

	batch := make([]updateEnvelope, 0, len(updates))
	for _, update := range updates {
		batch = append(batch, updateEnvelope{
			update:     update,
			occurredAt: occurredAt,
			users:      usersByID,
			chats:      chatsByID,
		})
	}

	return batch
}

// shortMessageEnvelope normalizes a private short message into the regular
// UpdateNewMessage shape so mapping has a single path.
func shortMessageEnvelope(update *tg.UpdateShortMessage, fallbackTime time.Time) updateEnvelope {
	message := &tg.Message{
		ID:      update.ID,
		PeerID:  &tg.PeerUser{UserID: update.UserID},
		Date:    update.Date,
		Message: update.Message,
		Out:     update.Out,
	}
	message.SetFromID(&tg.PeerUser{UserID: update.UserID})
	if replyTo, ok := update.GetReplyTo(); ok {
		message.SetReplyTo(replyTo)
	}

	return updateEnvelope{
		update:     &tg.UpdateNewMessage{Message: message, Pts: update.Pts, PtsCount: update.PtsCount},
		occurredAt: unixTimeUTC(update.Date, fallbackTime),
	}
}

func shortChatMessageEnvelope(update *tg.UpdateShortChatMessage, fallbackTime time.Time) updateEnvelope {
	message := &tg.Message{
		ID:      update.ID,
		PeerID:  &tg.PeerChat{ChatID: update.ChatID},
		Date:    update.Date,
		Message: update.Message,
		Out:     update.Out,
	}
	message.SetFromID(&tg.PeerUser{UserID: update.FromID})
	if replyTo, ok := update.GetReplyTo(); ok {
		message.SetReplyTo(replyTo)
	}

	return updateEnvelope{
		update:     &tg.UpdateNewMessage{Message: message, Pts: update.Pts, PtsCount: update.PtsCount},
		occurredAt: unixTimeUTC(update.Date, fallbackTime),
	}
}

func indexUsers(users []tg.UserClass) map[int64]*tg.User {
	indexed := make(map[int64]*tg.User, len(users))
	for _, userClass := range users {
		if user, ok := userClass.(*tg.User); ok {
			indexed[user.ID] = user
		}
	}

	return indexed
}

func indexChats(chats []tg.ChatClass) map[int64]chatInfo {
	indexed := make(map[int64]chatInfo, len(chats))
	for _, chatClass := range chats {
		switch chat := chatClass.(type) {
		case *tg.Chat:
			indexed[chat.ID] = chatInfo{
				kind:  testimony.ConversationTypeGroup,
				title: chat.Title,
				peer:  &tg.InputPeerChat{ChatID: chat.ID},
			}
		case *tg.Channel:
			kind := testimony.ConversationTypeChannel
			if chat.Megagroup {
				kind = testimony.ConversationTypeGroup
			}
			indexed[chat.ID] = chatInfo{
				kind:  kind,
				title: chat.Title,
				peer:  &tg.InputPeerChannel{ChannelID: chat.ID, AccessHash: chat.AccessHash},
			}
		}
	}

	return indexed
}

// mapEnvelope converts one flattened update into neutral events. Most update
// classes map to zero events; a bot reaction update can map to several.
func mapEnvelope(envelope updateEnvelope) ([]*testimony.Event, error) {
	switch update := envelope.update.(type) {
	case *tg.UpdateNewMessage:
		return mapNewMessage(update.Message, envelope)
	case *tg.UpdateNewChannelMessage:
		return mapNewMessage(update.Message, envelope)
	case *tg.UpdateBotMessageReaction:
		return mapBotReaction(update, envelope)
	default:
		return nil, nil
	}
}

func mapNewMessage(messageClass tg.MessageClass, envelope updateEnvelope) ([]*testimony.Event, error) {
	message, ok := messageClass.(*tg.Message)
	if !ok {
		return nil, nil
	}
	// Outgoing copies of the bot's own sends must not loop back as input.
	if message.Out {
		return nil, nil
	}

	conversation := resolveConversation(message.PeerID, envelope)
	actor := resolveActor(message.FromID, envelope)
	if actor.ID == "" {
		actor = resolveActor(message.PeerID, envelope)
	}

	payload := &testimony.Message{
		ID:   strconv.Itoa(message.ID),
		Text: message.Message,
	}
	if replyTo, ok := message.GetReplyTo(); ok {
		if header, ok := replyTo.(*tg.MessageReplyHeader); ok {
			if parentID, ok := header.GetReplyToMsgID(); ok {
				payload.ReplyToID = strconv.Itoa(parentID)
			}
		}
	}

	occurredAt := unixTimeUTC(message.Date, envelope.occurredAt)

	return []*testimony.Event{{
		ID:           composeEventID("msg", conversation.ID, payload.ID),
		Kind:         testimony.EventKindMessageCreated,
		OccurredAt:   occurredAt,
		Platform:     testimony.PlatformTelegram,
		Conversation: conversation,
		Actor:        actor,
		Message:      payload,
	}}, nil
}

// mapBotReaction diffs the old and new reaction sets into add/remove events.
func mapBotReaction(update *tg.UpdateBotMessageReaction, envelope updateEnvelope) ([]*testimony.Event, error) {
	conversation := resolveConversation(update.Peer, envelope)
	actor := resolveActor(update.Actor, envelope)
	occurredAt := unixTimeUTC(update.Date, envelope.occurredAt)
	messageID := strconv.Itoa(update.MsgID)

	oldSet := reactionSet(update.OldReactions)
	newSet := reactionSet(update.NewReactions)

	events := make([]*testimony.Event, 0, 2)
	for emoji := range newSet {
		if _, existed := oldSet[emoji]; existed {
			continue
		}
		events = append(events, &testimony.Event{
			ID:           composeEventID("reaction-add", conversation.ID, messageID+":"+emoji),
			Kind:         testimony.EventKindReactionAdded,
			OccurredAt:   occurredAt,
			Platform:     testimony.PlatformTelegram,
			Conversation: conversation,
			Actor:        actor,
			Reaction: &testimony.Reaction{
				MessageID: messageID,
				Emoji:     emoji,
				Action:    testimony.ReactionActionAdd,
			},
		})
	}
	for emoji := range oldSet {
		if _, remains := newSet[emoji]; remains {
			continue
		}
		events = append(events, &testimony.Event{
			ID:           composeEventID("reaction-remove", conversation.ID, messageID+":"+emoji),
			Kind:         testimony.EventKindReactionRemoved,
			OccurredAt:   occurredAt,
			Platform:     testimony.PlatformTelegram,
			Conversation: conversation,
			Actor:        actor,
			Reaction: &testimony.Reaction{
				MessageID: messageID,
				Emoji:     emoji,
				Action:    testimony.ReactionActionRemove,
			},
		})
	}

	return events, nil
}

func reactionSet(reactions []tg.ReactionClass) map[string]struct{} {
	set := make(map[string]struct{}, len(reactions))
	for _, reaction := range reactions {
		if emoji, ok := reaction.(*tg.ReactionEmoji); ok && emoji.Emoticon != "" {
			set[emoji.Emoticon] = struct{}{}
		}
	}

	return set
}

func resolveConversation(peer tg.PeerClass, envelope updateEnvelope) testimony.Conversation {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		conversation := testimony.Conversation{
			ID:   formatPeerID(typed.UserID),
			Type: testimony.ConversationTypePrivate,
		}
		if user, exists := envelope.users[typed.UserID]; exists {
			conversation.Title = displayNameOf(user)
		}

		return conversation
	case *tg.PeerChat:
		conversation := testimony.Conversation{
			ID:   formatPeerID(typed.ChatID),
			Type: testimony.ConversationTypeGroup,
		}
		if chat, exists := envelope.chats[typed.ChatID]; exists {
			conversation.Title = chat.title
		}

		return conversation
	case *tg.PeerChannel:
		conversation := testimony.Conversation{
			ID:   formatPeerID(typed.ChannelID),
			Type: testimony.ConversationTypeChannel,
		}
		if chat, exists := envelope.chats[typed.ChannelID]; exists {
			conversation.Type = chat.kind
			conversation.Title = chat.title
		}

		return conversation
	default:
		return testimony.Conversation{}
	}
}

func resolveActor(peer tg.PeerClass, envelope updateEnvelope) testimony.Actor {
	user, ok := peer.(*tg.PeerUser)
	if !ok {
		return testimony.Actor{}
	}

	actor := testimony.Actor{ID: formatPeerID(user.UserID)}
	if entity, exists := envelope.users[user.UserID]; exists {
		actor.Username = entity.Username
		actor.DisplayName = displayNameOf(entity)
		actor.IsBot = entity.Bot
	}

	return actor
}

func displayNameOf(user *tg.User) string {
	if user.LastName == "" {
		return user.FirstName
	}
	if user.FirstName == "" {
		return user.LastName
	}

	return user.FirstName + " " + user.LastName
}

func composeEventID(kindToken, conversationID, payloadID string) string {
	return fmt.Sprintf("tg:%s:%s:%s", kindToken, conversationID, payloadID)
}

func formatPeerID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func unixTimeUTC(seconds int, fallback time.Time) time.Time {
	if seconds <= 0 {
		return fallback
	}

	return time.Unix(int64(seconds), 0).UTC()
}
