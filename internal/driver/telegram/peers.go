package telegram

import (
	"fmt"
	"sync"

	"github.com/gotd/td/tg"

	"testimony/pkg/testimony"
)

// peerCache stores Telegram input peers discovered from inbound updates, so
// outbound dispatch can resolve neutral conversation ids back into the
// access-hashed peers Telegram RPC requires.
type peerCache struct {
	mu             sync.RWMutex
	byConversation map[string]tg.InputPeerClass
}

func newPeerCache() *peerCache {
	return &peerCache{
		byConversation: make(map[string]tg.InputPeerClass),
	}
}

func (c *peerCache) remember(conversationID string, peer tg.InputPeerClass) {
	if conversationID == "" || peer == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byConversation[conversationID] = cloneInputPeer(peer)
}

// rememberEnvelope ingests the entity lists attached to one update envelope.
func (c *peerCache) rememberEnvelope(envelope updateEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for userID, user := range envelope.users {
		if user == nil {
			continue
		}
		if peer := user.AsInputPeer(); peer != nil {
			c.byConversation[formatPeerID(userID)] = cloneInputPeer(peer)
		}
	}
	for chatID, chat := range envelope.chats {
		if chat.peer != nil {
			c.byConversation[formatPeerID(chatID)] = cloneInputPeer(chat.peer)
		}
	}
}

func (c *peerCache) resolve(conversationID string) (tg.InputPeerClass, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: empty conversation id", testimony.ErrInvalidOutboundRequest)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	peer, exists := c.byConversation[conversationID]
	if !exists {
		return nil, fmt.Errorf("resolve peer: conversation %s not seen yet", conversationID)
	}

	return cloneInputPeer(peer), nil
}

func cloneInputPeer(peer tg.InputPeerClass) tg.InputPeerClass {
	switch typed := peer.(type) {
	case *tg.InputPeerUser:
		clone := *typed
		return &clone
	case *tg.InputPeerChat:
		clone := *typed
		return &clone
	case *tg.InputPeerChannel:
		clone := *typed
		return &clone
	default:
		return peer
	}
}
