// Package events is the outbound fan-out layer: storage publishes typed
// events here and every live connection belonging to the owning user
// receives them. Delivery is best-effort; a slow or dead subscriber never
// blocks the write path that triggered the event.
package events

import (
	"log"
	"sync"
	"time"
)

// Event types emitted to live clients.
const (
	TypeNewMessage         = "new_message"
	TypeMessageStatus      = "message_status_update"
	TypeUnreadCount        = "unread_count_update"
	TypeConversationUpdate = "conversation_update"
)

// Event is one state-change notification for a single user.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// NewMessagePayload accompanies TypeNewMessage.
type NewMessagePayload struct {
	Message      any `json:"message"`
	Conversation any `json:"conversation,omitempty"`
}

// MessageStatusPayload accompanies TypeMessageStatus.
type MessageStatusPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"` // "read" or "delivered"
}

// UnreadCountPayload accompanies TypeUnreadCount.
type UnreadCountPayload struct {
	UnreadCounts map[string]int `json:"unread_counts"` // per platform
	TotalUnread  int            `json:"total_unread"`
}

// ConversationUpdatePayload accompanies TypeConversationUpdate.
type ConversationUpdatePayload struct {
	Conversation any `json:"conversation"`
}

// subscriberBuffer bounds each connection's pending events. Publish drops
// for a full buffer rather than blocking.
const subscriberBuffer = 32

// Hub routes events to the live connections of each user. Connections
// subscribe with a user ID and receive only that user's events.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{} // userID -> live subscriptions
}

// Subscription is one live connection's event feed.
type Subscription struct {
	userID string
	ch     chan Event
}

// C returns the subscription's receive channel. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a live connection for the user's events.
func (h *Hub) Subscribe(userID string) *Subscription {
	sub := &Subscription{userID: userID, ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*Subscription]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes the connection and closes its channel. Safe to call
// more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.userID]
	if !ok {
		return
	}
	if _, live := set[sub]; !live {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.userID)
	}
	close(sub.ch)
}

// Publish delivers the event to every live connection of the user, and to
// no one else. The event is stamped if the caller left Timestamp zero.
// Full subscriber buffers are skipped and logged.
func (h *Hub) Publish(userID string, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[userID] {
		select {
		case sub.ch <- evt:
		default:
			log.Printf("events: dropping %s for user %s (slow subscriber)", evt.Type, userID)
		}
	}
}

// Subscribers returns how many live connections the user has.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}
