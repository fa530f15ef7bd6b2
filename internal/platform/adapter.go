// Package platform defines the contract every messaging platform
// integration must satisfy, the canonical entities adapters produce, and
// the tagged error taxonomy the sync engine consumes.
package platform

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// Adapter is the interface that platform-specific implementations must
// satisfy. Each adapter translates between one platform's API and the
// canonical message/conversation shape. Adapters never touch storage;
// they are pure API clients.
//
// An empty result set is success, not failure — a push-only platform
// legitimately returns nothing from FetchMessages.
type Adapter interface {
	// Platform returns the platform identifier this adapter serves.
	Platform() string

	// FetchMessages retrieves direct messages newer than since.
	FetchMessages(ctx context.Context, creds oauth2.TokenSource, since time.Time) ([]Message, error)

	// SendMessage delivers content to a conversation and returns the
	// canonical form of the message as the platform recorded it.
	SendMessage(ctx context.Context, creds oauth2.TokenSource, conversationID, content string) (*Message, error)

	// MarkAsRead advances the platform-side read cursor.
	MarkAsRead(ctx context.Context, creds oauth2.TokenSource, conversationID, messageID string) error

	// GetConversations lists the account's direct-message threads.
	GetConversations(ctx context.Context, creds oauth2.TokenSource) ([]Conversation, error)
}

// Message is the canonical platform-agnostic message shape.
type Message struct {
	PlatformConversationID string
	PlatformMessageID      string
	SenderID               string
	SenderName             string
	Content                string
	IsOutgoing             bool // sent by the connected account itself
	SentAt                 time.Time
}

// Conversation is the canonical platform-agnostic thread shape.
type Conversation struct {
	PlatformConversationID string
	ParticipantID          string
	ParticipantName        string
}
