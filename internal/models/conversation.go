package models

import "time"

// Conversation is one external thread. A row is created lazily the first
// time a message references the (account, platform conversation) pair.
// UnreadCount is derived: it is recomputed from message rows on every
// write, never incremented blindly.
type Conversation struct {
	ID                     string    `gorm:"primaryKey;size:36" json:"id"`
	AccountID              string    `gorm:"size:36;not null;uniqueIndex:idx_account_conv,priority:1" json:"account_id"`
	PlatformConversationID string    `gorm:"size:128;not null;uniqueIndex:idx_account_conv,priority:2" json:"platform_conversation_id"`
	ParticipantID          string    `gorm:"size:128" json:"participant_id"`
	ParticipantName        string    `gorm:"size:256" json:"participant_name"`
	LastMessageAt          time.Time `json:"last_message_at"`
	UnreadCount            int       `gorm:"default:0" json:"unread_count"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}
