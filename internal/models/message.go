package models

import "time"

// Message is one external message. The (ConversationID, PlatformMessageID)
// pair is the idempotency key for the whole sync engine: re-delivery via a
// retried webhook or an overlapping poll window must hit the unique index
// and become a no-op. Rows are immutable once stored except for IsRead.
// Content is held sealed; decryption happens at read time.
type Message struct {
	ID                string `gorm:"primaryKey;size:36"`
	ConversationID    string `gorm:"size:36;not null;uniqueIndex:idx_conv_msg,priority:1"`
	PlatformMessageID string `gorm:"size:128;not null;uniqueIndex:idx_conv_msg,priority:2"`
	SenderID          string `gorm:"size:128"`
	Content           string `gorm:"type:text;not null"` // sealed
	IsOutgoing        bool   `gorm:"default:false;index"`
	IsRead            bool   `gorm:"default:false;index"`
	SentAt            time.Time
	CreatedAt         time.Time
}

// UsageLog records one row per successful outbound platform call, for
// auditing and rate-limit visibility.
type UsageLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	AccountID string `gorm:"size:36;not null;index"`
	Platform  string `gorm:"size:32;not null"`
	Operation string `gorm:"size:32;not null"`
	CreatedAt time.Time
}
