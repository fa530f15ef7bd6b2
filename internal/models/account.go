package models

import "time"

// Platform identifiers. Adapters are registered under these names.
const (
	PlatformSlack   = "slack"
	PlatformDiscord = "discord"
)

// ConnectedAccount links one Switchboard user to one external platform
// account. The credential is stored sealed; accounts are deactivated on
// disconnect, never deleted, so conversation history stays attributable.
type ConnectedAccount struct {
	ID             string `gorm:"primaryKey;size:36"`
	UserID         string `gorm:"size:64;not null;index"`
	Platform       string `gorm:"size:32;not null;index"`
	PlatformUserID string `gorm:"size:128;not null"`
	Credential     string `gorm:"type:text;not null"` // sealed bearer credential
	IsActive       bool   `gorm:"default:true;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
