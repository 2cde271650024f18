package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IdentityLink maps a chat-system user to a platform account.
// Among verified links both ids are unique, which makes the mapping one-to-one.
type IdentityLink struct {
	ID string `gorm:"primaryKey" json:"id"`
	// ChatUserID is the guild member id (a Discord snowflake).
	ChatUserID string `gorm:"type:text;not null;uniqueIndex:idx_links_chat_user,where:verified = true" json:"chat_user_id"`
	// PlatformUserID is the instance account id.
	PlatformUserID string    `gorm:"type:text;not null;uniqueIndex:idx_links_platform_user,where:verified = true" json:"platform_user_id"`
	LinkedAt       time.Time `json:"linked_at"`
	// Verified is set once the out-of-band handshake has completed.
	Verified bool `gorm:"not null;default:false" json:"verified"`
}

// BeforeCreate generates a UUID for the link if none is set.
func (l *IdentityLink) BeforeCreate(tx *gorm.DB) (err error) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	return
}

// Account statuses stored on PlatformUser.
const (
	AccountStatusNormal   = "normal"
	AccountStatusSilenced = "silenced"
)

// PlatformUser tracks per-account moderation history.
type PlatformUser struct {
	UserID        string `gorm:"primaryKey" json:"user_id"`
	AccountStatus string `gorm:"type:text;not null;default:'normal'" json:"account_status"`
	// WarningCount is the number of warnings delivered since the last escalation.
	WarningCount int       `gorm:"not null;default:0" json:"warning_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// WarningRecord ties a counted warning to the report that caused it, so a
// report re-run after a partial failure never counts twice.
type WarningRecord struct {
	ReportID  string `gorm:"primaryKey"`
	UserID    string `gorm:"type:text;not null;index"`
	CreatedAt time.Time
}
