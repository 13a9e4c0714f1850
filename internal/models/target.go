package models

import (
	"time"
)

type TargetStatus string

const (
	TargetStatusScheduled  TargetStatus = "scheduled"
	TargetStatusPublishing TargetStatus = "publishing"
	TargetStatusPublished  TargetStatus = "published"
	TargetStatusFailed     TargetStatus = "failed"
	TargetStatusSkipped    TargetStatus = "skipped"
)

// IsTerminal reports whether no further status writes are allowed.
func (s TargetStatus) IsTerminal() bool {
	return s == TargetStatusPublished || s == TargetStatusFailed
}

// PublicationTarget is one (publication, channel) delivery with its own retry state.
type PublicationTarget struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	PublicationID uint         `gorm:"not null;index" json:"publication_id"`
	ChannelID     uint         `gorm:"not null;index" json:"channel_id"`
	ChannelType   ChannelType  `gorm:"size:50;not null" json:"channel_type"`
	Status        TargetStatus `gorm:"size:50;index;default:'scheduled'" json:"status"`
	RetryCount    int          `gorm:"not null;default:0" json:"retry_count"`
	LastError     string       `gorm:"type:text" json:"last_error,omitempty"`
	PublishedAt   *time.Time   `json:"published_at"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	ExternalID    string       `gorm:"size:255" json:"external_id,omitempty"`
	// Per-target overrides as an opaque JSON object, e.g. an alternate credential.
	Params    string    `gorm:"type:text" json:"params,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
