package models

import (
	"time"

	"gorm.io/gorm"
)

type ChannelType string

const (
	ChannelTypeTelegram       ChannelType = "telegram"
	ChannelTypeWeChatOfficial ChannelType = "wechat_official"
)

// Channel is a configured destination on an external platform.
type Channel struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	ProjectID uint        `gorm:"not null;index" json:"project_id"`
	Type      ChannelType `gorm:"size:50;not null;index" json:"type"`
	Name      string      `gorm:"size:100" json:"name"`
	// Platform-specific destination id (chat id, account id, ...).
	Address     string         `gorm:"size:255" json:"address"`
	Credentials string         `gorm:"type:text" json:"-"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}
