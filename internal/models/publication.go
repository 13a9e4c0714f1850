package models

import (
	"time"

	"gorm.io/gorm"
)

type PublicationStatus string

const (
	PublicationStatusDraft      PublicationStatus = "draft"
	PublicationStatusScheduled  PublicationStatus = "scheduled"
	PublicationStatusPublishing PublicationStatus = "publishing"
	PublicationStatusPublished  PublicationStatus = "published"
	PublicationStatusFailed     PublicationStatus = "failed"
)

// Publication is a schedulable unit of content. Targets reference it by PublicationID;
// the publication itself holds no pointer back to them.
type Publication struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	ProjectID   uint              `gorm:"not null;index" json:"project_id"`
	Title       string            `gorm:"not null;size:500" json:"title"`
	Body        string            `gorm:"type:text" json:"body"`
	ScheduledAt *time.Time        `gorm:"index" json:"scheduled_at"`
	PublishedAt *time.Time        `json:"published_at"`
	Status      PublicationStatus `gorm:"size:50;index;default:'draft'" json:"status"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt    `gorm:"index" json:"-"`

	Media []MediaFile `gorm:"foreignKey:PublicationID" json:"media,omitempty"`
}

type MediaKind string

const (
	MediaKindImage    MediaKind = "image"
	MediaKindVideo    MediaKind = "video"
	MediaKindDocument MediaKind = "document"
)

// MediaFile is an opaque reference into the file store, attached to a publication.
type MediaFile struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	PublicationID uint      `gorm:"not null;index" json:"publication_id"`
	FileID        string    `gorm:"not null;size:255" json:"file_id"`
	FileName      string    `gorm:"size:255" json:"file_name"`
	MimeType      string    `gorm:"size:100" json:"mime_type"`
	Kind          MediaKind `gorm:"size:20;not null" json:"kind"`
	Position      int       `gorm:"default:0" json:"position"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// IsVisual reports whether the file can go into a photo/video group.
func (m MediaFile) IsVisual() bool {
	return m.Kind == MediaKindImage || m.Kind == MediaKindVideo
}
