package models

import (
	"time"
)

// DispatchStats holds daily delivery counters per channel type
type DispatchStats struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	Date           time.Time   `gorm:"uniqueIndex:idx_stats_date_type;not null" json:"date"`
	ChannelType    ChannelType `gorm:"uniqueIndex:idx_stats_date_type;size:50;not null" json:"channel_type"`
	TotalTargets   int         `gorm:"default:0" json:"total_targets"`
	Published      int         `gorm:"default:0" json:"published"`
	Failed         int         `gorm:"default:0" json:"failed"`
	Pending        int         `gorm:"default:0" json:"pending"`
	Retries        int         `gorm:"default:0" json:"retries"`
	LastSuccessAt  *time.Time  `json:"last_success_at"`
	LastFailureAt  *time.Time  `json:"last_failure_at"`
	ErrorCount     int         `gorm:"default:0" json:"error_count"`
	CreatedAt      time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// ErrorLog records a failed delivery attempt or an infrastructure problem
type ErrorLog struct {
	ID            uint        `gorm:"primaryKey" json:"id"`
	Level         string      `gorm:"size:20;not null;index" json:"level"`   // ERROR, WARN
	Source        string      `gorm:"size:100;not null;index" json:"source"` // dispatch, scheduler, publisher
	ChannelType   ChannelType `gorm:"size:50;index" json:"channel_type"`
	PublicationID *uint       `gorm:"index" json:"publication_id"`
	TargetID      *uint       `gorm:"index" json:"target_id"`
	Title         string      `gorm:"size:500;not null" json:"title"`
	Message       string      `gorm:"type:text;not null" json:"message"`
	Permanent     bool        `gorm:"default:false" json:"permanent"`
	Context       string      `gorm:"type:text" json:"context"`
	Resolved      bool        `gorm:"default:false;index" json:"resolved"`
	ResolvedAt    *time.Time  `json:"resolved_at"`
	CreatedAt     time.Time   `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// MetricsSample is one sampled metric value
type MetricsSample struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	MetricName string    `gorm:"size:100;not null;index" json:"metric_name"`
	MetricType string    `gorm:"size:50;not null" json:"metric_type"` // gauge, counter, histogram
	Value      float64   `gorm:"not null" json:"value"`
	Tags       string    `gorm:"type:text" json:"tags"`
	Timestamp  time.Time `gorm:"not null;index" json:"timestamp"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}
