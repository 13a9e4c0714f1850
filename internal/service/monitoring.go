package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

// MonitoringService persists error logs, metric samples and daily dispatch statistics.
// It also observes dispatch outcomes.
type MonitoringService struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewMonitoringService(db *gorm.DB, logger *zap.Logger) *MonitoringService {
	return &MonitoringService{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

func (m *MonitoringService) session(ctx context.Context) *gorm.DB {
	return m.db.Session(&gorm.Session{NewDB: true}).WithContext(ctx)
}

// RecordError stores an error log entry.
func (m *MonitoringService) RecordError(ctx context.Context, level, source, title, message string, options ...ErrorLogOption) error {
	errorLog := &models.ErrorLog{
		Level:   level,
		Source:  source,
		Title:   title,
		Message: message,
	}
	for _, option := range options {
		option(errorLog)
	}
	return m.session(ctx).Create(errorLog).Error
}

// ErrorLogOption sets an optional field of an error log entry.
type ErrorLogOption func(*models.ErrorLog)

func WithChannelType(channelType models.ChannelType) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.ChannelType = channelType
	}
}

func WithPublication(publicationID uint) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.PublicationID = &publicationID
	}
}

func WithTarget(targetID uint) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.TargetID = &targetID
	}
}

func WithPermanent(permanent bool) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.Permanent = permanent
	}
}

func WithContext(context map[string]interface{}) ErrorLogOption {
	return func(e *models.ErrorLog) {
		if contextBytes, err := json.Marshal(context); err == nil {
			e.Context = string(contextBytes)
		}
	}
}

// RecordMetric stores one metric sample.
func (m *MonitoringService) RecordMetric(ctx context.Context, name, metricType string, value float64, tags map[string]interface{}) error {
	var tagsJSON string
	if tags != nil {
		if tagsBytes, err := json.Marshal(tags); err == nil {
			tagsJSON = string(tagsBytes)
		}
	}

	metric := &models.MetricsSample{
		MetricName: name,
		MetricType: metricType,
		Value:      value,
		Tags:       tagsJSON,
		Timestamp:  m.now(),
	}
	return m.session(ctx).Create(metric).Error
}

// TargetFinished records the outcome of one delivery attempt.
func (m *MonitoringService) TargetFinished(ctx context.Context, target models.PublicationTarget, result publisher.PublishResult) {
	tags := map[string]interface{}{
		"channel_type":   target.ChannelType,
		"publication_id": target.PublicationID,
		"target_id":      target.ID,
	}

	name := "publish_success"
	if !result.Success {
		name = "publish_failure"
	}
	if err := m.RecordMetric(ctx, name, "counter", 1, tags); err != nil {
		m.logger.Warn("Failed to record publish metric", zap.Error(err))
	}
	if result.Success {
		return
	}

	level := "WARN"
	if target.Status == models.TargetStatusFailed {
		level = "ERROR"
	}
	err := m.RecordError(ctx, level, "dispatch",
		fmt.Sprintf("Delivery to %s failed", target.ChannelType),
		target.LastError,
		WithChannelType(target.ChannelType),
		WithPublication(target.PublicationID),
		WithTarget(target.ID),
		WithPermanent(result.IsPermanentError),
		WithContext(map[string]interface{}{
			"status":      target.Status,
			"retry_count": target.RetryCount,
		}))
	if err != nil {
		m.logger.Warn("Failed to record delivery error", zap.Error(err))
	}
}

// PublicationFinished records the aggregate status a dispatch settled on.
func (m *MonitoringService) PublicationFinished(ctx context.Context, pub models.Publication, targets []models.PublicationTarget) {
	err := m.RecordMetric(ctx, "publication_"+string(pub.Status), "counter", 1, map[string]interface{}{
		"publication_id": pub.ID,
		"targets":        len(targets),
	})
	if err != nil {
		m.logger.Warn("Failed to record publication metric", zap.Error(err))
	}
}

type targetStatusCount struct {
	ChannelType models.ChannelType
	Status      models.TargetStatus
	Count       int
	Retries     int
}

// UpdateDispatchStats rolls today's target activity into one DispatchStats row per channel type.
func (m *MonitoringService) UpdateDispatchStats(ctx context.Context) error {
	today := m.now().UTC().Truncate(24 * time.Hour)
	db := m.session(ctx)

	var rows []targetStatusCount
	err := db.Model(&models.PublicationTarget{}).
		Select("channel_type, status, count(*) as count, coalesce(sum(retry_count), 0) as retries").
		Where("updated_at >= ?", today).
		Group("channel_type, status").
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to count targets: %w", err)
	}

	byType := make(map[models.ChannelType]*models.DispatchStats)
	for _, row := range rows {
		stats, ok := byType[row.ChannelType]
		if !ok {
			stats = &models.DispatchStats{Date: today, ChannelType: row.ChannelType}
			byType[row.ChannelType] = stats
		}
		stats.TotalTargets += row.Count
		stats.Retries += row.Retries
		switch row.Status {
		case models.TargetStatusPublished:
			stats.Published += row.Count
		case models.TargetStatusFailed:
			stats.Failed += row.Count
		case models.TargetStatusScheduled, models.TargetStatusPublishing:
			stats.Pending += row.Count
		}
	}

	for channelType, stats := range byType {
		var lastSuccess, lastFailure models.PublicationTarget
		db.Where("channel_type = ? AND status = ?", channelType, models.TargetStatusPublished).
			Order("published_at desc").Limit(1).Find(&lastSuccess)
		db.Where("channel_type = ? AND status = ?", channelType, models.TargetStatusFailed).
			Order("updated_at desc").Limit(1).Find(&lastFailure)
		if lastSuccess.ID != 0 {
			stats.LastSuccessAt = lastSuccess.PublishedAt
		}
		if lastFailure.ID != 0 {
			stats.LastFailureAt = &lastFailure.UpdatedAt
		}

		var errorCount int64
		db.Model(&models.ErrorLog{}).
			Where("channel_type = ? AND created_at >= ?", channelType, today).
			Count(&errorCount)
		stats.ErrorCount = int(errorCount)

		if err := m.saveStats(db, stats); err != nil {
			return err
		}
	}
	return nil
}

func (m *MonitoringService) saveStats(db *gorm.DB, stats *models.DispatchStats) error {
	var existing models.DispatchStats
	err := db.Where("date = ? AND channel_type = ?", stats.Date, stats.ChannelType).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Create(stats).Error
	}
	if err != nil {
		return err
	}

	return db.Model(&existing).Updates(map[string]interface{}{
		"total_targets":   stats.TotalTargets,
		"published":       stats.Published,
		"failed":          stats.Failed,
		"pending":         stats.Pending,
		"retries":         stats.Retries,
		"last_success_at": stats.LastSuccessAt,
		"last_failure_at": stats.LastFailureAt,
		"error_count":     stats.ErrorCount,
	}).Error
}

// GetRecentErrors returns the newest error logs first.
func (m *MonitoringService) GetRecentErrors(ctx context.Context, limit int) ([]models.ErrorLog, error) {
	var errorLogs []models.ErrorLog
	err := m.session(ctx).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&errorLogs).Error
	return errorLogs, err
}

// GetDispatchStats returns the daily statistics of the last days days.
func (m *MonitoringService) GetDispatchStats(ctx context.Context, days int) ([]models.DispatchStats, error) {
	var stats []models.DispatchStats
	startDate := m.now().UTC().AddDate(0, 0, -days).Truncate(24 * time.Hour)

	err := m.session(ctx).
		Where("date >= ?", startDate).
		Order("date desc, channel_type").
		Find(&stats).Error
	return stats, err
}

// CleanupOldData drops samples, statistics and resolved errors older than daysToKeep.
func (m *MonitoringService) CleanupOldData(ctx context.Context, daysToKeep int) error {
	cutoffDate := m.now().AddDate(0, 0, -daysToKeep)
	db := m.session(ctx)

	if err := db.Where("timestamp < ?", cutoffDate).Delete(&models.MetricsSample{}).Error; err != nil {
		return fmt.Errorf("failed to cleanup metrics samples: %w", err)
	}
	if err := db.Where("date < ?", cutoffDate).Delete(&models.DispatchStats{}).Error; err != nil {
		return fmt.Errorf("failed to cleanup dispatch stats: %w", err)
	}
	if err := db.Where("created_at < ? AND resolved = ?", cutoffDate, true).Delete(&models.ErrorLog{}).Error; err != nil {
		return fmt.Errorf("failed to cleanup resolved errors: %w", err)
	}
	return nil
}
