package service

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Migrate(db))
	return db
}

func TestMonitoring_TargetFinishedRecordsFailure(t *testing.T) {
	db := newTestDB(t)
	m := NewMonitoringService(db, zap.NewNop())
	ctx := context.Background()

	failed := models.PublicationTarget{
		ID: 5, PublicationID: 2, ChannelType: models.ChannelTypeTelegram,
		Status: models.TargetStatusFailed, LastError: "chat not found", RetryCount: 0,
	}
	m.TargetFinished(ctx, failed, publisher.PermanentFailure("chat not found"))

	rearmed := models.PublicationTarget{
		ID: 6, PublicationID: 2, ChannelType: models.ChannelTypeWeChatOfficial,
		Status: models.TargetStatusScheduled, LastError: "timeout", RetryCount: 1,
	}
	m.TargetFinished(ctx, rearmed, publisher.TransientFailure("timeout"))

	var metrics []models.MetricsSample
	require.NoError(t, db.Order("id").Find(&metrics).Error)
	require.Len(t, metrics, 2)
	assert.Equal(t, "publish_failure", metrics[0].MetricName)
	assert.Contains(t, metrics[0].Tags, `"target_id":5`)

	errs, err := m.GetRecentErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, errs, 2)

	assert.Equal(t, "WARN", errs[0].Level)
	assert.False(t, errs[0].Permanent)
	assert.Equal(t, models.ChannelTypeWeChatOfficial, errs[0].ChannelType)
	assert.Contains(t, errs[0].Context, `"retry_count":1`)

	assert.Equal(t, "ERROR", errs[1].Level)
	assert.True(t, errs[1].Permanent)
	assert.Equal(t, "chat not found", errs[1].Message)
	require.NotNil(t, errs[1].TargetID)
	assert.Equal(t, uint(5), *errs[1].TargetID)
	require.NotNil(t, errs[1].PublicationID)
	assert.Equal(t, uint(2), *errs[1].PublicationID)
}

func TestMonitoring_SuccessRecordsMetricOnly(t *testing.T) {
	db := newTestDB(t)
	m := NewMonitoringService(db, zap.NewNop())
	ctx := context.Background()

	target := models.PublicationTarget{ID: 1, PublicationID: 1, ChannelType: models.ChannelTypeTelegram, Status: models.TargetStatusPublished}
	m.TargetFinished(ctx, target, publisher.Succeeded("101", nil))
	m.PublicationFinished(ctx, models.Publication{ID: 1, Status: models.PublicationStatusPublished}, []models.PublicationTarget{target})

	var names []string
	require.NoError(t, db.Model(&models.MetricsSample{}).Order("id").Pluck("metric_name", &names).Error)
	assert.Equal(t, []string{"publish_success", "publication_published"}, names)

	var errorCount int64
	require.NoError(t, db.Model(&models.ErrorLog{}).Count(&errorCount).Error)
	assert.Zero(t, errorCount)
}

func TestMonitoring_UpdateDispatchStats(t *testing.T) {
	db := newTestDB(t)
	m := NewMonitoringService(db, zap.NewNop())
	ctx := context.Background()

	publishedAt := time.Now().UTC()
	yesterday := time.Now().UTC().Add(-48 * time.Hour)
	targets := []models.PublicationTarget{
		{PublicationID: 1, ChannelID: 1, ChannelType: models.ChannelTypeTelegram, Status: models.TargetStatusPublished, PublishedAt: &publishedAt, RetryCount: 1},
		{PublicationID: 1, ChannelID: 2, ChannelType: models.ChannelTypeTelegram, Status: models.TargetStatusFailed, RetryCount: 3},
		{PublicationID: 2, ChannelID: 1, ChannelType: models.ChannelTypeTelegram, Status: models.TargetStatusScheduled},
		{PublicationID: 2, ChannelID: 3, ChannelType: models.ChannelTypeWeChatOfficial, Status: models.TargetStatusPublished, PublishedAt: &publishedAt},
		{PublicationID: 3, ChannelID: 3, ChannelType: models.ChannelTypeWeChatOfficial, Status: models.TargetStatusFailed, UpdatedAt: yesterday, CreatedAt: yesterday},
	}
	require.NoError(t, db.Create(&targets).Error)
	require.NoError(t, m.RecordError(ctx, "ERROR", "dispatch", "failed", "boom", WithChannelType(models.ChannelTypeTelegram)))

	require.NoError(t, m.UpdateDispatchStats(ctx))
	// a second run updates rows in place
	require.NoError(t, m.UpdateDispatchStats(ctx))

	stats, err := m.GetDispatchStats(ctx, 7)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	byType := map[models.ChannelType]models.DispatchStats{}
	for _, s := range stats {
		byType[s.ChannelType] = s
	}

	tg := byType[models.ChannelTypeTelegram]
	assert.Equal(t, 3, tg.TotalTargets)
	assert.Equal(t, 1, tg.Published)
	assert.Equal(t, 1, tg.Failed)
	assert.Equal(t, 1, tg.Pending)
	assert.Equal(t, 4, tg.Retries)
	assert.Equal(t, 1, tg.ErrorCount)
	assert.NotNil(t, tg.LastSuccessAt)
	assert.NotNil(t, tg.LastFailureAt)

	wc := byType[models.ChannelTypeWeChatOfficial]
	assert.Equal(t, 1, wc.TotalTargets)
	assert.Equal(t, 1, wc.Published)
	assert.Zero(t, wc.Failed)
	assert.Zero(t, wc.ErrorCount)
}

func TestMonitoring_CleanupOldData(t *testing.T) {
	db := newTestDB(t)
	m := NewMonitoringService(db, zap.NewNop())
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -100)
	require.NoError(t, db.Create(&models.MetricsSample{MetricName: "old", MetricType: "counter", Value: 1, Timestamp: old}).Error)
	require.NoError(t, m.RecordMetric(ctx, "fresh", "counter", 1, nil))
	require.NoError(t, db.Create(&models.ErrorLog{Level: "ERROR", Source: "dispatch", Title: "t", Message: "m", Resolved: true, CreatedAt: old}).Error)
	require.NoError(t, db.Create(&models.ErrorLog{Level: "ERROR", Source: "dispatch", Title: "t", Message: "m", CreatedAt: old}).Error)

	require.NoError(t, m.CleanupOldData(ctx, 90))

	var names []string
	require.NoError(t, db.Model(&models.MetricsSample{}).Pluck("metric_name", &names).Error)
	assert.Equal(t, []string{"fresh"}, names)

	var remaining []models.ErrorLog
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.False(t, remaining[0].Resolved)
}
