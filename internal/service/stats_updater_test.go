package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
)

func TestStatsUpdater_UpdateStats(t *testing.T) {
	db := newTestDB(t)
	m := NewMonitoringService(db, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, db.Create(&models.PublicationTarget{
		PublicationID: 1, ChannelID: 1, ChannelType: models.ChannelTypeTelegram, Status: models.TargetStatusFailed, RetryCount: 2,
	}).Error)
	old := time.Now().UTC().AddDate(0, 0, -(retentionDays + 5))
	require.NoError(t, db.Create(&models.MetricsSample{MetricName: "stale", MetricType: "counter", Value: 1, Timestamp: old}).Error)

	u := NewStatsUpdater(m, zap.NewNop(), time.Hour)
	u.UpdateStats(ctx)

	stats, err := m.GetDispatchStats(ctx, 1)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Failed)
	assert.Equal(t, 2, stats[0].Retries)

	var count int64
	require.NoError(t, db.Model(&models.MetricsSample{}).Where("metric_name = ?", "stale").Count(&count).Error)
	assert.Zero(t, count)
}

func TestStatsUpdater_StopIsIdempotent(t *testing.T) {
	u := NewStatsUpdater(NewMonitoringService(newTestDB(t), zap.NewNop()), zap.NewNop(), time.Hour)
	u.Start(context.Background())
	u.Stop()
	u.Stop()
}
