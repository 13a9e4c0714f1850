package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const retentionDays = 90

// StatsUpdater handles periodic statistics updates
type StatsUpdater struct {
	monitoringService *MonitoringService
	logger            *zap.Logger
	interval          time.Duration
	done              chan struct{}
	stopOnce          sync.Once
}

// NewStatsUpdater creates a new stats updater
func NewStatsUpdater(monitoringService *MonitoringService, logger *zap.Logger, interval time.Duration) *StatsUpdater {
	return &StatsUpdater{
		monitoringService: monitoringService,
		logger:            logger,
		interval:          interval,
		done:              make(chan struct{}),
	}
}

// Start begins the periodic stats update process
func (s *StatsUpdater) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("Starting stats updater", zap.Duration("interval", s.interval))
		for {
			select {
			case <-s.done:
				s.logger.Info("Stats updater stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Stats updater stopped due to context cancellation")
				return
			case <-ticker.C:
				s.UpdateStats(ctx)
			}
		}
	}()
}

// Stop stops the stats updater
func (s *StatsUpdater) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// UpdateStats rolls up today's dispatch statistics and prunes old monitoring data.
func (s *StatsUpdater) UpdateStats(ctx context.Context) {
	s.logger.Debug("Updating statistics")

	if err := s.monitoringService.UpdateDispatchStats(ctx); err != nil {
		s.logger.Error("Failed to update dispatch stats", zap.Error(err))
	}

	if err := s.monitoringService.CleanupOldData(ctx, retentionDays); err != nil {
		s.logger.Error("Failed to cleanup old data", zap.Error(err))
	}

	s.logger.Debug("Statistics updated successfully")
}
