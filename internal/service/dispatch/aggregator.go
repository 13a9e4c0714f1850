package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
)

// Aggregate derives the publication status from its targets. stable is false while
// any target is still Publishing. Skipped targets count neither way.
func Aggregate(targets []models.PublicationTarget) (status models.PublicationStatus, stable bool) {
	if len(targets) == 0 {
		return models.PublicationStatusFailed, true
	}

	var published, failed, publishing, scheduled, skipped int
	for _, t := range targets {
		switch t.Status {
		case models.TargetStatusPublished:
			published++
		case models.TargetStatusFailed:
			failed++
		case models.TargetStatusPublishing:
			publishing++
		case models.TargetStatusScheduled:
			scheduled++
		case models.TargetStatusSkipped:
			skipped++
		}
	}

	switch {
	case publishing > 0:
		return models.PublicationStatusPublishing, false
	case failed > 0:
		return models.PublicationStatusFailed, true
	case published > 0 && published+skipped == len(targets):
		return models.PublicationStatusPublished, true
	case scheduled > 0:
		return models.PublicationStatusScheduled, true
	default:
		return models.PublicationStatusFailed, true
	}
}

// NextAttempt is the latest NextAttemptAt among re-armed targets, so that every one of
// them is due once the publication is selected again.
func NextAttempt(targets []models.PublicationTarget, now time.Time) time.Time {
	next := now
	for _, t := range targets {
		if t.Status == models.TargetStatusScheduled && t.NextAttemptAt != nil && t.NextAttemptAt.After(next) {
			next = *t.NextAttemptAt
		}
	}
	return next
}

// Aggregator re-reads targets until they settle, then commits the publication status.
type Aggregator struct {
	store    Store
	attempts int
	delay    time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewAggregator(store Store, attempts int, delay time.Duration, logger *zap.Logger) *Aggregator {
	if attempts < 1 {
		attempts = 1
	}
	return &Aggregator{
		store:    store,
		attempts: attempts,
		delay:    delay,
		logger:   logger,
		now:      time.Now,
	}
}

// Reconcile updates pub in place and in the store. It returns the targets it based the
// decision on.
func (a *Aggregator) Reconcile(ctx context.Context, pub *models.Publication) ([]models.PublicationTarget, error) {
	log := a.logger.With(zap.Uint("publication_id", pub.ID))

	var (
		targets []models.PublicationTarget
		status  models.PublicationStatus
		stable  bool
		lastErr error
		read    bool
	)

	for attempt := 1; attempt <= a.attempts; attempt++ {
		current, err := a.store.ListTargets(ctx, pub.ID)
		if err != nil {
			lastErr = err
			log.Warn("Failed to read targets for aggregation", zap.Int("attempt", attempt), zap.Error(err))
		} else {
			targets, read = current, true
			status, stable = Aggregate(targets)
			if stable {
				break
			}
			log.Debug("Targets not settled yet", zap.Int("attempt", attempt))
		}

		if attempt == a.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return targets, ctx.Err()
		case <-time.After(a.delay):
		}
	}

	if !read {
		return nil, fmt.Errorf("aggregate publication %d: %w", pub.ID, lastErr)
	}
	if !stable {
		// The publication is already Publishing; the dispatch that owns the remaining
		// targets commits the final status, so nothing is written here.
		log.Warn("Targets still publishing after aggregation budget", zap.Int("attempts", a.attempts))
		pub.Status = status
		return targets, nil
	}

	now := a.now()
	pub.Status = status
	switch status {
	case models.PublicationStatusPublished:
		pub.PublishedAt = &now
	case models.PublicationStatusScheduled:
		next := NextAttempt(targets, now)
		pub.ScheduledAt = &next
	}

	if err := a.store.UpdatePublicationStatus(ctx, pub); err != nil {
		return targets, fmt.Errorf("commit publication %d status: %w", pub.ID, err)
	}

	log.Info("Publication status aggregated",
		zap.String("status", string(status)),
		zap.Int("targets", len(targets)))
	return targets, nil
}
