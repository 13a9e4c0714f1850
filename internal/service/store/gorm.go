package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/dispatch"
)

var terminalTargetStatuses = []models.TargetStatus{
	models.TargetStatusPublished,
	models.TargetStatusFailed,
}

// GormStore is the database-backed Store. Each call opens its own session, so
// concurrent executors never share a statement or a tracked record.
type GormStore struct {
	db *gorm.DB
}

var _ dispatch.Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) session(ctx context.Context) *gorm.DB {
	return s.db.Session(&gorm.Session{NewDB: true}).WithContext(ctx)
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) ListDuePublications(ctx context.Context, now time.Time, limit int) ([]models.Publication, error) {
	var pubs []models.Publication
	err := s.session(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", models.PublicationStatusScheduled, now).
		Order("scheduled_at ASC, id ASC").
		Limit(limit).
		Find(&pubs).Error
	if err != nil {
		return nil, fmt.Errorf("query due publications: %w", err)
	}
	return pubs, nil
}

func (s *GormStore) ListStalePublishing(ctx context.Context, before time.Time) ([]models.Publication, error) {
	var pubs []models.Publication
	err := s.session(ctx).
		Where("status = ? AND updated_at < ?", models.PublicationStatusPublishing, before).
		Order("id ASC").
		Find(&pubs).Error
	if err != nil {
		return nil, fmt.Errorf("query stale publications: %w", err)
	}
	return pubs, nil
}

func (s *GormStore) GetPublication(ctx context.Context, id uint) (*models.Publication, error) {
	var pub models.Publication
	err := s.session(ctx).
		Preload("Media", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC, id ASC")
		}).
		First(&pub, id).Error
	if err != nil {
		return nil, notFound(err, "publication", id)
	}
	return &pub, nil
}

func (s *GormStore) UpdatePublicationStatus(ctx context.Context, pub *models.Publication) error {
	res := s.session(ctx).
		Model(&models.Publication{}).
		Where("id = ?", pub.ID).
		Updates(map[string]interface{}{
			"status":       pub.Status,
			"scheduled_at": pub.ScheduledAt,
			"published_at": pub.PublishedAt,
			"updated_at":   s.db.NowFunc(),
		})
	if res.Error != nil {
		return fmt.Errorf("update publication %d: %w", pub.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("publication %d: %w", pub.ID, dispatch.ErrNotFound)
	}
	return nil
}

func (s *GormStore) ListTargets(ctx context.Context, publicationID uint) ([]models.PublicationTarget, error) {
	var targets []models.PublicationTarget
	err := s.session(ctx).
		Where("publication_id = ?", publicationID).
		Order("id ASC").
		Find(&targets).Error
	if err != nil {
		return nil, fmt.Errorf("query targets of publication %d: %w", publicationID, err)
	}
	return targets, nil
}

func (s *GormStore) GetTarget(ctx context.Context, id uint) (*models.PublicationTarget, error) {
	var target models.PublicationTarget
	if err := s.session(ctx).First(&target, id).Error; err != nil {
		return nil, notFound(err, "target", id)
	}
	return &target, nil
}

// ClaimTarget is a conditional update from scheduled to publishing. Concurrent claimers,
// in this process or another one sharing the database, see at most one affected row.
func (s *GormStore) ClaimTarget(ctx context.Context, id uint) (bool, error) {
	res := s.session(ctx).
		Model(&models.PublicationTarget{}).
		Where("id = ? AND status = ?", id, models.TargetStatusScheduled).
		Updates(map[string]interface{}{
			"status":     models.TargetStatusPublishing,
			"updated_at": s.db.NowFunc(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim target %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SaveTarget is a conditional update: rows already Published or Failed are never touched.
func (s *GormStore) SaveTarget(ctx context.Context, target *models.PublicationTarget) error {
	res := s.session(ctx).
		Model(&models.PublicationTarget{}).
		Where("id = ? AND status NOT IN ?", target.ID, terminalTargetStatuses).
		Updates(map[string]interface{}{
			"status":          target.Status,
			"retry_count":     target.RetryCount,
			"last_error":      target.LastError,
			"published_at":    target.PublishedAt,
			"next_attempt_at": target.NextAttemptAt,
			"external_id":     target.ExternalID,
			"updated_at":      s.db.NowFunc(),
		})
	if res.Error != nil {
		return fmt.Errorf("update target %d: %w", target.ID, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.session(ctx).Model(&models.PublicationTarget{}).Where("id = ?", target.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("check target %d: %w", target.ID, err)
	}
	if count == 0 {
		return fmt.Errorf("target %d: %w", target.ID, dispatch.ErrNotFound)
	}
	return fmt.Errorf("target %d: %w", target.ID, dispatch.ErrTargetTerminal)
}

func (s *GormStore) GetChannel(ctx context.Context, id uint) (*models.Channel, error) {
	var channel models.Channel
	if err := s.session(ctx).First(&channel, id).Error; err != nil {
		return nil, notFound(err, "channel", id)
	}
	return &channel, nil
}

func notFound(err error, kind string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", kind, id, dispatch.ErrNotFound)
	}
	return fmt.Errorf("load %s %d: %w", kind, id, err)
}
