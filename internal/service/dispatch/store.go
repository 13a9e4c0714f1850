package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/ifuryst/crosspost/internal/models"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrTargetTerminal     = errors.New("target already in a terminal state")
	ErrAlreadyDispatching = errors.New("publication is already being dispatched")
)

// Store is the persistence the dispatch core needs. Implementations must be safe for
// concurrent use, with every call running in its own session.
type Store interface {
	Ping(ctx context.Context) error

	// ListDuePublications returns Scheduled publications with scheduled_at <= now, oldest first.
	ListDuePublications(ctx context.Context, now time.Time, limit int) ([]models.Publication, error)
	// ListStalePublishing returns Publishing publications last updated before the given time.
	ListStalePublishing(ctx context.Context, before time.Time) ([]models.Publication, error)
	GetPublication(ctx context.Context, id uint) (*models.Publication, error)
	// UpdatePublicationStatus persists Status, ScheduledAt and PublishedAt of pub.
	UpdatePublicationStatus(ctx context.Context, pub *models.Publication) error

	ListTargets(ctx context.Context, publicationID uint) ([]models.PublicationTarget, error)
	// ClaimTarget moves a target from Scheduled to Publishing as one compare-and-set.
	// It reports false when the row is not Scheduled: another executor owns it or it has settled.
	ClaimTarget(ctx context.Context, id uint) (bool, error)
	// SaveTarget persists the mutable state of a target. It returns ErrTargetTerminal
	// when the stored row is already Published or Failed.
	SaveTarget(ctx context.Context, target *models.PublicationTarget) error

	GetChannel(ctx context.Context, id uint) (*models.Channel, error)
}
