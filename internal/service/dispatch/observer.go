package dispatch

import (
	"context"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

// Observer is notified after each target attempt and after each publication is aggregated.
// Calls happen on dispatch goroutines and must not block for long.
type Observer interface {
	TargetFinished(ctx context.Context, target models.PublicationTarget, result publisher.PublishResult)
	PublicationFinished(ctx context.Context, pub models.Publication, targets []models.PublicationTarget)
}

type nopObserver struct{}

func (nopObserver) TargetFinished(context.Context, models.PublicationTarget, publisher.PublishResult) {
}

func (nopObserver) PublicationFinished(context.Context, models.Publication, []models.PublicationTarget) {
}
