package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/service/dispatch"
)

// DueDispatcher is the part of the dispatch coordinator the scheduler drives.
type DueDispatcher interface {
	DispatchDue(ctx context.Context, publicationID uint) error
	ReconcileStale(ctx context.Context, staleAfter time.Duration) (int, error)
}

const pingTimeout = 5 * time.Second

// Scheduler discovers due publications on a fixed interval and dispatches them one at a time.
type Scheduler struct {
	config      *config.SchedulerConfig
	logger      *zap.Logger
	store       dispatch.Store
	dispatcher  DueDispatcher
	monitoring  *MonitoringService
	now         func() time.Time
	wait        func(ctx context.Context, d time.Duration) bool
	cancel      context.CancelFunc
	done        chan struct{}
	stopOnce    sync.Once
	startedOnce sync.Once
}

// NewScheduler builds a scheduler. monitoring may be nil.
func NewScheduler(cfg *config.SchedulerConfig, logger *zap.Logger, store dispatch.Store, dispatcher DueDispatcher, monitoring *MonitoringService) *Scheduler {
	return &Scheduler{
		config:     cfg,
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		monitoring: monitoring,
		now:        time.Now,
		wait:       sleepCtx,
		done:       make(chan struct{}),
	}
}

// Start launches the loop in the background. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	started := false
	s.startedOnce.Do(func() {
		started = true
		if !s.config.IsEnabled() {
			s.logger.Info("Scheduler is disabled")
			close(s.done)
			return
		}

		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel

		s.logger.Info("Starting scheduler",
			zap.Duration("poll_interval", s.config.PollEvery()),
			zap.Duration("error_cooldown", s.config.Cooldown()),
			zap.Int("batch_size", s.config.BatchSize))

		go s.run(runCtx)
	})
	if !started {
		return fmt.Errorf("scheduler already started")
	}
	return nil
}

// Stop cancels the loop, including any dispatch in progress, and waits for it to exit.
// Calling Stop before Start prevents a later Start.
func (s *Scheduler) Stop() {
	s.startedOnce.Do(func() { close(s.done) })
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	<-s.done
	s.logger.Info("Scheduler shutdown completed")
}

// Done is closed once the loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	if !s.awaitStore(ctx) {
		return
	}

	if s.config.ShouldReconcile() {
		n, err := s.dispatcher.ReconcileStale(ctx, s.config.StaleThreshold())
		if err != nil {
			s.logger.Error("Failed to reconcile stale publications", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("Reconciled stale publications", zap.Int("count", n))
		}
	}

	for {
		delay := s.config.PollEvery()
		if err := s.tick(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			delay = s.config.Cooldown()
			s.logger.Error("Scheduler tick failed, cooling down",
				zap.Error(err),
				zap.Duration("cooldown", delay))
			s.recordError("Scheduler tick failed", err)
		}
		if !s.wait(ctx, delay) {
			break
		}
	}
	s.logger.Info("Scheduler stopped")
}

// awaitStore probes the store until it answers or the attempts run out. Running out is not
// fatal: the loop continues degraded and the tick cooldown absorbs further failures.
// It returns false only when ctx is done.
func (s *Scheduler) awaitStore(ctx context.Context) bool {
	attempts := s.config.ReadinessAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := s.store.Ping(pingCtx)
		cancel()
		if err == nil {
			if attempt > 1 {
				s.logger.Info("Store is reachable", zap.Int("attempt", attempt))
			}
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		s.logger.Warn("Store not ready",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
		if attempt < attempts && !s.wait(ctx, s.config.ReadinessWait()) {
			return false
		}
	}

	s.logger.Error("Store still unreachable, continuing in degraded mode", zap.Int("attempts", attempts))
	return true
}

func (s *Scheduler) tick(ctx context.Context) error {
	start := s.now()
	pubs, err := s.store.ListDuePublications(ctx, start, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("list due publications: %w", err)
	}
	if len(pubs) == 0 {
		return nil
	}

	s.logger.Info("Dispatching due publications", zap.Int("count", len(pubs)))
	for _, pub := range pubs {
		if ctx.Err() != nil {
			return nil
		}
		s.dispatchOne(ctx, pub.ID)
	}
	s.logger.Info("Tick completed",
		zap.Int("count", len(pubs)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// dispatchOne never lets a failure or panic escape into the loop.
func (s *Scheduler) dispatchOne(ctx context.Context, publicationID uint) {
	log := s.logger.With(zap.Uint("publication_id", publicationID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("Dispatch panicked",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			s.recordError("Dispatch panicked", fmt.Errorf("%v", r), WithPublication(publicationID))
		}
	}()

	err := s.dispatcher.DispatchDue(ctx, publicationID)
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrAlreadyDispatching):
		log.Debug("Publication already in dispatch")
	case ctx.Err() != nil:
		log.Info("Dispatch interrupted by shutdown", zap.Error(err))
	default:
		log.Error("Dispatch failed", zap.Error(err))
		s.recordError("Dispatch failed", err, WithPublication(publicationID))
	}
}

func (s *Scheduler) recordError(title string, err error, options ...ErrorLogOption) {
	if s.monitoring == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if rerr := s.monitoring.RecordError(ctx, "ERROR", "scheduler", title, err.Error(), options...); rerr != nil {
		s.logger.Debug("Failed to record scheduler error", zap.Error(rerr))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
