package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/models"
)

// Mode is how one entrypoint runs a publication's targets.
type Mode struct {
	Name string
	// MaxConcurrentTargets is 1 for strictly serial execution. Values <= 0 mean unbounded.
	MaxConcurrentTargets int
	Retry                RetryMode
}

type Options struct {
	// Concurrency caps publications in dispatch at the same time.
	Concurrency       int
	Deadline          time.Duration
	Scheduled         Mode
	Immediate         Mode
	Policy            RetryPolicy
	AggregateAttempts int
	AggregateDelay    time.Duration
	Observer          Observer
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Concurrency: cfg.Dispatch.Concurrency,
		Deadline:    cfg.Dispatch.DeadlineDuration(),
		Scheduled: Mode{
			Name:                 "scheduled",
			MaxConcurrentTargets: cfg.Dispatch.ScheduledTargetConcurrency,
			Retry:                RetryMode(cfg.Dispatch.ScheduledRetryMode),
		},
		Immediate: Mode{
			Name:                 "immediate",
			MaxConcurrentTargets: cfg.Dispatch.ImmediateTargetConcurrency,
			Retry:                RetryMode(cfg.Dispatch.ImmediateRetryMode),
		},
		Policy:            NewRetryPolicy(cfg.Retry),
		AggregateAttempts: cfg.Dispatch.AggregateAttempts,
		AggregateDelay:    cfg.Dispatch.AggregateDelayDuration(),
	}
}

// Coordinator owns the global dispatch gate and fans a publication out to the executor.
type Coordinator struct {
	store      Store
	executor   *Executor
	aggregator *Aggregator
	observer   Observer
	logger     *zap.Logger

	sem       *semaphore.Weighted
	deadline  time.Duration
	scheduled Mode
	immediate Mode

	mu       sync.Mutex
	inflight map[uint]struct{}

	active atomic.Int64
	peak   atomic.Int64
}

func NewCoordinator(store Store, resolver Resolver, opts Options, logger *zap.Logger) *Coordinator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 5 * time.Minute
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	return &Coordinator{
		store:      store,
		executor:   NewExecutor(store, resolver, opts.Policy, observer, logger),
		aggregator: NewAggregator(store, opts.AggregateAttempts, opts.AggregateDelay, logger),
		observer:   observer,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(opts.Concurrency)),
		deadline:   opts.Deadline,
		scheduled:  opts.Scheduled,
		immediate:  opts.Immediate,
		inflight:   make(map[uint]struct{}),
	}
}

// DispatchDue is the scheduler tick entrypoint.
func (c *Coordinator) DispatchDue(ctx context.Context, publicationID uint) error {
	return c.dispatch(ctx, publicationID, c.scheduled)
}

// DispatchNow is the publish-now entrypoint.
func (c *Coordinator) DispatchNow(ctx context.Context, publicationID uint) error {
	return c.dispatch(ctx, publicationID, c.immediate)
}

// ActiveDispatches is the number of publications currently holding a dispatch permit.
func (c *Coordinator) ActiveDispatches() int {
	return int(c.active.Load())
}

// PeakDispatches is the highest ActiveDispatches value observed.
func (c *Coordinator) PeakDispatches() int {
	return int(c.peak.Load())
}

func (c *Coordinator) dispatch(ctx context.Context, publicationID uint, mode Mode) error {
	if !c.claim(publicationID) {
		return fmt.Errorf("publication %d: %w", publicationID, ErrAlreadyDispatching)
	}
	defer c.unclaim(publicationID)

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire dispatch permit: %w", err)
	}
	defer c.sem.Release(1)

	c.enter()
	defer c.active.Add(-1)

	log := c.logger.With(
		zap.String("run_id", uuid.NewString()),
		zap.Uint("publication_id", publicationID),
		zap.String("mode", mode.Name),
	)

	groupCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	pub, err := c.store.GetPublication(groupCtx, publicationID)
	if err != nil {
		return fmt.Errorf("load publication %d: %w", publicationID, err)
	}
	if pub.Status == models.PublicationStatusPublished {
		log.Info("Publication already published, nothing to do")
		return nil
	}

	pub.Status = models.PublicationStatusPublishing
	if err := c.store.UpdatePublicationStatus(groupCtx, pub); err != nil {
		return fmt.Errorf("mark publication %d publishing: %w", publicationID, err)
	}

	targets, err := c.store.ListTargets(groupCtx, publicationID)
	if err != nil {
		log.Error("Failed to list targets", zap.Error(err))
	}

	log.Info("Dispatching publication",
		zap.Int("targets", len(targets)),
		zap.Int("max_concurrent_targets", mode.MaxConcurrentTargets))
	started := time.Now()

	c.fanOut(groupCtx, pub, targets, mode)

	// Aggregation must finish even if the group deadline has passed.
	aggCtx, aggCancel := context.WithTimeout(context.WithoutCancel(ctx), c.aggregationBudget())
	defer aggCancel()

	settled, err := c.aggregator.Reconcile(aggCtx, pub)
	if err != nil {
		log.Error("Failed to aggregate publication status", zap.Error(err))
		return err
	}

	log.Info("Dispatch finished",
		zap.String("status", string(pub.Status)),
		zap.Duration("elapsed", time.Since(started)))
	if pub.Status != models.PublicationStatusPublishing {
		c.observer.PublicationFinished(aggCtx, *pub, settled)
	}
	return nil
}

func (c *Coordinator) fanOut(ctx context.Context, pub *models.Publication, targets []models.PublicationTarget, mode Mode) {
	limit := mode.MaxConcurrentTargets
	if limit <= 0 {
		limit = -1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i := range targets {
		target := targets[i]
		snapshot := *pub
		g.Go(func() error {
			c.executor.Execute(ctx, &snapshot, &target, mode.Retry)
			return nil
		})
	}
	_ = g.Wait()
}

// ReconcileStale recovers publications left in Publishing by a crashed process: their
// Publishing targets are re-armed and the publication is aggregated again.
func (c *Coordinator) ReconcileStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	pubs, err := c.store.ListStalePublishing(ctx, time.Now().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("list stale publications: %w", err)
	}

	recovered := 0
	for i := range pubs {
		pub := pubs[i]
		if !c.claim(pub.ID) {
			continue
		}
		err := c.reconcileOne(ctx, &pub)
		c.unclaim(pub.ID)
		if err != nil {
			c.logger.Error("Failed to reconcile stale publication", zap.Uint("publication_id", pub.ID), zap.Error(err))
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (c *Coordinator) reconcileOne(ctx context.Context, pub *models.Publication) error {
	targets, err := c.store.ListTargets(ctx, pub.ID)
	if err != nil {
		return err
	}
	for i := range targets {
		if targets[i].Status != models.TargetStatusPublishing {
			continue
		}
		targets[i].Status = models.TargetStatusScheduled
		targets[i].NextAttemptAt = nil
		if err := c.store.SaveTarget(ctx, &targets[i]); err != nil {
			return fmt.Errorf("re-arm target %d: %w", targets[i].ID, err)
		}
	}

	if _, err := c.aggregator.Reconcile(ctx, pub); err != nil {
		return err
	}
	c.logger.Info("Recovered stale publication",
		zap.Uint("publication_id", pub.ID),
		zap.String("status", string(pub.Status)))
	return nil
}

func (c *Coordinator) claim(id uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *Coordinator) unclaim(id uint) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

func (c *Coordinator) enter() {
	n := c.active.Add(1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (c *Coordinator) aggregationBudget() time.Duration {
	return time.Duration(c.aggregator.attempts)*c.aggregator.delay + persistTimeout
}
