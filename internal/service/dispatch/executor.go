package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

const (
	msgTimeout  = "timeout"
	msgCanceled = "canceled"

	persistTimeout = 10 * time.Second
)

// Resolver is the part of the publisher registry the executor needs.
type Resolver interface {
	Resolve(channelType models.ChannelType) (publisher.Publisher, publisher.PublishConfig, error)
}

// Executor drives a single target through Scheduled -> Publishing -> {Published, Failed, Scheduled}.
type Executor struct {
	store    Store
	resolver Resolver
	policy   RetryPolicy
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

func NewExecutor(store Store, resolver Resolver, policy RetryPolicy, observer Observer, logger *zap.Logger) *Executor {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Executor{
		store:    store,
		resolver: resolver,
		policy:   policy,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

// Execute runs one attempt for target. ctx carries the dispatch group's deadline.
// Execute never panics and never returns an error; the outcome is persisted on the target.
func (e *Executor) Execute(ctx context.Context, pub *models.Publication, target *models.PublicationTarget, mode RetryMode) {
	log := e.logger.With(
		zap.Uint("publication_id", target.PublicationID),
		zap.Uint("target_id", target.ID),
		zap.String("channel_type", string(target.ChannelType)),
	)

	switch target.Status {
	case models.TargetStatusPublished, models.TargetStatusSkipped, models.TargetStatusFailed:
		log.Debug("Target already settled, skipping", zap.String("status", string(target.Status)))
		return
	case models.TargetStatusPublishing:
		log.Info("Target is being published by another dispatch, skipping")
		return
	}

	if e.policy.Exhausted(target.RetryCount) {
		target.Status = models.TargetStatusFailed
		target.LastError = MsgMaxRetriesExceeded
		target.NextAttemptAt = nil
		e.persist(ctx, log, target)
		e.observer.TargetFinished(context.WithoutCancel(ctx), *target, publisher.PermanentFailure(MsgMaxRetriesExceeded))
		return
	}

	if ctx.Err() != nil {
		// The group ran out of time before this target started; it stays Scheduled.
		log.Warn("Dispatch group ended before target started", zap.Error(ctx.Err()))
		return
	}

	claimed, err := e.store.ClaimTarget(ctx, target.ID)
	if err != nil {
		log.Error("Failed to claim target", zap.Error(err))
		return
	}
	if !claimed {
		log.Info("Target claimed by another dispatch or already settled, skipping")
		return
	}
	target.Status = models.TargetStatusPublishing

	result, expired := e.attempt(ctx, log, pub, target)
	if expired {
		// The group deadline is final for the target: counted like a transient failure, never re-armed.
		mode = FailFast
	}
	e.apply(target, result, mode)
	e.persist(ctx, log, target)

	if target.Status == models.TargetStatusPublished {
		log.Info("Target published", zap.String("external_id", target.ExternalID))
	} else {
		log.Warn("Target attempt failed",
			zap.String("status", string(target.Status)),
			zap.Int("retry_count", target.RetryCount),
			zap.Bool("permanent", result.IsPermanentError),
			zap.String("error", target.LastError))
	}
	e.observer.TargetFinished(context.WithoutCancel(ctx), *target, result)
}

// attempt resolves the publisher and runs it under the per-call timeout. expired reports
// that the dispatch group's deadline ended the call.
func (e *Executor) attempt(ctx context.Context, log *zap.Logger, pub *models.Publication, target *models.PublicationTarget) (publisher.PublishResult, bool) {
	p, cfg, err := e.resolver.Resolve(target.ChannelType)
	if err != nil {
		return publisher.PermanentFailure("%v", err), false
	}

	channel, err := e.store.GetChannel(ctx, target.ChannelID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return publisher.PermanentFailure("channel %d not found", target.ChannelID), false
		}
		return publisher.TransientFailure("load channel: %v", err), false
	}

	callCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	done := make(chan publisher.PublishResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Publisher panicked", zap.Any("panic", r), zap.Stack("stack"))
				done <- publisher.TransientFailure("publisher panic: %v", r)
			}
		}()
		done <- p.Publish(callCtx, target, pub, channel)
	}()

	if result, ok := awaitResult(callCtx, done); ok {
		return result, false
	}
	return e.interrupted(ctx)
}

// awaitResult waits for the publisher or the end of ctx. A success that is already
// delivered when ctx ends still wins.
func awaitResult(ctx context.Context, done <-chan publisher.PublishResult) (publisher.PublishResult, bool) {
	select {
	case result := <-done:
		if !result.Success && ctx.Err() != nil {
			return result, false
		}
		return result, true
	case <-ctx.Done():
		select {
		case result := <-done:
			if result.Success {
				return result, true
			}
		default:
		}
		return publisher.PublishResult{}, false
	}
}

// interrupted maps a context that ended mid-call to a transient result. expired is set
// when the group deadline, not the per-call timeout, ran out.
func (e *Executor) interrupted(group context.Context) (publisher.PublishResult, bool) {
	switch {
	case errors.Is(group.Err(), context.DeadlineExceeded):
		return publisher.TransientFailure(msgTimeout), true
	case errors.Is(group.Err(), context.Canceled):
		return publisher.TransientFailure(msgCanceled), false
	default:
		return publisher.TransientFailure(msgTimeout), false
	}
}

func (e *Executor) apply(target *models.PublicationTarget, result publisher.PublishResult, mode RetryMode) {
	applyResult(target, result, e.policy, mode, e.now())
}

// applyResult is the pure transition taken after an attempt.
func applyResult(target *models.PublicationTarget, result publisher.PublishResult, policy RetryPolicy, mode RetryMode, now time.Time) {
	msg := result.ErrorMsg
	if msg == "" {
		msg = "unknown error"
	}

	switch {
	case result.Success:
		target.Status = models.TargetStatusPublished
		target.PublishedAt = &now
		target.LastError = ""
		target.NextAttemptAt = nil
		target.ExternalID = result.PublishID
	case result.IsPermanentError:
		target.Status = models.TargetStatusFailed
		target.LastError = msg
		target.NextAttemptAt = nil
	default:
		target.RetryCount++
		switch {
		case mode == FailFast:
			target.Status = models.TargetStatusFailed
			target.LastError = msg
			target.NextAttemptAt = nil
		case policy.Exhausted(target.RetryCount):
			target.Status = models.TargetStatusFailed
			target.LastError = MsgMaxRetriesExceeded
			target.NextAttemptAt = nil
		default:
			next := now.Add(policy.Backoff(target.RetryCount))
			target.Status = models.TargetStatusScheduled
			target.LastError = msg
			target.NextAttemptAt = &next
		}
	}
}

// persist writes the final state even when the group context has already expired.
func (e *Executor) persist(ctx context.Context, log *zap.Logger, target *models.PublicationTarget) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := e.store.SaveTarget(writeCtx, target); err != nil {
		if errors.Is(err, ErrTargetTerminal) {
			log.Warn("Target already terminal, result dropped", zap.String("status", string(target.Status)))
			return
		}
		log.Error("Failed to persist target", zap.Error(fmt.Errorf("save target %d: %w", target.ID, err)))
	}
}
