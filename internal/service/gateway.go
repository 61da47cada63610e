package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"github.com/kursadbilgin/dispatch-core/internal/events"
	"github.com/kursadbilgin/dispatch-core/internal/observability"
	"github.com/kursadbilgin/dispatch-core/internal/queue"
	"github.com/kursadbilgin/dispatch-core/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	defaultLockTTL        = 10 * time.Second
	defaultLockWait       = 2 * time.Second
)

type GatewayConfig struct {
	IdempotencyTTL time.Duration
	// LockTTL bounds how long a crashed submitter can hold a key.
	LockTTL time.Duration
	// LockWait is how long a submission waits for a concurrent one with the same key.
	LockWait time.Duration
}

// Gateway accepts notification requests exactly once per (caller, idempotency key) and
// serves status, cancellation and dead-letter lookups.
type Gateway struct {
	stores    Stores
	queue     queue.PriorityQueue
	locker    Locker
	publisher events.Publisher
	cfg       GatewayConfig
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newJobID  func() (string, error)
	onEnqueue func()
}

func NewGateway(
	stores Stores,
	q queue.PriorityQueue,
	locker Locker,
	publisher events.Publisher,
	cfg GatewayConfig,
	logger *zap.Logger,
) (*Gateway, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaultLockWait
	}

	return &Gateway{
		stores:    stores,
		queue:     q,
		locker:    locker,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		newJobID:  domain.NewJobID,
	}, nil
}

func (g *Gateway) SetMetrics(metrics *observability.Metrics) {
	if g == nil {
		return
	}
	g.metrics = metrics
}

// OnEnqueue registers a hook run after every accepted submission, e.g. WorkerPool.Wake.
func (g *Gateway) OnEnqueue(fn func()) {
	g.onEnqueue = fn
}

// Submit validates and enqueues a request. A repeated key with the same request body replays
// the stored result; with a different body it fails with domain.ErrIdempotencyKeyReuse.
func (g *Gateway) Submit(ctx context.Context, callerID string, req domain.NotificationRequest) (*domain.SubmitResult, error) {
	callerID = strings.TrimSpace(callerID)
	req.Normalize()

	if callerID == "" {
		g.metrics.IncSubmission(req.Channel, observability.SubmissionRejected)
		return nil, fmt.Errorf("%w: caller id is required", domain.ErrValidation)
	}
	ctx = observability.WithCallerID(ctx, callerID)
	if err := req.Validate(); err != nil {
		g.metrics.IncSubmission(req.Channel, observability.SubmissionRejected)
		return nil, err
	}

	hash, err := req.RequestHash()
	if err != nil {
		return nil, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, g.cfg.LockWait)
	release, err := g.locker.Acquire(lockCtx, submissionLockKey(callerID, req.IdempotencyKey), g.cfg.LockTTL)
	if err != nil {
		timedOut := lockCtx.Err() != nil && ctx.Err() == nil
		cancel()
		if timedOut {
			g.metrics.IncSubmission(req.Channel, observability.SubmissionConflict)
			return nil, fmt.Errorf("%w: a submission with this idempotency key is in progress", domain.ErrConflict)
		}
		return nil, fmt.Errorf("failed to acquire submission lock: %w", err)
	}
	cancel()
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			observability.WithContextLogger(g.logger, ctx).Warn("failed to release submission lock",
				zap.String("idempotencyKey", req.IdempotencyKey),
				zap.Error(err),
			)
		}
	}()

	now := g.now().UTC()
	existing, err := g.stores.Idempotency.Get(ctx, callerID, req.IdempotencyKey)
	switch {
	case err == nil && !existing.Expired(now):
		return g.replay(existing, hash, req.Channel)
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("failed to load idempotency record: %w", err)
	}

	return g.accept(ctx, callerID, req, hash, now)
}

func (g *Gateway) replay(record *domain.IdempotencyRecord, hash string, channel domain.Channel) (*domain.SubmitResult, error) {
	if record.RequestHash != hash {
		g.metrics.IncSubmission(channel, observability.SubmissionRejected)
		return nil, domain.ErrIdempotencyKeyReuse
	}

	result, err := domain.DecodeSubmitResult(record.ResultBody)
	if err != nil {
		return nil, err
	}
	result.Replayed = true
	g.metrics.IncSubmission(channel, observability.SubmissionReplayed)
	return result, nil
}

func (g *Gateway) accept(
	ctx context.Context,
	callerID string,
	req domain.NotificationRequest,
	hash string,
	now time.Time,
) (*domain.SubmitResult, error) {
	jobID, err := g.newJobID()
	if err != nil {
		return nil, err
	}
	req.SubmittedAt = now

	result := domain.SubmitResult{JobID: jobID, Status: domain.StatusQueued}
	body, err := result.Encode()
	if err != nil {
		return nil, err
	}

	record := &domain.IdempotencyRecord{
		CallerID:     callerID,
		Key:          req.IdempotencyKey,
		RequestHash:  hash,
		JobID:        jobID,
		ResultStatus: domain.ResultPending,
		ResultBody:   body,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(g.cfg.IdempotencyTTL),
	}
	if err := g.stores.Idempotency.CreatePending(ctx, record); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			g.metrics.IncSubmission(req.Channel, observability.SubmissionConflict)
			return nil, fmt.Errorf("%w: idempotency key was claimed concurrently", domain.ErrConflict)
		}
		return nil, fmt.Errorf("failed to create idempotency record: %w", err)
	}

	job := &domain.Job{
		ID:             jobID,
		CallerID:       callerID,
		Request:        req,
		NextEligibleAt: now,
		EnqueuedAt:     now,
	}
	if err := g.stores.Jobs.Create(ctx, job); err != nil {
		g.rollback(ctx, job, false)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	status := &domain.DeliveryStatusRecord{
		JobID:          jobID,
		CallerID:       callerID,
		Channel:        req.Channel,
		Priority:       req.Priority,
		Status:         domain.StatusQueued,
		NextEligibleAt: &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := g.stores.Statuses.Create(ctx, status); err != nil {
		g.rollback(ctx, job, false)
		return nil, fmt.Errorf("failed to create status record: %w", err)
	}

	if err := g.queue.Enqueue(ctx, queue.MessageForJob(job), now); err != nil {
		g.rollback(ctx, job, true)
		if errors.Is(err, domain.ErrQueueSaturated) {
			g.metrics.IncSubmission(req.Channel, observability.SubmissionSaturated)
			observability.WithContextLogger(g.logger, ctx).Warn("submission rejected, queue saturated",
				zap.String("priority", req.Priority.String()),
			)
			return nil, err
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	g.metrics.IncSubmission(req.Channel, observability.SubmissionAccepted)
	observability.WithContextLogger(g.logger, ctx).Info("notification accepted",
		zap.String("jobId", jobID),
		zap.String("channel", req.Channel.String()),
		zap.String("priority", req.Priority.String()),
	)
	if g.onEnqueue != nil {
		g.onEnqueue()
	}

	return &result, nil
}

// rollback undoes a submission that was not enqueued so a retry with the same key starts over.
func (g *Gateway) rollback(ctx context.Context, job *domain.Job, withStatus bool) {
	ctx = context.WithoutCancel(ctx)
	logger := observability.WithContextLogger(g.logger, ctx).With(zap.String("jobId", job.ID))

	if withStatus {
		if err := g.stores.Statuses.Delete(ctx, job.ID); err != nil {
			logger.Error("rollback: failed to delete status record", zap.Error(err))
		}
	}
	if err := g.stores.Jobs.Delete(ctx, job.ID); err != nil {
		logger.Error("rollback: failed to delete job", zap.Error(err))
	}
	if err := g.stores.Idempotency.Delete(ctx, job.CallerID, job.Request.IdempotencyKey); err != nil {
		logger.Error("rollback: failed to delete idempotency record", zap.Error(err))
	}
}

// GetStatus returns the caller's delivery status record with its attempt history.
func (g *Gateway) GetStatus(ctx context.Context, callerID string, jobID string) (*domain.DeliveryStatusRecord, error) {
	record, err := g.stores.Statuses.Get(ctx, strings.TrimSpace(jobID))
	if err != nil {
		return nil, err
	}
	if record.CallerID != callerID {
		return nil, domain.ErrNotFound
	}
	return record, nil
}

// Cancel withdraws a job that no worker has claimed yet.
func (g *Gateway) Cancel(ctx context.Context, callerID string, jobID string) (*domain.DeliveryStatusRecord, error) {
	record, err := g.GetStatus(ctx, callerID, jobID)
	if err != nil {
		return nil, err
	}
	if record.Status != domain.StatusQueued {
		return nil, fmt.Errorf("%w: job is %s and can no longer be cancelled", domain.ErrConflict, record.Status)
	}

	now := g.now().UTC()
	err = g.stores.Statuses.Transition(ctx, record.JobID, repository.StatusChange{
		From: domain.StatusQueued,
		To:   domain.StatusCancelled,
		At:   now,
	})
	if errors.Is(err, domain.ErrConflict) {
		return nil, fmt.Errorf("%w: job was claimed before it could be cancelled", domain.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}

	ctx = observability.WithCallerID(ctx, callerID)
	logger := observability.WithContextLogger(g.logger, ctx).With(zap.String("jobId", record.JobID))

	msg := queue.Message{JobID: record.JobID, Channel: record.Channel, Priority: record.Priority}
	if removed, err := g.queue.Remove(ctx, msg); err != nil {
		logger.Warn("failed to remove cancelled job from queue", zap.Error(err))
	} else if !removed {
		// A worker holding the queue entry acks it once its claim is refused.
		logger.Info("cancelled job was not waiting in queue")
	}

	job, err := g.stores.Jobs.Get(ctx, record.JobID)
	if err != nil {
		logger.Warn("failed to load cancelled job", zap.Error(err))
	} else {
		body, err := domain.SubmitResult{JobID: job.ID, Status: domain.StatusCancelled}.Encode()
		if err != nil {
			return nil, err
		}
		if err := g.stores.Idempotency.Complete(ctx, callerID, job.Request.IdempotencyKey, domain.ResultFailed, body); err != nil {
			logger.Warn("failed to finalize idempotency record for cancelled job", zap.Error(err))
		}
	}

	publishEvent(ctx, g.publisher, logger, events.Event{
		Type:         events.TypeCancelled,
		JobID:        record.JobID,
		CallerID:     callerID,
		Channel:      record.Channel,
		Priority:     record.Priority,
		AttemptCount: record.AttemptCount,
		OccurredAt:   now,
	})
	logger.Info("notification cancelled")

	return g.stores.Statuses.Get(ctx, record.JobID)
}

func (g *Gateway) GetDeadLetter(ctx context.Context, jobID string) (*domain.DeadLetterEntry, error) {
	return g.stores.DeadLetters.Get(ctx, strings.TrimSpace(jobID))
}

func (g *Gateway) ListDeadLetters(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetterEntry, int64, error) {
	return g.stores.DeadLetters.List(ctx, params)
}

func (g *Gateway) QueueDepth(ctx context.Context) (queue.Depth, error) {
	return g.queue.Depth(ctx)
}

func submissionLockKey(callerID string, key string) string {
	return "submit:" + callerID + ":" + key
}
