package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"github.com/kursadbilgin/dispatch-core/internal/events"
	"github.com/kursadbilgin/dispatch-core/internal/observability"
	"github.com/kursadbilgin/dispatch-core/internal/provider"
	"github.com/kursadbilgin/dispatch-core/internal/queue"
	"github.com/kursadbilgin/dispatch-core/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 60 * time.Second
	defaultJitter      = 0.2
)

// RetryPolicy bounds how often and how fast a failed job is attempted again.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Jitter is the relative spread applied to each delay, in [0, 1].
	Jitter float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		BackoffBase: defaultBackoffBase,
		BackoffCap:  defaultBackoffCap,
		Jitter:      defaultJitter,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = defaultBackoffBase
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = defaultBackoffCap
	}
	if p.BackoffCap < p.BackoffBase {
		p.BackoffCap = p.BackoffBase
	}
	p.Jitter = math.Min(math.Max(p.Jitter, 0), 1)
	return p
}

// RetryController decides what happens to a job after a failed adapter call: another
// attempt after a backoff delay, or the dead-letter store.
type RetryController struct {
	stores    Stores
	queue     queue.PriorityQueue
	publisher events.Publisher
	policy    RetryPolicy
	writes    ledgerWriter
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	randFloat func() float64
}

func NewRetryController(
	stores Stores,
	q queue.PriorityQueue,
	publisher events.Publisher,
	policy RetryPolicy,
	logger *zap.Logger,
) (*RetryController, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryController{
		stores:    stores,
		queue:     q,
		publisher: publisher,
		policy:    policy.normalized(),
		writes:    newLedgerWriter(logger),
		logger:    logger,
		now:       time.Now,
		randFloat: rand.Float64,
	}, nil
}

func (c *RetryController) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
}

func (c *RetryController) Policy() RetryPolicy {
	return c.policy
}

// Backoff returns the delay before the attempt that follows attempt n:
// min(base*2^(n-1), cap) spread by ±jitter and never above cap.
func (c *RetryController) Backoff(n int) time.Duration {
	n = max(n, 1)

	delay := c.policy.BackoffBase
	for i := 1; i < n && delay < c.policy.BackoffCap; i++ {
		delay *= 2
	}
	delay = min(delay, c.policy.BackoffCap)

	if c.policy.Jitter > 0 && c.randFloat != nil {
		spread := 1 + c.policy.Jitter*(2*c.randFloat()-1)
		delay = time.Duration(float64(delay) * spread)
	}

	return min(max(delay, 0), c.policy.BackoffCap)
}

// HandleFailure records a failed attempt made under owner's lease and routes the job.
// A lost lease means another worker owns the job now, so nothing else is touched.
// The write that counts the attempt also settles retry or dead letter, together with the retry time.
func (c *RetryController) HandleFailure(ctx context.Context, owner string, job *domain.Job, sendErr error) error {
	kind := provider.Classify(sendErr)
	errText := sendErr.Error()
	channel := job.Request.Channel
	now := c.now().UTC()

	attempt := domain.Attempt{
		JobID:       job.ID,
		Owner:       owner,
		At:          now,
		Outcome:     domain.StatusFailedPermanent,
		Error:       &errText,
		MaxAttempts: c.policy.MaxAttempts,
	}
	if kind.Retryable() {
		// job.AttemptCount is current while owner holds the lease.
		retryAt := now.Add(c.Backoff(job.AttemptCount + 1))
		attempt.Outcome = domain.StatusFailedRetryable
		attempt.RetryAt = &retryAt
	}
	c.metrics.IncAttemptFailed(channel, kind.String())

	var record *domain.DeliveryStatusRecord
	err := c.writes.do(ctx, "record failed attempt", func(ctx context.Context) error {
		var err error
		record, err = c.stores.Statuses.RecordAttempt(ctx, attempt)
		return err
	})
	if errors.Is(err, domain.ErrLeaseLost) {
		c.logger.Warn("lease lost before failure was recorded",
			zap.String("jobId", job.ID),
			zap.String("owner", owner),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	logger := c.logger.With(
		zap.String("jobId", job.ID),
		zap.String("channel", channel.String()),
		zap.Int("attemptCount", record.AttemptCount),
		zap.String("errorKind", kind.String()),
	)

	if !kind.Retryable() {
		logger.Warn("permanent delivery failure", zap.Error(sendErr))
		return c.deadLetter(ctx, job, record, domain.ReasonPermanentError, errText)
	}
	if record.Status == domain.StatusFailedPermanent {
		logger.Warn("retries exhausted", zap.Error(sendErr))
		return c.deadLetter(ctx, job, record, domain.ReasonRetryExhausted, errText)
	}

	return c.scheduleRetry(ctx, logger, job, record)
}

// ResumeDeadLetter finishes routing a job whose failed_permanent status was recorded but whose
// dead-letter entry, replay body or queue entry were not written.
func (c *RetryController) ResumeDeadLetter(ctx context.Context, job *domain.Job, record *domain.DeliveryStatusRecord) error {
	if record.Status != domain.StatusFailedPermanent {
		return fmt.Errorf("%w: job %s is %s", domain.ErrConflict, job.ID, record.Status)
	}

	reason := domain.ReasonPermanentError
	if record.AttemptCount >= c.policy.MaxAttempts {
		reason = domain.ReasonRetryExhausted
	}
	finalError := ""
	if record.LastError != nil {
		finalError = *record.LastError
	}

	c.logger.Warn("resuming interrupted dead-lettering",
		zap.String("jobId", job.ID),
		zap.Int("attemptCount", record.AttemptCount),
		zap.String("reason", reason.String()),
	)
	return c.deadLetter(ctx, job, record, reason, finalError)
}

func (c *RetryController) scheduleRetry(ctx context.Context, logger *zap.Logger, job *domain.Job, record *domain.DeliveryStatusRecord) error {
	now := c.now().UTC()
	next := now.Add(c.Backoff(record.AttemptCount))
	if record.NextEligibleAt != nil {
		next = *record.NextEligibleAt
	}

	err := c.writes.do(ctx, "requeue status", func(ctx context.Context) error {
		return c.stores.Statuses.Transition(ctx, job.ID, repository.StatusChange{
			From:           domain.StatusFailedRetryable,
			To:             domain.StatusQueued,
			At:             now,
			NextEligibleAt: &next,
		})
	})
	if errors.Is(err, domain.ErrConflict) {
		logger.Warn("status changed before retry was scheduled")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to move job back to queued: %w", err)
	}

	err = c.writes.do(ctx, "reschedule job", func(ctx context.Context) error {
		return c.stores.Jobs.Reschedule(ctx, job.ID, next)
	})
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}

	if err := c.queue.Requeue(ctx, queue.MessageForJob(job), next); err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	c.metrics.IncRetryScheduled(job.Request.Channel)
	logger.Info("retry scheduled",
		zap.Duration("delay", next.Sub(now)),
		zap.Time("nextEligibleAt", next),
	)
	return nil
}

// deadLetter parks the job for manual inspection. The stored replay result carries the
// reason only; adapter messages stay in the attempt history.
func (c *RetryController) deadLetter(
	ctx context.Context,
	job *domain.Job,
	record *domain.DeliveryStatusRecord,
	reason domain.DeadLetterReason,
	finalError string,
) error {
	failedAt := c.now().UTC()
	entry := &domain.DeadLetterEntry{
		JobID:          job.ID,
		CallerID:       job.CallerID,
		Request:        job.Request,
		AttemptCount:   record.AttemptCount,
		AttemptHistory: record.AttemptHistory,
		FinalError:     finalError,
		Reason:         reason,
		EnqueuedAt:     job.EnqueuedAt,
		FailedAt:       failedAt,
	}
	err := c.writes.do(ctx, "create dead letter", func(ctx context.Context) error {
		return c.stores.DeadLetters.Create(ctx, entry)
	})
	if err != nil {
		return fmt.Errorf("failed to create dead letter entry: %w", err)
	}

	body, err := domain.SubmitResult{
		JobID:  job.ID,
		Status: domain.StatusFailedPermanent,
		Error:  fmt.Sprintf("delivery failed: %s", reason),
	}.Encode()
	if err != nil {
		return err
	}
	finalizeIdempotency(ctx, c.writes, c.stores.Idempotency, c.logger, job, domain.ResultFailed, body)

	if err := c.finishJob(ctx, job); err != nil {
		return err
	}

	c.metrics.IncDeadLettered(job.Request.Channel, reason)
	publishEvent(ctx, c.publisher, c.logger, events.Event{
		Type:         events.TypeDeadLettered,
		JobID:        job.ID,
		CallerID:     job.CallerID,
		Channel:      job.Request.Channel,
		Priority:     job.Request.Priority,
		AttemptCount: record.AttemptCount,
		Reason:       reason,
		Error:        finalError,
		OccurredAt:   failedAt,
	})
	return nil
}

// finishJob drops the job row and the queue lease once the job reached a terminal status.
func (c *RetryController) finishJob(ctx context.Context, job *domain.Job) error {
	return finishJob(ctx, c.writes, c.stores.Jobs, c.queue, job)
}

func finishJob(ctx context.Context, writes ledgerWriter, jobs repository.JobRepository, q queue.PriorityQueue, job *domain.Job) error {
	err := writes.do(ctx, "delete job", func(ctx context.Context) error {
		return jobs.Delete(ctx, job.ID)
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if err := q.Ack(ctx, queue.MessageForJob(job)); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// finalizeIdempotency stores the replay body. A record that already expired is left alone.
func finalizeIdempotency(
	ctx context.Context,
	writes ledgerWriter,
	records repository.IdempotencyRepository,
	logger *zap.Logger,
	job *domain.Job,
	status domain.ResultStatus,
	body []byte,
) {
	err := writes.do(ctx, "complete idempotency record", func(ctx context.Context) error {
		return records.Complete(ctx, job.CallerID, job.Request.IdempotencyKey, status, body)
	})
	if err != nil {
		logger.Warn("failed to finalize idempotency record",
			zap.String("jobId", job.ID),
			zap.String("callerId", job.CallerID),
			zap.Error(err),
		)
	}
}

func publishEvent(ctx context.Context, publisher events.Publisher, logger *zap.Logger, event events.Event) {
	if err := publisher.Publish(ctx, event); err != nil {
		logger.Error("failed to publish lifecycle event",
			zap.String("jobId", event.JobID),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}
