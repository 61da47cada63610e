package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"github.com/kursadbilgin/dispatch-core/internal/events"
	"github.com/kursadbilgin/dispatch-core/internal/observability"
	"github.com/kursadbilgin/dispatch-core/internal/provider"
	"github.com/kursadbilgin/dispatch-core/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency      = 1
	defaultWorkerPollInterval = 200 * time.Millisecond
	defaultLeaseDuration      = 2 * time.Minute
)

type WorkerPoolConfig struct {
	Concurrency  int
	PollInterval time.Duration
	// Lease bounds how long a worker may hold a job before another worker can take it.
	Lease time.Duration
}

// WorkerPool runs a fixed number of workers that each take one job at a time from the
// priority queue pair, send it through the channel adapter and record the outcome.
type WorkerPool struct {
	stores     Stores
	queue      queue.PriorityQueue
	dispatcher Dispatcher
	limiter    RateLimiter
	retries    *RetryController
	publisher  events.Publisher
	writes     ledgerWriter
	logger     *zap.Logger
	metrics    *observability.Metrics
	cfg        WorkerPoolConfig
	wake       chan struct{}
	now        func() time.Time
	newOwnerID func() string
}

func NewWorkerPool(
	stores Stores,
	q queue.PriorityQueue,
	dispatcher Dispatcher,
	limiter RateLimiter,
	retries *RetryController,
	publisher events.Publisher,
	cfg WorkerPoolConfig,
	logger *zap.Logger,
) (*WorkerPool, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if retries == nil {
		return nil, fmt.Errorf("retry controller is required")
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency < minWorkerConcurrency {
		cfg.Concurrency = minWorkerConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultWorkerPollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLeaseDuration
	}

	return &WorkerPool{
		stores:     stores,
		queue:      q,
		dispatcher: dispatcher,
		limiter:    limiter,
		retries:    retries,
		publisher:  publisher,
		writes:     newLedgerWriter(logger),
		logger:     logger,
		cfg:        cfg,
		wake:       make(chan struct{}, 1),
		now:        time.Now,
		newOwnerID: uuid.NewString,
	}, nil
}

func (p *WorkerPool) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

// Wake nudges one idle worker to poll right away instead of waiting for the next tick.
func (p *WorkerPool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start runs the workers until context cancellation.
func (p *WorkerPool) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := i + 1
		owner := fmt.Sprintf("worker-%d-%s", workerID, p.newOwnerID())

		g.Go(func() error {
			p.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("owner", owner),
			)
			p.run(groupCtx, owner)
			p.logger.Info("worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (p *WorkerPool) run(ctx context.Context, owner string) {
	for {
		processed, err := p.ProcessNext(ctx, owner)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Error("job processing failed", zap.String("owner", owner), zap.Error(err))
		}
		if processed {
			continue
		}

		timer := time.NewTimer(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// ProcessNext leases the next eligible job and runs it to its next status. It reports false
// when no job was eligible.
func (p *WorkerPool) ProcessNext(ctx context.Context, owner string) (bool, error) {
	msg, err := p.queue.Dequeue(ctx, p.cfg.Lease)
	if err != nil {
		return false, fmt.Errorf("failed to dequeue: %w", err)
	}
	if msg == nil {
		return false, nil
	}
	return true, p.process(ctx, owner, *msg)
}

func (p *WorkerPool) process(ctx context.Context, owner string, msg queue.Message) error {
	logger := p.logger.With(
		zap.String("jobId", msg.JobID),
		zap.String("channel", msg.Channel.String()),
		zap.String("priority", msg.Priority.String()),
	)

	record, err := p.stores.Statuses.Claim(ctx, msg.JobID, owner, p.now().UTC(), p.cfg.Lease)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		logger.Warn("status record not found during claim, skipping")
		return p.queue.Ack(ctx, msg)
	case errors.Is(err, domain.ErrConflict):
		return p.skipUnclaimable(ctx, logger, msg)
	case err != nil:
		// The queue lease expires and the job comes back through lease recovery.
		return fmt.Errorf("failed to claim job: %w", err)
	}

	job, err := p.stores.Jobs.Get(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Error("job row missing for claimed status", zap.String("status", record.Status.String()))
			return p.queue.Ack(ctx, msg)
		}
		return fmt.Errorf("failed to load job: %w", err)
	}

	channel := job.Request.Channel
	p.metrics.IncWorkerInFlight(channel)
	defer p.metrics.DecWorkerInFlight(channel)

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, channel); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	// Adapter calls are not cancelled mid flight. Work on a claimed job is bounded by the lease.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Lease)
	defer cancel()

	sendStart := p.now()
	receipt, sendErr := p.dispatcher.Send(jobCtx, provider.Resolve(*job))
	p.metrics.ObserveSendDuration(channel, p.now().Sub(sendStart))

	if sendErr != nil {
		return p.retries.HandleFailure(jobCtx, owner, job, sendErr)
	}
	return p.complete(jobCtx, logger, owner, job, receipt)
}

// skipUnclaimable handles a dequeued job whose status cannot be leased. A job still leased
// elsewhere or waiting out its backoff goes back until then. A failed_permanent job that never
// reached the dead-letter store is routed there. Other terminal jobs are dropped.
func (p *WorkerPool) skipUnclaimable(ctx context.Context, logger *zap.Logger, msg queue.Message) error {
	record, err := p.stores.Statuses.Get(ctx, msg.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		return p.queue.Ack(ctx, msg)
	}
	if err != nil {
		return fmt.Errorf("failed to load unclaimable status: %w", err)
	}

	now := p.now().UTC()
	switch {
	case record.LeaseActive(now):
		logger.Info("job leased by another worker, deferring", zap.Stringp("leaseOwner", record.LeaseOwner))
		return p.queue.Requeue(ctx, msg, *record.LeaseExpiresAt)
	case record.RetryPending(now):
		logger.Info("job is waiting out its backoff, deferring", zap.Timep("nextEligibleAt", record.NextEligibleAt))
		return p.queue.Requeue(ctx, msg, *record.NextEligibleAt)
	case record.Status == domain.StatusFailedPermanent:
		job, err := p.stores.Jobs.Get(ctx, msg.JobID)
		if errors.Is(err, domain.ErrNotFound) {
			return p.queue.Ack(ctx, msg)
		}
		if err != nil {
			return fmt.Errorf("failed to load failed job: %w", err)
		}
		return p.retries.ResumeDeadLetter(ctx, job, record)
	}

	logger.Info("job is not claimable, skipping", zap.String("status", record.Status.String()))
	return p.queue.Ack(ctx, msg)
}

func (p *WorkerPool) complete(
	ctx context.Context,
	logger *zap.Logger,
	owner string,
	job *domain.Job,
	receipt *provider.DeliveryReceipt,
) error {
	var messageID *string
	if receipt != nil && strings.TrimSpace(receipt.MessageID) != "" {
		value := receipt.MessageID
		messageID = &value
	}

	deliveredAt := p.now().UTC()
	var record *domain.DeliveryStatusRecord
	err := p.writes.do(ctx, "record delivered attempt", func(ctx context.Context) error {
		var err error
		record, err = p.stores.Statuses.RecordAttempt(ctx, domain.Attempt{
			JobID:             job.ID,
			Owner:             owner,
			At:                deliveredAt,
			Outcome:           domain.StatusDelivered,
			ProviderMessageID: messageID,
		})
		return err
	})
	if errors.Is(err, domain.ErrLeaseLost) {
		// The job may be sent again by the new owner. Delivery is at least once.
		logger.Warn("lease lost after delivery", zap.String("owner", owner))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record delivered attempt: %w", err)
	}

	result := domain.SubmitResult{JobID: job.ID, Status: domain.StatusDelivered}
	if messageID != nil {
		result.ProviderMessageID = *messageID
	}
	body, err := result.Encode()
	if err != nil {
		return err
	}
	finalizeIdempotency(ctx, p.writes, p.stores.Idempotency, logger, job, domain.ResultSucceeded, body)

	if err := finishJob(ctx, p.writes, p.stores.Jobs, p.queue, job); err != nil {
		return err
	}

	p.metrics.IncDelivered(job.Request.Channel)
	logger.Info("notification delivered",
		zap.Int("attemptCount", record.AttemptCount),
		zap.String("providerMessageId", result.ProviderMessageID),
	)
	publishEvent(ctx, p.publisher, logger, events.Event{
		Type:              events.TypeDelivered,
		JobID:             job.ID,
		CallerID:          job.CallerID,
		Channel:           job.Request.Channel,
		Priority:          job.Request.Priority,
		AttemptCount:      record.AttemptCount,
		ProviderMessageID: result.ProviderMessageID,
		OccurredAt:        deliveredAt,
	})
	return nil
}
