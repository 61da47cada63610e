package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/observability"
	"github.com/kursadbilgin/dispatch-core/internal/queue"
	"go.uber.org/zap"
)

const defaultRecoveryScanInterval = 15 * time.Second

// LeaseRecoverer periodically returns jobs whose worker lease expired to their queue, so a
// crashed worker's jobs become claimable again.
type LeaseRecoverer struct {
	queue     queue.PriorityQueue
	logger    *zap.Logger
	metrics   *observability.Metrics
	interval  time.Duration
	onRecover func()
}

func NewLeaseRecoverer(q queue.PriorityQueue, interval time.Duration, logger *zap.Logger) (*LeaseRecoverer, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if interval <= 0 {
		interval = defaultRecoveryScanInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LeaseRecoverer{
		queue:    q,
		logger:   logger,
		interval: interval,
	}, nil
}

func (r *LeaseRecoverer) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

// OnRecover registers a hook run when a scan returned at least one job.
func (r *LeaseRecoverer) OnRecover(fn func()) {
	r.onRecover = fn
}

func (r *LeaseRecoverer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Jobs orphaned by a previous process are recovered without waiting for the first tick.
	if err := r.scan(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("lease recovery initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.scan(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("lease recovery scan failed", zap.Error(err))
			}
		}
	}
}

func (r *LeaseRecoverer) scan(ctx context.Context) error {
	recovered, err := r.queue.RecoverExpired(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover expired leases: %w", err)
	}
	if recovered > 0 {
		r.metrics.AddLeasesRecovered(recovered)
		r.logger.Warn("recovered jobs with expired leases", zap.Int("count", recovered))
		if r.onRecover != nil {
			r.onRecover()
		}
	}

	depth, err := r.queue.Depth(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue depth: %w", err)
	}
	r.metrics.SetQueueDepth(depth.High, depth.Low, depth.Leased)
	return nil
}
