package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSweepInterval  = time.Hour
	defaultSweepBatchSize = 500
	maxSweepBatches       = 100
)

// RetentionSweeper deletes idempotency records past their TTL and terminal status records
// past their retention window.
type RetentionSweeper struct {
	stores    Stores
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewRetentionSweeper(stores Stores, interval time.Duration, batchSize int, logger *zap.Logger) (*RetentionSweeper, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetentionSweeper{
		stores:    stores,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
	}, nil
}

func (s *RetentionSweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retention sweeper initial sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *RetentionSweeper) sweep(ctx context.Context) error {
	now := s.now().UTC()

	records, err := s.drain(ctx, func(ctx context.Context) (int64, error) {
		return s.stores.Idempotency.DeleteExpired(ctx, now, s.batchSize)
	})
	if err != nil {
		return fmt.Errorf("failed to sweep idempotency records: %w", err)
	}

	statuses, err := s.drain(ctx, func(ctx context.Context) (int64, error) {
		return s.stores.Statuses.DeleteExpired(ctx, now, s.batchSize)
	})
	if err != nil {
		return fmt.Errorf("failed to sweep status records: %w", err)
	}

	if records > 0 || statuses > 0 {
		s.logger.Info("retention sweep finished",
			zap.Int64("idempotencyRecords", records),
			zap.Int64("statusRecords", statuses),
		)
	}
	return nil
}

// drain deletes in batches until a short batch shows nothing is left.
func (s *RetentionSweeper) drain(ctx context.Context, deleteBatch func(ctx context.Context) (int64, error)) (int64, error) {
	var total int64
	for i := 0; i < maxSweepBatches; i++ {
		deleted, err := deleteBatch(ctx)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < int64(s.batchSize) {
			break
		}
	}
	return total, nil
}
