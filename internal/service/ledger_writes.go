package service

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultWriteRetryBase = 50 * time.Millisecond
	defaultWriteRetryCap  = 2 * time.Second
)

// ledgerWriter repeats a ledger write until it succeeds, fails with a final error, or ctx ends.
// Outcomes of attempts that already happened must not be dropped because a store blinked.
type ledgerWriter struct {
	base   time.Duration
	cap    time.Duration
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func newLedgerWriter(logger *zap.Logger) ledgerWriter {
	return ledgerWriter{
		base:   defaultWriteRetryBase,
		cap:    defaultWriteRetryCap,
		logger: logger,
		sleep:  sleepContext,
	}
}

func (w ledgerWriter) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	delay := w.base
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || isFinalWriteError(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		w.logger.Warn("ledger write failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if sleepErr := w.sleep(ctx, delay); sleepErr != nil {
			return err
		}
		delay = min(delay*2, w.cap)
	}
}

func isFinalWriteError(err error) bool {
	return errors.Is(err, domain.ErrLeaseLost) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrValidation)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
