package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"github.com/kursadbilgin/dispatch-core/internal/queue"
	"go.uber.org/zap"
)

func TestNewRetentionSweeperAppliesDefaults(t *testing.T) {
	t.Parallel()

	if _, err := NewRetentionSweeper(Stores{}, 0, 0, nil); err == nil {
		t.Fatal("expected error when stores are missing")
	}

	h := newHarness(t, queue.Capacity{})
	sweeper, err := NewRetentionSweeper(h.stores, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewRetentionSweeper() error = %v", err)
	}
	if sweeper.interval != defaultSweepInterval || sweeper.batchSize != defaultSweepBatchSize {
		t.Fatalf("defaults not applied: interval=%s batch=%d", sweeper.interval, sweeper.batchSize)
	}
}

func TestRetentionSweeperDeletesExpiredRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(t, queue.Capacity{})
	ctx := context.Background()

	delivered := h.submit(t, "k1", domain.ChannelEmail, domain.PriorityHigh)
	h.drain(t)
	pending := h.submit(t, "k2", domain.ChannelEmail, domain.PriorityLow)

	sweeper, err := NewRetentionSweeper(h.stores, time.Hour, 1, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetentionSweeper() error = %v", err)
	}
	sweeper.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	if err := sweeper.sweep(ctx); err != nil {
		t.Fatalf("sweep() error = %v", err)
	}

	if _, err := h.stores.Statuses.Get(ctx, delivered.JobID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("delivered status after sweep: err = %v, want ErrNotFound", err)
	}
	if _, err := h.stores.Idempotency.Get(ctx, testCaller, "k1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expired idempotency record after sweep: err = %v, want ErrNotFound", err)
	}

	status, err := h.stores.Statuses.Get(ctx, pending.JobID)
	if err != nil {
		t.Fatalf("queued status must survive the sweep: %v", err)
	}
	if status.Status != domain.StatusQueued {
		t.Fatalf("status = %s, want queued", status.Status)
	}
}

func TestRetentionSweeperStartReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := newHarness(t, queue.Capacity{})
	sweeper, err := NewRetentionSweeper(h.stores, time.Second, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetentionSweeper() error = %v", err)
	}

	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}
