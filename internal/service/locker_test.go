package service

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalLockerExcludesConcurrentHolders(t *testing.T) {
	t.Parallel()

	locker := NewLocalLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "k1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(waitCtx, "k1", time.Minute); !errors.Is(err, errLockHeld) {
		t.Fatalf("second Acquire() error = %v, want errLockHeld", err)
	}

	if _, err := locker.Acquire(ctx, "k2", time.Minute); err != nil {
		t.Fatalf("Acquire() on other key error = %v", err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release() error = %v", err)
	}
	if _, err := locker.Acquire(ctx, "k1", time.Minute); err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
}

func TestLocalLockerExpiredLockIsTakenOver(t *testing.T) {
	t.Parallel()

	locker := NewLocalLocker()
	now := time.Unix(1_700_000_000, 0)
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	staleRelease, err := locker.Acquire(ctx, "k1", time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, err := locker.Acquire(ctx, "k1", time.Second); err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}

	// The stale holder must not free the new holder's lock.
	if err := staleRelease(ctx); err != nil {
		t.Fatalf("stale release() error = %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(waitCtx, "k1", time.Second); err == nil {
		t.Fatal("lock was released by a stale holder")
	}
}

func TestLocalLockerEvictsAbandonedLocks(t *testing.T) {
	t.Parallel()

	locker := NewLocalLocker()
	now := time.Unix(1_700_000_000, 0)
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	for _, key := range []string{"k1", "k2", "k3"} {
		if _, err := locker.Acquire(ctx, key, time.Second); err != nil {
			t.Fatalf("Acquire(%s) error = %v", key, err)
		}
	}

	now = now.Add(2 * time.Second)
	if _, err := locker.Acquire(ctx, "k4", time.Second); err != nil {
		t.Fatalf("Acquire(k4) error = %v", err)
	}

	locker.mu.Lock()
	defer locker.mu.Unlock()
	if len(locker.held) != 1 {
		t.Fatalf("held locks = %d, want only k4", len(locker.held))
	}
	if _, ok := locker.held["k4"]; !ok {
		t.Fatal("k4 lock missing")
	}
}
