package redis

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRedisLockerExclusive(t *testing.T) {
	t.Parallel()

	locker, err := NewRedisLocker(newTestRedisClient(t))
	if err != nil {
		t.Fatalf("NewRedisLocker() error = %v", err)
	}

	release, err := locker.Acquire(context.Background(), "caller-1:key-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(ctx, "caller-1:key-1", time.Minute); !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("Acquire() while held error = %v, want ErrLockNotAcquired", err)
	}

	// Other keys are independent.
	releaseOther, err := locker.Acquire(context.Background(), "caller-1:key-2", time.Minute)
	if err != nil {
		t.Fatalf("Acquire(other) error = %v", err)
	}
	_ = releaseOther(context.Background())

	if err := release(context.Background()); err != nil {
		t.Fatalf("release() error = %v", err)
	}

	releaseAgain, err := locker.Acquire(context.Background(), "caller-1:key-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	_ = releaseAgain(context.Background())
}

func TestRedisLockerStaleReleaseKeepsNewHolder(t *testing.T) {
	t.Parallel()

	client := newTestRedisClient(t)
	locker, err := NewRedisLocker(client)
	if err != nil {
		t.Fatalf("NewRedisLocker() error = %v", err)
	}
	ctx := context.Background()

	staleRelease, err := locker.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// Simulate expiry and a new holder.
	if err := client.Del(ctx, lockKeyPrefix+":k").Err(); err != nil {
		t.Fatalf("Del() error = %v", err)
	}
	if _, err := locker.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("Acquire() new holder error = %v", err)
	}

	if err := staleRelease(ctx); err != nil {
		t.Fatalf("stale release error = %v", err)
	}
	exists, err := client.Exists(ctx, lockKeyPrefix+":k").Result()
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists != 1 {
		t.Fatal("stale release removed the new holder's lock")
	}
}
