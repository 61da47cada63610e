package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"github.com/kursadbilgin/dispatch-core/internal/provider"
	"github.com/kursadbilgin/dispatch-core/internal/repository"
	"gorm.io/gorm"
)

// RateLimiter paces adapter calls per channel.
type RateLimiter interface {
	Wait(ctx context.Context, channel domain.Channel) error
}

// Locker serializes submissions that share an idempotency key. Acquire waits until ctx ends.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// Dispatcher sends a resolved notification through the channel's adapter with its timeout.
type Dispatcher interface {
	Send(ctx context.Context, notification domain.ResolvedNotification) (*provider.DeliveryReceipt, error)
}

// Stores groups the ledgers the dispatch flow writes to.
type Stores struct {
	Idempotency repository.IdempotencyRepository
	Jobs        repository.JobRepository
	Statuses    repository.StatusRepository
	DeadLetters repository.DeadLetterRepository
}

func (s Stores) validate() error {
	switch {
	case s.Idempotency == nil:
		return fmt.Errorf("idempotency repository is required")
	case s.Jobs == nil:
		return fmt.Errorf("job repository is required")
	case s.Statuses == nil:
		return fmt.Errorf("status repository is required")
	case s.DeadLetters == nil:
		return fmt.Errorf("dead letter repository is required")
	}
	return nil
}

// MemoryStores wires every ledger to one in-process store.
func MemoryStores(store *repository.MemoryStore) Stores {
	return Stores{
		Idempotency: store.Idempotency(),
		Jobs:        store.Jobs(),
		Statuses:    store.Statuses(),
		DeadLetters: store.DeadLetters(),
	}
}

// GormStores wires every ledger to PostgreSQL. Terminal status records are kept for retention.
func GormStores(db *gorm.DB, retention time.Duration) Stores {
	return Stores{
		Idempotency: repository.NewGormIdempotencyRepo(db),
		Jobs:        repository.NewGormJobRepo(db),
		Statuses:    repository.NewGormStatusRepo(db, retention),
		DeadLetters: repository.NewGormDeadLetterRepo(db),
	}
}
