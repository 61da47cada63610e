package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"gorm.io/gorm"
)

const pgUniqueViolation = "23505"

type IdempotencyRepository interface {
	Get(ctx context.Context, callerID string, key string) (*domain.IdempotencyRecord, error)
	// CreatePending inserts a pending record. A live record under the same key yields ErrConflict;
	// an expired one is replaced.
	CreatePending(ctx context.Context, record *domain.IdempotencyRecord) error
	Complete(ctx context.Context, callerID string, key string, status domain.ResultStatus, body []byte) error
	Delete(ctx context.Context, callerID string, key string) error
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	Reschedule(ctx context.Context, id string, nextEligibleAt time.Time) error
	Delete(ctx context.Context, id string) error
}

// StatusChange is a guarded status transition that is not an attempt outcome.
type StatusChange struct {
	From           domain.Status
	To             domain.Status
	At             time.Time
	NextEligibleAt *time.Time
	LastError      *string
}

type StatusRepository interface {
	Create(ctx context.Context, record *domain.DeliveryStatusRecord) error
	Get(ctx context.Context, jobID string) (*domain.DeliveryStatusRecord, error)
	// Claim moves a claimable record to in_progress under owner's lease. It returns ErrConflict
	// when another worker holds a live lease or the record is terminal.
	Claim(ctx context.Context, jobID string, owner string, now time.Time, lease time.Duration) (*domain.DeliveryStatusRecord, error)
	// RecordAttempt appends the attempt and bumps attemptCount in one step, moving the record to
	// the attempt's outcome and releasing the lease. A caller that no longer owns the lease gets
	// ErrLeaseLost.
	RecordAttempt(ctx context.Context, attempt domain.Attempt) (*domain.DeliveryStatusRecord, error)
	Transition(ctx context.Context, jobID string, change StatusChange) error
	// Delete drops a record and its attempts. It is only used to undo a rejected submission.
	Delete(ctx context.Context, jobID string) error
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

type DeadLetterListParams struct {
	Channel  *domain.Channel
	Reason   *domain.DeadLetterReason
	Page     int
	PageSize int
}

type DeadLetterRepository interface {
	// Create is a no-op when the job already has an entry.
	Create(ctx context.Context, entry *domain.DeadLetterEntry) error
	Get(ctx context.Context, jobID string) (*domain.DeadLetterEntry, error)
	List(ctx context.Context, params DeadLetterListParams) ([]domain.DeadLetterEntry, int64, error)
}

func pageBounds(page int, pageSize int) (int, int) {
	page = max(page, 1)
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)
	return (page - 1) * pageSize, pageSize
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
