package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
)

var (
	_ IdempotencyRepository = (*MemoryIdempotencyRepo)(nil)
	_ JobRepository         = (*MemoryJobRepo)(nil)
	_ StatusRepository      = (*MemoryStatusRepo)(nil)
	_ DeadLetterRepository  = (*MemoryDeadLetterRepo)(nil)
)

type idempotencyKey struct {
	callerID string
	key      string
}

// MemoryStore backs every repository with process memory behind one mutex, so a status
// update and its job mirror change together. Records are copied in and out.
type MemoryStore struct {
	mu          sync.Mutex
	idempotency map[idempotencyKey]domain.IdempotencyRecord
	jobs        map[string]domain.Job
	statuses    map[string]domain.DeliveryStatusRecord
	deadLetters map[string]domain.DeadLetterEntry
	retention   time.Duration
	now         func() time.Time
}

func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		idempotency: make(map[idempotencyKey]domain.IdempotencyRecord),
		jobs:        make(map[string]domain.Job),
		statuses:    make(map[string]domain.DeliveryStatusRecord),
		deadLetters: make(map[string]domain.DeadLetterEntry),
		retention:   retention,
		now:         time.Now,
	}
}

func (s *MemoryStore) Idempotency() *MemoryIdempotencyRepo { return &MemoryIdempotencyRepo{s: s} }
func (s *MemoryStore) Jobs() *MemoryJobRepo                { return &MemoryJobRepo{s: s} }
func (s *MemoryStore) Statuses() *MemoryStatusRepo         { return &MemoryStatusRepo{s: s} }
func (s *MemoryStore) DeadLetters() *MemoryDeadLetterRepo  { return &MemoryDeadLetterRepo{s: s} }

type MemoryIdempotencyRepo struct{ s *MemoryStore }

func (r *MemoryIdempotencyRepo) Get(_ context.Context, callerID string, key string) (*domain.IdempotencyRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.idempotency[idempotencyKey{callerID, key}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneIdempotency(record), nil
}

func (r *MemoryIdempotencyRepo) CreatePending(_ context.Context, record *domain.IdempotencyRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	k := idempotencyKey{record.CallerID, record.Key}
	if existing, ok := r.s.idempotency[k]; ok && !existing.Expired(record.CreatedAt) {
		return domain.ErrConflict
	}

	stored := *cloneIdempotency(*record)
	stored.ResultStatus = domain.ResultPending
	r.s.idempotency[k] = stored
	return nil
}

func (r *MemoryIdempotencyRepo) Complete(_ context.Context, callerID string, key string, status domain.ResultStatus, body []byte) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	k := idempotencyKey{callerID, key}
	record, ok := r.s.idempotency[k]
	if !ok {
		return domain.ErrNotFound
	}
	if record.ResultStatus != domain.ResultPending {
		return nil
	}

	record.ResultStatus = status
	record.ResultBody = append([]byte(nil), body...)
	record.UpdatedAt = r.s.now()
	r.s.idempotency[k] = record
	return nil
}

func (r *MemoryIdempotencyRepo) Delete(_ context.Context, callerID string, key string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	delete(r.s.idempotency, idempotencyKey{callerID, key})
	return nil
}

func (r *MemoryIdempotencyRepo) DeleteExpired(_ context.Context, now time.Time, limit int) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var deleted int64
	for k, record := range r.s.idempotency {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if record.Expired(now) {
			delete(r.s.idempotency, k)
			deleted++
		}
	}
	return deleted, nil
}

type MemoryJobRepo struct{ s *MemoryStore }

func (r *MemoryJobRepo) Create(_ context.Context, job *domain.Job) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.jobs[job.ID]; ok {
		return domain.ErrConflict
	}
	r.s.jobs[job.ID] = *job
	return nil
}

func (r *MemoryJobRepo) Get(_ context.Context, id string) (*domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	job, ok := r.s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &job, nil
}

func (r *MemoryJobRepo) Reschedule(_ context.Context, id string, nextEligibleAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	job, ok := r.s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	job.NextEligibleAt = nextEligibleAt
	r.s.jobs[id] = job
	return nil
}

func (r *MemoryJobRepo) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	delete(r.s.jobs, id)
	return nil
}

type MemoryStatusRepo struct{ s *MemoryStore }

func (r *MemoryStatusRepo) Create(_ context.Context, record *domain.DeliveryStatusRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.statuses[record.JobID]; ok {
		return domain.ErrConflict
	}

	stored := *cloneStatus(*record)
	stored.AttemptCount = 0
	stored.AttemptHistory = nil
	if stored.ExpiresAt.IsZero() {
		stored.ExpiresAt = stored.CreatedAt.Add(r.s.retention)
	}
	r.s.statuses[record.JobID] = stored
	return nil
}

func (r *MemoryStatusRepo) Get(_ context.Context, jobID string) (*domain.DeliveryStatusRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.statuses[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneStatus(record), nil
}

func (r *MemoryStatusRepo) Claim(_ context.Context, jobID string, owner string, now time.Time, lease time.Duration) (*domain.DeliveryStatusRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.statuses[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !record.Claimable(now) {
		return nil, domain.ErrConflict
	}

	expiresAt := now.Add(lease)
	record.Status = domain.StatusInProgress
	record.LeaseOwner = &owner
	record.LeaseExpiresAt = &expiresAt
	record.UpdatedAt = now
	r.s.statuses[jobID] = record
	return cloneStatus(record), nil
}

func (r *MemoryStatusRepo) RecordAttempt(_ context.Context, attempt domain.Attempt) (*domain.DeliveryStatusRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.statuses[attempt.JobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if record.Status != domain.StatusInProgress || record.LeaseOwner == nil || *record.LeaseOwner != attempt.Owner {
		return nil, domain.ErrLeaseLost
	}
	number := record.AttemptCount + 1
	outcome := attempt.FinalOutcome(number)
	if !domain.CanTransition(record.Status, outcome) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, record.Status, outcome)
	}

	record.AttemptCount = number
	record.AttemptHistory = append(append([]domain.AttemptRecord(nil), record.AttemptHistory...), attempt.Record(number))
	record.Status = outcome
	record.LastError = attempt.Error
	if outcome == domain.StatusFailedRetryable && attempt.RetryAt != nil {
		retryAt := *attempt.RetryAt
		record.NextEligibleAt = &retryAt
	}
	record.LeaseOwner = nil
	record.LeaseExpiresAt = nil
	record.UpdatedAt = attempt.At
	record.ExpiresAt = attempt.At.Add(r.s.retention)
	r.s.statuses[attempt.JobID] = record

	if job, ok := r.s.jobs[attempt.JobID]; ok {
		job.AttemptCount = record.AttemptCount
		r.s.jobs[attempt.JobID] = job
	}

	return cloneStatus(record), nil
}

func (r *MemoryStatusRepo) Transition(_ context.Context, jobID string, change StatusChange) error {
	if !domain.CanTransition(change.From, change.To) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, change.From, change.To)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.statuses[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if record.Status != change.From {
		return domain.ErrConflict
	}

	record.Status = change.To
	record.UpdatedAt = change.At
	record.ExpiresAt = change.At.Add(r.s.retention)
	if change.NextEligibleAt != nil {
		next := *change.NextEligibleAt
		record.NextEligibleAt = &next
	}
	if change.LastError != nil {
		msg := *change.LastError
		record.LastError = &msg
	}
	r.s.statuses[jobID] = record
	return nil
}

func (r *MemoryStatusRepo) Delete(_ context.Context, jobID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	delete(r.s.statuses, jobID)
	return nil
}

func (r *MemoryStatusRepo) DeleteExpired(_ context.Context, now time.Time, limit int) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var deleted int64
	for jobID, record := range r.s.statuses {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if !record.Status.IsTerminal() || record.ExpiresAt.After(now) {
			continue
		}
		delete(r.s.statuses, jobID)
		delete(r.s.jobs, jobID)
		deleted++
	}
	return deleted, nil
}

type MemoryDeadLetterRepo struct{ s *MemoryStore }

func (r *MemoryDeadLetterRepo) Create(_ context.Context, entry *domain.DeadLetterEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.deadLetters[entry.JobID]; ok {
		return nil
	}
	stored := *entry
	stored.AttemptHistory = append([]domain.AttemptRecord(nil), entry.AttemptHistory...)
	r.s.deadLetters[entry.JobID] = stored
	return nil
}

func (r *MemoryDeadLetterRepo) Get(_ context.Context, jobID string) (*domain.DeadLetterEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	entry, ok := r.s.deadLetters[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &entry, nil
}

func (r *MemoryDeadLetterRepo) List(_ context.Context, params DeadLetterListParams) ([]domain.DeadLetterEntry, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	matched := make([]domain.DeadLetterEntry, 0, len(r.s.deadLetters))
	for _, entry := range r.s.deadLetters {
		if params.Channel != nil && entry.Request.Channel != *params.Channel {
			continue
		}
		if params.Reason != nil && entry.Reason != *params.Reason {
			continue
		}
		matched = append(matched, entry)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].FailedAt.Equal(matched[j].FailedAt) {
			return matched[i].FailedAt.After(matched[j].FailedAt)
		}
		return matched[i].JobID > matched[j].JobID
	})

	total := int64(len(matched))
	offset, limit := pageBounds(params.Page, params.PageSize)
	if offset >= len(matched) {
		return []domain.DeadLetterEntry{}, total, nil
	}
	end := min(offset+limit, len(matched))
	return matched[offset:end], total, nil
}

func cloneIdempotency(r domain.IdempotencyRecord) *domain.IdempotencyRecord {
	r.ResultBody = append([]byte(nil), r.ResultBody...)
	return &r
}

func cloneStatus(r domain.DeliveryStatusRecord) *domain.DeliveryStatusRecord {
	r.AttemptHistory = append([]domain.AttemptRecord(nil), r.AttemptHistory...)
	return &r
}
