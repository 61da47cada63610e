package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormStatusRepo struct {
	db        *gorm.DB
	retention time.Duration
}

func NewGormStatusRepo(db *gorm.DB, retention time.Duration) *GormStatusRepo {
	return &GormStatusRepo{db: db, retention: retention}
}

func (r *GormStatusRepo) Create(ctx context.Context, record *domain.DeliveryStatusRecord) error {
	model := statusModelFromDomain(record)
	model.AttemptCount = 0
	if model.ExpiresAt.IsZero() {
		model.ExpiresAt = model.CreatedAt.Add(r.retention)
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *GormStatusRepo) Get(ctx context.Context, jobID string) (*domain.DeliveryStatusRecord, error) {
	return r.get(r.db.WithContext(ctx), jobID)
}

func (r *GormStatusRepo) get(db *gorm.DB, jobID string) (*domain.DeliveryStatusRecord, error) {
	var model DeliveryStatusModel
	err := db.First(&model, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var attempts []DeliveryAttemptModel
	err = db.
		Where("job_id = ?", jobID).
		Order("number ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}

	return statusModelToDomain(&model, attempts), nil
}

func (r *GormStatusRepo) Claim(ctx context.Context, jobID string, owner string, now time.Time, lease time.Duration) (*domain.DeliveryStatusRecord, error) {
	db := r.db.WithContext(ctx)
	result := db.
		Model(&DeliveryStatusModel{}).
		Where("job_id = ?", jobID).
		Where(
			db.Where("status = ?", domain.StatusQueued).
				Or("status = ? AND (next_eligible_at IS NULL OR next_eligible_at <= ?)", domain.StatusFailedRetryable, now).
				Or("status = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)", domain.StatusInProgress, now),
		).
		Updates(map[string]any{
			"status":           domain.StatusInProgress,
			"lease_owner":      owner,
			"lease_expires_at": now.Add(lease),
			"updated_at":       now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.Get(ctx, jobID); err != nil {
			return nil, err
		}
		return nil, domain.ErrConflict
	}

	return r.Get(ctx, jobID)
}

func (r *GormStatusRepo) RecordAttempt(ctx context.Context, attempt domain.Attempt) (*domain.DeliveryStatusRecord, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model DeliveryStatusModel
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "job_id = ?", attempt.JobID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		if model.Status != domain.StatusInProgress || model.LeaseOwner == nil || *model.LeaseOwner != attempt.Owner {
			return domain.ErrLeaseLost
		}
		number := model.AttemptCount + 1
		outcome := attempt.FinalOutcome(number)
		if !domain.CanTransition(model.Status, outcome) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, model.Status, outcome)
		}

		row := DeliveryAttemptModel{
			ID:                uuid.NewString(),
			JobID:             attempt.JobID,
			Number:            number,
			Outcome:           outcome,
			Error:             attempt.Error,
			ProviderMessageID: attempt.ProviderMessageID,
			CreatedAt:         attempt.At,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}

		updates := map[string]any{
			"status":           outcome,
			"attempt_count":    number,
			"last_error":       attempt.Error,
			"lease_owner":      nil,
			"lease_expires_at": nil,
			"updated_at":       attempt.At,
			"expires_at":       attempt.At.Add(r.retention),
		}
		if outcome == domain.StatusFailedRetryable && attempt.RetryAt != nil {
			updates["next_eligible_at"] = *attempt.RetryAt
		}
		err = tx.
			Model(&DeliveryStatusModel{}).
			Where("job_id = ?", attempt.JobID).
			Updates(updates).Error
		if err != nil {
			return err
		}

		return tx.
			Model(&JobModel{}).
			Where("id = ?", attempt.JobID).
			Update("attempt_count", number).Error
	})
	if err != nil {
		return nil, err
	}

	return r.Get(ctx, attempt.JobID)
}

func (r *GormStatusRepo) Transition(ctx context.Context, jobID string, change StatusChange) error {
	if !domain.CanTransition(change.From, change.To) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, change.From, change.To)
	}

	updates := map[string]any{
		"status":     change.To,
		"updated_at": change.At,
		"expires_at": change.At.Add(r.retention),
	}
	if change.NextEligibleAt != nil {
		updates["next_eligible_at"] = *change.NextEligibleAt
	}
	if change.LastError != nil {
		updates["last_error"] = *change.LastError
	}

	result := r.db.WithContext(ctx).
		Model(&DeliveryStatusModel{}).
		Where("job_id = ? AND status = ?", jobID, change.From).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.Get(ctx, jobID); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}

func (r *GormStatusRepo) Delete(ctx context.Context, jobID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).Delete(&DeliveryAttemptModel{}).Error; err != nil {
			return err
		}
		return tx.Where("job_id = ?", jobID).Delete(&DeliveryStatusModel{}).Error
	})
}

// DeleteExpired removes terminal records past their retention window, together with their
// attempts and any job row left behind by a cancellation.
func (r *GormStatusRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	var jobIDs []string
	err := r.db.WithContext(ctx).
		Model(&DeliveryStatusModel{}).
		Where("status IN ? AND expires_at <= ?", terminalStatuses(), now).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("job_id", &jobIDs).Error
	if err != nil {
		return 0, err
	}
	if len(jobIDs) == 0 {
		return 0, nil
	}

	var deleted int64
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id IN ?", jobIDs).Delete(&DeliveryAttemptModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", jobIDs).Delete(&JobModel{}).Error; err != nil {
			return err
		}
		result := tx.Where("job_id IN ?", jobIDs).Delete(&DeliveryStatusModel{})
		deleted = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func terminalStatuses() []domain.Status {
	return []domain.Status{domain.StatusDelivered, domain.StatusFailedPermanent, domain.StatusCancelled}
}
