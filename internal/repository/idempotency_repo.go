package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type GormIdempotencyRepo struct {
	db *gorm.DB
}

func NewGormIdempotencyRepo(db *gorm.DB) *GormIdempotencyRepo {
	return &GormIdempotencyRepo{db: db}
}

func (r *GormIdempotencyRepo) Get(ctx context.Context, callerID string, key string) (*domain.IdempotencyRecord, error) {
	var model IdempotencyRecordModel
	err := r.db.WithContext(ctx).
		Where("caller_id = ? AND idempotency_key = ?", callerID, key).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return idempotencyModelToDomain(&model), nil
}

func (r *GormIdempotencyRepo) CreatePending(ctx context.Context, record *domain.IdempotencyRecord) error {
	model := idempotencyModelFromDomain(record)
	model.ResultStatus = domain.ResultPending

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Where("caller_id = ? AND idempotency_key = ? AND expires_at <= ?", model.CallerID, model.IdempotencyKey, model.CreatedAt).
			Delete(&IdempotencyRecordModel{}).Error
		if err != nil {
			return err
		}

		if err := tx.Create(model).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.ErrConflict
			}
			return err
		}
		return nil
	})
}

func (r *GormIdempotencyRepo) Complete(ctx context.Context, callerID string, key string, status domain.ResultStatus, body []byte) error {
	result := r.db.WithContext(ctx).
		Model(&IdempotencyRecordModel{}).
		Where("caller_id = ? AND idempotency_key = ? AND result_status = ?", callerID, key, domain.ResultPending).
		Updates(map[string]any{
			"result_status": status,
			"result_body":   datatypes.JSON(body),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Already finalized is fine; a missing record is not.
		if _, err := r.Get(ctx, callerID, key); err != nil {
			return err
		}
	}
	return nil
}

func (r *GormIdempotencyRepo) Delete(ctx context.Context, callerID string, key string) error {
	return r.db.WithContext(ctx).
		Where("caller_id = ? AND idempotency_key = ?", callerID, key).
		Delete(&IdempotencyRecordModel{}).Error
}

func (r *GormIdempotencyRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	expired := r.db.
		Model(&IdempotencyRecordModel{}).
		Select("caller_id, idempotency_key").
		Where("expires_at <= ?", now).
		Limit(limit)

	result := r.db.WithContext(ctx).
		Where("(caller_id, idempotency_key) IN (?)", expired).
		Delete(&IdempotencyRecordModel{})
	return result.RowsAffected, result.Error
}
