package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormDeadLetterRepo struct {
	db *gorm.DB
}

func NewGormDeadLetterRepo(db *gorm.DB) *GormDeadLetterRepo {
	return &GormDeadLetterRepo{db: db}
}

func (r *GormDeadLetterRepo) Create(ctx context.Context, entry *domain.DeadLetterEntry) error {
	model, err := deadLetterModelFromDomain(entry)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model).Error
}

func (r *GormDeadLetterRepo) Get(ctx context.Context, jobID string) (*domain.DeadLetterEntry, error) {
	var model DeadLetterModel
	err := r.db.WithContext(ctx).First(&model, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deadLetterModelToDomain(&model)
}

func (r *GormDeadLetterRepo) List(ctx context.Context, params DeadLetterListParams) ([]domain.DeadLetterEntry, int64, error) {
	query := r.db.WithContext(ctx).Model(&DeadLetterModel{})

	if params.Channel != nil {
		query = query.Where("channel = ?", *params.Channel)
	}
	if params.Reason != nil {
		query = query.Where("reason = ?", *params.Reason)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := pageBounds(params.Page, params.PageSize)

	var models []DeadLetterModel
	err := query.
		Order("failed_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	entries := make([]domain.DeadLetterEntry, 0, len(models))
	for i := range models {
		entry, err := deadLetterModelToDomain(&models[i])
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, *entry)
	}

	return entries, total, nil
}
