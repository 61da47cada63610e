package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"gorm.io/gorm"
)

type GormJobRepo struct {
	db *gorm.DB
}

func NewGormJobRepo(db *gorm.DB) *GormJobRepo {
	return &GormJobRepo{db: db}
}

func (r *GormJobRepo) Create(ctx context.Context, job *domain.Job) error {
	model, err := jobModelFromDomain(job)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *GormJobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	var model JobModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model)
}

func (r *GormJobRepo) Reschedule(ctx context.Context, id string, nextEligibleAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ?", id).
		Update("next_eligible_at", nextEligibleAt)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormJobRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&JobModel{}, "id = ?", id).Error
}
