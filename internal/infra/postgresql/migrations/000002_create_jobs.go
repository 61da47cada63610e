package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/dispatch-core/internal/repository"
	"gorm.io/gorm"
)

func createJobsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_jobs",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.JobModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_caller_key ON jobs (caller_id, idempotency_key)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.JobModel{})
		},
	}
}
