package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/dispatch-core/internal/repository"
	"gorm.io/gorm"
)

func createDeliveryStatusTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_delivery_statuses",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DeliveryStatusModel{}, &repository.DeliveryAttemptModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_delivery_statuses_retention ON delivery_statuses (expires_at) WHERE status IN ('delivered', 'failed_permanent', 'cancelled')`,
				`CREATE INDEX IF NOT EXISTS idx_delivery_statuses_lease ON delivery_statuses (lease_expires_at) WHERE status = 'in_progress'`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_delivery_attempts_job_number ON delivery_attempts (job_id, number)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeliveryAttemptModel{}, &repository.DeliveryStatusModel{})
		},
	}
}
