package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/dispatch-core/internal/repository"
	"gorm.io/gorm"
)

func createIdempotencyRecordsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_idempotency_records",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.IdempotencyRecordModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.IdempotencyRecordModel{})
		},
	}
}
