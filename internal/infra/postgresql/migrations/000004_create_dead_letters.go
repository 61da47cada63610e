package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/dispatch-core/internal/repository"
	"gorm.io/gorm"
)

func createDeadLettersTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_dead_letters",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DeadLetterModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_dead_letters_channel_failed ON dead_letters (channel, failed_at DESC)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeadLetterModel{})
		},
	}
}
