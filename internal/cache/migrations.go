package cache

import (
	"log"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func GetMigrator(db *gorm.DB) *gormigrate.Gormigrate {
	migrator := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "1",
			Migrate: func(txn *gorm.DB) error {
				return txn.AutoMigrate(&CachedSnapshot{}, &AlignmentLog{})
			},
			Rollback: func(txn *gorm.DB) error {
				return txn.Migrator().DropTable(&CachedSnapshot{}, &AlignmentLog{})
			},
		},
	})

	migrator.InitSchema(func(txn *gorm.DB) error {
		// Run by the migrator when no previous migration is detected, so a
		// clean database skips straight to the latest schema.
		log.Println("clean cache database detected, running full schema initialization")
		return txn.AutoMigrate(&CachedSnapshot{}, &AlignmentLog{})
	})

	return migrator
}

func Migrate(db *gorm.DB) error {
	return GetMigrator(db).Migrate()
}
