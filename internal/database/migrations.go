package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sheetsync/internal/spreadsheet"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationInstallActiveParentGuard  = "2026-09-02_install_active_parent_guard"
	migrationStripAuthorProviderPrefix = "2026-09-20_strip_author_provider_prefix"
	legacyProviderPrefix               = "google:"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func migrationDefinitions() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationInstallActiveParentGuard, apply: spreadsheet.InstallDeleteGuard},
		{name: migrationStripAuthorProviderPrefix, apply: stripAuthorProviderPrefix},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrationDefinitions() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// stripAuthorProviderPrefix rewrites identifiers stored before authors were
// resolved to canonical user ids.
func stripAuthorProviderPrefix(db *gorm.DB) error {
	start := len(legacyProviderPrefix) + 1
	pattern := legacyProviderPrefix + "%"
	statements := []string{
		"UPDATE spreadsheet_revisions SET author_id = substr(author_id, ?) WHERE author_id LIKE ?",
		"UPDATE spreadsheet_documents SET owner_id = substr(owner_id, ?) WHERE owner_id LIKE ?",
		"UPDATE view_customizations SET author_id = substr(author_id, ?) WHERE author_id LIKE ?",
	}
	for _, statement := range statements {
		if err := db.Exec(statement, start, pattern).Error; err != nil {
			return err
		}
	}
	return nil
}
