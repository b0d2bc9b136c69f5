package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/sheetsync/internal/spreadsheet"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func mustMigratedDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(schemaModels()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsStripsProviderPrefix(testContext *testing.T) {
	database := mustMigratedDatabase(testContext)

	document := spreadsheet.Document{DocumentID: "doc-1", OwnerID: "google:owner", CurrentRevisionUUID: spreadsheet.StartRevision}
	if err := database.Create(&document).Error; err != nil {
		testContext.Fatalf("failed to insert document: %v", err)
	}
	revision := spreadsheet.Revision{
		DocumentID:   "doc-1",
		RevisionUUID: "r1",
		ParentUUID:   spreadsheet.StartRevision,
		Active:       true,
		Type:         string(spreadsheet.RevisionTypeRemote),
		Commands:     []byte(`[]`),
		AuthorID:     "google:author",
	}
	if err := database.Create(&revision).Error; err != nil {
		testContext.Fatalf("failed to insert revision: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var storedRevision spreadsheet.Revision
	if err := database.Where("document_id = ? AND revision_uuid = ?", "doc-1", "r1").Take(&storedRevision).Error; err != nil {
		testContext.Fatalf("failed to reload revision: %v", err)
	}
	if storedRevision.AuthorID != "author" {
		testContext.Fatalf("expected provider prefix to be stripped, got %q", storedRevision.AuthorID)
	}
	var storedDocument spreadsheet.Document
	if err := database.Where("document_id = ?", "doc-1").Take(&storedDocument).Error; err != nil {
		testContext.Fatalf("failed to reload document: %v", err)
	}
	if storedDocument.OwnerID != "owner" {
		testContext.Fatalf("expected owner prefix to be stripped, got %q", storedDocument.OwnerID)
	}

	for _, migration := range migrationDefinitions() {
		var record migrationRecord
		if err := database.Where("name = ?", migration.name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record for %s: %v", migration.name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set")
		}
	}
}

func TestApplyMigrationsInstallsActiveParentGuardOnce(testContext *testing.T) {
	database := mustMigratedDatabase(testContext)
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected reapplying migrations to be a no-op: %v", err)
	}

	var triggers int64
	if err := database.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger' AND tbl_name = 'spreadsheet_revisions'").Scan(&triggers).Error; err != nil {
		testContext.Fatalf("failed to inspect triggers: %v", err)
	}
	if triggers != 1 {
		testContext.Fatalf("expected one guard trigger, got %d", triggers)
	}
}

func TestOpenSQLiteMigratesEverySchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "open.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"spreadsheet_documents", "spreadsheet_revisions", "view_customizations", "user_identities", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected empty path to be rejected")
	}
}
