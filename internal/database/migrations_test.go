package database

import (
	"path/filepath"
	"testing"

	"github.com/coauthorhq/coauthor/backend/internal/document"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsCurrentVersion(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&document.Document{}, &document.Version{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	record := document.Document{
		DocumentID:       "doc-1",
		Title:            "Plan",
		Content:          "hello",
		OwnerID:          "user-1",
		Visibility:       "private",
		CurrentVersion:   0,
		CreatedAtSeconds: 1700000000,
		UpdatedAtSeconds: 1700000000,
	}
	if err := database.Create(&record).Error; err != nil {
		testContext.Fatalf("failed to insert document: %v", err)
	}
	for _, number := range []int64{1, 2, 3} {
		snapshot := document.Version{
			DocumentID:       "doc-1",
			Number:           number,
			Title:            "Plan",
			Content:          "hello",
			CreatedBy:        "user-1",
			Kind:             "auto",
			CreatedAtSeconds: 1700000000 + number,
		}
		if err := database.Create(&snapshot).Error; err != nil {
			testContext.Fatalf("failed to insert version %d: %v", number, err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored document.Document
	if err := database.Where("document_id = ?", "doc-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload document: %v", err)
	}
	if stored.CurrentVersion != 3 {
		testContext.Fatalf("expected current version 3, got %d", stored.CurrentVersion)
	}

	var applied migrationRecord
	if err := database.Where("name = ?", migrationBackfillCurrentVersion).Take(&applied).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if applied.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	// A second run is a no-op.
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-application to succeed: %v", err)
	}
}
