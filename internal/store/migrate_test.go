package store

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestRunMigrations_FreshDB(t *testing.T) {
	db := testDB(t)

	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := testDB(t)
	logger := testLogger()

	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("second migration (idempotent) failed: %v", err)
	}

	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_CreatesExpectedTables(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatal(err)
	}

	for _, table := range []string{"agents", "meetings", "processing_jobs", "schema_version"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

// A database where v2's columns were added by hand before the version row was
// recorded must still migrate.
func TestRunMigrations_PartialUpgrade(t *testing.T) {
	db := testDB(t)
	logger := testLogger()

	if _, err := db.Exec(`CREATE TABLE schema_version (version INTEGER PRIMARY KEY, description TEXT, applied_at DATETIME)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(migrations[0].SQL); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO schema_version (version, description) VALUES (1, 'base')`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`ALTER TABLE meetings ADD COLUMN join_attempts INTEGER NOT NULL DEFAULT 0`); err != nil {
		t.Fatal(err)
	}

	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("RunMigrations on partial upgrade: %v", err)
	}
	version, _ := GetSchemaVersion(db)
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestGetSchemaVersion_NoTable(t *testing.T) {
	db := testDB(t)
	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != 0 {
		t.Errorf("expected version 0 for empty db, got %d", version)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("expected unchanged string, got %q", got)
	}
	if got := truncate("hello world", 5); got != "hello..." {
		t.Errorf("expected 'hello...', got %q", got)
	}
}
