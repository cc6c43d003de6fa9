package migrations

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestApply_FreshDatabase(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Apply(db); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	// Verify tables were created
	tables := []string{"archive_files", "directives", "runs", "schema_migrations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s was not created: %v", table, err)
		}
	}
}

func TestVerify_FreshDatabase(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	// Fresh database should need migration
	err := Verify(db)
	if err == nil {
		t.Error("Verify() expected error for fresh database, got nil")
	}
	if !strings.Contains(err.Error(), "no schema version") {
		t.Errorf("Verify() error = %q, want error about missing schema version", err.Error())
	}
}

func TestVerify_AfterApply(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Apply(db); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if err := Verify(db); err != nil {
		t.Errorf("Verify() after migration returned error: %v", err)
	}
}

func TestApply_Idempotent(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Apply(db); err != nil {
		t.Fatalf("First Apply() failed: %v", err)
	}
	if err := Apply(db); err != nil {
		t.Errorf("Second Apply() failed: %v (should be a no-op)", err)
	}
	if err := Verify(db); err != nil {
		t.Errorf("Verify() after double apply returned error: %v", err)
	}
}

func TestLatestVersion(t *testing.T) {
	latest, err := latestVersion()
	if err != nil {
		t.Fatalf("latestVersion() failed: %v", err)
	}
	if latest < 1 {
		t.Errorf("latestVersion() = %d, want at least 1", latest)
	}
}

func TestSchema_ArchiveFilesLookup(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Apply(db); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO archive_files (archive_id, file_path, normalized_path, normalized_name, file_size)
		VALUES ('arch', 'Data\Foo.esp', 'data/foo.esp', 'foo.esp', 42)
	`)
	if err != nil {
		t.Fatalf("Failed to insert archive file: %v", err)
	}

	var stored string
	err = db.QueryRow(
		"SELECT file_path FROM archive_files WHERE archive_id = 'arch' AND normalized_path = 'data/foo.esp'",
	).Scan(&stored)
	if err != nil {
		t.Fatalf("Failed to retrieve archive file: %v", err)
	}
	if stored != `Data\Foo.esp` {
		t.Errorf("stored path = %q", stored)
	}
}

func TestSchema_DirectiveDefaults(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Apply(db); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	_, err := db.Exec("INSERT INTO directives (id, updated_at) VALUES (1, datetime('now'))")
	if err != nil {
		t.Fatalf("Failed to insert directive: %v", err)
	}

	var status string
	var attempts int
	err = db.QueryRow("SELECT status, attempt_count FROM directives WHERE id = 1").Scan(&status, &attempts)
	if err != nil {
		t.Fatalf("Failed to retrieve directive: %v", err)
	}
	if status != "pending" || attempts != 0 {
		t.Errorf("defaults = (%q, %d), want (pending, 0)", status, attempts)
	}
}

// openTestDB opens a file-backed SQLite database in a temp dir for testing.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "migrate-test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	return db
}
