// Package index implements the persistent archive index on SQLite: the
// content-addressed file listings of every source archive plus the durable
// per-directive status that makes runs resumable.
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"lodestone/internal/index/migrations"
	"lodestone/internal/install"
	"lodestone/internal/paths"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteIndex implements the install.Index interface using SQLite.
type SQLiteIndex struct {
	db   *sql.DB
	path string

	// writeMu serializes writers; readers go straight to the WAL.
	writeMu sync.Mutex
}

// Open opens (or creates) the archive index at path and brings its schema up
// to date. path can be ":memory:" for tests.
func Open(path string) (*SQLiteIndex, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.Apply(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating archive index: %w", err)
	}

	return &SQLiteIndex{db: db, path: path}, nil
}

// NewFromDB wraps an existing connection. The caller is responsible for the
// connection's configuration and schema.
func NewFromDB(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// OpenConnection opens and configures a SQLite connection with the
// durability pragmas the index contract requires. Exported for tools and
// tests that need a properly configured connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring database (%s): %w", p, err)
		}
	}

	return db, nil
}

// storeErr wraps a storage-layer error so callers can recognize the fatal
// index-failure class.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, install.ErrIndexFailure, err)
}

// Archive file operations

func (s *SQLiteIndex) IsIndexed(archiveID string) (bool, error) {
	var count int64
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM archive_files WHERE archive_id = ?", archiveID,
	).Scan(&count)
	if err != nil {
		return false, storeErr("checking archive index", err)
	}
	return count > 0, nil
}

func (s *SQLiteIndex) IndexFiles(archiveID string, entries []install.FileEntry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return storeErr("starting transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM archive_files WHERE archive_id = ?", archiveID); err != nil {
		return storeErr("clearing prior entries", err)
	}

	stmt, err := tx.Prepare(
		"INSERT INTO archive_files (archive_id, file_path, normalized_path, normalized_name, file_size) VALUES (?, ?, ?, ?, ?)",
	)
	if err != nil {
		return storeErr("preparing insert", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		normalized := e.NormalizedPath
		if normalized == "" {
			normalized = paths.Normalize(e.Path)
		}
		name := paths.FileName(normalized)
		if _, err := stmt.Exec(archiveID, e.Path, normalized, name, e.Size); err != nil {
			return storeErr("inserting file entry", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("committing file entries", err)
	}
	return nil
}

func (s *SQLiteIndex) Lookup(archiveID, path string) (string, bool, error) {
	var stored string
	err := s.db.QueryRow(
		"SELECT file_path FROM archive_files WHERE archive_id = ? AND normalized_path = ?",
		archiveID, paths.Normalize(path),
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeErr("looking up archive file", err)
	}
	return stored, true, nil
}

func (s *SQLiteIndex) LookupBySizeAndName(archiveID string, size int64, name string) (string, bool, error) {
	rows, err := s.db.Query(
		"SELECT file_path FROM archive_files WHERE archive_id = ? AND file_size = ? AND normalized_name = ? LIMIT 2",
		archiveID, size, paths.Normalize(name),
	)
	if err != nil {
		return "", false, storeErr("looking up by size and name", err)
	}
	defer rows.Close()

	var candidates []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return "", false, storeErr("scanning candidate", err)
		}
		candidates = append(candidates, p)
	}
	if err := rows.Err(); err != nil {
		return "", false, storeErr("reading candidates", err)
	}

	// Recovery only applies when the candidate is unique.
	if len(candidates) != 1 {
		return "", false, nil
	}
	return candidates[0], true, nil
}

func (s *SQLiteIndex) FileCount(archiveID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM archive_files WHERE archive_id = ?", archiveID,
	).Scan(&count)
	if err != nil {
		return 0, storeErr("counting archive files", err)
	}
	return count, nil
}

// Directive status operations

func (s *SQLiteIndex) Status(directiveID int64) (install.Status, error) {
	var status string
	err := s.db.QueryRow(
		"SELECT status FROM directives WHERE id = ?", directiveID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return install.StatusPending, nil
	}
	if err != nil {
		return "", storeErr("reading directive status", err)
	}
	return install.Status(status), nil
}

func (s *SQLiteIndex) SetStatus(directiveID int64, status install.Status) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return storeErr("starting transaction", err)
	}
	defer tx.Rollback()

	current := install.StatusPending
	var stored string
	err = tx.QueryRow("SELECT status FROM directives WHERE id = ?", directiveID).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return storeErr("reading current status", err)
	default:
		current = install.Status(stored)
	}

	if current == status {
		return nil
	}
	if !current.CanTransition(status) {
		return fmt.Errorf("directive %d: invalid status transition %s -> %s", directiveID, current, status)
	}

	_, err = tx.Exec(`
		INSERT INTO directives (id, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		directiveID, string(status), time.Now().UTC(),
	)
	if err != nil {
		return storeErr("updating directive status", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("committing status update", err)
	}
	return nil
}

func (s *SQLiteIndex) MarkFailed(directiveID int64, reason install.Reason, detail string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO directives (id, status, reason, detail, attempt_count, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			detail = excluded.detail,
			attempt_count = directives.attempt_count + 1,
			updated_at = excluded.updated_at`,
		directiveID, string(install.StatusFailed), string(reason), detail, time.Now().UTC(),
	)
	if err != nil {
		return storeErr("marking directive failed", err)
	}
	return nil
}

func (s *SQLiteIndex) ResetFailed() (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(
		"UPDATE directives SET status = ?, reason = NULL, detail = NULL, updated_at = ? WHERE status = ?",
		string(install.StatusPending), time.Now().UTC(), string(install.StatusFailed),
	)
	if err != nil {
		return 0, storeErr("resetting failed directives", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("counting reset directives", err)
	}
	return int(n), nil
}

func (s *SQLiteIndex) RecoverInFlight() (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(
		"UPDATE directives SET status = ?, updated_at = ? WHERE status = ?",
		string(install.StatusPending), time.Now().UTC(), string(install.StatusInFlight),
	)
	if err != nil {
		return 0, storeErr("recovering in-flight directives", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("counting recovered directives", err)
	}
	return int(n), nil
}

func (s *SQLiteIndex) StatusCounts() (map[install.Status]int, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM directives GROUP BY status")
	if err != nil {
		return nil, storeErr("counting directive statuses", err)
	}
	defer rows.Close()

	counts := make(map[install.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storeErr("scanning status count", err)
		}
		counts[install.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("reading status counts", err)
	}
	return counts, nil
}

// Run tracking

func (s *SQLiteIndex) BeginRun(runID string, operation string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO runs (id, operation, started_at) VALUES (?, ?, ?)",
		runID, operation, time.Now().UTC(),
	)
	if err != nil {
		return storeErr("recording run start", err)
	}
	return nil
}

func (s *SQLiteIndex) FinishRun(runID string, outcome string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(
		"UPDATE runs SET finished_at = ?, outcome = ? WHERE id = ?",
		time.Now().UTC(), outcome, runID,
	)
	if err != nil {
		return storeErr("recording run outcome", err)
	}
	return nil
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteIndex) CheckMigrations() error {
	return migrations.Verify(s.db)
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteIndex) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteIndex) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteIndex implements install.Index.
var _ install.Index = (*SQLiteIndex)(nil)
