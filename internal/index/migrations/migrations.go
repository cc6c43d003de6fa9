// Package migrations embeds the archive-index schema and applies it with
// golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// Apply brings the database to the latest schema version. Applying an
// already-current database is a no-op.
func Apply(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	// m is deliberately not closed: closing it would close the *sql.DB the
	// caller owns.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Verify reports whether the database schema matches the migrations compiled
// into this binary. It applies no migrations; the only write is the migrate
// driver creating its version table when that table is absent.
func Verify(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	current, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("archive index has no schema version (not yet migrated)")
	}
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("archive index schema is dirty at version %d (a migration was interrupted)", current)
	}

	latest, err := latestVersion()
	if err != nil {
		return err
	}
	switch {
	case current < latest:
		return fmt.Errorf("archive index schema at version %d, binary expects %d (migration needed)", current, latest)
	case current > latest:
		return fmt.Errorf("archive index schema at version %d is newer than this binary's %d (update the binary)", current, latest)
	}
	return nil
}

// newMigrate wires the embedded SQL files and the sqlite connection into a
// migrate instance.
func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("wrapping sqlite connection: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, nil
}

// latestVersion scans the embedded migration filenames for the highest
// NNNN_name.up.sql version prefix.
func latestVersion() (uint, error) {
	entries, err := migrationFiles.ReadDir("files")
	if err != nil {
		return 0, fmt.Errorf("listing embedded migrations: %w", err)
	}

	var latest uint64
	for _, e := range entries {
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(prefix, 10, 32)
		if err != nil {
			continue
		}
		if v > latest {
			latest = v
		}
	}
	if latest == 0 {
		return 0, fmt.Errorf("no migration files embedded")
	}
	return uint(latest), nil
}
