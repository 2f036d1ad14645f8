// Package db owns the SQLite connection and its schema.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure Go SQLite driver (no CGO)

	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open opens (creating if needed) the kernel database, applies pending
// migrations, and returns the connection. A database written by a newer
// build is refused rather than migrated downward.
func Open(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite does not tolerate concurrent writers; serialize all access
	// through a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Infof("[db] sqlite initialized at %s", path)
	return db, nil
}

// migrate applies embedded goose migrations and enforces the schema
// version policy: older schemas are migrated up, newer ones are refused.
func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	latest, err := latestMigrationVersion()
	if err != nil {
		return err
	}
	current, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if current > latest {
		return fmt.Errorf("schema mismatch: database version %d is newer than supported version %d, refusing to start", current, latest)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func latestMigrationVersion() (int64, error) {
	migs, err := goose.CollectMigrations("migrations", 0, goose.MaxVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to collect migrations: %w", err)
	}
	last, err := migs.Last()
	if err != nil {
		return 0, fmt.Errorf("no migrations found: %w", err)
	}
	return last.Version, nil
}
