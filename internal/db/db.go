// Package db provides the Local Store: an embedded SQLite database with
// versioned migrations and generic CRUD primitives.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/logging"
	_ "modernc.org/sqlite"
)

// DefaultFileName is the database file created inside the data directory.
const DefaultFileName = "syncore.db"

// Options configures Open.
type Options struct {
	// DataDir holds the database file. Ignored when Path is set.
	DataDir string
	// Path overrides the full database path (":memory:" is accepted).
	Path string
	// BusyTimeout bounds how long a statement waits on a locked database.
	BusyTimeout time.Duration
	// SkipPragmas leaves journal/foreign-key settings at SQLite defaults.
	SkipPragmas bool
}

// DB wraps the sql.DB opened for the sync core.
type DB struct {
	*sql.DB
	path string
}

// Open opens (or creates) the database, applies pending migrations and then
// the durability pragmas. A migration failure is fatal: the returned error
// carries MIGRATION_FAILED and the database is closed.
func Open(ctx context.Context, opts Options) (*DB, error) {
	path := opts.Path
	if path == "" {
		if opts.DataDir == "" {
			return nil, apperrors.New(apperrors.ErrInvalid, "data directory or path is required")
		}
		if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to create data directory", err)
		}
		path = filepath.Join(opts.DataDir, DefaultFileName)
	} else if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to create database directory", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open database", err)
	}

	// SQLite doesn't support multiple writers; one connection also keeps
	// per-connection pragmas and ":memory:" databases stable.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to ping database", err)
	}

	migrator := NewMigrator(sqlDB, Migrations())
	applied, err := migrator.Up(ctx)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if applied > 0 {
		logging.Info("Applied schema migrations", map[string]interface{}{
			"path":    path,
			"applied": applied,
		})
	}

	if !opts.SkipPragmas {
		if err := applyPragmas(ctx, sqlDB, opts.BusyTimeout); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	return &DB{DB: sqlDB, path: path}, nil
}

func applyPragmas(ctx context.Context, sqlDB *sql.DB, busyTimeout time.Duration) error {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		fmt.Sprintf("PRAGMA busy_timeout=%d;", busyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, p); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to apply %q", p), err)
		}
	}
	return nil
}

// Path returns the database path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
