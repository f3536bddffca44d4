// Package db tests for database connection management.
package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB opens a migrated database in a temporary directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(context.Background(), Options{DataDir: dir})
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(filepath.Join(dir, DefaultFileName))
	require.NoError(t, err, "database file was not created")
	assert.Equal(t, filepath.Join(dir, DefaultFileName), db.Path())

	var walMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&walMode))
	assert.Equal(t, "wal", walMode)

	var fkEnabled int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled))
	assert.Equal(t, 1, fkEnabled)

	for _, table := range []string{"schema_version", "sync_queue", "members", "meetings", "dues_payments"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s missing", table)
	}
}

// TestOpen_reopen verifies migrations are not re-applied on a second open.
func TestOpen_reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(context.Background(), Options{DataDir: dir})
	require.NoError(t, err)

	var first int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&first))
	require.NoError(t, db.Close())

	db, err = Open(context.Background(), Options{DataDir: dir})
	require.NoError(t, err)
	defer db.Close()

	var second int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&second))
	assert.Equal(t, first, second)
}

func TestOpen_memory(t *testing.T) {
	db, err := Open(context.Background(), Options{Path: ":memory:", SkipPragmas: true})
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sync_queue").Scan(&n))
	assert.Zero(t, n)
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	_, err := Open(context.Background(), Options{DataDir: "/dev/null/invalid_path/that/cannot/be/created"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDatabase))
}

func TestOpen_missingDir(t *testing.T) {
	_, err := Open(context.Background(), Options{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}
