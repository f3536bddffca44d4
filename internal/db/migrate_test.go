// Package db tests for database migration management.
package db

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__create_a.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY);")},
		"V1__create_a.down.sql": {Data: []byte("DROP TABLE a;")},
		"V2__create_b.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER PRIMARY KEY);")},
		"V2__create_b.down.sql": {Data: []byte("DROP TABLE b;")},
		"README.md":             {Data: []byte("ignored")},
		"Vx__bad.up.sql":        {Data: []byte("ignored")},
	}
}

// TestInitialize verifies schema_version table creation.
func TestInitialize(t *testing.T) {
	db := openRawDB(t)
	m := NewMigrator(db, fstest.MapFS{})
	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.Initialize(context.Background()), "Initialize must be idempotent")

	var name string
	require.NoError(t, db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name))
}

func TestUp_appliesInOrder(t *testing.T) {
	ctx := context.Background()
	db := openRawDB(t)
	m := NewMigrator(db, testMigrations())

	applied, err := m.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	version, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	migs, err := m.AppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, migs, 2)
	assert.Equal(t, "create_a", migs[0].Description)
	assert.Len(t, migs[0].Checksum, 64)

	applied, err = m.Up(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied, "migrations must apply exactly once")
}

func TestUp_noMigrations(t *testing.T) {
	m := NewMigrator(openRawDB(t), fstest.MapFS{})
	applied, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Zero(t, applied)
}

// TestUp_failureRollsBack verifies a broken migration leaves no partial state.
func TestUp_failureRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openRawDB(t)
	src := fstest.MapFS{
		"V1__ok.up.sql":     {Data: []byte("CREATE TABLE ok (id INTEGER);")},
		"V2__broken.up.sql": {Data: []byte("CREATE TABLE half (id INTEGER); CREATE TABL nope;")},
	}
	m := NewMigrator(db, src)

	applied, err := m.Up(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrMigration))
	assert.Equal(t, 1, applied)

	version, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name='half'").Scan(&n))
	assert.Zero(t, n)
}

func TestUp_checksumDrift(t *testing.T) {
	ctx := context.Background()
	db := openRawDB(t)
	src := testMigrations()
	_, err := NewMigrator(db, src).Up(ctx)
	require.NoError(t, err)

	src["V1__create_a.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a (id TEXT);")}
	_, err = NewMigrator(db, src).Up(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrMigration))
}

func TestUp_duplicateVersion(t *testing.T) {
	src := fstest.MapFS{
		"V1__one.up.sql": {Data: []byte("SELECT 1;")},
		"V1__two.up.sql": {Data: []byte("SELECT 2;")},
	}
	_, err := NewMigrator(openRawDB(t), src).Up(context.Background())
	assert.Error(t, err)
}

func TestDown(t *testing.T) {
	ctx := context.Background()
	db := openRawDB(t)
	m := NewMigrator(db, testMigrations())
	_, err := m.Up(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Down(ctx))
	version, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name='b'").Scan(&n))
	assert.Zero(t, n)
}

func TestDown_noMigrations(t *testing.T) {
	m := NewMigrator(openRawDB(t), fstest.MapFS{})
	require.NoError(t, m.Initialize(context.Background()))
	assert.Error(t, m.Down(context.Background()))
}

func TestMigrations_embedded(t *testing.T) {
	files, err := NewMigrator(nil, Migrations()).files(false)
	require.NoError(t, err)
	require.NotEmpty(t, files)
	for i, f := range files {
		assert.Equal(t, i+1, f.version, "embedded migrations must be contiguous")
	}
}
