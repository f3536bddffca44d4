package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/syncore/internal/errors"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrations returns the schema migrations shipped with the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migration represents an applied schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

type migrationFile struct {
	version     int
	description string
	name        string
	down        bool
}

// Migrator applies versioned migrations named V{n}__{description}.up.sql
// (and optional .down.sql) from a filesystem.
type Migrator struct {
	db  *sql.DB
	src fs.FS
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB, src fs.FS) *Migrator {
	return &Migrator{db: db, src: src}
}

// Initialize creates the schema_version table if it doesn't exist.
func (m *Migrator) Initialize(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

// CurrentVersion returns the highest applied schema version, 0 when none.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	return version, err
}

// AppliedMigrations returns all applied migrations in version order.
func (m *Migrator) AppliedMigrations(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at, description, checksum FROM schema_version ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.UnixMilli(appliedAt).UTC()
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

// Up applies all pending migrations in version order and returns how many
// were applied. Each migration runs in its own transaction. An applied
// migration whose file content changed is reported as an error.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.Initialize(ctx); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrMigration, "failed to create schema_version table", err)
	}

	applied, err := m.AppliedMigrations(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrMigration, "failed to read applied migrations", err)
	}
	checksums := make(map[int]string, len(applied))
	for _, mig := range applied {
		checksums[mig.Version] = mig.Checksum
	}

	files, err := m.files(false)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrMigration, "failed to list migrations", err)
	}

	count := 0
	for _, f := range files {
		content, err := fs.ReadFile(m.src, f.name)
		if err != nil {
			return count, apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("failed to read %s", f.name), err)
		}
		sum := checksum(content)

		if prev, ok := checksums[f.version]; ok {
			if prev != sum {
				return count, apperrors.Newf(apperrors.ErrMigration, "migration V%d was modified after being applied", f.version)
			}
			continue
		}

		if err := m.apply(ctx, f, content, sum); err != nil {
			return count, apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("failed to apply migration V%d", f.version), err)
		}
		count++
	}
	return count, nil
}

func (m *Migrator) apply(ctx context.Context, f migrationFile, content []byte, sum string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	query := `INSERT INTO schema_version (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, f.version, time.Now().UnixMilli(), f.description, sum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Down rolls back the latest applied migration using its .down.sql file.
func (m *Migrator) Down(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return apperrors.New(apperrors.ErrMigration, "no migrations to rollback")
	}

	files, err := m.files(true)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to list migrations", err)
	}
	var target *migrationFile
	for i := range files {
		if files[i].version == current {
			target = &files[i]
			break
		}
	}
	if target == nil {
		return apperrors.Newf(apperrors.ErrMigration, "no rollback migration found for version %d", current)
	}

	content, err := fs.ReadFile(m.src, target.name)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to read rollback migration", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to execute rollback SQL", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", current); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to remove migration record", err)
	}
	return tx.Commit()
}

// files lists up or down migrations sorted by version. Names that don't
// follow the V{n}__{description} convention are skipped.
func (m *Migrator) files(down bool) ([]migrationFile, error) {
	suffix := ".up.sql"
	if down {
		suffix = ".down.sql"
	}

	entries, err := fs.ReadDir(m.src, ".")
	if err != nil {
		return nil, err
	}

	var out []migrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := path.Base(entry.Name())
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		parts := strings.SplitN(strings.TrimSuffix(name, suffix), "__", 2)
		if len(parts) < 2 || parts[1] == "" {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
		if err != nil || version <= 0 {
			continue
		}
		out = append(out, migrationFile{version: version, description: parts[1], name: entry.Name(), down: down})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	for i := 1; i < len(out); i++ {
		if out[i].version == out[i-1].version {
			return nil, fmt.Errorf("duplicate migration version %d", out[i].version)
		}
	}
	return out, nil
}

func checksum(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}
