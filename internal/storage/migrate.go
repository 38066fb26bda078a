package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

// ErrMigrationChanged is returned when a migration that was already applied
// no longer matches the embedded file. Shipped migrations are immutable; add
// a new numbered file instead.
var ErrMigrationChanged = errors.New("storage: applied migration was modified")

// migration is one NNN_description.sql file.
type migration struct {
	version  int
	name     string
	sql      string
	checksum string
}

type appliedMigration struct {
	name     string
	checksum string
}

// RunMigrations applies the numbered .sql files of migrationsFS that the
// tracking database has not seen yet. Each file runs in its own transaction
// together with its row in autolog_migrations, so a failed file leaves no
// trace and is retried on the next start.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS autolog_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create autolog_migrations: %w", err)
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}
	pending, err := pendingMigrations(migrationsFS, applied)
	if err != nil {
		return err
	}

	for _, m := range pending {
		db.logger.Info("storage: applying migration", "version", m.version, "name", m.name)
		if err := db.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("storage: migration %s: %w", m.name, err)
		}
	}
	if len(pending) == 0 {
		db.logger.Debug("storage: schema up to date", "migrations", len(applied))
	}
	return nil
}

func (db *DB) applyMigration(ctx context.Context, m migration) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO autolog_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
		m.version, m.name, m.checksum,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (db *DB) appliedMigrations(ctx context.Context) (map[int]appliedMigration, error) {
	rows, err := db.pool.Query(ctx, `SELECT version, name, checksum FROM autolog_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]appliedMigration)
	for rows.Next() {
		var (
			v int
			a appliedMigration
		)
		if err := rows.Scan(&v, &a.name, &a.checksum); err != nil {
			return nil, err
		}
		applied[v] = a
	}
	return applied, rows.Err()
}

// pendingMigrations reads every migration in fsys, checks the applied ones
// against their recorded checksum and returns the rest in version order.
func pendingMigrations(fsys fs.FS, applied map[int]appliedMigration) ([]migration, error) {
	all, err := readMigrations(fsys)
	if err != nil {
		return nil, err
	}
	var pending []migration
	for _, m := range all {
		a, ok := applied[m.version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if a.checksum != m.checksum {
			return nil, fmt.Errorf("%w: %s (recorded as %s)", ErrMigrationChanged, m.name, a.name)
		}
	}
	return pending, nil
}

func readMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("storage: read migrations: %w", err)
	}
	seen := make(map[int]string)
	var out []migration
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		name := e.Name()
		version, err := migrationVersion(name)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("storage: migrations %s and %s share version %d", prev, name, version)
		}
		seen[version] = name

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		out = append(out, migration{
			version:  version,
			name:     name,
			sql:      string(content),
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// migrationVersion parses the numeric prefix of "001_tracking.sql".
func migrationVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("storage: migration %s: want NNN_description.sql", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("storage: migration %s: invalid version %q", name, prefix)
	}
	return v, nil
}
