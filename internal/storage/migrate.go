package storage

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// migrationLockKey serializes concurrent migrators (several adagent
// processes starting at once).
const migrationLockKey = 7_310_221

// RunMigrations applies unapplied .sql files from migrationsFS in lexical order.
// Each file runs in its own transaction together with its schema_migrations
// record, so a failed file leaves no partial state behind.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		ran, err := db.applyMigration(ctx, migrationsFS, entry.Name())
		if err != nil {
			return err
		}
		if ran {
			applied++
		}
	}
	db.logger.Debug("migrations complete", "applied", applied)
	return nil
}

func (db *DB) applyMigration(ctx context.Context, migrationsFS fs.FS, name string) (bool, error) {
	content, err := fs.ReadFile(migrationsFS, name)
	if err != nil {
		return false, fmt.Errorf("storage: read migration %s: %w", name, err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: begin migration %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("storage: lock migrations: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, name,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: check migration %s: %w", name, err)
	}
	if exists {
		db.logger.Debug("migration already applied, skipping", "file", name)
		return false, nil
	}

	db.logger.Info("running migration", "file", name)
	if _, err := tx.Exec(ctx, string(content)); err != nil {
		return false, fmt.Errorf("storage: execute migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1)`, name,
	); err != nil {
		return false, fmt.Errorf("storage: record migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("storage: commit migration %s: %w", name, err)
	}
	return true, nil
}
