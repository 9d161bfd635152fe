package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loomhq/loomd/migrations"
)

// RunMigrations applies every embedded *.sql migration file in ascending
// numeric order that hasn't already been recorded in schema_migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("storage: bootstrap schema_migrations: %w", err)
	}

	entries, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return fmt.Errorf("storage: glob migrations: %w", err)
	}
	sort.Strings(entries)

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return fmt.Errorf("storage: load applied versions: %w", err)
	}

	for _, name := range entries {
		version, err := migrationVersion(name)
		if err != nil {
			return fmt.Errorf("storage: parse migration filename %q: %w", name, err)
		}
		if applied[version] {
			continue
		}

		body, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("storage: read migration %q: %w", name, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin migration tx: %w", err)
		}
		for _, stmt := range splitStatements(string(body)) {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("storage: apply migration %q: %w", name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, time.Now().UnixMicro()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("storage: record migration %q: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit migration %q: %w", name, err)
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

// migrationVersion extracts the leading integer from a filename like
// "0001_initial.sql" -> 1.
func migrationVersion(name string) (int, error) {
	base := strings.TrimSuffix(name, ".sql")
	idx := strings.Index(base, "_")
	numPart := base
	if idx >= 0 {
		numPart = base[:idx]
	}
	return strconv.Atoi(numPart)
}

// splitStatements naively splits a migration file on every semicolon.
// Migration files are authored without semicolons inside string literals,
// so this is sufficient for the embedded migrations.
func splitStatements(body string) []string {
	return strings.Split(body, ";")
}
