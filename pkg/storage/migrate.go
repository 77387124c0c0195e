package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

// MigrationsTable records applied schema versions
const MigrationsTable = "trust_migrations"

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrate applies every migration not yet recorded, in version order, one
// transaction per migration. Versions must be unique across the sets passed in.
func Migrate(ctx context.Context, db *sql.DB, logger *observability.Logger, sets ...[]Migration) error {
	var all []Migration
	seen := make(map[int]string)
	for _, set := range sets {
		for _, m := range set {
			if prev, dup := seen[m.Version]; dup {
				return fmt.Errorf("duplicate migration version %d (%q and %q)", m.Version, prev, m.Description)
			}
			seen[m.Version] = m.Description
			all = append(all, m)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+MigrationsTable+` (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		logger.WithField("version", m.Version).Infof("Running migration: %s", m.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO "+MigrationsTable+" (version, description) VALUES ($1, $2)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM "+MigrationsTable+" ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
