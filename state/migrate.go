package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/izavyalov-dev/testrun/state/migrations"
)

// migrationLockID serializes concurrent ApplyMigrations calls across processes.
const migrationLockID = 0x7465737472756e

// ApplyMigrations applies pending embedded migrations in a single transaction
// and returns the ids it applied. Already recorded migrations are skipped.
func (s *Store) ApplyMigrations(ctx context.Context) ([]string, error) {
	var applied []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
			return fmt.Errorf("lock migrations: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    id TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`); err != nil {
			return err
		}

		recorded, err := recordedMigrations(ctx, tx)
		if err != nil {
			return err
		}
		for _, migration := range migrations.All {
			if recorded[migration.ID] {
				continue
			}
			if _, err := tx.ExecContext(ctx, migration.Script); err != nil {
				return fmt.Errorf("apply migration %s: %w", migration.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id) VALUES ($1)`, migration.ID); err != nil {
				return fmt.Errorf("record migration %s: %w", migration.ID, err)
			}
			applied = append(applied, migration.ID)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("migrations failed", "event", "migrations_failed", "error", err)
		return nil, err
	}
	if len(applied) > 0 {
		s.logger.Info("migrations applied", "event", "migrations_applied", "ids", applied)
	}
	return applied, nil
}

func recordedMigrations(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recorded := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		recorded[id] = true
	}
	return recorded, rows.Err()
}
