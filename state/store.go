package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/izavyalov-dev/testrun/internal/observability"
)

// ErrNotFound is returned when a requested row cannot be located.
var ErrNotFound = errors.New("state: not found")

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, logger: observability.NewLogger("state")}
}

// TransitionBuildStatus enforces the build status state machine using row-level locking.
func (s *Store) TransitionBuildStatus(ctx context.Context, buildID string, next BuildStatus, durationSeconds float64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current BuildStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM builds WHERE id = $1 FOR UPDATE`, buildID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: build %s", ErrNotFound, buildID)
			}
			return err
		}

		if err := ValidateBuildTransition(buildID, current, next); err != nil {
			return err
		}
		if current == next && current.Terminal() {
			return nil
		}

		_, err := tx.ExecContext(ctx, `
UPDATE builds
SET status = $2, duration_seconds = $3, updated_at = NOW()
WHERE id = $1
`, buildID, next, durationSeconds)
		return err
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
