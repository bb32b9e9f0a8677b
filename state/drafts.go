package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoExpiredDrafts signals there are no draft rows ready to purge.
var ErrNoExpiredDrafts = errors.New("state: no expired drafts")

// PutDraft stores a serialized draft payload that becomes unreachable after ttl.
func (s *Store) PutDraft(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("draft key required")
	}
	if ttl <= 0 {
		return errors.New("draft ttl must be > 0")
	}
	expiresAt := time.Now().UTC().Add(ttl)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO draft_tests (id, events, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET events = EXCLUDED.events,
    expires_at = EXCLUDED.expires_at
`, key, value, expiresAt)
	return err
}

// GetDraft returns a draft payload that has not expired yet.
func (s *Store) GetDraft(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
SELECT events
FROM draft_tests
WHERE id = $1 AND expires_at > $2
`, key, time.Now().UTC()).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: draft %s", ErrNotFound, key)
		}
		return nil, err
	}
	return value, nil
}

// PurgeExpiredDrafts deletes up to limit expired drafts and returns how many were removed.
func (s *Store) PurgeExpiredDrafts(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
DELETE FROM draft_tests
WHERE id IN (
  SELECT id
  FROM draft_tests
  WHERE expires_at <= $1
  ORDER BY expires_at ASC
  FOR UPDATE SKIP LOCKED
  LIMIT $2
)
`, now, limit)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, ErrNoExpiredDrafts
	}
	return int(rows), nil
}
