package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PendingBuildRequestTTL bounds how long a reservation may stay without a build.
// Older pending reservations are treated as abandoned and can be reclaimed.
const PendingBuildRequestTTL = 15 * time.Minute

// ErrDuplicateBuildRequest indicates an idempotency key already exists for the project.
var ErrDuplicateBuildRequest = errors.New("state: duplicate build request")

// ReserveBuildRequest claims an idempotency key before a build is submitted.
// When the key already exists the existing reservation is returned with created=false.
// A pending reservation older than PendingBuildRequestTTL is reclaimed.
func (s *Store) ReserveBuildRequest(ctx context.Context, projectID, idempotencyKey string) (BuildRequest, bool, error) {
	if projectID == "" || idempotencyKey == "" {
		return BuildRequest{}, false, errors.New("project_id and idempotency_key required")
	}

	request := BuildRequest{ProjectID: projectID, IdempotencyKey: idempotencyKey}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		reclaimed, err := tx.ExecContext(ctx, `
DELETE FROM build_requests
WHERE project_id = $1 AND idempotency_key = $2 AND build_id IS NULL
  AND created_at < NOW() - make_interval(secs => $3)
`, projectID, idempotencyKey, PendingBuildRequestTTL.Seconds())
		if err != nil {
			return err
		}
		if n, _ := reclaimed.RowsAffected(); n > 0 {
			s.logger.Warn("reclaimed abandoned build request",
				"event", "build_request_reclaimed",
				"project_id", projectID,
				"idempotency_key", idempotencyKey,
			)
		}

		if err := tx.QueryRowContext(ctx, `
INSERT INTO build_requests (project_id, idempotency_key)
VALUES ($1, $2)
RETURNING created_at
`, projectID, idempotencyKey).Scan(&request.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateBuildRequest
			}
			return err
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrDuplicateBuildRequest) {
			existing, err := s.GetBuildRequest(ctx, projectID, idempotencyKey)
			if err != nil {
				return BuildRequest{}, false, err
			}
			return existing, false, nil
		}
		return BuildRequest{}, false, err
	}

	return request, true, nil
}

// CompleteBuildRequest attaches the submitted build to a reservation.
func (s *Store) CompleteBuildRequest(ctx context.Context, projectID, idempotencyKey, buildID string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE build_requests
SET build_id = $3
WHERE project_id = $1 AND idempotency_key = $2 AND build_id IS NULL
`, projectID, idempotencyKey, buildID)
	if err != nil {
		return err
	}
	return expectRow(result, "build request", idempotencyKey)
}

// ReleaseBuildRequest drops a reservation whose submission failed so the key can be retried.
func (s *Store) ReleaseBuildRequest(ctx context.Context, projectID, idempotencyKey string) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM build_requests
WHERE project_id = $1 AND idempotency_key = $2 AND build_id IS NULL
`, projectID, idempotencyKey)
	return err
}

// GetBuildRequest returns the reservation for an idempotency key.
func (s *Store) GetBuildRequest(ctx context.Context, projectID, idempotencyKey string) (BuildRequest, error) {
	request := BuildRequest{ProjectID: projectID, IdempotencyKey: idempotencyKey}
	var buildID sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT build_id, created_at
FROM build_requests
WHERE project_id = $1 AND idempotency_key = $2
`, projectID, idempotencyKey).Scan(&buildID, &request.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BuildRequest{}, fmt.Errorf("%w: build request %s", ErrNotFound, idempotencyKey)
		}
		return BuildRequest{}, err
	}
	if buildID.Valid {
		request.BuildID = &buildID.String
	}
	return request, nil
}
