package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/izavyalov-dev/testrun/protocol"
)

// ErrDuplicateBuild indicates a build id has already been recorded.
var ErrDuplicateBuild = errors.New("state: duplicate build")

// RecordBuild stores a build accepted by the Runner.
func (s *Store) RecordBuild(ctx context.Context, build Build) (Build, error) {
	if build.ID == "" || build.ProjectID == "" {
		return Build{}, errors.New("build id and project id required")
	}
	if build.Status == "" {
		build.Status = protocol.BuildStatusCreated
	}
	request, err := json.Marshal(build.Request)
	if err != nil {
		return Build{}, fmt.Errorf("encode run request: %w", err)
	}
	testIDs, err := json.Marshal(build.TestIDs)
	if err != nil {
		return Build{}, fmt.Errorf("encode test ids: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
INSERT INTO builds (id, project_id, status, is_draft, test_ids, request, submitted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING updated_at
`, build.ID, build.ProjectID, build.Status, build.IsDraft, testIDs, request, build.SubmittedAt).Scan(&build.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Build{}, fmt.Errorf("%w: %s", ErrDuplicateBuild, build.ID)
		}
		return Build{}, err
	}
	return build, nil
}

// GetBuild returns a single recorded build by ID.
func (s *Store) GetBuild(ctx context.Context, buildID string) (Build, error) {
	var build Build
	var testIDs, request []byte
	err := s.db.QueryRowContext(ctx, `
SELECT id, project_id, status, is_draft, test_ids, request, duration_seconds, submitted_at, updated_at
FROM builds
WHERE id = $1
`, buildID).Scan(
		&build.ID,
		&build.ProjectID,
		&build.Status,
		&build.IsDraft,
		&testIDs,
		&request,
		&build.DurationSeconds,
		&build.SubmittedAt,
		&build.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Build{}, fmt.Errorf("%w: build %s", ErrNotFound, buildID)
		}
		return Build{}, err
	}
	if err := json.Unmarshal(testIDs, &build.TestIDs); err != nil {
		return Build{}, fmt.Errorf("decode test ids of build %s: %w", buildID, err)
	}
	if err := json.Unmarshal(request, &build.Request); err != nil {
		return Build{}, fmt.Errorf("decode request of build %s: %w", buildID, err)
	}
	return build, nil
}
