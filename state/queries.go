package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/izavyalov-dev/testrun/protocol"
)

const testColumns = `id, project_id, user_id, name, events, folder_id, draft_build_id, deleted, created_at`

// CreateTest inserts a new test.
func (s *Store) CreateTest(ctx context.Context, test protocol.Test) (protocol.Test, error) {
	if test.ID == "" || test.ProjectID == "" {
		return protocol.Test{}, errors.New("test id and project id required")
	}
	events, err := json.Marshal(test.Events)
	if err != nil {
		return protocol.Test{}, fmt.Errorf("encode events: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
INSERT INTO tests (id, project_id, user_id, name, events, folder_id)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING created_at
`, test.ID, test.ProjectID, test.UserID, test.Name, events, test.FolderID).Scan(&test.CreatedAt)
	if err != nil {
		return protocol.Test{}, err
	}
	return test, nil
}

// GetTest returns a single test by ID.
func (s *Store) GetTest(ctx context.Context, testID string) (protocol.Test, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+testColumns+` FROM tests WHERE id = $1`, testID)
	test, err := scanTest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return protocol.Test{}, fmt.Errorf("%w: test %s", ErrNotFound, testID)
		}
		return protocol.Test{}, err
	}
	return test, nil
}

// ListProjectTests returns the active tests of a project that match the filter,
// newest first. Folder names take precedence over folder ids.
func (s *Store) ListProjectTests(ctx context.Context, projectID string, filter TestFilter) ([]protocol.Test, error) {
	query := `SELECT ` + testColumns + ` FROM tests WHERE project_id = $1 AND deleted = FALSE`
	args := []any{projectID}

	if len(filter.FolderNames) > 0 {
		args = append(args, filter.FolderNames)
		query += fmt.Sprintf(` AND folder_id IN (SELECT id FROM test_folders WHERE project_id = $1 AND name = ANY($%d))`, len(args))
	} else if len(filter.FolderIDs) > 0 {
		args = append(args, filter.FolderIDs)
		query += fmt.Sprintf(` AND folder_id = ANY($%d)`, len(args))
	}
	if len(filter.TestIDs) > 0 {
		args = append(args, filter.TestIDs)
		query += fmt.Sprintf(` AND id = ANY($%d)`, len(args))
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tests []protocol.Test
	for rows.Next() {
		test, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, test)
	}
	return tests, rows.Err()
}

// LinkDraftBuild records the latest draft build of a test.
func (s *Store) LinkDraftBuild(ctx context.Context, testID, buildID string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE tests
SET draft_build_id = $2, updated_at = NOW()
WHERE id = $1
`, testID, buildID)
	if err != nil {
		return err
	}
	return expectRow(result, "test", testID)
}

// GetProject returns a single project by ID.
func (s *Store) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	var baseline sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, team_id, baseline_build_id, created_at
FROM projects
WHERE id = $1
`, projectID).Scan(&project.ID, &project.Name, &project.TeamID, &baseline, &project.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
		}
		return Project{}, err
	}
	if baseline.Valid {
		project.BaselineBuildID = &baseline.String
	}
	return project, nil
}

// GetCodeTemplate returns a single code template by ID.
func (s *Store) GetCodeTemplate(ctx context.Context, templateID string) (CodeTemplate, error) {
	var template CodeTemplate
	err := s.db.QueryRowContext(ctx, `
SELECT id, team_id, name, code, created_at
FROM code_templates
WHERE id = $1
`, templateID).Scan(&template.ID, &template.TeamID, &template.Name, &template.Code, &template.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CodeTemplate{}, fmt.Errorf("%w: code template %s", ErrNotFound, templateID)
		}
		return CodeTemplate{}, err
	}
	return template, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTest(row rowScanner) (protocol.Test, error) {
	var test protocol.Test
	var userID, folderID, draftBuildID sql.NullString
	var events []byte
	if err := row.Scan(&test.ID, &test.ProjectID, &userID, &test.Name, &events, &folderID, &draftBuildID, &test.Deleted, &test.CreatedAt); err != nil {
		return protocol.Test{}, err
	}
	if err := json.Unmarshal(events, &test.Events); err != nil {
		return protocol.Test{}, fmt.Errorf("decode events of test %s: %w", test.ID, err)
	}
	test.UserID = userID.String
	if folderID.Valid {
		test.FolderID = &folderID.String
	}
	if draftBuildID.Valid {
		test.DraftBuildID = &draftBuildID.String
	}
	return test, nil
}

func expectRow(result sql.Result, entity, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, entity, id)
	}
	return nil
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseTestFilter builds a filter from comma separated folder names, folder ids and test ids.
func ParseTestFilter(folderNames, folderIDs, testIDs string) TestFilter {
	return TestFilter{
		FolderNames: splitList(folderNames),
		FolderIDs:   splitList(folderIDs),
		TestIDs:     splitList(testIDs),
	}
}
