package state

import (
	"context"
	"errors"
)

// CreateProject inserts a project. Used by provisioning tooling and tests.
func (s *Store) CreateProject(ctx context.Context, project Project) (Project, error) {
	if project.ID == "" {
		return Project{}, errors.New("project id required")
	}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO projects (id, name, team_id, baseline_build_id)
VALUES ($1, $2, $3, $4)
RETURNING created_at
`, project.ID, project.Name, project.TeamID, project.BaselineBuildID).Scan(&project.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

// SetProjectBaseline records the build future runs are compared against.
func (s *Store) SetProjectBaseline(ctx context.Context, projectID string, buildID *string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE projects SET baseline_build_id = $2 WHERE id = $1`, projectID, buildID)
	if err != nil {
		return err
	}
	return expectRow(result, "project", projectID)
}

func (s *Store) CreateFolder(ctx context.Context, folder Folder) (Folder, error) {
	if folder.ID == "" || folder.ProjectID == "" {
		return Folder{}, errors.New("folder id and project id required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO test_folders (id, project_id, name)
VALUES ($1, $2, $3)
`, folder.ID, folder.ProjectID, folder.Name)
	if err != nil {
		return Folder{}, err
	}
	return folder, nil
}

func (s *Store) CreateCodeTemplate(ctx context.Context, template CodeTemplate) (CodeTemplate, error) {
	if template.ID == "" {
		return CodeTemplate{}, errors.New("code template id required")
	}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO code_templates (id, team_id, name, code)
VALUES ($1, $2, $3, $4)
RETURNING created_at
`, template.ID, template.TeamID, template.Name, template.Code).Scan(&template.CreatedAt)
	if err != nil {
		return CodeTemplate{}, err
	}
	return template, nil
}
