package state

import (
	"time"

	"github.com/izavyalov-dev/testrun/protocol"
)

// Project owns tests and the baseline build new runs are compared against.
type Project struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	TeamID          string    `json:"team_id"`
	BaselineBuildID *string   `json:"baseline_build_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Folder groups tests within a project.
type Folder struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

// CodeTemplate is a reusable custom-code snippet referenced by CUSTOM_CODE actions.
type CodeTemplate struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"team_id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

// Build records a build submitted to the Runner.
type Build struct {
	ID              string              `json:"id"`
	ProjectID       string              `json:"project_id"`
	Status          BuildStatus         `json:"status"`
	IsDraft         bool                `json:"is_draft"`
	TestIDs         []string            `json:"test_ids"`
	Request         protocol.RunRequest `json:"request"`
	DurationSeconds float64             `json:"duration_seconds"`
	SubmittedAt     time.Time           `json:"submitted_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// BuildRequest reserves an idempotency key for a project run.
type BuildRequest struct {
	ProjectID      string    `json:"project_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	BuildID        *string   `json:"build_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TestFilter narrows the tests of a project selected for a batch run.
type TestFilter struct {
	FolderNames []string
	FolderIDs   []string
	TestIDs     []string
}
