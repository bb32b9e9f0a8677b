package orchestrator

import (
	"github.com/izavyalov-dev/testrun/protocol"
	"github.com/izavyalov-dev/testrun/state"
)

// CreateAndRunRequest saves a new test and runs it as a draft build.
// Events come from DraftID when the draft is still live, otherwise from Events.
type CreateAndRunRequest struct {
	ProjectID    string            `json:"-"`
	UserID       string            `json:"userId"`
	Name         string            `json:"name"`
	DraftID      string            `json:"tempTestId,omitempty"`
	Events       []protocol.Action `json:"events,omitempty"`
	FolderID     *string           `json:"folderId,omitempty"`
	ShouldNotRun bool              `json:"shouldNotRunTests,omitempty"`
	Overrides    RunOverrides      `json:"config"`
}

// CreateAndRunResult holds the saved test and, unless ShouldNotRun was set, its build.
type CreateAndRunResult struct {
	Test  protocol.Test         `json:"test"`
	Build *protocol.BuildHandle `json:"build,omitempty"`
	// DraftMissed reports that DraftID was expired or unknown and Events were used instead.
	DraftMissed bool     `json:"draftMissed,omitempty"`
	TestIDs     []string `json:"testIds,omitempty"`
}

type RunDraftRequest struct {
	ProjectID string       `json:"-"`
	UserID    string       `json:"userId"`
	TestID    string       `json:"-"`
	Overrides RunOverrides `json:"config"`
}

// RunResult describes a submitted build.
type RunResult struct {
	Build   protocol.BuildHandle `json:"build"`
	TestIDs []string             `json:"testIds"`
	Request protocol.RunRequest  `json:"request"`
}

// RunProjectBatchRequest runs every matching test of a project.
type RunProjectBatchRequest struct {
	ProjectID      string           `json:"-"`
	UserID         string           `json:"userId"`
	Filter         state.TestFilter `json:"-"`
	Overrides      RunOverrides     `json:"config"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
}

// BatchResult has a nil Build when no test matched the filter.
type BatchResult struct {
	Build        *protocol.BuildHandle `json:"build,omitempty"`
	TestIDs      []string              `json:"testIds"`
	Deduplicated bool                  `json:"deduplicated,omitempty"`
}
