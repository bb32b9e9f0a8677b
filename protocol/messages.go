package protocol

import (
	"encoding/json"
	"time"
)

// Test is a stored browser test as seen by the control plane and the Runner.
type Test struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ProjectID    string    `json:"project_id"`
	UserID       string    `json:"user_id,omitempty"`
	FolderID     *string   `json:"folder_id,omitempty"`
	Events       []Action  `json:"events"`
	DraftBuildID *string   `json:"draft_build_id,omitempty"`
	Deleted      bool      `json:"deleted,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Browser string

const (
	BrowserChrome  Browser = "CHROME"
	BrowserFirefox Browser = "FIREFOX"
	BrowserSafari  Browser = "SAFARI"
)

// ProxyTarget routes a logical host name through a tunnel endpoint.
// Intercept is either a plain string or an object such as {"regex": "..."}.
type ProxyTarget struct {
	Tunnel    string          `json:"tunnel"`
	Intercept json.RawMessage `json:"intercept,omitempty"`
}

type RunConfig struct {
	ProxyURLsMap      map[string]ProxyTarget `json:"proxyUrlsMap,omitempty"`
	Browsers          []Browser              `json:"browsers"`
	ShouldRecordVideo bool                   `json:"shouldRecordVideo"`
	TestIDs           []string               `json:"testIds"`
}

type TriggerSource string

const (
	SourceManual     TriggerSource = "manual"
	SourceVCS        TriggerSource = "vcs-integration"
	SourceDeployment TriggerSource = "deployment-hook"
)

// VCSContext describes the commit a VCS integration triggered the run for.
type VCSContext struct {
	RepoName string `json:"repoName"`
	CommitID string `json:"commitId,omitempty"`
}

// DeploymentContext describes the deployment hook that triggered the run.
type DeploymentContext struct {
	CheckID      string `json:"checkId"`
	DeploymentID string `json:"deploymentId,omitempty"`
	TeamID       string `json:"teamId,omitempty"`
}

type RunMeta struct {
	IsDraftRun                bool               `json:"isDraftJob"`
	IsProjectLevelRun         bool               `json:"isProjectLevelBuild"`
	Source                    TriggerSource      `json:"source"`
	DisableBaselineComparison bool               `json:"disableBaseLineComparisions"`
	VCS                       *VCSContext        `json:"github,omitempty"`
	Deployment                *DeploymentContext `json:"vercel,omitempty"`
	ExternalContext           map[string]string  `json:"context,omitempty"`
}

// RunRequest is the immutable build request handed to the Runner.
type RunRequest struct {
	ProjectID       string      `json:"projectId"`
	UserID          string      `json:"userId"`
	Host            string      `json:"host"`
	Status          BuildStatus `json:"status"`
	Config          RunConfig   `json:"config"`
	Meta            RunMeta     `json:"meta"`
	BaselineBuildID *string     `json:"baselineBuildId"`
}

// SubmitBuild is posted to the Runner.
type SubmitBuild struct {
	Type    string     `json:"type"` // always "SubmitBuild"
	Tests   []Test     `json:"tests"`
	Request RunRequest `json:"request"`
}

// SubmitResponse is returned by the Runner once a build has been accepted.
type SubmitResponse struct {
	BuildID string `json:"buildId"`
}

// BuildHandle identifies a submitted build. It is created once per run.
type BuildHandle struct {
	BuildID     string    `json:"buildId"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// BuildStatusReport is the Runner's answer to a status fetch.
type BuildStatusReport struct {
	BuildID         string      `json:"buildId"`
	Status          BuildStatus `json:"status"`
	DurationSeconds float64     `json:"duration"`
}

// DisplayDuration truncates the reported duration to whole seconds.
func (r BuildStatusReport) DisplayDuration() int {
	if r.DurationSeconds <= 0 {
		return 0
	}
	return int(r.DurationSeconds)
}

// BuildSummary is the archived record of a build the control plane watched to the end.
type BuildSummary struct {
	BuildID         string      `json:"buildId"`
	ProjectID       string      `json:"projectId"`
	Status          BuildStatus `json:"status"`
	PollState       string      `json:"pollState"`
	DurationSeconds float64     `json:"durationSeconds"`
	TestIDs         []string    `json:"testIds"`
	ReportURL       string      `json:"reportUrl,omitempty"`
	SubmittedAt     time.Time   `json:"submittedAt"`
	FinishedAt      time.Time   `json:"finishedAt"`
}
