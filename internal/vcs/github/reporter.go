package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/izavyalov-dev/testrun/internal/observability"
	"github.com/izavyalov-dev/testrun/protocol"
)

// CheckRunCreator is the part of Client the reporter needs.
type CheckRunCreator interface {
	CreateCheckRun(ctx context.Context, owner, repo string, payload CheckRunRequest) (CheckRunResponse, error)
}

// Reporter publishes finished builds as GitHub check runs on the commit they
// were triggered for.
type Reporter struct {
	client    CheckRunCreator
	logger    *slog.Logger
	checkName string
}

// NewReporter builds a GitHub reporter.
func NewReporter(client CheckRunCreator, logger *slog.Logger, checkName string) *Reporter {
	if logger == nil {
		logger = observability.NewLogger("status.github")
	}
	if checkName == "" {
		checkName = "testrun"
	}
	return &Reporter{
		client:    client,
		logger:    logger,
		checkName: checkName,
	}
}

// ReportBuild creates a completed check run. Builds without a repository and
// commit in their VCS context are skipped.
func (r *Reporter) ReportBuild(ctx context.Context, summary protocol.BuildSummary, meta protocol.RunMeta) error {
	if r == nil || meta.VCS == nil || meta.VCS.CommitID == "" {
		return nil
	}
	owner, repo, ok := strings.Cut(meta.VCS.RepoName, "/")
	if !ok || owner == "" || repo == "" {
		return nil
	}
	if r.client == nil {
		return errors.New("github client not configured")
	}

	checkReq := buildCheckRun(r.checkName, meta.VCS.CommitID, summary)
	resp, err := r.client.CreateCheckRun(ctx, owner, repo, checkReq)
	if err != nil {
		r.logger.Warn("github check run create failed", "event", "github_check_create_failed", "build_id", summary.BuildID, "status", summary.Status, "conclusion", checkReq.Conclusion, "error", err)
		return err
	}

	r.logger.Info("github status updated", "event", "github_status_updated", "build_id", summary.BuildID, "check_run_id", resp.ID, "conclusion", checkReq.Conclusion)
	return nil
}

func buildCheckRun(name, commitSHA string, summary protocol.BuildSummary) CheckRunRequest {
	req := CheckRunRequest{
		Name:       name,
		HeadSHA:    commitSHA,
		DetailsURL: summary.ReportURL,
		ExternalID: summary.BuildID,
		Status:     "completed",
		Conclusion: mapBuildToConclusion(summary.Status),
	}
	if !summary.SubmittedAt.IsZero() {
		startedAt := summary.SubmittedAt
		req.StartedAt = &startedAt
	}
	if !summary.FinishedAt.IsZero() {
		completedAt := summary.FinishedAt
		req.CompletedAt = &completedAt
	}
	req.Output = CheckRunOutput{
		Title:   buildTitle(summary),
		Summary: buildSummary(summary),
	}
	return req
}

func mapBuildToConclusion(status protocol.BuildStatus) string {
	switch status {
	case protocol.BuildStatusPassed:
		return "success"
	case protocol.BuildStatusFailed:
		return "failure"
	case protocol.BuildStatusManualReviewRequired:
		return "action_required"
	default:
		return "neutral"
	}
}

func buildTitle(summary protocol.BuildSummary) string {
	seconds := protocol.BuildStatusReport{DurationSeconds: summary.DurationSeconds}.DisplayDuration()
	if summary.Status == protocol.BuildStatusPassed {
		return fmt.Sprintf("Build passed in %ds", seconds)
	}
	return fmt.Sprintf("Build failed in %ds", seconds)
}

func buildSummary(summary protocol.BuildSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Build `%s`\n\n", sanitize(summary.BuildID))
	fmt.Fprintf(&b, "Status: `%s`\n", summary.Status)
	fmt.Fprintf(&b, "Tests: %d\n", len(summary.TestIDs))
	if summary.ReportURL != "" {
		fmt.Fprintf(&b, "\n[View build report](%s)\n", sanitize(summary.ReportURL))
	}
	return b.String()
}

func sanitize(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	return value
}
