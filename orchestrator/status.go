package orchestrator

import (
	"context"

	"github.com/izavyalov-dev/testrun/protocol"
)

// ReportArchiver stores the summary of a finished build and returns its location.
type ReportArchiver interface {
	ArchiveBuild(ctx context.Context, summary protocol.BuildSummary) (string, error)
}

// NoopReportArchiver discards summaries.
type NoopReportArchiver struct{}

func (NoopReportArchiver) ArchiveBuild(ctx context.Context, summary protocol.BuildSummary) (string, error) {
	return "", nil
}

// BuildReporter publishes a finished build to an outside system, such as a
// commit check on the repository the run was triggered from.
type BuildReporter interface {
	ReportBuild(ctx context.Context, summary protocol.BuildSummary, meta protocol.RunMeta) error
}
