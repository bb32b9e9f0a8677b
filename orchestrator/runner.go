package orchestrator

import (
	"context"

	"github.com/izavyalov-dev/testrun/protocol"
)

// RunnerClient submits resolved tests to the external execution engine.
// Rejections are reported as protocol.SubmissionError.
type RunnerClient interface {
	Submit(ctx context.Context, tests []protocol.Test, req protocol.RunRequest) (protocol.BuildHandle, error)
}

// StatusSource reads build status from the Runner.
type StatusSource interface {
	BuildStatus(ctx context.Context, projectID, buildID string) (protocol.BuildStatusReport, error)
}

// RejectingRunner refuses every submission. It stands in when no Runner is configured.
type RejectingRunner struct{}

func (RejectingRunner) Submit(ctx context.Context, tests []protocol.Test, req protocol.RunRequest) (protocol.BuildHandle, error) {
	return protocol.BuildHandle{}, protocol.SubmissionError{Reason: "no runner configured"}
}
