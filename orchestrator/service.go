package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/izavyalov-dev/testrun/internal/observability"
	"github.com/izavyalov-dev/testrun/planner"
	"github.com/izavyalov-dev/testrun/protocol"
	"github.com/izavyalov-dev/testrun/state"
)

// ErrRunInProgress indicates another request with the same idempotency key has
// not finished submitting yet.
var ErrRunInProgress = errors.New("run with this idempotency key is in progress")

// Repository is the read/write view of tests and projects the service needs.
type Repository interface {
	GetTest(ctx context.Context, testID string) (protocol.Test, error)
	CreateTest(ctx context.Context, test protocol.Test) (protocol.Test, error)
	LinkDraftBuild(ctx context.Context, testID, buildID string) error
	ListProjectTests(ctx context.Context, projectID string, filter state.TestFilter) ([]protocol.Test, error)
	GetProject(ctx context.Context, projectID string) (state.Project, error)
	GetCodeTemplate(ctx context.Context, templateID string) (state.CodeTemplate, error)
}

// BuildLedger records submitted builds and batch idempotency keys.
type BuildLedger interface {
	RecordBuild(ctx context.Context, build state.Build) (state.Build, error)
	GetBuild(ctx context.Context, buildID string) (state.Build, error)
	TransitionBuildStatus(ctx context.Context, buildID string, next state.BuildStatus, durationSeconds float64) error
	ReserveBuildRequest(ctx context.Context, projectID, idempotencyKey string) (state.BuildRequest, bool, error)
	CompleteBuildRequest(ctx context.Context, projectID, idempotencyKey, buildID string) error
	ReleaseBuildRequest(ctx context.Context, projectID, idempotencyKey string) error
}

// DraftSource reads staged draft events.
type DraftSource interface {
	Get(ctx context.Context, id string) ([]protocol.Action, error)
}

// ServiceDeps wires the service. Repository and Runner are required.
type ServiceDeps struct {
	Repository Repository
	Runner     RunnerClient
	Status     StatusSource
	Builds     BuildLedger
	Drafts     DraftSource
	Planner    planner.Planner
	Events     observability.EventEmitter
	Archiver   ReportArchiver
	Reporters  []BuildReporter
	Poller     *Poller
	Defaults   *RunDefaults
	IDs        IDGenerator
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	// FrontendURL prefixes report links.
	FrontendURL string
}

// Service ties dependency resolution, request building, submission and polling together.
type Service struct {
	repo        Repository
	runner      RunnerClient
	status      StatusSource
	builds      BuildLedger
	drafts      DraftSource
	planner     planner.Planner
	events      observability.EventEmitter
	archiver    ReportArchiver
	reporters   []BuildReporter
	poller      *Poller
	defaults    RunDefaults
	ids         IDGenerator
	metrics     *observability.Metrics
	logger      *slog.Logger
	frontendURL string
	now         func() time.Time
}

// NewService constructs an orchestrator service with sensible defaults.
func NewService(deps ServiceDeps) *Service {
	s := &Service{
		repo:        deps.Repository,
		runner:      deps.Runner,
		status:      deps.Status,
		builds:      deps.Builds,
		drafts:      deps.Drafts,
		planner:     deps.Planner,
		events:      deps.Events,
		archiver:    deps.Archiver,
		reporters:   deps.Reporters,
		poller:      deps.Poller,
		ids:         deps.IDs,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		frontendURL: strings.TrimRight(deps.FrontendURL, "/"),
		now:         time.Now,
	}
	if s.runner == nil {
		s.runner = RejectingRunner{}
	}
	if s.logger == nil {
		s.logger = observability.NewLogger("orchestrator")
	}
	if s.planner == nil {
		s.planner = planner.ClosurePlanner{
			Tests:     s.repo.GetTest,
			Templates: s.templateCode,
		}
	}
	if s.events == nil {
		s.events = observability.LogEmitter{Logger: s.logger}
	}
	if s.archiver == nil {
		s.archiver = NoopReportArchiver{}
	}
	if s.poller == nil {
		s.poller = NewPoller(PollerConfig{Logger: s.logger, Metrics: s.metrics})
	}
	if deps.Defaults != nil {
		s.defaults = *deps.Defaults
	} else {
		s.defaults = DefaultRunDefaults()
	}
	if s.ids == nil {
		s.ids = UUIDGenerator{}
	}
	return s
}

// CreateAndRun saves a new test and submits it, with its run-after closure, as
// a draft build. Validation and resolution failures happen before anything is
// persisted or submitted.
func (s *Service) CreateAndRun(ctx context.Context, req CreateAndRunRequest) (CreateAndRunResult, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return CreateAndRunResult{}, ValidationError{Field: "project_id", Reason: "required"}
	}
	logger := observability.WithProject(s.logger, req.ProjectID)

	events, draftMissed, err := s.resolveEvents(ctx, req.DraftID, req.Events)
	if err != nil {
		return CreateAndRunResult{}, err
	}
	if draftMissed {
		logger.Warn("draft not found, using request events", "event", "draft_missed", "draft_id", req.DraftID)
	}
	if len(events) == 0 {
		reason := "at least one action is required"
		if draftMissed {
			reason = "draft " + req.DraftID + " expired or unknown and no events were sent"
		}
		return CreateAndRunResult{}, ValidationError{Field: "events", Reason: reason}
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return CreateAndRunResult{}, ValidationError{Field: "name", Reason: "required"}
	}

	test := protocol.Test{
		ID:        s.ids.TestID(),
		Name:      name,
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		FolderID:  req.FolderID,
		Events:    events,
	}
	result := CreateAndRunResult{DraftMissed: draftMissed}

	if req.ShouldNotRun {
		created, err := s.repo.CreateTest(ctx, test)
		if err != nil {
			return CreateAndRunResult{}, fmt.Errorf("create test: %w", err)
		}
		result.Test = created
		logger.Info("test created without run", "event", "test_created", "test_id", created.ID)
		return result, nil
	}

	plan, err := s.plan(ctx, []protocol.Test{test})
	if err != nil {
		return CreateAndRunResult{}, err
	}
	request := BuildRunRequest(RunRequestInput{
		ProjectID:       req.ProjectID,
		UserID:          req.UserID,
		Defaults:        s.defaults,
		Meta:            protocol.RunMeta{IsDraftRun: true},
		Overrides:       req.Overrides,
		ResolvedTestIDs: plan.TestIDs,
	})

	created, err := s.repo.CreateTest(ctx, test)
	if err != nil {
		return CreateAndRunResult{}, fmt.Errorf("create test: %w", err)
	}
	result.Test = created
	result.TestIDs = plan.TestIDs

	handle, err := s.submit(ctx, "draft", plan, request)
	if err != nil {
		return result, err
	}
	result.Build = &handle
	s.linkDraftBuild(ctx, logger, created.ID, handle.BuildID)
	result.Test.DraftBuildID = &handle.BuildID
	return result, nil
}

// RunDraft runs an existing test, with its run-after closure, as a draft build.
func (s *Service) RunDraft(ctx context.Context, req RunDraftRequest) (RunResult, error) {
	if strings.TrimSpace(req.TestID) == "" {
		return RunResult{}, ValidationError{Field: "test_id", Reason: "required"}
	}

	test, err := s.repo.GetTest(ctx, req.TestID)
	if err != nil {
		return RunResult{}, err
	}
	if test.Deleted || (req.ProjectID != "" && test.ProjectID != req.ProjectID) {
		return RunResult{}, fmt.Errorf("%w: test %s in project %s", ErrNotFound, req.TestID, req.ProjectID)
	}
	logger := observability.WithTest(observability.WithProject(s.logger, test.ProjectID), test.ID)

	plan, err := s.plan(ctx, []protocol.Test{test})
	if err != nil {
		return RunResult{}, err
	}
	request := BuildRunRequest(RunRequestInput{
		ProjectID:       test.ProjectID,
		UserID:          req.UserID,
		Defaults:        s.defaults,
		Meta:            protocol.RunMeta{IsDraftRun: true},
		Overrides:       req.Overrides,
		ResolvedTestIDs: plan.TestIDs,
	})

	handle, err := s.submit(ctx, "draft", plan, request)
	if err != nil {
		return RunResult{}, err
	}
	s.linkDraftBuild(ctx, logger, test.ID, handle.BuildID)
	return RunResult{Build: handle, TestIDs: plan.TestIDs, Request: request}, nil
}

// RunProjectBatch runs every active test of a project that matches the filter.
// No build is submitted when nothing matches. A repeated idempotency key
// returns the build of the first request.
func (s *Service) RunProjectBatch(ctx context.Context, req RunProjectBatchRequest) (BatchResult, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return BatchResult{}, ValidationError{Field: "project_id", Reason: "required"}
	}
	logger := observability.WithProject(s.logger, req.ProjectID)

	project, err := s.repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		return BatchResult{}, err
	}

	keyed := req.IdempotencyKey != "" && s.builds != nil
	if keyed {
		reservation, created, err := s.builds.ReserveBuildRequest(ctx, req.ProjectID, req.IdempotencyKey)
		if err != nil {
			return BatchResult{}, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if !created {
			return s.replayBatch(ctx, reservation)
		}
	}
	// Releasing or completing the key must outlive a caller that hung up.
	ledgerCtx := context.WithoutCancel(ctx)
	release := func() {
		if !keyed {
			return
		}
		if err := s.builds.ReleaseBuildRequest(ledgerCtx, req.ProjectID, req.IdempotencyKey); err != nil {
			s.metrics.IncFailure("build_request_release")
			logger.Error("release idempotency key failed", "event", "build_request_release_failed", "error", err)
		}
	}

	tests, err := s.repo.ListProjectTests(ctx, req.ProjectID, req.Filter)
	if err != nil {
		release()
		return BatchResult{}, fmt.Errorf("list project tests: %w", err)
	}
	if len(tests) == 0 {
		release()
		logger.Info("no tests matched, skipping run", "event", "batch_run_empty")
		return BatchResult{TestIDs: []string{}}, nil
	}

	plan, err := s.plan(ctx, tests)
	if err != nil {
		release()
		return BatchResult{}, err
	}
	request := BuildRunRequest(RunRequestInput{
		ProjectID:              req.ProjectID,
		UserID:                 req.UserID,
		Defaults:               s.defaults,
		Meta:                   protocol.RunMeta{IsProjectLevelRun: true},
		Overrides:              req.Overrides,
		ResolvedTestIDs:        plan.TestIDs,
		ProjectBaselineBuildID: project.BaselineBuildID,
	})

	handle, err := s.submit(ctx, "project", plan, request)
	if err != nil {
		release()
		return BatchResult{}, err
	}
	if keyed {
		if err := s.builds.CompleteBuildRequest(ledgerCtx, req.ProjectID, req.IdempotencyKey, handle.BuildID); err != nil {
			s.metrics.IncFailure("build_request_complete")
			logger.Error("complete idempotency key failed", "event", "build_request_complete_failed", "build_id", handle.BuildID, "error", err)
		}
	}

	event := observability.RunTriggered{
		TriggerType: string(request.Meta.Source),
		ProjectID:   req.ProjectID,
		TeamID:      project.TeamID,
		UserID:      req.UserID,
		BuildID:     handle.BuildID,
		TestCount:   len(tests),
		OccurredAt:  s.now().UTC(),
	}
	if err := s.events.EmitRunTriggered(ctx, event); err != nil {
		s.metrics.IncFailure("event_emit")
		logger.Warn("run triggered event failed", "event", "run_triggered_emit_failed", "build_id", handle.BuildID, "error", err)
	}

	return BatchResult{Build: &handle, TestIDs: plan.TestIDs}, nil
}

// GetBuildStatus fetches the current status of a build from the Runner.
func (s *Service) GetBuildStatus(ctx context.Context, projectID, buildID string) (protocol.BuildStatusReport, error) {
	if s.status == nil {
		return protocol.BuildStatusReport{}, errors.New("no build status source configured")
	}
	if strings.TrimSpace(buildID) == "" {
		return protocol.BuildStatusReport{}, ValidationError{Field: "build_id", Reason: "required"}
	}
	return s.status.BuildStatus(ctx, projectID, buildID)
}

// AwaitBuild polls a build until it settles. Observed statuses are recorded
// and a terminal outcome is archived when an archiver is configured.
func (s *Service) AwaitBuild(ctx context.Context, projectID, buildID string) (PollOutcome, error) {
	if s.status == nil {
		return PollOutcome{}, errors.New("no build status source configured")
	}
	logger := observability.WithBuild(observability.WithProject(s.logger, projectID), buildID)

	fetch := func(ctx context.Context, id string) (protocol.BuildStatusReport, error) {
		report, err := s.status.BuildStatus(ctx, projectID, id)
		if err != nil {
			return report, err
		}
		s.recordStatus(ctx, logger, id, report)
		return report, nil
	}

	outcome, err := s.poller.AwaitTerminal(ctx, buildID, fetch)
	if err != nil {
		return outcome, err
	}
	s.publishOutcome(ctx, logger, projectID, outcome)
	return outcome, nil
}

// ReportURL links to the build report in the web app.
func (s *Service) ReportURL(buildID string) string {
	return ReportLink(s.frontendURL, buildID)
}

// ReportLink joins the frontend base URL and the build report path.
func ReportLink(frontendURL, buildID string) string {
	return strings.TrimRight(frontendURL, "/") + "/app/build/" + buildID
}

func (s *Service) resolveEvents(ctx context.Context, draftID string, events []protocol.Action) ([]protocol.Action, bool, error) {
	if draftID == "" {
		return events, false, nil
	}
	if s.drafts == nil {
		return events, true, nil
	}
	draftEvents, err := s.drafts.Get(ctx, draftID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return events, true, nil
		}
		return nil, false, fmt.Errorf("load draft %s: %w", draftID, err)
	}
	return draftEvents, false, nil
}

func (s *Service) plan(ctx context.Context, seeds []protocol.Test) (planner.PlanResult, error) {
	plan, err := s.planner.Plan(ctx, planner.PlanRequest{Seeds: seeds})
	if err != nil {
		s.metrics.IncFailure("resolve")
		return planner.PlanResult{}, fmt.Errorf("resolve tests: %w", err)
	}
	s.metrics.ObserveClosureSize(len(plan.Tests))
	return plan, nil
}

func (s *Service) submit(ctx context.Context, kind string, plan planner.PlanResult, request protocol.RunRequest) (protocol.BuildHandle, error) {
	logger := observability.WithProject(s.logger, request.ProjectID)
	if len(plan.Tests) == 0 {
		return protocol.BuildHandle{}, protocol.SubmissionError{Reason: "empty test set"}
	}

	handle, err := s.runner.Submit(ctx, plan.Tests, request)
	if err != nil {
		s.metrics.IncFailure("submission")
		logger.Error("build submission failed", "event", "run_submit_failed", "kind", kind, "error", err)
		return protocol.BuildHandle{}, err
	}
	if handle.SubmittedAt.IsZero() {
		handle.SubmittedAt = s.now().UTC()
	}
	s.metrics.IncSubmission(kind)
	logger.Info("build submitted",
		"event", "run_submitted",
		"kind", kind,
		"build_id", handle.BuildID,
		"tests", len(plan.TestIDs),
		"source", request.Meta.Source,
	)

	if s.builds != nil {
		_, err := s.builds.RecordBuild(context.WithoutCancel(ctx), state.Build{
			ID:          handle.BuildID,
			ProjectID:   request.ProjectID,
			Status:      protocol.BuildStatusCreated,
			IsDraft:     request.Meta.IsDraftRun,
			TestIDs:     plan.TestIDs,
			Request:     request,
			SubmittedAt: handle.SubmittedAt,
		})
		if err != nil {
			s.metrics.IncFailure("build_record")
			logger.Error("record build failed", "event", "build_record_failed", "build_id", handle.BuildID, "error", err)
		}
	}
	return handle, nil
}

func (s *Service) replayBatch(ctx context.Context, reservation state.BuildRequest) (BatchResult, error) {
	if reservation.BuildID == nil {
		return BatchResult{}, fmt.Errorf("%w: %s", ErrRunInProgress, reservation.IdempotencyKey)
	}
	logger := s.logger.With("project_id", reservation.ProjectID, "build_id", *reservation.BuildID)
	result := BatchResult{
		Build:        &protocol.BuildHandle{BuildID: *reservation.BuildID},
		TestIDs:      []string{},
		Deduplicated: true,
	}

	// The build record is best effort, so the reservation alone identifies the build.
	build, err := s.builds.GetBuild(ctx, *reservation.BuildID)
	switch {
	case err == nil:
		result.Build.SubmittedAt = build.SubmittedAt
		result.TestIDs = build.TestIDs
	case errors.Is(err, state.ErrNotFound):
		logger.Warn("replaying build without a build record", "event", "batch_run_replay_unrecorded")
	default:
		return BatchResult{}, fmt.Errorf("load build %s: %w", *reservation.BuildID, err)
	}

	logger.Info("duplicate run request replayed", "event", "batch_run_deduplicated")
	return result, nil
}

func (s *Service) linkDraftBuild(ctx context.Context, logger *slog.Logger, testID, buildID string) {
	if err := s.repo.LinkDraftBuild(context.WithoutCancel(ctx), testID, buildID); err != nil {
		s.metrics.IncFailure("draft_link")
		logger.Error("link draft build failed", "event", "draft_build_link_failed", "test_id", testID, "build_id", buildID, "error", err)
	}
}

func (s *Service) recordStatus(ctx context.Context, logger *slog.Logger, buildID string, report protocol.BuildStatusReport) {
	if s.builds == nil || !report.Status.Known() {
		return
	}
	err := s.builds.TransitionBuildStatus(ctx, buildID, report.Status, report.DurationSeconds)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
	case state.IsTransitionError(err):
		logger.Warn("ignoring non-monotonic build status", "event", "build_status_regressed", "status", report.Status, "error", err)
	default:
		logger.Warn("record build status failed", "event", "build_status_record_failed", "error", err)
	}
}

func (s *Service) publishOutcome(ctx context.Context, logger *slog.Logger, projectID string, outcome PollOutcome) {
	summary := protocol.BuildSummary{
		BuildID:         outcome.BuildID,
		ProjectID:       projectID,
		Status:          outcome.Status(),
		PollState:       string(outcome.State),
		DurationSeconds: outcome.Report.DurationSeconds,
		ReportURL:       s.ReportURL(outcome.BuildID),
		FinishedAt:      s.now().UTC(),
	}
	var meta protocol.RunMeta
	if s.builds != nil {
		if build, err := s.builds.GetBuild(ctx, outcome.BuildID); err == nil {
			summary.TestIDs = build.TestIDs
			summary.SubmittedAt = build.SubmittedAt
			meta = build.Request.Meta
		}
	}
	location, err := s.archiver.ArchiveBuild(ctx, summary)
	switch {
	case err != nil:
		s.metrics.IncFailure("archive")
		logger.Warn("archive build summary failed", "event", "build_archive_failed", "error", err)
	case location != "":
		logger.Info("build summary archived", "event", "build_archived", "location", location)
	}
	for _, reporter := range s.reporters {
		if reporter == nil {
			continue
		}
		if err := reporter.ReportBuild(ctx, summary, meta); err != nil {
			s.metrics.IncFailure("report")
			logger.Warn("report build failed", "event", "build_report_failed", "error", err)
		}
	}
}

func (s *Service) templateCode(ctx context.Context, templateID string) (string, error) {
	template, err := s.repo.GetCodeTemplate(ctx, templateID)
	if err != nil {
		return "", err
	}
	return template.Code, nil
}
