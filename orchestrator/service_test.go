package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/izavyalov-dev/testrun/drafts"
	"github.com/izavyalov-dev/testrun/internal/observability"
	"github.com/izavyalov-dev/testrun/protocol"
	"github.com/izavyalov-dev/testrun/state"
)

// memStore implements Repository and BuildLedger in memory.
type memStore struct {
	mu          sync.Mutex
	tests       map[string]protocol.Test
	projects    map[string]state.Project
	templates   map[string]state.CodeTemplate
	builds      map[string]state.Build
	requests    map[string]state.BuildRequest
	created     []string
	statuses    []protocol.BuildStatus
	completeErr error
}

func newMemStore() *memStore {
	return &memStore{
		tests:     map[string]protocol.Test{},
		projects:  map[string]state.Project{},
		templates: map[string]state.CodeTemplate{},
		builds:    map[string]state.Build{},
		requests:  map[string]state.BuildRequest{},
	}
}

func (m *memStore) addTest(test protocol.Test) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if test.CreatedAt.IsZero() {
		test.CreatedAt = time.Unix(int64(len(m.tests)), 0)
	}
	m.tests[test.ID] = test
}

func (m *memStore) GetTest(ctx context.Context, testID string) (protocol.Test, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	test, ok := m.tests[testID]
	if !ok {
		return protocol.Test{}, fmt.Errorf("%w: test %s", state.ErrNotFound, testID)
	}
	return test, nil
}

func (m *memStore) CreateTest(ctx context.Context, test protocol.Test) (protocol.Test, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	test.CreatedAt = time.Now()
	m.tests[test.ID] = test
	m.created = append(m.created, test.ID)
	return test, nil
}

func (m *memStore) LinkDraftBuild(ctx context.Context, testID, buildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	test, ok := m.tests[testID]
	if !ok {
		return fmt.Errorf("%w: test %s", state.ErrNotFound, testID)
	}
	test.DraftBuildID = &buildID
	m.tests[testID] = test
	return nil
}

func (m *memStore) ListProjectTests(ctx context.Context, projectID string, filter state.TestFilter) ([]protocol.Test, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.Test
	for _, test := range m.tests {
		if test.ProjectID != projectID || test.Deleted {
			continue
		}
		if len(filter.TestIDs) > 0 && !slices.Contains(filter.TestIDs, test.ID) {
			continue
		}
		if len(filter.FolderIDs) > 0 && (test.FolderID == nil || !slices.Contains(filter.FolderIDs, *test.FolderID)) {
			continue
		}
		out = append(out, test)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) GetProject(ctx context.Context, projectID string) (state.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[projectID]
	if !ok {
		return state.Project{}, fmt.Errorf("%w: project %s", state.ErrNotFound, projectID)
	}
	return project, nil
}

func (m *memStore) GetCodeTemplate(ctx context.Context, templateID string) (state.CodeTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	template, ok := m.templates[templateID]
	if !ok {
		return state.CodeTemplate{}, fmt.Errorf("%w: code template %s", state.ErrNotFound, templateID)
	}
	return template, nil
}

func (m *memStore) RecordBuild(ctx context.Context, build state.Build) (state.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.builds[build.ID]; ok {
		return state.Build{}, state.ErrDuplicateBuild
	}
	m.builds[build.ID] = build
	return build, nil
}

func (m *memStore) GetBuild(ctx context.Context, buildID string) (state.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	build, ok := m.builds[buildID]
	if !ok {
		return state.Build{}, fmt.Errorf("%w: build %s", state.ErrNotFound, buildID)
	}
	return build, nil
}

func (m *memStore) TransitionBuildStatus(ctx context.Context, buildID string, next state.BuildStatus, durationSeconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	build, ok := m.builds[buildID]
	if !ok {
		return fmt.Errorf("%w: build %s", state.ErrNotFound, buildID)
	}
	if err := state.ValidateBuildTransition(buildID, build.Status, next); err != nil {
		return err
	}
	build.Status = next
	build.DurationSeconds = durationSeconds
	m.builds[buildID] = build
	m.statuses = append(m.statuses, next)
	return nil
}

func (m *memStore) ReserveBuildRequest(ctx context.Context, projectID, key string) (state.BuildRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.requests[projectID+"/"+key]; ok {
		return existing, false, nil
	}
	request := state.BuildRequest{ProjectID: projectID, IdempotencyKey: key, CreatedAt: time.Now()}
	m.requests[projectID+"/"+key] = request
	return request, true, nil
}

func (m *memStore) CompleteBuildRequest(ctx context.Context, projectID, key, buildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.completeErr != nil {
		return m.completeErr
	}
	request, ok := m.requests[projectID+"/"+key]
	if !ok {
		return state.ErrNotFound
	}
	request.BuildID = &buildID
	m.requests[projectID+"/"+key] = request
	return nil
}

func (m *memStore) ReleaseBuildRequest(ctx context.Context, projectID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	delete(m.requests, projectID+"/"+key)
	return nil
}

type submission struct {
	tests   []protocol.Test
	request protocol.RunRequest
}

type recordingRunner struct {
	mu          sync.Mutex
	submissions []submission
	err         error
	statuses    []protocol.BuildStatus
	fetches     int
	onSubmit    func()
}

func (r *recordingRunner) Submit(ctx context.Context, tests []protocol.Test, req protocol.RunRequest) (protocol.BuildHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.onSubmit != nil {
		r.onSubmit()
	}
	if r.err != nil {
		return protocol.BuildHandle{}, r.err
	}
	r.submissions = append(r.submissions, submission{tests: tests, request: req})
	return protocol.BuildHandle{BuildID: fmt.Sprintf("b%d", len(r.submissions)), SubmittedAt: time.Now()}, nil
}

func (r *recordingRunner) BuildStatus(ctx context.Context, projectID, buildID string) (protocol.BuildStatusReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.statuses[len(r.statuses)-1]
	if r.fetches < len(r.statuses) {
		status = r.statuses[r.fetches]
	}
	r.fetches++
	return protocol.BuildStatusReport{BuildID: buildID, Status: status, DurationSeconds: 12.9}, nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.submissions)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []observability.RunTriggered
	err    error
}

func (e *recordingEmitter) EmitRunTriggered(ctx context.Context, event observability.RunTriggered) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return e.err
}

type recordingArchiver struct {
	summaries []protocol.BuildSummary
}

func (a *recordingArchiver) ArchiveBuild(ctx context.Context, summary protocol.BuildSummary) (string, error) {
	a.summaries = append(a.summaries, summary)
	return "s3://reports/" + summary.BuildID, nil
}

type recordingReporter struct {
	metas     []protocol.RunMeta
	summaries []protocol.BuildSummary
	err       error
}

func (r *recordingReporter) ReportBuild(ctx context.Context, summary protocol.BuildSummary, meta protocol.RunMeta) error {
	r.summaries = append(r.summaries, summary)
	r.metas = append(r.metas, meta)
	return r.err
}

type sequenceIDGen struct {
	next int
}

func (g *sequenceIDGen) TestID() string {
	g.next++
	return fmt.Sprintf("new-%d", g.next)
}

type fixture struct {
	store    *memStore
	runner   *recordingRunner
	emitter  *recordingEmitter
	archiver *recordingArchiver
	drafts   *drafts.Store
	service  *Service
}

func newFixture() *fixture {
	f := &fixture{
		store:    newMemStore(),
		runner:   &recordingRunner{statuses: []protocol.BuildStatus{protocol.BuildStatusPassed}},
		emitter:  &recordingEmitter{},
		archiver: &recordingArchiver{},
		drafts:   drafts.NewStore(drafts.NewMemoryBackend()),
	}
	f.store.projects["p1"] = state.Project{ID: "p1", Name: "shop", TeamID: "team-1"}
	f.service = NewService(ServiceDeps{
		Repository:  f.store,
		Runner:      f.runner,
		Status:      f.runner,
		Builds:      f.store,
		Drafts:      f.drafts,
		Events:      f.emitter,
		Archiver:    f.archiver,
		Poller:      NewPoller(PollerConfig{Interval: time.Millisecond, Timeout: 5 * time.Second}),
		IDs:         &sequenceIDGen{},
		FrontendURL: "https://app.example.com/",
	})
	return f
}

func TestEndToEndProjectRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	baseline := "7"
	f.store.projects["p1"] = state.Project{ID: "p1", TeamID: "team-1", BaselineBuildID: &baseline}
	f.store.addTest(protocol.Test{ID: "T2", ProjectID: "p1", Name: "login"})
	f.store.addTest(protocol.Test{ID: "T1", ProjectID: "p1", Name: "checkout", Events: []protocol.Action{protocol.NewRunAfterTestAction("T2")}})
	f.runner.statuses = []protocol.BuildStatus{
		protocol.BuildStatusCreated,
		protocol.BuildStatusRunning,
		protocol.BuildStatusRunning,
		protocol.BuildStatusPassed,
	}

	override := "42"
	result, err := f.service.RunProjectBatch(ctx, RunProjectBatchRequest{
		ProjectID: "p1",
		UserID:    "u1",
		Filter:    state.TestFilter{TestIDs: []string{"T1"}},
		Overrides: RunOverrides{BaselineBuildID: &override},
	})
	if err != nil {
		t.Fatalf("run project batch: %v", err)
	}
	if result.Build == nil {
		t.Fatalf("expected a build handle")
	}
	if !slices.Equal(result.TestIDs, []string{"T1", "T2"}) {
		t.Fatalf("expected closure [T1 T2], got %v", result.TestIDs)
	}

	sub := f.runner.submissions[0]
	if len(sub.tests) != 2 {
		t.Fatalf("expected 2 submitted tests, got %d", len(sub.tests))
	}
	if !slices.Equal(sub.request.Config.TestIDs, []string{"T1", "T2"}) {
		t.Fatalf("expected request test ids to match closure, got %v", sub.request.Config.TestIDs)
	}
	if sub.request.BaselineBuildID == nil || *sub.request.BaselineBuildID != "42" {
		t.Fatalf("expected baseline 42, got %v", sub.request.BaselineBuildID)
	}
	if !sub.request.Meta.IsProjectLevelRun || sub.request.Meta.Source != protocol.SourceManual {
		t.Fatalf("unexpected meta %+v", sub.request.Meta)
	}

	if len(f.emitter.events) != 1 {
		t.Fatalf("expected one run triggered event, got %d", len(f.emitter.events))
	}
	event := f.emitter.events[0]
	if event.TriggerType != "manual" || event.TeamID != "team-1" || event.BuildID != result.Build.BuildID || event.TestCount != 1 {
		t.Fatalf("unexpected event %+v", event)
	}

	outcome, err := f.service.AwaitBuild(ctx, "p1", result.Build.BuildID)
	if err != nil {
		t.Fatalf("await build: %v", err)
	}
	if outcome.Status() != protocol.BuildStatusPassed || outcome.Fetches != 4 {
		t.Fatalf("expected PASSED after 4 fetches, got %s after %d", outcome.Status(), outcome.Fetches)
	}
	build, err := f.store.GetBuild(ctx, result.Build.BuildID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if build.Status != protocol.BuildStatusPassed {
		t.Fatalf("expected recorded status PASSED, got %s", build.Status)
	}
	if len(f.archiver.summaries) != 1 {
		t.Fatalf("expected archived summary")
	}
	summary := f.archiver.summaries[0]
	if summary.ReportURL != "https://app.example.com/app/build/"+result.Build.BuildID || len(summary.TestIDs) != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestCreateAndRunValidatesBeforeSubmission(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name  string
		req   CreateAndRunRequest
		field string
	}{
		{name: "missing name", req: CreateAndRunRequest{ProjectID: "p1", Events: []protocol.Action{protocol.NewCustomCodeAction("", "x")}}, field: "name"},
		{name: "missing events", req: CreateAndRunRequest{ProjectID: "p1", Name: "login"}, field: "events"},
		{name: "expired draft without events", req: CreateAndRunRequest{ProjectID: "p1", Name: "login", DraftID: "temp_test_gone"}, field: "events"},
		{name: "missing project", req: CreateAndRunRequest{Name: "login"}, field: "project_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.service.CreateAndRun(ctx, tc.req)
			var ve ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("expected validation error on %s, got %v", tc.field, err)
			}
			if f.runner.count() != 0 || len(f.store.created) != 0 {
				t.Fatalf("expected nothing created or submitted")
			}
		})
	}
}

func TestCreateAndRunUsesDraftEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.store.addTest(protocol.Test{ID: "base", ProjectID: "p1", Name: "login"})

	draftID, err := f.drafts.Put(ctx, []protocol.Action{protocol.NewRunAfterTestAction("base")})
	if err != nil {
		t.Fatalf("put draft: %v", err)
	}

	result, err := f.service.CreateAndRun(ctx, CreateAndRunRequest{
		ProjectID: "p1",
		UserID:    "u1",
		Name:      "checkout",
		DraftID:   draftID,
		Events:    []protocol.Action{protocol.NewCustomCodeAction("", "ignored")},
	})
	if err != nil {
		t.Fatalf("create and run: %v", err)
	}
	if result.DraftMissed {
		t.Fatalf("expected draft hit")
	}
	if result.Build == nil {
		t.Fatalf("expected build handle")
	}
	if !slices.Equal(result.TestIDs, []string{"new-1", "base"}) {
		t.Fatalf("expected closure [new-1 base], got %v", result.TestIDs)
	}

	saved, err := f.store.GetTest(ctx, "new-1")
	if err != nil {
		t.Fatalf("get saved test: %v", err)
	}
	if target, ok := saved.Events[0].RunAfterTarget(); !ok || target != "base" {
		t.Fatalf("expected draft events to be saved, got %+v", saved.Events)
	}
	if saved.DraftBuildID == nil || *saved.DraftBuildID != result.Build.BuildID {
		t.Fatalf("expected draft build link, got %v", saved.DraftBuildID)
	}

	req := f.runner.submissions[0].request
	if !req.Meta.IsDraftRun || req.BaselineBuildID != nil || req.Host != "null" {
		t.Fatalf("unexpected draft request %+v", req)
	}
	build, err := f.store.GetBuild(ctx, result.Build.BuildID)
	if err != nil || !build.IsDraft {
		t.Fatalf("expected recorded draft build, got %+v err=%v", build, err)
	}
}

func TestCreateAndRunFallsBackWhenDraftMissing(t *testing.T) {
	f := newFixture()
	result, err := f.service.CreateAndRun(context.Background(), CreateAndRunRequest{
		ProjectID: "p1",
		Name:      "login",
		DraftID:   "temp_test_expired",
		Events:    []protocol.Action{protocol.NewCustomCodeAction("", "return 1;")},
	})
	if err != nil {
		t.Fatalf("create and run: %v", err)
	}
	if !result.DraftMissed || result.Build == nil {
		t.Fatalf("expected fallback run, got %+v", result)
	}
}

func TestCreateAndRunMissingDependencyAbortsBeforeSave(t *testing.T) {
	f := newFixture()
	_, err := f.service.CreateAndRun(context.Background(), CreateAndRunRequest{
		ProjectID: "p1",
		Name:      "checkout",
		Events:    []protocol.Action{protocol.NewRunAfterTestAction("ghost")},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if f.runner.count() != 0 || len(f.store.created) != 0 {
		t.Fatalf("expected no test saved and no submission")
	}
}

func TestCreateAndRunShouldNotRun(t *testing.T) {
	f := newFixture()
	result, err := f.service.CreateAndRun(context.Background(), CreateAndRunRequest{
		ProjectID:    "p1",
		Name:         "login",
		Events:       []protocol.Action{protocol.NewCustomCodeAction("", "x")},
		ShouldNotRun: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if result.Build != nil || f.runner.count() != 0 {
		t.Fatalf("expected no submission")
	}
	if result.Test.ID != "new-1" || len(f.store.created) != 1 {
		t.Fatalf("expected test to be saved, got %+v", result.Test)
	}
}

func TestCreateAndRunExpandsTemplates(t *testing.T) {
	f := newFixture()
	f.store.templates["tpl"] = state.CodeTemplate{ID: "tpl", Code: "await page.click('#buy');"}

	_, err := f.service.CreateAndRun(context.Background(), CreateAndRunRequest{
		ProjectID: "p1",
		Name:      "buy",
		Events:    []protocol.Action{protocol.NewCustomCodeAction("tpl", "stale")},
	})
	if err != nil {
		t.Fatalf("create and run: %v", err)
	}
	submitted := f.runner.submissions[0].tests[0]
	code, ok := submitted.Events[0].CustomCode()
	if !ok || code.Script != "await page.click('#buy');" {
		t.Fatalf("expected template code to be inlined, got %+v", code)
	}
	saved, _ := f.store.GetTest(context.Background(), "new-1")
	if stored, _ := saved.Events[0].CustomCode(); stored.Script != "stale" {
		t.Fatalf("expected stored events to keep their script, got %q", stored.Script)
	}
}

func TestRunDraftRequiresExistingTest(t *testing.T) {
	f := newFixture()
	if _, err := f.service.RunDraft(context.Background(), RunDraftRequest{ProjectID: "p1", TestID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.service.RunDraft(context.Background(), RunDraftRequest{ProjectID: "p1"}); !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.runner.count() != 0 {
		t.Fatalf("expected no submission")
	}
}

func TestRunDraftLinksBuild(t *testing.T) {
	f := newFixture()
	f.store.addTest(protocol.Test{ID: "t1", ProjectID: "p1", Name: "login"})

	result, err := f.service.RunDraft(context.Background(), RunDraftRequest{ProjectID: "p1", TestID: "t1", UserID: "u1"})
	if err != nil {
		t.Fatalf("run draft: %v", err)
	}
	test, _ := f.store.GetTest(context.Background(), "t1")
	if test.DraftBuildID == nil || *test.DraftBuildID != result.Build.BuildID {
		t.Fatalf("expected draft build link")
	}
	if len(f.store.created) != 0 {
		t.Fatalf("expected no new test")
	}
	if len(f.emitter.events) != 0 {
		t.Fatalf("expected no run triggered event for draft runs")
	}
}

func TestRunProjectBatchEmptyShortCircuits(t *testing.T) {
	f := newFixture()
	result, err := f.service.RunProjectBatch(context.Background(), RunProjectBatchRequest{
		ProjectID:      "p1",
		Filter:         state.TestFilter{TestIDs: []string{"nothing"}},
		IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("run project batch: %v", err)
	}
	if result.Build != nil || f.runner.count() != 0 || len(f.emitter.events) != 0 {
		t.Fatalf("expected no submission and no event")
	}
	if _, ok := f.store.requests["p1/k1"]; ok {
		t.Fatalf("expected idempotency key to be released")
	}
}

func TestRunProjectBatchUnknownProject(t *testing.T) {
	f := newFixture()
	if _, err := f.service.RunProjectBatch(context.Background(), RunProjectBatchRequest{ProjectID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunProjectBatchEmitFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	f.emitter.err = errors.New("broker unavailable")
	f.store.addTest(protocol.Test{ID: "t1", ProjectID: "p1", Name: "login"})

	result, err := f.service.RunProjectBatch(context.Background(), RunProjectBatchRequest{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("expected run to succeed despite emit failure: %v", err)
	}
	if result.Build == nil {
		t.Fatalf("expected build handle")
	}
}

func TestRunProjectBatchIdempotencyKey(t *testing.T) {
	f := newFixture()
	f.store.addTest(protocol.Test{ID: "t1", ProjectID: "p1", Name: "login"})
	req := RunProjectBatchRequest{ProjectID: "p1", IdempotencyKey: "deploy-9"}

	first, err := f.service.RunProjectBatch(context.Background(), req)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := f.service.RunProjectBatch(context.Background(), req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if f.runner.count() != 1 {
		t.Fatalf("expected exactly one submission, got %d", f.runner.count())
	}
	if !second.Deduplicated || second.Build.BuildID != first.Build.BuildID {
		t.Fatalf("expected replay of %s, got %+v", first.Build.BuildID, second)
	}
}

func TestRunProjectBatchSubmissionError(t *testing.T) {
	f := newFixture()
	f.runner.err = protocol.SubmissionError{StatusCode: 422, Reason: "bad payload"}
	f.store.addTest(protocol.Test{ID: "t1", ProjectID: "p1", Name: "login"})

	_, err := f.service.RunProjectBatch(context.Background(), RunProjectBatchRequest{ProjectID: "p1", IdempotencyKey: "k"})
	if !protocol.IsSubmissionError(err) {
		t.Fatalf("expected submission error, got %v", err)
	}
	if len(f.emitter.events) != 0 {
		t.Fatalf("expected no event for failed submission")
	}
	if _, ok := f.store.requests["p1/k"]; ok {
		t.Fatalf("expected idempotency key to be released after failure")
	}
}

func TestRunProjectBatchCompletesKeyAfterCallerHangsUp(t *testing.T) {
	f := newFixture()
	f.store.addTest(protocol.Test{ID: "t1", ProjectID: "p1", Name: "login"})
	ctx, cancel := context.WithCancel(context.Background())
	f.runner.onSubmit = cancel
	req := RunProjectBatchRequest{ProjectID: "p1", IdempotencyKey: "push-7"}

	first, err := f.service.RunProjectBatch(ctx, req)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	f.runner.onSubmit = nil

	second, err := f.service.RunProjectBatch(context.Background(), req)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !second.Deduplicated || second.Build.BuildID != first.Build.BuildID {
		t.Fatalf("expected replay of %s, got %+v", first.Build.BuildID, second)
	}
	if f.runner.count() != 1 {
		t.Fatalf("expected one submission, got %d", f.runner.count())
	}
}

func TestRunProjectBatchReleasesKeyAfterCallerHangsUp(t *testing.T) {
	f := newFixture()
	f.store.addTest(protocol.Test{ID: "t1", ProjectID: "p1", Name: "login"})
	ctx, cancel := context.WithCancel(context.Background())
	f.runner.onSubmit = cancel
	f.runner.err = protocol.SubmissionError{StatusCode: 503, Reason: "runner busy"}
	req := RunProjectBatchRequest{ProjectID: "p1", IdempotencyKey: "push-8"}

	if _, err := f.service.RunProjectBatch(ctx, req); !protocol.IsSubmissionError(err) {
		t.Fatalf("expected submission error, got %v", err)
	}
	if _, ok := f.store.requests["p1/push-8"]; ok {
		t.Fatalf("expected key to be released despite cancelled caller")
	}

	f.runner.onSubmit = nil
	f.runner.err = nil
	retry, err := f.service.RunProjectBatch(context.Background(), req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.Deduplicated || retry.Build == nil {
		t.Fatalf("expected fresh submission, got %+v", retry)
	}
}

func TestRunProjectBatchCompleteFailureKeepsHandle(t *testing.T) {
	f := newFixture()
	f.store.addTest(protocol.Test{ID: "t1", ProjectID: "p1", Name: "login"})
	f.store.completeErr = errors.New("connection reset")

	result, err := f.service.RunProjectBatch(context.Background(), RunProjectBatchRequest{ProjectID: "p1", IdempotencyKey: "push-9"})
	if err != nil {
		t.Fatalf("expected submitted run to succeed: %v", err)
	}
	if result.Build == nil || result.Build.BuildID != "b1" {
		t.Fatalf("expected build handle, got %+v", result)
	}
	if len(f.emitter.events) != 1 {
		t.Fatalf("expected run triggered event, got %d", len(f.emitter.events))
	}
	if f.store.requests["p1/push-9"].BuildID != nil {
		t.Fatalf("expected reservation to stay pending")
	}
}

func TestRunProjectBatchReplaysWithoutBuildRecord(t *testing.T) {
	f := newFixture()
	buildID := "b-unrecorded"
	f.store.requests["p1/push-10"] = state.BuildRequest{ProjectID: "p1", IdempotencyKey: "push-10", BuildID: &buildID}

	result, err := f.service.RunProjectBatch(context.Background(), RunProjectBatchRequest{ProjectID: "p1", IdempotencyKey: "push-10"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !result.Deduplicated || result.Build == nil || result.Build.BuildID != buildID {
		t.Fatalf("expected replay of %s, got %+v", buildID, result)
	}
	if f.runner.count() != 0 {
		t.Fatalf("expected no submission on replay")
	}
}

func TestAwaitBuildTimeoutKeepsBuild(t *testing.T) {
	f := newFixture()
	f.runner.statuses = []protocol.BuildStatus{protocol.BuildStatusRunning}
	f.service.poller = NewPoller(PollerConfig{Interval: time.Millisecond, Timeout: 20 * time.Millisecond})
	f.store.builds["b-slow"] = state.Build{ID: "b-slow", ProjectID: "p1", Status: protocol.BuildStatusCreated}

	outcome, err := f.service.AwaitBuild(context.Background(), "p1", "b-slow")
	if !errors.Is(err, ErrPollingTimeout) {
		t.Fatalf("expected ErrPollingTimeout, got %v", err)
	}
	if outcome.State != PollStateTimedOut {
		t.Fatalf("expected timed out outcome, got %s", outcome.State)
	}
	if len(f.archiver.summaries) != 0 {
		t.Fatalf("expected no archive for timed out build")
	}
	build, _ := f.store.GetBuild(context.Background(), "b-slow")
	if build.Status != protocol.BuildStatusRunning {
		t.Fatalf("expected build to remain RUNNING, got %s", build.Status)
	}
}

func TestAwaitBuildReportsWithRunMeta(t *testing.T) {
	f := newFixture()
	failing := &recordingReporter{err: errors.New("github down")}
	reporter := &recordingReporter{}
	f.service.reporters = []BuildReporter{failing, nil, reporter}
	f.runner.statuses = []protocol.BuildStatus{protocol.BuildStatusPassed}
	f.store.builds["b-vcs"] = state.Build{
		ID:        "b-vcs",
		ProjectID: "p1",
		Status:    protocol.BuildStatusCreated,
		TestIDs:   []string{"t1"},
		Request: protocol.RunRequest{Meta: protocol.RunMeta{
			VCS: &protocol.VCSContext{RepoName: "acme/shop", CommitID: "abc"},
		}},
	}

	if _, err := f.service.AwaitBuild(context.Background(), "p1", "b-vcs"); err != nil {
		t.Fatalf("await: %v", err)
	}
	if len(reporter.summaries) != 1 || len(failing.summaries) != 1 {
		t.Fatalf("expected every reporter to run once, got %d and %d", len(reporter.summaries), len(failing.summaries))
	}
	meta := reporter.metas[0]
	if meta.VCS == nil || meta.VCS.CommitID != "abc" {
		t.Fatalf("expected run meta from the build record, got %+v", meta)
	}
	summary := reporter.summaries[0]
	if summary.Status != protocol.BuildStatusPassed || summary.ReportURL != "https://app.example.com/app/build/b-vcs" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(f.archiver.summaries) != 1 {
		t.Fatalf("expected archive alongside reporting")
	}
}
