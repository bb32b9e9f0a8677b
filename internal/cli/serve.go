package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/izavyalov-dev/testrun/drafts"
	"github.com/izavyalov-dev/testrun/internal/config"
	"github.com/izavyalov-dev/testrun/internal/observability"
	"github.com/izavyalov-dev/testrun/internal/vcs/github"
	"github.com/izavyalov-dev/testrun/orchestrator"
	"github.com/izavyalov-dev/testrun/protocol"
	"github.com/izavyalov-dev/testrun/runner/artifacts"
	"github.com/izavyalov-dev/testrun/runner/transport"
	"github.com/izavyalov-dev/testrun/state"
)

func serveCmd(rf *rootFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := rf.dsnOrErr()
			if err != nil {
				return err
			}
			cfg, err := config.ConfigFromEnv()
			if err != nil {
				return err
			}
			cfg.DatabaseURL = dsn
			if listen != "" {
				cfg.Listen = listen
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (defaults to TESTRUN_LISTEN or :8080)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := observability.NewLogger("testrun.serve")

	defaults, err := config.LoadRunDefaults(cfg.DefaultsFile)
	if err != nil {
		return err
	}

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := state.NewStore(db)
	if _, err := store.ApplyMigrations(ctx); err != nil {
		return err
	}

	draftStore := drafts.NewStore(store,
		drafts.WithTTL(cfg.DraftTTL),
		drafts.WithLogger(observability.NewLogger("testrun.drafts")),
	)
	logger.Info("draft store ready", "event", "draft_store_ready", "ttl", draftStore.TTL().String())

	events, closeEvents, err := buildEmitter(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEvents()

	var archiver orchestrator.ReportArchiver
	if cfg.ArchiveEnabled() {
		s3Archiver, err := artifacts.NewS3Archiver(ctx, artifacts.S3Config{
			Bucket: cfg.ReportBucket,
			Prefix: cfg.ReportPrefix,
			Region: cfg.ReportRegion,
		})
		if err != nil {
			return fmt.Errorf("init report archive: %w", err)
		}
		archiver = s3Archiver
	}

	var reporters []orchestrator.BuildReporter
	if cfg.GitHubToken != "" {
		reporters = append(reporters, github.NewReporter(github.NewClient(cfg.GitHubToken), observability.NewLogger("status.github"), cfg.GitHubCheckName))
	}

	metrics := observability.NewMetrics(nil)
	runnerClient := transport.NewHTTPClient(cfg.RunnerURL, cfg.RunnerToken)
	serviceLogger := observability.NewLogger("orchestrator")

	service := orchestrator.NewService(orchestrator.ServiceDeps{
		Repository: store,
		Runner:     runnerClient,
		Status:     runnerClient,
		Builds:     store,
		Drafts:     draftStore,
		Events:     events,
		Archiver:   archiver,
		Reporters:  reporters,
		Poller: orchestrator.NewPoller(orchestrator.PollerConfig{
			Interval: cfg.PollInterval,
			Timeout:  cfg.PollTimeout,
			Logger:   observability.NewLogger("orchestrator.poller"),
			Metrics:  metrics,
		}),
		Defaults:    &defaults,
		Metrics:     metrics,
		Logger:      serviceLogger,
		FrontendURL: cfg.FrontendURL,
	})
	trackCtx, stopTracking := context.WithCancel(ctx)
	tracker := newBuildTracker(trackCtx, service, observability.NewLogger("testrun.tracker"))
	defer func() {
		stopTracking()
		tracker.wait()
	}()

	handler := orchestrator.NewHTTPHandler(service, draftStore, observability.NewLogger("orchestrator.http"))
	if cfg.GitHubWebhookSecret != "" {
		mux := http.NewServeMux()
		mux.Handle("/", handler)
		mux.Handle("POST /api/v1/projects/{projectID}/webhooks/github",
			github.NewWebhookHandler(cfg.GitHubWebhookSecret, webhookTrigger(service, tracker), observability.NewLogger("vcs.github.webhook")))
		handler = mux
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopSweeper := startDraftSweeper(draftStore, observability.NewLogger("testrun.sweeper"), cfg.DraftSweepInterval)
	defer close(stopSweeper)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server started", "event", "server_started", "listen", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("server stopping", "event", "server_stopping")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// webhookTrigger runs every test of the project against the pushed commit and
// follows new builds so their outcome is reported back.
func webhookTrigger(service *orchestrator.Service, tracker *buildTracker) github.TriggerFunc {
	return func(ctx context.Context, projectID string, event github.WebhookEvent, key string) (string, error) {
		result, err := service.RunProjectBatch(ctx, orchestrator.RunProjectBatchRequest{
			ProjectID: projectID,
			Overrides: orchestrator.RunOverrides{
				VCS: &protocol.VCSContext{RepoName: event.RepoID, CommitID: event.CommitSHA},
			},
			IdempotencyKey: key,
		})
		if err != nil || result.Build == nil {
			return "", err
		}
		if !result.Deduplicated {
			tracker.track(projectID, result.Build.BuildID)
		}
		return result.Build.BuildID, nil
	}
}

type buildAwaiter interface {
	AwaitBuild(ctx context.Context, projectID, buildID string) (orchestrator.PollOutcome, error)
}

// buildTracker awaits builds in the background until ctx is cancelled.
type buildTracker struct {
	ctx     context.Context
	service buildAwaiter
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func newBuildTracker(ctx context.Context, service buildAwaiter, logger *slog.Logger) *buildTracker {
	return &buildTracker{ctx: ctx, service: service, logger: logger}
}

func (t *buildTracker) track(projectID, buildID string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		outcome, err := t.service.AwaitBuild(t.ctx, projectID, buildID)
		if err != nil {
			t.logger.Warn("build tracking stopped", "event", "build_tracking_stopped", "project_id", projectID, "build_id", buildID, "state", outcome.State, "error", err)
			return
		}
		t.logger.Info("build finished", "event", "build_finished", "project_id", projectID, "build_id", buildID, "status", outcome.Status())
	}()
}

func (t *buildTracker) wait() {
	t.wg.Wait()
}

// buildEmitter always logs run events and also publishes them to NATS when a
// URL is configured.
func buildEmitter(cfg config.Config, logger *slog.Logger) (observability.EventEmitter, func(), error) {
	logEmitter := observability.LogEmitter{Logger: observability.NewLogger("testrun.events")}
	if cfg.NATSURL == "" {
		return logEmitter, func() {}, nil
	}
	natsEmitter, err := observability.NewNATSEmitter(observability.NATSConfig{
		URL:     cfg.NATSURL,
		Subject: cfg.NATSSubject,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	closeFn := func() {
		if err := natsEmitter.Close(); err != nil {
			logger.Warn("nats close failed", "event", "nats_close_failed", "error", err)
		}
	}
	return observability.MultiEmitter{logEmitter, natsEmitter}, closeFn, nil
}

type draftPurger interface {
	Purge(ctx context.Context, now time.Time) (int, error)
}

func startDraftSweeper(purger draftPurger, logger *slog.Logger, interval time.Duration) chan struct{} {
	if interval <= 0 {
		interval = config.DefaultDraftSweepInterval
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sweepDrafts(purger, logger)
			case <-stop:
				return
			}
		}
	}()
	return stop
}

func sweepDrafts(purger draftPurger, logger *slog.Logger) {
	count, err := purger.Purge(context.Background(), time.Now())
	if err != nil {
		logger.Error("draft sweep failed", "event", "draft_sweep_failed", "error", err)
	} else if count > 0 {
		logger.Info("draft sweep completed", "event", "draft_sweep_completed", "count", count)
	}
}
