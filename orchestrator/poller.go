package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/izavyalov-dev/testrun/internal/observability"
	"github.com/izavyalov-dev/testrun/protocol"
)

// DefaultPollInterval spaces consecutive status fetches of one build.
const DefaultPollInterval = 5 * time.Second

type PollState string

const (
	PollStatePolling   PollState = "POLLING"
	PollStateTerminal  PollState = "TERMINAL"
	PollStateCancelled PollState = "CANCELLED"
	PollStateTimedOut  PollState = "TIMED_OUT"
)

// StatusFetcher returns the current status of a build.
type StatusFetcher func(ctx context.Context, buildID string) (protocol.BuildStatusReport, error)

// PollOutcome describes how a watch ended. Report holds the last successful fetch.
type PollOutcome struct {
	BuildID string                     `json:"buildId"`
	State   PollState                  `json:"state"`
	Report  protocol.BuildStatusReport `json:"report"`
	Fetches int                        `json:"fetches"`
}

func (o PollOutcome) Status() protocol.BuildStatus {
	return o.Report.Status
}

// Err maps non-terminal outcomes onto ErrPollingTimeout and ErrPollCancelled.
func (o PollOutcome) Err() error {
	switch o.State {
	case PollStateTerminal:
		return nil
	case PollStateTimedOut:
		return fmt.Errorf("%w: build %s", ErrPollingTimeout, o.BuildID)
	case PollStateCancelled:
		return fmt.Errorf("%w: build %s", ErrPollCancelled, o.BuildID)
	default:
		return fmt.Errorf("poll of build %s still in state %s", o.BuildID, o.State)
	}
}

type PollerConfig struct {
	// Interval defaults to DefaultPollInterval.
	Interval time.Duration
	// Timeout bounds a watch. Zero waits until a terminal status or cancellation.
	Timeout time.Duration
	Clock   Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Poller starts one watch per build. Watches share nothing but configuration.
type Poller struct {
	interval time.Duration
	timeout  time.Duration
	clock    Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
}

func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger("orchestrator.poller")
	}
	return &Poller{
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Watch observes a single build until it reaches a terminal status, times out
// or is cancelled. Fetches never overlap and start at least one interval after
// the previous fetch returned.
type Watch struct {
	buildID string
	stop    chan struct{}
	once    sync.Once
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	outcome PollOutcome
}

// Start begins polling in the background. The first fetch happens one interval
// after Start. Cancelling ctx cancels the watch.
func (p *Poller) Start(ctx context.Context, buildID string, fetch StatusFetcher) *Watch {
	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watch{
		buildID: buildID,
		stop:    make(chan struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
		outcome: PollOutcome{BuildID: buildID, State: PollStatePolling},
	}
	go w.run(watchCtx, p, fetch)
	return w
}

// AwaitTerminal polls until the build settles and returns the outcome together
// with ErrPollingTimeout or ErrPollCancelled when it did not reach a terminal status.
func (p *Poller) AwaitTerminal(ctx context.Context, buildID string, fetch StatusFetcher) (PollOutcome, error) {
	w := p.Start(ctx, buildID, fetch)
	outcome := w.Wait()
	return outcome, outcome.Err()
}

// Done is closed once the watch stopped and its timer was released.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Wait blocks until the watch stops.
func (w *Watch) Wait() PollOutcome {
	<-w.done
	return w.Outcome()
}

// Outcome returns the current outcome. Its state is POLLING while the watch runs.
func (w *Watch) Outcome() PollOutcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outcome
}

// Cancel stops the watch and returns once its timer is released. No fetch
// starts after Cancel returns. Cancelling a stopped watch is a no-op.
func (w *Watch) Cancel() {
	w.once.Do(func() {
		close(w.stop)
		w.cancel()
	})
	<-w.done
}

func (w *Watch) run(ctx context.Context, p *Poller, fetch StatusFetcher) {
	defer close(w.done)
	defer w.cancel()

	logger := observability.WithBuild(p.logger, w.buildID)
	start := p.clock.Now()
	var deadline time.Time
	if p.timeout > 0 {
		deadline = start.Add(p.timeout)
	}
	nextFetch := start.Add(p.interval)

	for {
		now := p.clock.Now()
		wake := nextFetch
		if !deadline.IsZero() && deadline.Before(wake) {
			wake = deadline
		}
		timer := p.clock.NewTimer(wake.Sub(now))
		select {
		case <-w.stop:
			timer.Stop()
			w.finish(p, logger, PollStateCancelled)
			return
		case <-ctx.Done():
			timer.Stop()
			w.finish(p, logger, PollStateCancelled)
			return
		case <-timer.C():
		}

		// A cancel racing the timer wins.
		select {
		case <-w.stop:
			w.finish(p, logger, PollStateCancelled)
			return
		default:
		}

		now = p.clock.Now()
		if !now.Before(nextFetch) {
			report, err := fetch(ctx, w.buildID)
			if ctx.Err() != nil {
				w.finish(p, logger, PollStateCancelled)
				return
			}
			w.recordFetch(report, err)
			if err != nil {
				p.metrics.IncFetchFailure()
				logger.Warn("build status fetch failed", "event", "build_status_fetch_failed", "error", err)
			} else if report.Status.Terminal() {
				w.finish(p, logger, PollStateTerminal)
				return
			}
			nextFetch = p.clock.Now().Add(p.interval)
		}

		if !deadline.IsZero() && !p.clock.Now().Before(deadline) {
			w.finish(p, logger, PollStateTimedOut)
			return
		}
	}
}

func (w *Watch) recordFetch(report protocol.BuildStatusReport, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcome.Fetches++
	if err == nil {
		if report.BuildID == "" {
			report.BuildID = w.buildID
		}
		w.outcome.Report = report
	}
}

func (w *Watch) finish(p *Poller, logger *slog.Logger, final PollState) {
	w.mu.Lock()
	w.outcome.State = final
	outcome := w.outcome
	w.mu.Unlock()

	p.metrics.IncPollOutcome(string(final))
	logger.Info("build poll finished",
		"event", "build_poll_finished",
		"state", final,
		"status", outcome.Report.Status,
		"fetches", outcome.Fetches,
	)
}
