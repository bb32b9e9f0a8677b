package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/izavyalov-dev/testrun/internal/apiclient"
	"github.com/izavyalov-dev/testrun/internal/env"
	"github.com/izavyalov-dev/testrun/internal/observability"
	"github.com/izavyalov-dev/testrun/orchestrator"
	"github.com/izavyalov-dev/testrun/protocol"
)

// Exit codes of run and wait.
const (
	ExitPassed  = 0
	ExitFailed  = 1
	ExitTimeout = 2
)

// ContextEnvPrefix marks environment variables forwarded as run context.
const ContextEnvPrefix = "TESTRUN_CTX_"

type apiFlags struct {
	APIURL       string
	Token        string
	FrontendURL  string
	Timeout      time.Duration
	PollInterval time.Duration
}

func (f *apiFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.APIURL, "api-url", env.String("TESTRUN_API_URL", "http://localhost:8080"), "Control plane URL")
	cmd.Flags().StringVar(&f.Token, "token", os.Getenv("TESTRUN_TOKEN"), "API token")
	cmd.Flags().StringVar(&f.FrontendURL, "frontend-url", os.Getenv("TESTRUN_FRONTEND_URL"), "Web app URL used for report links (defaults to --api-url)")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 30*time.Minute, "Give up waiting after this long (0 waits forever)")
	cmd.Flags().DurationVar(&f.PollInterval, "poll-interval", orchestrator.DefaultPollInterval, "Delay between status checks")
	_ = cmd.Flags().MarkHidden("poll-interval")
}

// reportBaseURL falls back to the control plane URL when no web app URL is set.
func (f apiFlags) reportBaseURL() string {
	if f.FrontendURL != "" {
		return f.FrontendURL
	}
	return f.APIURL
}

type runFlags struct {
	apiFlags
	ProjectID      string
	Folder         string
	FolderIDs      string
	TestIDs        string
	Host           string
	Browsers       []string
	Context        []string
	IdempotencyKey string
	NoWait         bool
}

func runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a project's tests and wait for the build",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProject(cmd.Context(), cmd.OutOrStdout(), f)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.ProjectID, "project", os.Getenv("TESTRUN_PROJECT"), "Project ID")
	cmd.Flags().StringVar(&f.Folder, "folder", "", "Comma separated folder names")
	cmd.Flags().StringVar(&f.FolderIDs, "folder-ids", "", "Comma separated folder IDs")
	cmd.Flags().StringVar(&f.TestIDs, "test-ids", "", "Comma separated test IDs")
	cmd.Flags().StringVar(&f.Host, "host", "", "Override the host tests run against")
	cmd.Flags().StringSliceVar(&f.Browsers, "browsers", nil, "Browsers to run (CHROME, FIREFOX, SAFARI)")
	cmd.Flags().StringArrayVar(&f.Context, "context", nil, "Run context as key=value (repeatable); TESTRUN_CTX_* variables are added too")
	cmd.Flags().StringVar(&f.IdempotencyKey, "idempotency-key", "", "Key that makes retries of this run return the same build (random by default)")
	cmd.Flags().BoolVar(&f.NoWait, "no-wait", false, "Print the build ID and return without waiting")
	return cmd
}

type waitFlags struct {
	apiFlags
	ProjectID string
}

func waitCmd() *cobra.Command {
	var f waitFlags
	cmd := &cobra.Command{
		Use:   "wait BUILD_ID",
		Short: "Wait for an existing build to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.ProjectID == "" {
				return errors.New("missing --project (or set TESTRUN_PROJECT)")
			}
			client := apiclient.New(f.APIURL, f.Token)
			return awaitBuild(cmd.Context(), cmd.OutOrStdout(), client, f.apiFlags, f.ProjectID, args[0])
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.ProjectID, "project", os.Getenv("TESTRUN_PROJECT"), "Project ID")
	return cmd
}

func runProject(ctx context.Context, out io.Writer, f runFlags) error {
	if f.ProjectID == "" {
		return errors.New("missing --project (or set TESTRUN_PROJECT)")
	}
	runContext, err := collectContext(f.Context)
	if err != nil {
		return err
	}
	overrides := orchestrator.RunOverrides{ExternalContext: runContext}
	if f.Host != "" {
		overrides.Host = &f.Host
	}
	for _, browser := range f.Browsers {
		overrides.Browsers = append(overrides.Browsers, protocol.Browser(strings.ToUpper(strings.TrimSpace(browser))))
	}
	key := f.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	client := apiclient.New(f.APIURL, f.Token)
	fmt.Fprintln(out, "Running tests now")
	result, err := client.RunProject(ctx, f.ProjectID, apiclient.RunProjectRequest{
		Folder:         f.Folder,
		FolderIDs:      f.FolderIDs,
		TestIDs:        f.TestIDs,
		IdempotencyKey: key,
		Config:         overrides,
	})
	if err != nil {
		return err
	}
	if result.Build == nil {
		fmt.Fprintln(out, "No tests matched, nothing to run")
		return nil
	}
	fmt.Fprintf(out, "Build %s started with %d tests\n", result.Build.BuildID, len(result.TestIDs))
	if f.NoWait {
		return nil
	}
	return awaitBuild(ctx, out, client, f.apiFlags, f.ProjectID, result.Build.BuildID)
}

func awaitBuild(ctx context.Context, out io.Writer, client *apiclient.Client, f apiFlags, projectID, buildID string) error {
	poller := orchestrator.NewPoller(orchestrator.PollerConfig{
		Interval: f.PollInterval,
		Timeout:  f.Timeout,
		Logger:   observability.NewLogger("testrun.cli"),
	})

	fmt.Fprint(out, "Waiting for tests to finish")
	fetch := func(ctx context.Context, id string) (protocol.BuildStatusReport, error) {
		fmt.Fprint(out, ".")
		return client.BuildStatus(ctx, projectID, id)
	}
	outcome, err := poller.AwaitTerminal(ctx, buildID, fetch)
	fmt.Fprintln(out)

	switch {
	case errors.Is(err, orchestrator.ErrPollingTimeout):
		fmt.Fprintf(out, "Timed out after %s waiting for build %s\n", f.Timeout, buildID)
		return ExitError{Code: ExitTimeout}
	case err != nil:
		return ExitError{Code: ExitFailed, Err: err}
	}

	if outcome.Status() == protocol.BuildStatusPassed {
		fmt.Fprintf(out, "Build passed in %ds\n", outcome.Report.DisplayDuration())
	} else {
		fmt.Fprintf(out, "Build failed in %ds\n", outcome.Report.DisplayDuration())
	}
	fmt.Fprintf(out, "View build report at %s\n", orchestrator.ReportLink(f.reportBaseURL(), buildID))
	if outcome.Status() != protocol.BuildStatusPassed {
		return ExitError{Code: ExitFailed}
	}
	return nil
}

// collectContext merges TESTRUN_CTX_* variables with --context flags. Flags win.
func collectContext(pairs []string) (map[string]string, error) {
	out := env.Prefixed(ContextEnvPrefix)
	flags := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --context %q, want key=value", pair)
		}
		flags[key] = value
	}
	maps.Copy(out, flags)
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
