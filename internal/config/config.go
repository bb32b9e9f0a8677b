package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/izavyalov-dev/testrun/internal/env"
	"github.com/izavyalov-dev/testrun/orchestrator"
	"github.com/izavyalov-dev/testrun/protocol"
)

const (
	DefaultListen             = ":8080"
	DefaultPollTimeout        = 30 * time.Minute
	DefaultDraftTTL           = 10 * time.Minute
	DefaultDraftSweepInterval = time.Minute
	DefaultNATSSubject        = "testrun.build.triggered"
)

// Config is the server configuration, read from the environment.
type Config struct {
	DatabaseURL string
	Listen      string

	RunnerURL   string
	RunnerToken string

	PollInterval time.Duration
	// PollTimeout of zero waits until the build settles.
	PollTimeout time.Duration

	DraftTTL           time.Duration
	DraftSweepInterval time.Duration

	NATSURL     string
	NATSSubject string

	ReportBucket string
	ReportPrefix string
	ReportRegion string

	FrontendURL  string
	DefaultsFile string

	// GitHubToken enables check runs for builds with a VCS context.
	GitHubToken         string
	GitHubCheckName     string
	GitHubWebhookSecret string
}

func ConfigFromEnv() (Config, error) {
	pollInterval, err := env.Duration("TESTRUN_POLL_INTERVAL", orchestrator.DefaultPollInterval)
	if err != nil {
		return Config{}, err
	}
	pollTimeout, err := env.Duration("TESTRUN_POLL_TIMEOUT", DefaultPollTimeout)
	if err != nil {
		return Config{}, err
	}
	draftTTL, err := env.Duration("TESTRUN_DRAFT_TTL", DefaultDraftTTL)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := env.Duration("TESTRUN_DRAFT_SWEEP_INTERVAL", DefaultDraftSweepInterval)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DatabaseURL:         env.String("DATABASE_URL", ""),
		Listen:              env.String("TESTRUN_LISTEN", DefaultListen),
		RunnerURL:           env.String("TESTRUN_RUNNER_URL", ""),
		RunnerToken:         env.String("TESTRUN_RUNNER_TOKEN", ""),
		PollInterval:        pollInterval,
		PollTimeout:         pollTimeout,
		DraftTTL:            draftTTL,
		DraftSweepInterval:  sweepInterval,
		NATSURL:             env.String("TESTRUN_NATS_URL", ""),
		NATSSubject:         env.String("TESTRUN_NATS_SUBJECT", DefaultNATSSubject),
		ReportBucket:        env.String("TESTRUN_REPORT_BUCKET", ""),
		ReportPrefix:        env.String("TESTRUN_REPORT_PREFIX", ""),
		ReportRegion:        env.String("TESTRUN_REPORT_REGION", ""),
		FrontendURL:         env.String("TESTRUN_FRONTEND_URL", ""),
		DefaultsFile:        env.String("TESTRUN_DEFAULTS_FILE", ""),
		GitHubToken:         env.String("TESTRUN_GITHUB_TOKEN", ""),
		GitHubCheckName:     env.String("TESTRUN_GITHUB_CHECK_NAME", "testrun"),
		GitHubWebhookSecret: env.String("TESTRUN_GITHUB_WEBHOOK_SECRET", ""),
	}
	return cfg, nil
}

// Validate checks the settings the server cannot start without. The database
// URL is checked by the caller since it may also come from a flag.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("listen address is required")
	}
	if strings.TrimSpace(c.RunnerURL) == "" {
		return errors.New("runner url is required")
	}
	if !strings.HasPrefix(c.RunnerURL, "http://") && !strings.HasPrefix(c.RunnerURL, "https://") {
		return fmt.Errorf("runner url must be http(s): %q", c.RunnerURL)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive: %s", c.PollInterval)
	}
	if c.PollTimeout < 0 {
		return fmt.Errorf("poll timeout must not be negative: %s", c.PollTimeout)
	}
	if c.DraftTTL <= 0 {
		return fmt.Errorf("draft ttl must be positive: %s", c.DraftTTL)
	}
	if c.DraftSweepInterval <= 0 {
		return fmt.Errorf("draft sweep interval must be positive: %s", c.DraftSweepInterval)
	}
	if c.ReportBucket == "" && (c.ReportPrefix != "" || c.ReportRegion != "") {
		return errors.New("report bucket is required when a report prefix or region is set")
	}
	return nil
}

// ArchiveEnabled reports whether terminal build summaries should go to S3.
func (c Config) ArchiveEnabled() bool {
	return c.ReportBucket != ""
}

type runDefaultsFile struct {
	Host              *string            `yaml:"host"`
	Browsers          []protocol.Browser `yaml:"browsers"`
	ShouldRecordVideo *bool              `yaml:"shouldRecordVideo"`
	Proxies           map[string]struct {
		Tunnel    string `yaml:"tunnel"`
		Intercept string `yaml:"intercept"`
	} `yaml:"proxies"`
}

// LoadRunDefaults reads run defaults from a YAML file. An empty path or a
// missing file yields the built-in defaults; keys absent from the file keep
// their built-in value.
func LoadRunDefaults(path string) (orchestrator.RunDefaults, error) {
	defaults := orchestrator.DefaultRunDefaults()
	if path == "" {
		return defaults, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaults, nil
	}
	if err != nil {
		return orchestrator.RunDefaults{}, fmt.Errorf("read run defaults: %w", err)
	}
	return ParseRunDefaults(data)
}

func ParseRunDefaults(data []byte) (orchestrator.RunDefaults, error) {
	defaults := orchestrator.DefaultRunDefaults()
	var file runDefaultsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return orchestrator.RunDefaults{}, fmt.Errorf("parse run defaults: %w", err)
	}
	if file.Host != nil {
		defaults.Host = *file.Host
	}
	if len(file.Browsers) > 0 {
		for _, browser := range file.Browsers {
			if !knownBrowser(browser) {
				return orchestrator.RunDefaults{}, fmt.Errorf("parse run defaults: unknown browser %q", browser)
			}
		}
		defaults.Browsers = file.Browsers
	}
	if file.ShouldRecordVideo != nil {
		defaults.ShouldRecordVideo = *file.ShouldRecordVideo
	}
	if len(file.Proxies) > 0 {
		defaults.ProxyURLsMap = make(map[string]protocol.ProxyTarget, len(file.Proxies))
		for name, proxy := range file.Proxies {
			target := protocol.ProxyTarget{Tunnel: proxy.Tunnel}
			if proxy.Intercept != "" {
				raw, err := json.Marshal(proxy.Intercept)
				if err != nil {
					return orchestrator.RunDefaults{}, fmt.Errorf("parse run defaults: proxy %s: %w", name, err)
				}
				target.Intercept = raw
			}
			defaults.ProxyURLsMap[name] = target
		}
	}
	return defaults, nil
}

func knownBrowser(b protocol.Browser) bool {
	switch b {
	case protocol.BrowserChrome, protocol.BrowserFirefox, protocol.BrowserSafari:
		return true
	default:
		return false
	}
}
