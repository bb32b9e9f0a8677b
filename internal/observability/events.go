package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// RunTriggered is emitted when a project-level run is submitted.
type RunTriggered struct {
	TriggerType string    `json:"triggerType"`
	ProjectID   string    `json:"projectId"`
	TeamID      string    `json:"teamId"`
	UserID      string    `json:"userId,omitempty"`
	BuildID     string    `json:"buildId"`
	TestCount   int       `json:"testCount"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// EventEmitter delivers run events. Callers treat failures as non-fatal.
type EventEmitter interface {
	EmitRunTriggered(ctx context.Context, event RunTriggered) error
}

// LogEmitter writes run events to the structured log.
type LogEmitter struct {
	Logger *slog.Logger
}

func (e LogEmitter) EmitRunTriggered(_ context.Context, event RunTriggered) error {
	logger := e.Logger
	if logger == nil {
		logger = NewLogger("events")
	}
	logger.Info("build triggered",
		"event", "build_triggered",
		"trigger_type", event.TriggerType,
		"project_id", event.ProjectID,
		"team_id", event.TeamID,
		"build_id", event.BuildID,
		"test_count", event.TestCount,
	)
	return nil
}

type NATSConfig struct {
	URL            string
	Subject        string
	ConnectTimeout time.Duration
}

// publisher is the part of *nats.Conn the emitter publishes through.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSEmitter publishes run events as JSON to a NATS subject.
type NATSEmitter struct {
	conn    *nats.Conn
	pub     publisher
	subject string
}

func NewNATSEmitter(cfg NATSConfig) (*NATSEmitter, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = "testrun.build.triggered"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("testrun"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSEmitter{conn: conn, pub: conn, subject: cfg.Subject}, nil
}

func (e *NATSEmitter) EmitRunTriggered(_ context.Context, event RunTriggered) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode run triggered event: %w", err)
	}
	if err := e.pub.Publish(e.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", e.subject, err)
	}
	return nil
}

func (e *NATSEmitter) Close() error {
	if e == nil || e.conn == nil {
		return nil
	}
	if err := e.conn.Drain(); err != nil {
		e.conn.Close()
		return err
	}
	return nil
}

// MultiEmitter fans an event out to every emitter and returns the first error.
type MultiEmitter []EventEmitter

func (m MultiEmitter) EmitRunTriggered(ctx context.Context, event RunTriggered) error {
	var first error
	for _, emitter := range m {
		if emitter == nil {
			continue
		}
		if err := emitter.EmitRunTriggered(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
