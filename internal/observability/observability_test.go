package observability

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsIsIdempotent(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewMetrics(registry)
	second := NewMetrics(registry)

	first.IncSubmission("batch")
	second.IncSubmission("batch")
	if got := testutil.ToFloat64(first.submissions.WithLabelValues("batch")); got != 2 {
		t.Fatalf("expected shared counter value 2, got %v", got)
	}

	first.IncFetchFailure()
	second.IncFetchFailure()
	if got := testutil.ToFloat64(second.fetchFailures); got != 2 {
		t.Fatalf("expected shared fetch failure counter 2, got %v", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.IncSubmission("draft")
	m.IncPollOutcome("terminal")
	m.IncFetchFailure()
	m.IncFailure("submission")
	m.ObserveClosureSize(3)
}

type recordingEmitter struct {
	events []RunTriggered
	err    error
}

func (r *recordingEmitter) EmitRunTriggered(_ context.Context, event RunTriggered) error {
	r.events = append(r.events, event)
	return r.err
}

func TestMultiEmitterDeliversToAll(t *testing.T) {
	failing := &recordingEmitter{err: errors.New("nats down")}
	ok := &recordingEmitter{}
	emitter := MultiEmitter{failing, nil, ok}

	err := emitter.EmitRunTriggered(context.Background(), RunTriggered{BuildID: "b1", TestCount: 2})
	if err == nil {
		t.Fatalf("expected first error to be returned")
	}
	if len(failing.events) != 1 || len(ok.events) != 1 {
		t.Fatalf("expected both emitters to receive the event")
	}
}

func TestScopedLoggersTolerateEmptyValues(t *testing.T) {
	if WithBuild(nil, "b1") != nil {
		t.Fatalf("expected nil logger to stay nil")
	}
	logger := NewLogger("test")
	if WithProject(logger, "") != logger {
		t.Fatalf("expected empty project id to leave logger unchanged")
	}
	if WithTest(logger, "t1") == logger {
		t.Fatalf("expected test id to scope logger")
	}
}

type capturePublisher struct {
	subject string
	data    []byte
	err     error
}

func (p *capturePublisher) Publish(subject string, data []byte) error {
	p.subject = subject
	p.data = data
	return p.err
}

func TestNATSEmitterEncodesRunTriggered(t *testing.T) {
	pub := &capturePublisher{}
	emitter := &NATSEmitter{pub: pub, subject: "testrun.build.triggered"}
	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := emitter.EmitRunTriggered(context.Background(), RunTriggered{
		TriggerType: "GITHUB",
		ProjectID:   "p1",
		TeamID:      "team-1",
		BuildID:     "b1",
		TestCount:   3,
		OccurredAt:  occurred,
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if pub.subject != "testrun.build.triggered" {
		t.Fatalf("unexpected subject %q", pub.subject)
	}

	var payload map[string]any
	if err := json.Unmarshal(pub.data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["triggerType"] != "GITHUB" || payload["projectId"] != "p1" || payload["teamId"] != "team-1" ||
		payload["buildId"] != "b1" || payload["testCount"] != float64(3) || payload["occurredAt"] != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected payload %s", pub.data)
	}
	if _, ok := payload["userId"]; ok {
		t.Fatalf("expected empty user id to be omitted, got %s", pub.data)
	}
}

func TestNATSEmitterWrapsPublishError(t *testing.T) {
	pub := &capturePublisher{err: nats.ErrConnectionClosed}
	emitter := &NATSEmitter{pub: pub, subject: "events"}

	err := emitter.EmitRunTriggered(context.Background(), RunTriggered{BuildID: "b1"})
	if !errors.Is(err, nats.ErrConnectionClosed) {
		t.Fatalf("expected wrapped connection error, got %v", err)
	}
}

func TestNATSEmitterPublishesToServer(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	sub, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	defer sub.Close()
	received, err := sub.SubscribeSync("testrun.test.triggered")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	emitter, err := NewNATSEmitter(NATSConfig{URL: url, Subject: "testrun.test.triggered"})
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	defer emitter.Close()

	if err := emitter.EmitRunTriggered(context.Background(), RunTriggered{ProjectID: "p1", BuildID: "b7"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	msg, err := received.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("next message: %v", err)
	}
	var event RunTriggered
	if err := json.Unmarshal(msg.Data, &event); err != nil || event.BuildID != "b7" {
		t.Fatalf("unexpected message %s (err %v)", msg.Data, err)
	}
}
