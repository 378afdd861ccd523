package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"missing service name", func(c *Config) { c.ServiceName = "" }, "service name"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }, "exporter"},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling rate"},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddress = "" }, "listen address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error = %q, want it to mention %q", err, tt.errMsg)
			}
		})
	}
}

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("converge").
		WithRunID("run-1").
		WithDomain("web01").
		WithTransition("defined", "running", "start").
		Info("transition completed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	want := map[string]string{
		"component": "converge",
		"run_id":    "run-1",
		"domain":    "web01",
		"effector":  "start",
		"message":   "transition completed",
	}
	for key, value := range want {
		if entry[key] != value {
			t.Errorf("%s = %v, want %q", key, entry[key], value)
		}
	}
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %s", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warning not logged: %s", buf.String())
	}
}

func TestFromContextWithoutLogger(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("FromContext() = nil")
	}
	logger.Info("discarded")
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordConverge("changed", time.Second)
	m.RecordTransition("start", nil, time.Second)
	m.RecordReconcile(false, map[string]int{"attribute": 1}, nil)
	m.RecordError("permanent", "UNREACHABLE")
	m.SetDomainState("web01", "running", []string{"running"})
	if m.Registry() != nil {
		t.Error("disabled metrics have a registry")
	}
	if m.StartMetricsServer() != nil {
		t.Error("disabled metrics started a server")
	}
}

func TestMetricsRecord(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, ListenAddress: ":0", Namespace: "virtsync"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordConverge("changed", 10*time.Millisecond)
	m.RecordConverge("changed", 10*time.Millisecond)
	m.RecordTransition("start", nil, time.Millisecond)
	m.RecordTransition("start", errors.New("boom"), time.Millisecond)
	m.RecordReconcile(false, map[string]int{"attribute": 2}, map[string]int{"text": 1})
	m.SetDomainState("web01", "running", []string{"defined", "running"})

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"converge runs", testutil.ToFloat64(m.convergeRuns.WithLabelValues("changed")), 2},
		{"succeeded transitions", testutil.ToFloat64(m.transitions.WithLabelValues("start", "succeeded")), 1},
		{"failed transitions", testutil.ToFloat64(m.transitions.WithLabelValues("start", "failed")), 1},
		{"differing reconciliations", testutil.ToFloat64(m.reconciliations.WithLabelValues("differs")), 1},
		{"counted changes", testutil.ToFloat64(m.changes.WithLabelValues("attribute", "false")), 2},
		{"ignored changes", testutil.ToFloat64(m.changes.WithLabelValues("text", "true")), 1},
		{"current state", testutil.ToFloat64(m.domainState.WithLabelValues("web01", "running")), 1},
		{"other state", testutil.ToFloat64(m.domainState.WithLabelValues("web01", "defined")), 0},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "virtsync_converge_runs_total") {
		t.Error("converge runs missing from the exposition")
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, func(e Event) bool { return e.Domain == "web01" })

	mustPublish(t, ep.PublishConvergeStarted("run-1", "web01", "running"))
	mustPublish(t, ep.PublishConvergeStarted("run-2", "db01", "running"))
	mustPublish(t, ep.PublishDefinitionDrift("run-1", "web01", 3))

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Type != EventTypeConvergeStarted || got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Type != EventTypeDefinitionDrift || got[1].Level != EventLevelWarning {
		t.Errorf("second event = %+v", got[1])
	}
}

func mustPublish(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func TestEventPublisherGlobalFilter(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var got []Event
	ep.AddFilter(FilterByLevel(EventLevelError))
	ep.Subscribe(func(e Event) { got = append(got, e) }, nil)

	mustPublish(t, ep.PublishTransitionStarted("run-1", "web01", "defined", "running", "start"))
	mustPublish(t, ep.PublishTransitionFailed("run-1", "web01", "start", "boom"))

	if len(got) != 1 || got[0].Type != EventTypeTransitionFailed {
		t.Errorf("events = %+v, want one transition failure", got)
	}
}

func TestFilterByType(t *testing.T) {
	filter := FilterByType(EventTypeStateChanged, EventTypeDefinitionDrift)

	for _, typ := range EventTypes() {
		want := typ == EventTypeStateChanged || typ == EventTypeDefinitionDrift
		if got := filter(Event{Type: typ}); got != want {
			t.Errorf("filter(%s) = %t, want %t", typ, got, want)
		}
	}
	if FilterByType()(Event{Type: EventTypeConvergeStarted}) {
		t.Error("an empty type filter lets events through")
	}
}

func TestEventTypesAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for _, typ := range EventTypes() {
		if seen[typ] {
			t.Errorf("duplicate event type %s", typ)
		}
		seen[typ] = true
	}
	if len(seen) != 8 {
		t.Errorf("got %d event types, want 8", len(seen))
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16, MaxBatchSize: 4})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 10; i++ {
		mustPublish(t, ep.PublishConvergeStarted("run-1", "web01", "running"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("delivered %d events, want 10", count)
	}
	if ep.Publish(Event{Type: EventTypeConvergeStarted}) == nil {
		t.Error("a stopped publisher accepted an event")
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	if err := ep.Publish(Event{Type: EventTypeConvergeStarted}); err != nil {
		t.Errorf("Publish() error = %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestConvergeContextLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	tel.Logger = NopLogger()

	var types []string
	tel.Events.Subscribe(func(e Event) { types = append(types, e.Type) }, nil)

	ctx := tel.WithContext(context.Background())
	ctx = WithConvergeContext(ctx, "run-1", "web01", "running")

	err = RecordTransition(ctx, "run-1", "web01", "defined", "running", "start", func(context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("RecordTransition() error = %v", err)
	}

	boom := errors.New("boom")
	err = RecordTransition(ctx, "run-1", "web01", "running", "paused", "pause", func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RecordTransition() error = %v, want %v", err, boom)
	}

	EndConvergeContext(ctx, "run-1", "web01", true, err)

	want := []string{
		EventTypeConvergeStarted,
		EventTypeTransitionStarted,
		EventTypeTransitionCompleted,
		EventTypeTransitionStarted,
		EventTypeTransitionFailed,
		EventTypeConvergeFailed,
	}
	if !reflect.DeepEqual(types, want) {
		t.Errorf("event types = %v, want %v", types, want)
	}
	if got := testutil.ToFloat64(tel.Metrics.convergeRuns.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed converge runs = %v, want 1", got)
	}

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestRefusedEventsAreLogged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Events = EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 4, MaxBatchSize: 1}
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	var buf bytes.Buffer
	tel.Logger = NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	if err := tel.Events.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	ctx := WithConvergeContext(tel.WithContext(context.Background()), "run-1", "web01", "running")
	err = RecordTransition(ctx, "run-1", "web01", "defined", "running", "start", func(context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("RecordTransition() error = %v", err)
	}
	EndConvergeContext(ctx, "run-1", "web01", true, nil)

	// started, transition started, transition completed, completed
	if got := strings.Count(buf.String(), "failed to publish event"); got != 4 {
		t.Errorf("logged %d refused events, want 4:\n%s", got, buf.String())
	}
	if !strings.Contains(buf.String(), "event publisher stopped") {
		t.Errorf("refusal reason missing:\n%s", buf.String())
	}
}

func TestRecordTransitionWithoutTelemetry(t *testing.T) {
	called := false
	err := RecordTransition(context.Background(), "r", "d", "a", "b", "start", func(context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("RecordTransition() error = %v", err)
	}
	if !called {
		t.Error("fn was not called")
	}
}

func TestStartOperation(t *testing.T) {
	tel := Nop()
	ctx := tel.WithContext(context.Background())

	op := StartOperation(ctx, "reconcile")
	if op.Span == nil {
		t.Fatal("operation has no span")
	}
	op.End(nil)

	bare := StartOperation(context.Background(), "reconcile")
	if bare.Span != nil {
		t.Error("operation without telemetry has a span")
	}
	bare.End(errors.New("ignored"))
}
