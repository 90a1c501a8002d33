package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestEngineCollectorRecordsTicks(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewEngineCollector(reg)
	if err != nil {
		t.Fatalf("NewEngineCollector: %v", err)
	}

	c.ObserveTick(4, 0.02, false)
	c.ObserveTick(0, 0.001, true)
	c.CountNotification("link_up")
	c.CountNotification("link_up")
	c.SetConnections(3, 1)
	c.CountOverrun()

	if got := testutil.ToFloat64(c.Ticks); got != 2 {
		t.Fatalf("mesh_ticks_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.SkippedTicks); got != 1 {
		t.Fatalf("mesh_ticks_skipped_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ChangedPairs); got != 0 {
		t.Fatalf("mesh_changed_pairs = %v, want 0 after skipped tick", got)
	}
	if got := testutil.ToFloat64(c.Notifications.WithLabelValues("link_up")); got != 2 {
		t.Fatalf("mesh_notifications_total{kind=link_up} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Connections.WithLabelValues("active")); got != 3 {
		t.Fatalf("mesh_connections{state=active} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.Overruns); got != 1 {
		t.Fatalf("mesh_tick_overruns_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "mesh_tick_duration_seconds", nil); count != 2 {
		t.Fatalf("mesh_tick_duration_seconds sample_count = %d, want 2", count)
	}
}

func TestCollectorsReuseExistingRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewEngineCollector(reg)
	if err != nil {
		t.Fatalf("first NewEngineCollector: %v", err)
	}
	second, err := NewEngineCollector(reg)
	if err != nil {
		t.Fatalf("second NewEngineCollector: %v", err)
	}
	first.ObserveTick(1, 0.01, false)
	if got := testutil.ToFloat64(second.Ticks); got != 1 {
		t.Fatalf("second collector not sharing counters: %v", got)
	}

	if _, err := NewCoordinatorCollector(reg); err != nil {
		t.Fatalf("NewCoordinatorCollector: %v", err)
	}
	if _, err := NewCoordinatorCollector(reg); err != nil {
		t.Fatalf("second NewCoordinatorCollector: %v", err)
	}
}

func TestCoordinatorCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCoordinatorCollector(reg)
	if err != nil {
		t.Fatalf("NewCoordinatorCollector: %v", err)
	}
	c.CountMessage("register")
	c.CountViolation("exchange")
	c.SetStep(7)
	c.AddBroadcastBytes(128)
	c.AddBroadcastBytes(-5)

	if got := testutil.ToFloat64(c.Messages.WithLabelValues("register")); got != 1 {
		t.Fatalf("coord_messages_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Violations.WithLabelValues("exchange")); got != 1 {
		t.Fatalf("coord_protocol_violations_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Step); got != 7 {
		t.Fatalf("coord_step = %v, want 7", got)
	}
	if got := testutil.ToFloat64(c.BroadcastBytes); got != 128 {
		t.Fatalf("coord_broadcast_bytes_total = %v, want 128", got)
	}
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var e *EngineCollector
	e.ObserveTick(1, 1, false)
	e.CountNotification("x")
	e.SetConnections(1, 1)
	e.CountOverrun()
	var c *CoordinatorCollector
	c.CountMessage("x")
	c.CountViolation("x")
	c.SetStep(1)
	c.AddBroadcastBytes(1)
}

func TestMetricsHandlerExposesEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewEngineCollector(reg)
	if err != nil {
		t.Fatalf("NewEngineCollector: %v", err)
	}
	c.ObserveTick(2, 0.01, false)
	c.CountNotification("link_down")
	c.SetConnections(5, 6)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	Handler(c.Gatherer()).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"mesh_ticks_total",
		"mesh_tick_duration_seconds",
		"mesh_changed_pairs",
		`mesh_notifications_total{kind="link_down"}`,
		`mesh_connections{state="inactive"} 6`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil)
	if err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("MESH_TRACING_ENABLED", "true")
	t.Setenv("MESH_TRACING_SAMPLE_RATIO", "0.25")
	cfg := TracingConfigFromEnv(TracingConfig{Exporter: "otlp"}, "mesh-coordinator")
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.ServiceName != "mesh-coordinator" || cfg.SampleRatio != 0.25 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
