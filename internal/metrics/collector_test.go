package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounter_SameSeriesIsShared(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "help", Labels("k", "v"))
	b := c.Counter("x_total", "help", Labels("k", "v"))
	a.Inc()
	b.Add(2)
	if a.Value() != 3 {
		t.Fatalf("expected shared counter value 3, got %d", a.Value())
	}
}

func TestLabels_Escaping(t *testing.T) {
	got := Labels("type", `a"b`, "outcome", "ok")
	want := `type="a\"b",outcome="ok"`
	if got != want {
		t.Fatalf("Labels = %s, want %s", got, want)
	}
}

func TestRender_Format(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("meetai_events_total", "Events", Labels("type", "call.session_started")).Inc()
	c.Gauge("meetai_inflight", "In flight", "").Set(2)
	h := c.Histogram("meetai_latency_seconds", "Latency", "", []float64{1, 0.1})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(3)

	out := c.Render()
	for _, want := range []string{
		"# TYPE meetai_events_total counter",
		`meetai_events_total{type="call.session_started"} 1`,
		"meetai_inflight 2",
		`meetai_latency_seconds_bucket{le="0.1"} 1`,
		`meetai_latency_seconds_bucket{le="1"} 2`,
		`meetai_latency_seconds_bucket{le="+Inf"} 3`,
		"meetai_latency_seconds_count 3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render output missing %q\n%s", want, out)
		}
	}
}

func TestRender_LabelledHistogram(t *testing.T) {
	c := NewMetricsCollector()
	c.Histogram("dep_seconds", "Dep", Labels("dependency", "agent_service"), []float64{1}).Observe(0.2)
	out := c.Render()
	if !strings.Contains(out, `dep_seconds_bucket{dependency="agent_service",le="1"} 1`) {
		t.Fatalf("unexpected histogram render:\n%s", out)
	}
	if !strings.Contains(out, `dep_seconds_count{dependency="agent_service"} 1`) {
		t.Fatalf("missing labelled count:\n%s", out)
	}
}

func TestHandler_ContentType(t *testing.T) {
	c := NewMetricsCollector()
	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "meetai_uptime_seconds") {
		t.Fatal("missing uptime gauge")
	}
}
