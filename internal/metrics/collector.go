// Package metrics is a small Prometheus-compatible collector. It renders the
// text exposition format without pulling in prometheus/client_golang.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	startTime  time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Labels renders key/value pairs as a Prometheus label set body, e.g.
// Labels("type", "call.session_started") == `type="call.session_started"`.
func Labels(kv ...string) string {
	var sb strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		v := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(kv[i+1])
		fmt.Fprintf(&sb, `%s="%s"`, kv[i], v)
	}
	return sb.String()
}

// Counter returns or creates the counter for name and label set.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	c.mu.RLock()
	ctr, ok := c.counters[key]
	c.mu.RUnlock()
	if ok {
		return ctr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.counters[key]; ok {
		return ctr
	}
	ctr = &Counter{name: name, help: help, labels: labels}
	c.counters[key] = ctr
	return ctr
}

func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gauges[key]; ok {
		return g
	}
	g := &Gauge{name: name, help: help, labels: labels}
	c.gauges[key] = g
	return g
}

func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.histograms[key]; ok {
		return h
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	hb := make([]histBucket, len(sorted))
	for i, b := range sorted {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	c.histograms[key] = h
	return h
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func series(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

// Render writes every metric in Prometheus text format, sorted by series.
func (c *MetricsCollector) Render() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP meetai_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE meetai_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "meetai_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	helpWritten := make(map[string]bool)
	header := func(name, help, typ string) {
		if helpWritten[name] {
			return
		}
		fmt.Fprintf(&sb, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&sb, "# TYPE %s %s\n", name, typ)
		helpWritten[name] = true
	}

	for _, k := range sortedKeys(c.counters) {
		ctr := c.counters[k]
		header(ctr.name, ctr.help, "counter")
		fmt.Fprintf(&sb, "%s %d\n", series(ctr.name, ctr.labels), ctr.Value())
	}
	for _, k := range sortedKeys(c.gauges) {
		g := c.gauges[k]
		header(g.name, g.help, "gauge")
		fmt.Fprintf(&sb, "%s %d\n", series(g.name, g.labels), g.Value())
	}
	for _, k := range sortedKeys(c.histograms) {
		h := c.histograms[k]
		h.mu.Lock()
		header(h.name, h.help, "histogram")
		sep := ""
		if h.labels != "" {
			sep = h.labels + ","
		}
		for _, b := range h.buckets {
			if math.IsInf(b.le, 1) {
				continue
			}
			fmt.Fprintf(&sb, "%s_bucket{%sle=\"%g\"} %d\n", h.name, sep, b.le, b.count)
		}
		fmt.Fprintf(&sb, "%s_bucket{%sle=\"+Inf\"} %d\n", h.name, sep, h.count)
		fmt.Fprintf(&sb, "%s %f\n", series(h.name+"_sum", h.labels), h.sum)
		fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_count", h.labels), h.count)
		h.mu.Unlock()
	}
	return sb.String()
}

// Handler serves Render over HTTP.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.Render())
	}
}

// --- Application metrics ---

var latencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// WebhookEvents counts deliveries by event type and outcome (ok, ignored,
// stale, or the error kind).
func WebhookEvents(eventType, outcome string) *Counter {
	return Collector.Counter("meetai_webhook_events_total", "Webhook deliveries by event type and outcome",
		Labels("type", eventType, "outcome", outcome))
}

// JobsProcessed counts worker results (completed, retried, dead).
func JobsProcessed(result string) *Counter {
	return Collector.Counter("meetai_jobs_processed_total", "Post-processing jobs handled by the worker",
		Labels("result", result))
}

var (
	AgentJoinFailures = Collector.Counter("meetai_agent_join_failures_total", "Agent join requests that failed", "")
	JobsEnqueued      = Collector.Counter("meetai_jobs_enqueued_total", "Post-processing jobs enqueued", "")
	ReconcileRuns     = Collector.Counter("meetai_reconcile_runs_total", "Reconciliation sweeps executed", "")
	ReconcileRejoins  = Collector.Counter("meetai_reconcile_rejoins_total", "Agents re-joined by reconciliation", "")
	ConsistencyGaps   = Collector.Counter("meetai_consistency_gaps_total", "Meetings left active without a joined agent", "")

	WebhookInFlight = Collector.Gauge("meetai_webhook_inflight", "Webhook deliveries currently being handled", "")
	AlertQueueDepth = Collector.Gauge("meetai_alert_queue_depth", "Operator alerts waiting to be sent", "")

	WebhookLatency = Collector.Histogram("meetai_webhook_latency_seconds", "Webhook handling latency in seconds", "",
		latencyBuckets)
)

// DependencyLatency tracks outbound call latency per dependency.
func DependencyLatency(dep string) *Histogram {
	return Collector.Histogram("meetai_dependency_latency_seconds", "Outbound dependency call latency in seconds",
		Labels("dependency", dep), latencyBuckets)
}
