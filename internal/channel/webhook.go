// Package channel exposes the inbound HTTP surface: the provider webhook plus
// health, readiness and metrics endpoints.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"meetai/internal/bus"
	"meetai/internal/domain"
	"meetai/internal/event"
	"meetai/internal/lifecycle"
	"meetai/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Verifier authenticates a raw webhook body. *provider.Stream implements it.
type Verifier interface {
	VerifyWebhook(body []byte, signature, apiKey string) error
}

// EventHandler applies a decoded event. *lifecycle.Orchestrator implements it.
type EventHandler interface {
	Handle(ctx context.Context, ev event.Event) (lifecycle.Outcome, error)
}

// History is the retained lifecycle event log. *bus.EventBus implements it.
type History interface {
	Replay(eventType string, since time.Time) []bus.Event
	ForMeeting(meetingID string) []bus.Event
	HistoryLen() int
}

// Check is one named readiness check.
type Check func(ctx context.Context) error

// WebhookConfig configures the webhook server.
type WebhookConfig struct {
	Host         string
	Port         int
	Path         string // webhook URL path (default: /api/webhook)
	MaxBodyBytes int64
	Verifier     Verifier
	Handler      EventHandler
	// Checks run on /readyz. All must pass for a 200.
	Checks map[string]Check
	// Metrics is served on MetricsPath when non-nil.
	Metrics     http.Handler
	MetricsPath string
	// Events, when set, is served read-only under /debug/.
	Events History
	Bus    bus.Publisher
	Logger *slog.Logger
}

// Webhook is the provider-facing HTTP server.
type Webhook struct {
	cfg     WebhookConfig
	logger  *slog.Logger
	handler http.Handler
	server  *http.Server
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/api/webhook"
	}
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Webhook{cfg: cfg, logger: logger.With("component", "webhook")}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, w.handleWebhook)
	mux.HandleFunc("/healthz", w.handleHealth)
	mux.HandleFunc("/readyz", w.handleReady)
	if cfg.Metrics != nil {
		mux.Handle(cfg.MetricsPath, cfg.Metrics)
	}
	if cfg.Events != nil {
		mux.HandleFunc("GET /debug/events", w.handleEvents)
		mux.HandleFunc("GET /debug/meetings/{id}/events", w.handleMeetingEvents)
	}
	w.handler = otelhttp.NewHandler(mux, "meetai.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
	return w
}

// Handler returns the instrumented router.
func (w *Webhook) Handler() http.Handler { return w.handler }

func (w *Webhook) Addr() string {
	return net.JoinHostPort(w.cfg.Host, strconv.Itoa(w.cfg.Port))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (w *Webhook) Start(ctx context.Context) error {
	w.server = &http.Server{
		Addr:              w.Addr(),
		Handler:           w.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("webhook server starting", "addr", w.server.Addr, "path", w.cfg.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation, domain.KindMalformed:
		return http.StatusBadRequest
	case domain.KindAuthentication:
		return http.StatusUnauthorized
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type delivery struct {
	requestID string
	eventType string
	meetingID string
	outcome   string
	start     time.Time
}

func (w *Webhook) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	d := delivery{requestID: uuid.NewString(), eventType: "unknown", start: time.Now()}
	rw.Header().Set("X-Request-Id", d.requestID)

	if r.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	metrics.WebhookInFlight.Inc()
	defer metrics.WebhookInFlight.Dec()

	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, w.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.finish(rw, &d, http.StatusRequestEntityTooLarge, "Payload too large", err)
			return
		}
		w.finish(rw, &d, http.StatusBadRequest, "Cannot read body", err)
		return
	}

	if err := w.cfg.Verifier.VerifyWebhook(body, r.Header.Get("x-signature"), r.Header.Get("x-api-key")); err != nil {
		w.fail(rw, &d, err)
		return
	}

	ev, err := event.Decode(body)
	if err != nil {
		w.fail(rw, &d, err)
		return
	}
	if ev.Type() != "" {
		d.eventType = ev.Type()
	}
	d.meetingID = ev.MeetingID()
	if w.cfg.Bus != nil {
		w.cfg.Bus.Emit(bus.Event{Type: bus.EventWebhookReceived, Source: "webhook", MeetingID: d.meetingID,
			Payload: map[string]any{"type": d.eventType, "request_id": d.requestID}})
	}

	// The provider may hang up while dependencies are still being called;
	// finishing the transition matters more than the response.
	ctx := context.WithoutCancel(r.Context())
	out, err := w.cfg.Handler.Handle(ctx, ev)
	if err != nil {
		w.fail(rw, &d, err)
		return
	}
	d.outcome = string(out)
	w.finish(rw, &d, http.StatusOK, "", nil)
}

func (w *Webhook) fail(rw http.ResponseWriter, d *delivery, err error) {
	kind := domain.KindOf(err)
	d.outcome = kind.String()
	w.finish(rw, d, statusFor(kind), domain.MessageOf(err), err)
}

// finish writes the response, records metrics and logs one line per delivery.
func (w *Webhook) finish(rw http.ResponseWriter, d *delivery, status int, msg string, err error) {
	if d.outcome == "" {
		d.outcome = strconv.Itoa(status)
	}
	if status == http.StatusOK {
		writeJSON(rw, status, map[string]string{"status": "ok"})
	} else {
		writeJSON(rw, status, map[string]string{"error": msg})
	}

	metrics.WebhookEvents(d.eventType, d.outcome).Inc()
	metrics.WebhookLatency.ObserveSince(d.start)

	attrs := []any{
		"request_id", d.requestID,
		"type", d.eventType,
		"meeting_id", d.meetingID,
		"outcome", d.outcome,
		"status", status,
		"latency", time.Since(d.start),
	}
	switch {
	case status >= 500:
		w.logger.Error("webhook handled", append(attrs, "err", err)...)
	case status >= 400:
		w.logger.Warn("webhook rejected", append(attrs, "err", err)...)
	default:
		w.logger.Info("webhook handled", attrs...)
	}
}

func (w *Webhook) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

func (w *Webhook) handleReady(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range w.cfg.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		w.logger.Warn("readiness check failed", "checks", failed)
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ready"})
}

// handleEvents lists retained events, optionally filtered by ?type= and
// ?since= (RFC 3339).
func (w *Webhook) handleEvents(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ := q.Get("type")
	if typ == "" {
		typ = "*"
	}
	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "since must be RFC 3339"})
			return
		}
		since = t
	}
	events := w.cfg.Events.Replay(typ, since)
	if events == nil {
		events = []bus.Event{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"retained": w.cfg.Events.HistoryLen(), "events": events})
}

func (w *Webhook) handleMeetingEvents(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events := w.cfg.Events.ForMeeting(id)
	if events == nil {
		events = []bus.Event{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"meeting_id": id, "events": events})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
