package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"meetai/internal/bus"
	"meetai/internal/domain"
	"meetai/internal/metrics"
)

// ActiveCallLister reports which calls currently have an agent session.
// *provider.AgentService implements it.
type ActiveCallLister interface {
	ActiveCalls(ctx context.Context) (map[string]bool, error)
}

type ReconcilerConfig struct {
	Meetings     domain.MeetingStore
	Agents       domain.AgentStore
	AgentControl domain.AgentController
	// ActiveCalls is optional. When set, meetings whose call already has an
	// agent are marked joined without another join request.
	ActiveCalls ActiveCallLister
	Bus         bus.Publisher
	Logger      *slog.Logger

	// Grace is how long a meeting must have been active before the sweep
	// considers it, so it does not race the webhook that started it.
	Grace        time.Duration
	MaxAttempts  int
	BatchSize    int
	CallType     string
	AgentTimeout time.Duration
	Now          func() time.Time
}

// Reconciler re-drives agent joins for meetings that went active without an
// agent: the join request failed or the process died between the status
// update and the join.
type Reconciler struct {
	cfg    ReconcilerConfig
	bus    bus.Publisher
	logger *slog.Logger
}

// Report summarizes one sweep.
type Report struct {
	Scanned   int `json:"scanned"`
	Rejoined  int `json:"rejoined"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.CallType == "" {
		cfg.CallType = "default"
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Reconciler{cfg: cfg, bus: cfg.Bus, logger: cfg.Logger}
	if r.bus == nil {
		r.bus = noopBus{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "reconciler")
	return r
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reconcile sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.reconcile")
	defer span.End()
	metrics.ReconcileRuns.Inc()

	var rep Report
	cutoff := r.cfg.Now().Add(-r.cfg.Grace)
	pending, err := r.cfg.Meetings.ListUnjoinedActive(ctx, cutoff, r.cfg.MaxAttempts, r.cfg.BatchSize)
	if err != nil {
		return rep, err
	}
	rep.Scanned = len(pending)
	if len(pending) == 0 {
		return rep, nil
	}

	var active map[string]bool
	if r.cfg.ActiveCalls != nil {
		actx, cancel := context.WithTimeout(ctx, r.cfg.AgentTimeout)
		active, err = r.cfg.ActiveCalls.ActiveCalls(actx)
		cancel()
		if err != nil {
			r.logger.Warn("cannot list active calls, rejoining blindly", "err", err)
			active = nil
		}
	}

	for _, m := range pending {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		log := r.logger.With("meeting_id", m.ID, "agent_id", m.AgentID, "attempt", m.JoinAttempts+1)

		if active[m.ID] {
			if err := r.cfg.Meetings.MarkAgentJoined(ctx, m.ID, r.cfg.Now()); err != nil {
				log.Warn("cannot mark agent joined", "err", err)
				continue
			}
			rep.Confirmed++
			log.Info("agent already in call, marked joined")
			continue
		}

		if err := r.cfg.Meetings.RecordJoinAttempt(ctx, m.ID, ""); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			log.Warn("cannot record join attempt", "err", err)
		}

		if err := r.rejoin(ctx, m); err != nil {
			rep.Failed++
			metrics.AgentJoinFailures.Inc()
			log.Warn("rejoin failed", "err", err)
			if m.JoinAttempts+1 >= r.cfg.MaxAttempts {
				rep.Exhausted++
				log.Error("giving up on agent join", "consistency_gap", true)
				r.bus.Emit(bus.Event{
					Type:      bus.EventReconcileExhausted,
					Source:    "reconciler",
					MeetingID: m.ID,
					Payload:   map[string]any{"agent_id": m.AgentID, "attempts": m.JoinAttempts + 1, "error": err.Error()},
				})
			}
			continue
		}

		if err := r.cfg.Meetings.MarkAgentJoined(ctx, m.ID, r.cfg.Now()); err != nil {
			log.Warn("cannot mark agent joined", "err", err)
		}
		rep.Rejoined++
		metrics.ReconcileRejoins.Inc()
		r.bus.Emit(bus.Event{Type: bus.EventAgentJoined, Source: "reconciler", MeetingID: m.ID,
			Payload: map[string]any{"agent_id": m.AgentID}})
		log.Info("agent rejoined")
	}

	if rep.Rejoined+rep.Confirmed+rep.Failed > 0 {
		r.logger.Info("reconcile sweep done",
			"scanned", rep.Scanned, "rejoined", rep.Rejoined, "confirmed", rep.Confirmed,
			"failed", rep.Failed, "exhausted", rep.Exhausted)
	}
	return rep, nil
}

func (r *Reconciler) rejoin(ctx context.Context, m domain.Meeting) error {
	agent, err := r.cfg.Agents.GetAgent(ctx, m.AgentID)
	if err != nil {
		return err
	}
	jctx, cancel := context.WithTimeout(ctx, r.cfg.AgentTimeout)
	defer cancel()
	return r.cfg.AgentControl.Join(jctx, domain.JoinRequest{
		AgentID:      agent.ID,
		AgentName:    agent.Name,
		Instructions: agent.Instructions,
		CallType:     r.callType(m),
		CallID:       m.ID,
	})
}

// callType is the call type stored at activation, or the configured default
// for meetings activated before it was recorded.
func (r *Reconciler) callType(m domain.Meeting) string {
	if m.CallType != "" {
		return m.CallType
	}
	return r.cfg.CallType
}
