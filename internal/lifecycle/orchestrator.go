// Package lifecycle drives the meeting state machine from provider events.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"meetai/internal/bus"
	"meetai/internal/dispatch"
	"meetai/internal/domain"
	"meetai/internal/event"
	"meetai/internal/metrics"
	"meetai/internal/provider"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Outcome describes how an accepted event was handled.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeIgnored Outcome = "ignored"
	// OutcomeStale means the meeting was not in the required prior state; the
	// delivery was a duplicate or arrived out of order.
	OutcomeStale Outcome = "stale"
)

// Config wires the orchestrator's collaborators. Bus and Logger are optional.
type Config struct {
	Meetings     domain.MeetingStore
	Agents       domain.AgentStore
	AgentControl domain.AgentController
	CallControl  domain.CallController
	Dispatcher   domain.Dispatcher
	Bus          bus.Publisher
	Logger       *slog.Logger

	// CallType is used when an event does not name one.
	CallType  string
	EventName string

	AgentTimeout    time.Duration
	CallTimeout     time.Duration
	DispatchTimeout time.Duration

	Now func() time.Time
}

// Orchestrator applies decoded events to the meeting store and issues the
// side effects each transition requires.
type Orchestrator struct {
	meetings   domain.MeetingStore
	agents     domain.AgentStore
	agentCtl   domain.AgentController
	callCtl    domain.CallController
	dispatcher domain.Dispatcher
	bus        bus.Publisher
	logger     *slog.Logger

	callType  string
	eventName string

	agentTimeout    time.Duration
	callTimeout     time.Duration
	dispatchTimeout time.Duration

	now func() time.Time
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		meetings:        cfg.Meetings,
		agents:          cfg.Agents,
		agentCtl:        cfg.AgentControl,
		callCtl:         cfg.CallControl,
		dispatcher:      cfg.Dispatcher,
		bus:             cfg.Bus,
		logger:          cfg.Logger,
		callType:        cfg.CallType,
		eventName:       cfg.EventName,
		agentTimeout:    cfg.AgentTimeout,
		callTimeout:     cfg.CallTimeout,
		dispatchTimeout: cfg.DispatchTimeout,
		now:             cfg.Now,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.bus == nil {
		o.bus = noopBus{}
	}
	if o.callType == "" {
		o.callType = "default"
	}
	if o.eventName == "" {
		o.eventName = domain.ProcessingEvent
	}
	if o.agentTimeout <= 0 {
		o.agentTimeout = 10 * time.Second
	}
	if o.callTimeout <= 0 {
		o.callTimeout = 10 * time.Second
	}
	if o.dispatchTimeout <= 0 {
		o.dispatchTimeout = 5 * time.Second
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

type noopBus struct{}

func (noopBus) Emit(bus.Event) {}

// Handle applies one event. Errors are *domain.Error values whose kind
// determines the response returned to the provider.
func (o *Orchestrator) Handle(ctx context.Context, ev event.Event) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "lifecycle."+spanName(ev))
	defer span.End()
	span.SetAttributes(attribute.String("event.type", ev.Type()), attribute.String("meeting.id", ev.MeetingID()))

	var (
		out Outcome
		err error
	)
	switch e := ev.(type) {
	case *event.SessionStarted:
		out, err = o.sessionStarted(ctx, e)
	case *event.ParticipantLeft:
		out, err = o.participantLeft(ctx, e)
	case *event.SessionEnded:
		out, err = o.sessionEnded(ctx, e)
	case *event.TranscriptionReady:
		out, err = o.transcriptionReady(ctx, e)
	case *event.RecordingReady:
		out, err = o.recordingReady(ctx, e)
	default:
		out = OutcomeIgnored
	}

	span.SetAttributes(attribute.String("lifecycle.outcome", string(out)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.KindOf(err).String())
	}
	return out, err
}

func spanName(ev event.Event) string {
	if ev.Type() == "" {
		return "ignored"
	}
	return ev.Type()
}

func missingMeetingID() error {
	return domain.NewError(domain.KindValidation, "Missing meetingId", nil)
}

func (o *Orchestrator) sessionStarted(ctx context.Context, ev *event.SessionStarted) (Outcome, error) {
	id := ev.MeetingID()
	if id == "" {
		return "", missingMeetingID()
	}
	log := o.logger.With("meeting_id", id, "type", ev.Type())

	m, err := o.meetings.TransitionStatus(ctx, id, domain.StatusUpcoming, domain.StatusActive, domain.StampStarted, o.now())
	if errors.Is(err, domain.ErrNotFound) {
		log.Info("no upcoming meeting, treating as duplicate or stale")
		return OutcomeStale, domain.NewError(domain.KindNotFound, "Meeting not found", err)
	}
	if err != nil {
		return "", domain.NewError(domain.KindInternal, "Failed to update meeting", err)
	}
	o.emit(bus.EventMeetingActivated, id, map[string]any{"agent_id": m.AgentID})
	log.Info("meeting activated", "agent_id", m.AgentID)

	callType := o.callTypeOf(string(ev.Call.Type), ev.CallType())
	if err := o.meetings.RecordJoinAttempt(ctx, id, callType); err != nil {
		log.Warn("cannot record join attempt", "err", err)
	}

	// From here on the meeting is active. Any failure leaves it active without
	// an agent until the reconciliation sweep retries the join.
	agent, err := o.agents.GetAgent(ctx, m.AgentID)
	if err != nil {
		o.consistencyGap(log, id, m.AgentID, err)
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.NewError(domain.KindNotFound, "Agent not found", err)
		}
		return "", domain.NewError(domain.KindInternal, "Failed to load agent", err)
	}

	req := domain.JoinRequest{
		AgentID:      agent.ID,
		AgentName:    agent.Name,
		Instructions: agent.Instructions,
		CallType:     callType,
		CallID:       id,
	}
	if err := o.join(ctx, req); err != nil {
		metrics.AgentJoinFailures.Inc()
		o.consistencyGap(log, id, agent.ID, err)
		return "", classifyJoin(err)
	}

	if err := o.meetings.MarkAgentJoined(ctx, id, o.now()); err != nil {
		log.Warn("cannot mark agent joined", "err", err)
	}
	o.emit(bus.EventAgentJoined, id, map[string]any{"agent_id": agent.ID})
	log.Info("agent triggered to join call", "agent_id", agent.ID)
	return OutcomeApplied, nil
}

func (o *Orchestrator) join(ctx context.Context, req domain.JoinRequest) error {
	ctx, cancel := context.WithTimeout(ctx, o.agentTimeout)
	defer cancel()
	start := time.Now()
	defer metrics.DependencyLatency("agent_service").ObserveSince(start)
	return o.agentCtl.Join(ctx, req)
}

func (o *Orchestrator) consistencyGap(log *slog.Logger, meetingID, agentID string, err error) {
	metrics.ConsistencyGaps.Inc()
	log.Error("meeting is active but agent was not joined",
		"consistency_gap", true, "agent_id", agentID, "err", err)
	o.emit(bus.EventAgentJoinFailed, meetingID, map[string]any{
		"agent_id": agentID,
		"error":    err.Error(),
	})
}

// classifyJoin maps an agent join failure to its kind: an explicit rejection
// is a dependency failure, anything else (transport, timeout) means the
// service is unavailable.
func classifyJoin(err error) error {
	var serr *provider.StatusError
	if errors.As(err, &serr) {
		return domain.NewError(domain.KindDependencyFailure, "Failed to start agent", err)
	}
	return domain.NewError(domain.KindDependencyUnavailable, "Agent service unavailable", err)
}

func (o *Orchestrator) callTypeOf(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return o.callType
}

// participantLeft tears down the agent and the call. Failures are logged and
// never surfaced: the provider has already ended its side of the session.
func (o *Orchestrator) participantLeft(ctx context.Context, ev *event.ParticipantLeft) (Outcome, error) {
	id := ev.MeetingID()
	if id == "" {
		return "", missingMeetingID()
	}
	callType := o.callTypeOf(ev.CallType())
	log := o.logger.With("meeting_id", id, "type", ev.Type(), "participant", string(ev.Participant.User.ID))

	leaveCtx, cancel := context.WithTimeout(ctx, o.agentTimeout)
	err := o.agentCtl.Leave(leaveCtx, id)
	cancel()
	if err != nil {
		log.Warn("agent leave failed", "err", err)
	} else {
		o.emit(bus.EventAgentLeft, id, nil)
	}

	endCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	err = o.callCtl.EndCall(endCtx, callType, id)
	cancel()
	if err != nil {
		log.Warn("end call failed", "call_type", callType, "err", err)
	} else {
		o.emit(bus.EventCallEnded, id, map[string]any{"call_type": callType})
	}
	return OutcomeApplied, nil
}

// sessionEnded moves an active meeting to processing. A meeting in any other
// state is left untouched and the delivery is acknowledged.
func (o *Orchestrator) sessionEnded(ctx context.Context, ev *event.SessionEnded) (Outcome, error) {
	id := ev.MeetingID()
	if id == "" {
		return "", missingMeetingID()
	}
	log := o.logger.With("meeting_id", id, "type", ev.Type())

	m, err := o.meetings.TransitionStatus(ctx, id, domain.StatusActive, domain.StatusProcessing, domain.StampEnded, o.now())
	if errors.Is(err, domain.ErrNotFound) {
		log.Info("no active meeting, nothing to end")
		return OutcomeStale, nil
	}
	if err != nil {
		return "", domain.NewError(domain.KindInternal, "Failed to update meeting", err)
	}
	o.emit(bus.EventMeetingProcessing, id, map[string]any{"ended_at": m.EndedAt})
	log.Info("meeting moved to processing")
	return OutcomeApplied, nil
}

func (o *Orchestrator) transcriptionReady(ctx context.Context, ev *event.TranscriptionReady) (Outcome, error) {
	id := ev.MeetingID()
	if id == "" {
		return "", missingMeetingID()
	}
	if ev.Transcription.URL == "" {
		return "", domain.NewError(domain.KindValidation, "Missing transcription url", nil)
	}
	log := o.logger.With("meeting_id", id, "type", ev.Type())

	m, err := o.meetings.SetArtifactURL(ctx, id, domain.ArtifactTranscript, ev.Transcription.URL)
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.NewError(domain.KindNotFound, "Meeting not found", err)
	}
	if err != nil {
		return "", domain.NewError(domain.KindInternal, "Failed to update meeting", err)
	}
	o.emit(bus.EventArtifactStored, id, map[string]any{"field": string(domain.ArtifactTranscript)})

	// The stored URL wins over the delivered one so redeliveries enqueue the
	// same work.
	job := dispatch.NewJob(o.eventName, domain.JobData{MeetingID: m.ID, TranscriptURL: m.TranscriptURL}, o.now())
	dctx, cancel := context.WithTimeout(ctx, o.dispatchTimeout)
	defer cancel()
	if err := o.dispatcher.Enqueue(dctx, job); err != nil {
		log.Error("post-processing enqueue failed", "job_id", job.ID, "err", err)
		return "", domain.NewError(domain.KindDependencyUnavailable, "Post-processing unavailable", err)
	}
	metrics.JobsEnqueued.Inc()
	o.emit(bus.EventJobEnqueued, id, map[string]any{"job_id": job.ID})
	log.Info("post-processing enqueued", "job_id", job.ID)
	return OutcomeApplied, nil
}

func (o *Orchestrator) recordingReady(ctx context.Context, ev *event.RecordingReady) (Outcome, error) {
	id := ev.MeetingID()
	if id == "" {
		return "", missingMeetingID()
	}
	if ev.Recording.URL == "" {
		return "", domain.NewError(domain.KindValidation, "Missing recording url", nil)
	}

	_, err := o.meetings.SetArtifactURL(ctx, id, domain.ArtifactRecording, ev.Recording.URL)
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.NewError(domain.KindNotFound, "Meeting not found", err)
	}
	if err != nil {
		return "", domain.NewError(domain.KindInternal, "Failed to update meeting", err)
	}
	o.emit(bus.EventArtifactStored, id, map[string]any{"field": string(domain.ArtifactRecording)})
	o.logger.Info("recording stored", "meeting_id", id)
	return OutcomeApplied, nil
}

func (o *Orchestrator) emit(typ, meetingID string, payload map[string]any) {
	o.bus.Emit(bus.Event{Type: typ, Source: "lifecycle", MeetingID: meetingID, Payload: payload})
}
