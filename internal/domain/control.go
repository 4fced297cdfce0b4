package domain

import (
	"context"
	"time"
)

// JoinRequest instructs the agent runtime to put an agent into a call.
type JoinRequest struct {
	AgentID      string `json:"agent_id"`
	AgentName    string `json:"agent_name"`
	Instructions string `json:"instructions"`
	CallType     string `json:"call_type"`
	CallID       string `json:"call_id"`
}

// AgentController talks to the remote agent runtime.
type AgentController interface {
	Join(ctx context.Context, req JoinRequest) error
	Leave(ctx context.Context, callID string) error
}

// CallController talks to the video call provider.
type CallController interface {
	EndCall(ctx context.Context, callType, callID string) error
}

// ProcessingEvent is the job name consumed by the post-processing worker.
const ProcessingEvent = "meetings/processing"

// Job is a durable unit of post-processing work.
type Job struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Data       JobData   `json:"data"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"-"`
}

type JobData struct {
	MeetingID     string `json:"meetingId"`
	TranscriptURL string `json:"transcriptUrl"`
}

// Dispatcher hands jobs to an external worker with at-least-once delivery.
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) error
}
