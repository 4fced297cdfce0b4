package domain

import (
	"context"
	"time"
)

// MeetingStatus is the lifecycle state of a meeting.
type MeetingStatus string

const (
	StatusUpcoming   MeetingStatus = "upcoming"
	StatusActive     MeetingStatus = "active"
	StatusProcessing MeetingStatus = "processing"
	StatusCompleted  MeetingStatus = "completed"
	StatusCancelled  MeetingStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s MeetingStatus) Valid() bool {
	switch s {
	case StatusUpcoming, StatusActive, StatusProcessing, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// StampField names the timestamp column set together with a status transition.
type StampField string

const (
	StampNone    StampField = ""
	StampStarted StampField = "started_at"
	StampEnded   StampField = "ended_at"
)

// ArtifactField names a locator column that is written at most once.
type ArtifactField string

const (
	ArtifactTranscript ArtifactField = "transcript_url"
	ArtifactRecording  ArtifactField = "recording_url"
)

type Meeting struct {
	ID            string        `json:"id" yaml:"id"`
	Name          string        `json:"name" yaml:"name"`
	AgentID       string        `json:"agent_id" yaml:"agentId"`
	Status        MeetingStatus `json:"status" yaml:"status"`
	StartedAt     *time.Time    `json:"started_at,omitempty" yaml:"-"`
	EndedAt       *time.Time    `json:"ended_at,omitempty" yaml:"-"`
	TranscriptURL string        `json:"transcript_url,omitempty" yaml:"-"`
	RecordingURL  string        `json:"recording_url,omitempty" yaml:"-"`
	AgentJoinedAt *time.Time    `json:"agent_joined_at,omitempty" yaml:"-"`
	JoinAttempts  int           `json:"join_attempts" yaml:"-"`
	CallType      string        `json:"call_type,omitempty" yaml:"-"`
	CreatedAt     time.Time     `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time     `json:"updated_at" yaml:"-"`
}

// Agent is the conversational agent that joins a meeting's call.
// Instructions are passed verbatim to the agent runtime.
type Agent struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Instructions string    `json:"instructions" yaml:"instructions"`
	CreatedAt    time.Time `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"-"`
}

// MeetingStore is the narrow read/update contract the lifecycle core needs.
// Lookups and conditional updates return ErrNotFound when no row matches.
type MeetingStore interface {
	FindMeeting(ctx context.Context, id string, statuses ...MeetingStatus) (*Meeting, error)

	// TransitionStatus atomically moves a meeting from one status to another,
	// stamping the given column with at. A meeting that is absent or not in
	// from yields ErrNotFound.
	TransitionStatus(ctx context.Context, id string, from, to MeetingStatus, stamp StampField, at time.Time) (*Meeting, error)

	SetArtifactURL(ctx context.Context, id string, field ArtifactField, url string) (*Meeting, error)

	MarkAgentJoined(ctx context.Context, id string, at time.Time) error
	RecordJoinAttempt(ctx context.Context, id, callType string) error
	ListUnjoinedActive(ctx context.Context, startedBefore time.Time, maxAttempts, limit int) ([]Meeting, error)
}

// AgentStore reads agent definitions.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*Agent, error)
}
