// Package event decodes call provider webhook payloads into typed variants.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"meetai/internal/domain"
)

// Provider event type discriminators.
const (
	TypeSessionStarted     = "call.session_started"
	TypeParticipantLeft    = "call.session_participant_left"
	TypeSessionEnded       = "call.session_ended"
	TypeTranscriptionReady = "call.transcription_ready"
	TypeRecordingReady     = "call.recording_ready"
)

// Event is one decoded webhook delivery. The concrete type is one of
// *SessionStarted, *ParticipantLeft, *SessionEnded, *TranscriptionReady,
// *RecordingReady or *Ignored.
type Event interface {
	Type() string
	// MeetingID is the meeting identifier extracted by the variant's rule,
	// or "" when the payload does not carry one.
	MeetingID() string
}

// Envelope holds fields common to every call event.
type Envelope struct {
	EventType string `json:"type"`
	CallCID   string `json:"call_cid"`
	SessionID Text   `json:"session_id,omitempty"`
	CreatedAt Text   `json:"created_at,omitempty"`
}

func (e Envelope) Type() string { return e.EventType }

// CallType returns the type segment of call_cid, or "" if it is absent or malformed.
func (e Envelope) CallType() string {
	ct, _, err := ParseCallCID(e.CallCID)
	if err != nil {
		return ""
	}
	return ct
}

func (e Envelope) cidMeetingID() string {
	_, id, err := ParseCallCID(e.CallCID)
	if err != nil {
		return ""
	}
	return id
}

// Call is the call object embedded in session events.
type Call struct {
	CID    Text       `json:"cid"`
	ID     Text       `json:"id"`
	Type   Text       `json:"type"`
	Custom CallCustom `json:"custom"`
}

type CallCustom struct {
	MeetingID string `json:"meetingId"`
}

type SessionStarted struct {
	Envelope
	Call Call `json:"call"`
}

func (e *SessionStarted) MeetingID() string { return e.Call.Custom.MeetingID }

type SessionEnded struct {
	Envelope
	Call Call `json:"call"`
}

func (e *SessionEnded) MeetingID() string { return e.Call.Custom.MeetingID }

// Participant is informational; nothing in it affects how the event is handled.
type Participant struct {
	User          User `json:"user"`
	UserSessionID Text `json:"user_session_id"`
	Role          Text `json:"role,omitempty"`
}

type User struct {
	ID   Text `json:"id"`
	Name Text `json:"name,omitempty"`
}

type ParticipantLeft struct {
	Envelope
	Participant Participant `json:"participant"`
}

// UnmarshalJSON decodes the participant best-effort. A participant-left
// delivery is only rejected when its call_cid cannot be read.
func (e *ParticipantLeft) UnmarshalJSON(data []byte) error {
	var raw struct {
		Envelope
		Participant json.RawMessage `json:"participant"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Envelope = raw.Envelope
	e.Participant = Participant{}
	if len(raw.Participant) > 0 {
		_ = json.Unmarshal(raw.Participant, &e.Participant)
	}
	return nil
}

func (e *ParticipantLeft) MeetingID() string { return e.cidMeetingID() }

// Artifact describes a transcription or recording produced by the provider.
// Only URL is required; the other fields are informational.
type Artifact struct {
	Filename  Text   `json:"filename"`
	URL       string `json:"url"`
	StartTime Text   `json:"start_time,omitempty"`
	EndTime   Text   `json:"end_time,omitempty"`
	SessionID Text   `json:"session_id,omitempty"`
}

type TranscriptionReady struct {
	Envelope
	Transcription Artifact `json:"call_transcription"`
}

func (e *TranscriptionReady) MeetingID() string { return e.cidMeetingID() }

type RecordingReady struct {
	Envelope
	Recording Artifact `json:"call_recording"`
}

func (e *RecordingReady) MeetingID() string { return e.cidMeetingID() }

// Text is an informational string field. It accepts any JSON value so a
// provider type change in a field this service never acts on cannot reject
// the delivery: strings are unquoted, null is empty, anything else keeps its
// raw JSON text.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = Text(s)
		return nil
	}
	if string(data) == "null" {
		*t = ""
		return nil
	}
	*t = Text(data)
	return nil
}

// Ignored is any well-formed event this service does not act on.
type Ignored struct {
	EventType string
}

func (e *Ignored) Type() string      { return e.EventType }
func (e *Ignored) MeetingID() string { return "" }

// Decode parses an authenticated body. Invalid JSON is a KindMalformed error;
// a missing or unrecognized type yields *Ignored.
func Decode(body []byte) (Event, error) {
	if !json.Valid(body) {
		return nil, domain.NewError(domain.KindMalformed, "Invalid JSON", nil)
	}

	var env struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		// Valid JSON that is not an object carries no type.
		return &Ignored{}, nil
	}
	var typ string
	if len(env.Type) > 0 && env.Type[0] == '"' {
		if err := json.Unmarshal(env.Type, &typ); err != nil {
			return &Ignored{}, nil
		}
	}

	var ev Event
	switch typ {
	case TypeSessionStarted:
		ev = &SessionStarted{}
	case TypeParticipantLeft:
		ev = &ParticipantLeft{}
	case TypeSessionEnded:
		ev = &SessionEnded{}
	case TypeTranscriptionReady:
		ev = &TranscriptionReady{}
	case TypeRecordingReady:
		ev = &RecordingReady{}
	default:
		return &Ignored{EventType: typ}, nil
	}

	if err := json.NewDecoder(bytes.NewReader(body)).Decode(ev); err != nil {
		return nil, domain.NewError(domain.KindMalformed, "Invalid payload", fmt.Errorf("decode %s: %w", typ, err))
	}
	return ev, nil
}

// ParseCallCID splits a composite call id of the form "<callType>:<callID>".
// Segments after a second ':' are not part of the call id.
func ParseCallCID(cid string) (callType, callID string, err error) {
	parts := strings.SplitN(cid, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed call cid %q", cid)
	}
	return parts[0], parts[1], nil
}
