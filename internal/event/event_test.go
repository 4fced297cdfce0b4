package event

import (
	"testing"

	"meetai/internal/domain"
)

func TestDecode_SessionStarted(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"call.session_started","call_cid":"default:m1","call":{"id":"m1","type":"default","custom":{"meetingId":"m1"}}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	started, ok := ev.(*SessionStarted)
	if !ok {
		t.Fatalf("expected *SessionStarted, got %T", ev)
	}
	if started.MeetingID() != "m1" || started.CallType() != "default" {
		t.Fatalf("unexpected fields: meeting=%q callType=%q", started.MeetingID(), started.CallType())
	}
}

func TestDecode_SessionStartedWithoutCustomField(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"call.session_started","call":{}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.MeetingID() != "" {
		t.Fatalf("expected empty meeting id, got %q", ev.MeetingID())
	}
}

func TestDecode_CompositeIDVariants(t *testing.T) {
	cases := []struct{ body, typ string }{
		{`{"type":"call.session_participant_left","call_cid":"default:m2","participant":{"user":{"id":"u1"}}}`, TypeParticipantLeft},
		{`{"type":"call.transcription_ready","call_cid":"default:m2","call_transcription":{"url":"https://t"}}`, TypeTranscriptionReady},
		{`{"type":"call.recording_ready","call_cid":"default:m2","call_recording":{"url":"https://r"}}`, TypeRecordingReady},
		{`{"type":"call.recording_ready","call_cid":"default:m2:rec-1","call_recording":{"url":"https://r"}}`, TypeRecordingReady},
	}
	for _, tc := range cases {
		ev, err := Decode([]byte(tc.body))
		if err != nil {
			t.Fatalf("Decode(%s): %v", tc.typ, err)
		}
		if ev.Type() != tc.typ {
			t.Errorf("expected type %s, got %s", tc.typ, ev.Type())
		}
		if ev.MeetingID() != "m2" {
			t.Errorf("%s: expected meeting m2, got %q", tc.typ, ev.MeetingID())
		}
	}
}

func TestDecode_InformationalFieldsAreLenient(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"call.session_participant_left","call_cid":"default:m4","created_at":1714812345,"participant":{"user":{"id":42},"role":["host"]}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	pl := ev.(*ParticipantLeft)
	if pl.MeetingID() != "m4" || pl.Participant.User.ID != "42" || pl.CreatedAt != "1714812345" {
		t.Fatalf("unexpected event %+v", pl)
	}

	ev, err = Decode([]byte(`{"type":"call.session_participant_left","call_cid":"default:m4","participant":"u1"}`))
	if err != nil {
		t.Fatalf("participant of the wrong shape must not reject the delivery: %v", err)
	}
	if ev.MeetingID() != "m4" {
		t.Fatalf("unexpected meeting %q", ev.MeetingID())
	}

	ev, err = Decode([]byte(`{"type":"call.transcription_ready","call_cid":"default:m4","call_transcription":{"url":"https://t","start_time":1714812345,"filename":null}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	tr := ev.(*TranscriptionReady)
	if tr.Transcription.URL != "https://t" || tr.Transcription.StartTime != "1714812345" || tr.Transcription.Filename != "" {
		t.Fatalf("unexpected transcription %+v", tr.Transcription)
	}
}

func TestDecode_ArtifactURLs(t *testing.T) {
	ev, _ := Decode([]byte(`{"type":"call.transcription_ready","call_cid":"default:m3","call_transcription":{"url":"https://cdn/t.jsonl","filename":"t.jsonl"}}`))
	tr := ev.(*TranscriptionReady)
	if tr.Transcription.URL != "https://cdn/t.jsonl" || tr.Transcription.Filename != "t.jsonl" {
		t.Fatalf("unexpected transcription %+v", tr.Transcription)
	}

	ev, _ = Decode([]byte(`{"type":"call.recording_ready","call_cid":"default:m3","call_recording":{"url":"https://cdn/r.mp4"}}`))
	if ev.(*RecordingReady).Recording.URL != "https://cdn/r.mp4" {
		t.Fatal("recording url not decoded")
	}
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.KindOf(err) != domain.KindMalformed {
		t.Fatalf("expected malformed kind, got %v", domain.KindOf(err))
	}
	if domain.MessageOf(err) != "Invalid JSON" {
		t.Fatalf("unexpected message %q", domain.MessageOf(err))
	}
}

func TestDecode_WrongShapeIsMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":"call.session_started","call":"not-an-object"}`))
	if domain.KindOf(err) != domain.KindMalformed {
		t.Fatalf("expected malformed kind, got %v (%v)", domain.KindOf(err), err)
	}
}

func TestDecode_UnknownOrMissingTypeIsIgnored(t *testing.T) {
	for _, body := range []string{
		`{"type":"call.member_added","call_cid":"default:m1"}`,
		`{"call_cid":"default:m1"}`,
		`{"type":42}`,
		`[1,2,3]`,
		`"just a string"`,
	} {
		ev, err := Decode([]byte(body))
		if err != nil {
			t.Fatalf("Decode(%s): %v", body, err)
		}
		if _, ok := ev.(*Ignored); !ok {
			t.Fatalf("Decode(%s): expected *Ignored, got %T", body, ev)
		}
	}
}

func TestParseCallCID(t *testing.T) {
	for cid, want := range map[string][2]string{
		"default:m1":       {"default", "m1"},
		"default:m1:extra": {"default", "m1"},
		"livestream:x:y:z": {"livestream", "x"},
	} {
		ct, id, err := ParseCallCID(cid)
		if err != nil || ct != want[0] || id != want[1] {
			t.Errorf("ParseCallCID(%q) = %q, %q, %v", cid, ct, id, err)
		}
	}
	for _, bad := range []string{"", "default", "default:", ":m1", "default::m1"} {
		if _, _, err := ParseCallCID(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
