package postprocess

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"meetai/internal/bus"
	"meetai/internal/domain"
	"meetai/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (m *memArchive) Archive(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

const transcriptJSONL = `{"speaker_id":"u1","type":"speech","text":"hello","start_ts":0,"stop_ts":900}
{"speaker_id":"agent-1","type":"speech","text":"hi there","start_ts":1000,"stop_ts":1800}
`

func setup(t *testing.T, status domain.MeetingStatus) (*store.SQLiteStore, *httptest.Server) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "meetai.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	if err := s.UpsertAgent(ctx, domain.Agent{ID: "a1", Name: "Coach"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateMeeting(ctx, domain.Meeting{ID: "m1", Name: "Retro", AgentID: "a1", Status: status}); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/t.jsonl" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(transcriptJSONL))
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func job(url string, attempts int) domain.Job {
	return domain.Job{
		ID:       "job-1",
		Name:     domain.ProcessingEvent,
		Data:     domain.JobData{MeetingID: "m1", TranscriptURL: url},
		Attempts: attempts,
	}
}

func TestWorker_CompletesMeeting(t *testing.T) {
	s, srv := setup(t, domain.StatusProcessing)
	arch := &memArchive{}
	eb := bus.NewEventBus(testLogger())
	w := NewWorker(WorkerConfig{Meetings: s, Archiver: arch, Bus: eb, Logger: testLogger()})

	if err := w.Handle(context.Background(), job(srv.URL+"/t.jsonl", 1)); err != nil {
		t.Fatal(err)
	}

	m, err := s.FindMeeting(context.Background(), "m1")
	if err != nil || m.Status != domain.StatusCompleted {
		t.Fatalf("meeting = %+v, %v", m, err)
	}
	if got := string(arch.objects["meetings/m1/transcript.jsonl"]); got != transcriptJSONL {
		t.Fatalf("archived %q", got)
	}
	events := eb.Replay(bus.EventMeetingCompleted, time.Time{})
	if len(events) != 1 || events[0].Payload["entries"] != 2 {
		t.Fatalf("unexpected events %+v", events)
	}

	// Redelivery after completion is a no-op.
	if err := w.Handle(context.Background(), job(srv.URL+"/t.jsonl", 2)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
}

func TestWorker_WaitsForSessionEnd(t *testing.T) {
	s, srv := setup(t, domain.StatusActive)
	w := NewWorker(WorkerConfig{Meetings: s, Logger: testLogger()})

	if err := w.Handle(context.Background(), job(srv.URL+"/t.jsonl", 1)); err == nil {
		t.Fatal("expected retryable error while the meeting is active")
	}
}

func TestWorker_FetchFailure(t *testing.T) {
	s, srv := setup(t, domain.StatusProcessing)
	eb := bus.NewEventBus(testLogger())
	w := NewWorker(WorkerConfig{Meetings: s, Bus: eb, MaxAttempts: 2, Logger: testLogger()})

	if err := w.Handle(context.Background(), job(srv.URL+"/missing", 1)); err == nil {
		t.Fatal("expected error for 404 transcript")
	}
	if len(eb.Replay(bus.EventJobFailed, time.Time{})) != 0 {
		t.Fatal("non-final failure must not be reported")
	}
	if err := w.Handle(context.Background(), job(srv.URL+"/missing", 2)); err == nil {
		t.Fatal("expected error on final attempt")
	}
	if len(eb.Replay(bus.EventJobFailed, time.Time{})) != 1 {
		t.Fatal("final failure should be reported")
	}

	m, _ := s.FindMeeting(context.Background(), "m1")
	if m.Status != domain.StatusProcessing {
		t.Fatalf("meeting should stay processing, got %s", m.Status)
	}
}

func TestWorker_ArchiveFailureRetries(t *testing.T) {
	s, srv := setup(t, domain.StatusProcessing)
	w := NewWorker(WorkerConfig{Meetings: s, Archiver: &memArchive{err: errors.New("bucket unreachable")}, Logger: testLogger()})

	if err := w.Handle(context.Background(), job(srv.URL+"/t.jsonl", 1)); err == nil {
		t.Fatal("expected archive error")
	}
	m, _ := s.FindMeeting(context.Background(), "m1")
	if m.Status != domain.StatusProcessing {
		t.Fatal("meeting must not complete before archival succeeds")
	}
}

func TestWorker_UsesStoredURL(t *testing.T) {
	s, srv := setup(t, domain.StatusProcessing)
	if _, err := s.SetArtifactURL(context.Background(), "m1", domain.ArtifactTranscript, srv.URL+"/t.jsonl"); err != nil {
		t.Fatal(err)
	}
	w := NewWorker(WorkerConfig{Meetings: s, Logger: testLogger()})
	if err := w.Handle(context.Background(), job("", 1)); err != nil {
		t.Fatal(err)
	}
}

func TestWorker_MissingMeetingDropped(t *testing.T) {
	s, _ := setup(t, domain.StatusProcessing)
	w := NewWorker(WorkerConfig{Meetings: s, Logger: testLogger()})
	j := job("https://example.invalid/t.jsonl", 1)
	j.Data.MeetingID = "gone"
	if err := w.Handle(context.Background(), j); err != nil {
		t.Fatalf("missing meeting should be dropped, got %v", err)
	}
}

func TestCountEntries(t *testing.T) {
	ok, bad := countEntries([]byte("{\"a\":1}\n\nnot json\n{\"b\":2}"))
	if ok != 2 || bad != 1 {
		t.Fatalf("countEntries = %d, %d", ok, bad)
	}
}

func TestTranscriptKey(t *testing.T) {
	if got := TranscriptKey("m1"); got != "meetings/m1/transcript.jsonl" {
		t.Fatalf("TranscriptKey = %q", got)
	}
}
