// Package postprocess runs the post-meeting job: it fetches the transcript,
// archives it and completes the meeting.
package postprocess

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"meetai/internal/bus"
	"meetai/internal/domain"
	"meetai/internal/metrics"
)

const maxTranscriptBytes = 32 << 20

// WorkerConfig wires the worker. Archiver, Bus and Logger are optional.
type WorkerConfig struct {
	Meetings     domain.MeetingStore
	Archiver     Archiver
	HTTPClient   *http.Client
	FetchTimeout time.Duration
	// MaxAttempts is the attempt at which a failure is reported as final.
	MaxAttempts int
	Bus         bus.Publisher
	Logger      *slog.Logger
	Now         func() time.Time
}

type Worker struct {
	cfg    WorkerConfig
	logger *slog.Logger
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, logger: logger.With("component", "postprocess")}
}

// Handle processes one job. It is safe to run again for the same meeting.
func (w *Worker) Handle(ctx context.Context, job domain.Job) error {
	err := w.process(ctx, job)
	if err == nil {
		metrics.JobsProcessed("completed").Inc()
		return nil
	}
	if w.cfg.MaxAttempts > 0 && job.Attempts >= w.cfg.MaxAttempts {
		metrics.JobsProcessed("dead").Inc()
		w.emit(bus.EventJobFailed, job.Data.MeetingID, map[string]any{
			"job_id":   job.ID,
			"attempts": job.Attempts,
			"error":    err.Error(),
		})
	} else {
		metrics.JobsProcessed("retried").Inc()
	}
	return err
}

func (w *Worker) process(ctx context.Context, job domain.Job) error {
	id := job.Data.MeetingID
	log := w.logger.With("job_id", job.ID, "meeting_id", id, "attempt", job.Attempts)

	m, err := w.cfg.Meetings.FindMeeting(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("meeting no longer exists, dropping job")
		return nil
	}
	if err != nil {
		return err
	}
	switch m.Status {
	case domain.StatusCompleted, domain.StatusCancelled:
		log.Info("meeting already finished, nothing to do", "status", m.Status)
		return nil
	case domain.StatusUpcoming, domain.StatusActive:
		// The transcript can arrive before the session end event.
		return fmt.Errorf("meeting %s is %s, waiting for processing", id, m.Status)
	}

	url := job.Data.TranscriptURL
	if url == "" {
		url = m.TranscriptURL
	}
	if url == "" {
		return fmt.Errorf("meeting %s has no transcript url", id)
	}

	data, err := w.fetch(ctx, url)
	if err != nil {
		return err
	}
	entries, bad := countEntries(data)
	if bad > 0 {
		log.Warn("transcript has malformed lines", "bad_lines", bad)
	}

	if w.cfg.Archiver != nil {
		start := time.Now()
		err := w.cfg.Archiver.Archive(ctx, TranscriptKey(id), data)
		metrics.DependencyLatency("minio").ObserveSince(start)
		if err != nil {
			return err
		}
	}

	_, err = w.cfg.Meetings.TransitionStatus(ctx, id, domain.StatusProcessing, domain.StatusCompleted, domain.StampNone, w.cfg.Now())
	if errors.Is(err, domain.ErrNotFound) {
		// A concurrent delivery completed it first.
		log.Info("meeting already completed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete meeting %s: %w", id, err)
	}

	w.emit(bus.EventMeetingCompleted, id, map[string]any{"entries": entries})
	log.Info("meeting completed", "entries", entries, "bytes", len(data))
	return nil
}

func (w *Worker) fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transcript request: %w", err)
	}
	start := time.Now()
	resp, err := w.cfg.HTTPClient.Do(req)
	metrics.DependencyLatency("transcript").ObserveSince(start)
	if err != nil {
		return nil, fmt.Errorf("fetch transcript: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch transcript: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTranscriptBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	if len(data) > maxTranscriptBytes {
		return nil, fmt.Errorf("transcript exceeds %d bytes", maxTranscriptBytes)
	}
	return data, nil
}

// countEntries counts JSON lines in a JSONL document. Blank lines are skipped.
func countEntries(data []byte) (ok, bad int) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), maxTranscriptBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if json.Valid(line) {
			ok++
		} else {
			bad++
		}
	}
	return ok, bad
}

func (w *Worker) emit(typ, meetingID string, payload map[string]any) {
	if w.cfg.Bus == nil {
		return
	}
	w.cfg.Bus.Emit(bus.Event{Type: typ, Source: "postprocess", MeetingID: meetingID, Payload: payload})
}
