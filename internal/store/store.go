package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"meetai/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.MeetingStore and domain.AgentStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ domain.MeetingStore = (*SQLiteStore)(nil)
	_ domain.AgentStore   = (*SQLiteStore)(nil)
)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: every conditional update is serialized by SQLite itself.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const meetingColumns = `id, name, agent_id, status, started_at, ended_at, transcript_url,
	recording_url, agent_joined_at, join_attempts, call_type, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row rowScanner) (*domain.Meeting, error) {
	var (
		m                           domain.Meeting
		status                      string
		started, ended, joined      sql.NullInt64
		transcriptURL, recordingURL sql.NullString
		created, updated            int64
	)
	if err := row.Scan(&m.ID, &m.Name, &m.AgentID, &status, &started, &ended, &transcriptURL,
		&recordingURL, &joined, &m.JoinAttempts, &m.CallType, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	m.Status = domain.MeetingStatus(status)
	m.StartedAt = fromNullMillis(started)
	m.EndedAt = fromNullMillis(ended)
	m.AgentJoinedAt = fromNullMillis(joined)
	m.TranscriptURL = transcriptURL.String
	m.RecordingURL = recordingURL.String
	m.CreatedAt = time.UnixMilli(created).UTC()
	m.UpdatedAt = time.UnixMilli(updated).UTC()
	return &m, nil
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// FindMeeting returns the meeting with the given id. When statuses are given
// the meeting must currently be in one of them.
func (s *SQLiteStore) FindMeeting(ctx context.Context, id string, statuses ...domain.MeetingStatus) (*domain.Meeting, error) {
	query := `SELECT ` + meetingColumns + ` FROM meetings WHERE id = ?`
	args := []any{id}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + repeatPlaceholder(len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	return scanMeeting(s.db.QueryRowContext(ctx, query, args...))
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// TransitionStatus is a single conditional UPDATE ... RETURNING. Exactly one of
// several concurrent callers for the same (id, from) pair observes a row; the
// rest get domain.ErrNotFound.
//
// Stamps are written at most once. ended_at is clamped so it never precedes
// started_at.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, from, to domain.MeetingStatus, stamp domain.StampField, at time.Time) (*domain.Meeting, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("invalid target status %q", to)
	}
	ms := at.UnixMilli()

	var set string
	args := []any{string(to), s.now().UnixMilli()}
	switch stamp {
	case domain.StampNone:
	case domain.StampStarted:
		set = `, started_at = COALESCE(started_at, ?)`
		args = append(args, ms)
	case domain.StampEnded:
		set = `, ended_at = COALESCE(ended_at, MAX(?, COALESCE(started_at, 0)))`
		args = append(args, ms)
	default:
		return nil, fmt.Errorf("unknown stamp field %q", stamp)
	}
	args = append(args, id, string(from))

	row := s.db.QueryRowContext(ctx,
		`UPDATE meetings SET status = ?, updated_at = ?`+set+`
		 WHERE id = ? AND status = ?
		 RETURNING `+meetingColumns,
		args...,
	)
	return scanMeeting(row)
}

// SetArtifactURL records a locator. The first non-empty value wins; later
// calls return the meeting with the stored value unchanged.
func (s *SQLiteStore) SetArtifactURL(ctx context.Context, id string, field domain.ArtifactField, url string) (*domain.Meeting, error) {
	var col string
	switch field {
	case domain.ArtifactTranscript:
		col = "transcript_url"
	case domain.ArtifactRecording:
		col = "recording_url"
	default:
		return nil, fmt.Errorf("unknown artifact field %q", field)
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE meetings SET `+col+` = COALESCE(NULLIF(`+col+`, ''), NULLIF(?, '')), updated_at = ?
		 WHERE id = ?
		 RETURNING `+meetingColumns,
		url, s.now().UnixMilli(), id,
	)
	return scanMeeting(row)
}

func (s *SQLiteStore) MarkAgentJoined(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET agent_joined_at = COALESCE(agent_joined_at, ?), updated_at = ? WHERE id = ?`,
		at.UnixMilli(), s.now().UnixMilli(), id,
	)
	return affectedOne(res, err)
}

// RecordJoinAttempt counts a join attempt. A non-empty callType is stored
// for later rejoins; an empty one keeps the stored value.
func (s *SQLiteStore) RecordJoinAttempt(ctx context.Context, id, callType string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET join_attempts = join_attempts + 1,
		 call_type = CASE WHEN ? <> '' THEN ? ELSE call_type END, updated_at = ? WHERE id = ?`,
		callType, callType, s.now().UnixMilli(), id,
	)
	return affectedOne(res, err)
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListUnjoinedActive returns active meetings that started before the cutoff,
// have no confirmed agent session, and have fewer than maxAttempts join attempts.
func (s *SQLiteStore) ListUnjoinedActive(ctx context.Context, startedBefore time.Time, maxAttempts, limit int) ([]domain.Meeting, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings
		 WHERE status = ? AND agent_joined_at IS NULL AND started_at <= ? AND join_attempts < ?
		 ORDER BY started_at ASC LIMIT ?`,
		string(domain.StatusActive), startedBefore.UnixMilli(), maxAttempts, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanMeetings(rows)
}

// ListExhaustedActive returns active unjoined meetings that have used up their join attempts.
func (s *SQLiteStore) ListExhaustedActive(ctx context.Context, maxAttempts, limit int) ([]domain.Meeting, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings
		 WHERE status = ? AND agent_joined_at IS NULL AND join_attempts >= ?
		 ORDER BY started_at ASC LIMIT ?`,
		string(domain.StatusActive), maxAttempts, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanMeetings(rows)
}

func scanMeetings(rows *sql.Rows) ([]domain.Meeting, error) {
	defer rows.Close()
	var out []domain.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ListMeetings returns meetings ordered by most recent update. An empty status lists all.
func (s *SQLiteStore) ListMeetings(ctx context.Context, status domain.MeetingStatus, limit int) ([]domain.Meeting, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + meetingColumns + ` FROM meetings`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanMeetings(rows)
}

// CreateMeeting inserts a meeting. A missing id is generated and a missing
// status defaults to upcoming.
func (s *SQLiteStore) CreateMeeting(ctx context.Context, m domain.Meeting) (*domain.Meeting, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = domain.StatusUpcoming
	}
	if !m.Status.Valid() {
		return nil, fmt.Errorf("invalid status %q", m.Status)
	}
	if m.AgentID == "" {
		return nil, fmt.Errorf("meeting %s: agent id is required", m.ID)
	}
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meetings (id, name, agent_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.AgentID, string(m.Status), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert meeting %s: %w", m.ID, err)
	}
	return s.FindMeeting(ctx, m.ID)
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var (
		a                domain.Agent
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, instructions, created_at, updated_at FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Instructions, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = time.UnixMilli(created).UTC()
	a.UpdatedAt = time.UnixMilli(updated).UTC()
	return &a, nil
}

// UpsertAgent creates or replaces an agent definition.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, a domain.Agent) error {
	if a.ID == "" || a.Name == "" {
		return fmt.Errorf("agent id and name are required")
	}
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, instructions, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name,
		   instructions = excluded.instructions, updated_at = excluded.updated_at`,
		a.ID, a.Name, a.Instructions, now, now,
	)
	return err
}

// CountMeetingsByStatus is used by the status command.
func (s *SQLiteStore) CountMeetingsByStatus(ctx context.Context) (map[domain.MeetingStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM meetings GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[domain.MeetingStatus]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[domain.MeetingStatus(st)] = n
	}
	return out, rows.Err()
}
