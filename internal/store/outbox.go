package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"meetai/internal/domain"
)

// Job states in the processing_jobs table.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// InsertJob persists a job for later delivery. Re-inserting an id is a no-op.
func (s *SQLiteStore) InsertJob(ctx context.Context, job domain.Job) error {
	payload, err := json.Marshal(job.Data)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	enqueued := job.EnqueuedAt
	if enqueued.IsZero() {
		enqueued = s.now()
	}
	now := s.now().UnixMilli()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processing_jobs (id, name, payload, status, available_at, enqueued_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, string(payload), JobPending, now, enqueued.UnixMilli(), now,
	)
	return err
}

// ClaimJobs leases up to limit ready jobs until now+lease. Running jobs whose
// lease has expired are reclaimed, so a crashed worker does not strand work.
func (s *SQLiteStore) ClaimJobs(ctx context.Context, limit int, lease time.Duration) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	now := s.now()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE processing_jobs
		 SET status = ?, attempts = attempts + 1, available_at = ?, updated_at = ?
		 WHERE id IN (
			SELECT id FROM processing_jobs
			WHERE status IN (?, ?) AND available_at <= ?
			ORDER BY enqueued_at ASC LIMIT ?
		 )
		 RETURNING id, name, payload, attempts, enqueued_at`,
		JobRunning, now.Add(lease).UnixMilli(), now.UnixMilli(),
		JobPending, JobRunning, now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var (
			j        domain.Job
			payload  string
			enqueued int64
		)
		if err := rows.Scan(&j.ID, &j.Name, &payload, &j.Attempts, &enqueued); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &j.Data); err != nil {
			return nil, fmt.Errorf("decode job %s payload: %w", j.ID, err)
		}
		j.EnqueuedAt = time.UnixMilli(enqueued).UTC()
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET status = ?, last_error = '', updated_at = ? WHERE id = ?`,
		JobDone, s.now().UnixMilli(), id,
	)
	return affectedOne(res, err)
}

// FailJob records a failed attempt. When dead is false the job becomes
// pending again at retryAt; otherwise it is parked as failed.
func (s *SQLiteStore) FailJob(ctx context.Context, id, reason string, retryAt time.Time, dead bool) error {
	status := JobPending
	if dead {
		status = JobFailed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET status = ?, last_error = ?, available_at = ?, updated_at = ? WHERE id = ?`,
		status, truncate(reason, 500), retryAt.UnixMilli(), s.now().UnixMilli(), id,
	)
	return affectedOne(res, err)
}

// CountJobsByStatus is used by the status command.
func (s *SQLiteStore) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM processing_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
