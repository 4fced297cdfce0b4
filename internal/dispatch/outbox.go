package dispatch

import (
	"context"
	"log/slog"
	"time"

	"meetai/internal/domain"
)

// OutboxStore is the persistence the outbox needs. *store.SQLiteStore implements it.
type OutboxStore interface {
	InsertJob(ctx context.Context, job domain.Job) error
	ClaimJobs(ctx context.Context, limit int, lease time.Duration) ([]domain.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, reason string, retryAt time.Time, dead bool) error
}

type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	// Lease is how long a claimed job stays invisible to other workers.
	Lease time.Duration
	// RetryBase scales the quadratic retry delay.
	RetryBase time.Duration
	Logger    *slog.Logger
}

// Outbox is a durable job queue on top of the service's own database. The
// insert commits before Enqueue returns, so an accepted job survives restarts.
type Outbox struct {
	store  OutboxStore
	cfg    OutboxConfig
	logger *slog.Logger
}

var _ Backend = (*Outbox)(nil)

func NewOutbox(store OutboxStore, cfg OutboxConfig) *Outbox {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{store: store, cfg: cfg, logger: logger.With("component", "outbox")}
}

func (o *Outbox) Enqueue(ctx context.Context, job domain.Job) error {
	return o.store.InsertJob(ctx, job)
}

func (o *Outbox) Ping(ctx context.Context) error { return nil }
func (o *Outbox) Close() error                   { return nil }

// Consume polls for ready jobs until ctx is cancelled.
func (o *Outbox) Consume(ctx context.Context, handler Handler) error {
	o.logger.Info("starting outbox worker", "poll_interval", o.cfg.PollInterval, "batch", o.cfg.BatchSize)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for {
			n, err := o.DrainOnce(ctx, handler)
			if err != nil && ctx.Err() == nil {
				o.logger.Error("outbox poll failed", "err", err)
			}
			if n < o.cfg.BatchSize || err != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DrainOnce claims one batch and runs it. It returns the number of jobs claimed.
func (o *Outbox) DrainOnce(ctx context.Context, handler Handler) (int, error) {
	jobs, err := o.store.ClaimJobs(ctx, o.cfg.BatchSize, o.cfg.Lease)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			// Unprocessed claims become visible again once their lease expires.
			return len(jobs), ctx.Err()
		}
		o.run(ctx, job, handler)
	}
	return len(jobs), nil
}

func (o *Outbox) run(ctx context.Context, job domain.Job, handler Handler) {
	log := o.logger.With("job_id", job.ID, "meeting_id", job.Data.MeetingID, "attempt", job.Attempts)

	herr := handler(ctx, job)
	// Bookkeeping must land even if the worker is shutting down.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if herr == nil {
		if err := o.store.CompleteJob(bctx, job.ID); err != nil {
			log.Error("cannot mark job done", "err", err)
		}
		return
	}

	dead := job.Attempts >= o.cfg.MaxAttempts
	retryAt := time.Now().Add(time.Duration(job.Attempts*job.Attempts) * o.cfg.RetryBase)
	if err := o.store.FailJob(bctx, job.ID, herr.Error(), retryAt, dead); err != nil {
		log.Error("cannot record job failure", "err", err)
	}
	if dead {
		log.Error("job failed permanently", "err", herr)
	} else {
		log.Warn("job failed, will retry", "retry_at", retryAt, "err", herr)
	}
}
