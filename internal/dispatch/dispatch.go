// Package dispatch hands post-processing jobs to a worker with at-least-once
// delivery. Two backends exist: a RabbitMQ exchange and a SQLite outbox table.
package dispatch

import (
	"context"
	"time"

	"meetai/internal/domain"

	"github.com/google/uuid"
)

// Handler processes one job. Returning an error asks for redelivery.
type Handler func(ctx context.Context, job domain.Job) error

// Source delivers jobs to a worker until ctx is cancelled.
type Source interface {
	Consume(ctx context.Context, handler Handler) error
}

// Backend is both ends of a queue plus lifecycle hooks.
type Backend interface {
	domain.Dispatcher
	Source
	Ping(ctx context.Context) error
	Close() error
}

// NewJob builds a job with a fresh id, stamped at now.
func NewJob(name string, data domain.JobData, now time.Time) domain.Job {
	return domain.Job{
		ID:         uuid.NewString(),
		Name:       name,
		Data:       data,
		EnqueuedAt: now.UTC(),
	}
}
