// Package dispatch implements the durable background-job pipeline: idempotent
// submission, polling workers with per-queue deadlines and bounded retries,
// and a dead-letter consumer for jobs that exhausted their attempts.
package dispatch

import (
	"context"
	"time"

	"github.com/prompter/backend/internal/domain/idempotency"
	"github.com/prompter/backend/internal/domain/jobs"
	"go.uber.org/zap"
)

// Dispatcher accepts job submissions. Submissions are deduplicated twice: a
// fast TTL marker absorbs the common retry, and the deterministic job ID in
// the durable log guarantees one job per idempotency key even when the
// marker is lost.
type Dispatcher struct {
	repo       jobs.Repository
	marker     jobs.MarkerStore
	markerTTL  time.Duration
	maxRetries int
	logger     *zap.Logger
}

// NewDispatcher creates a new dispatcher. A nil marker store disables the
// fast-path dedup; the durable log still prevents duplicate jobs.
func NewDispatcher(repo jobs.Repository, marker jobs.MarkerStore, markerTTL time.Duration, maxRetries int, logger *zap.Logger) *Dispatcher {
	if markerTTL <= 0 {
		markerTTL = idempotency.DefaultTTL
	}
	if maxRetries < 0 {
		maxRetries = jobs.DefaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		repo:       repo,
		marker:     marker,
		markerTTL:  markerTTL,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Enqueue submits a job for background execution. Resubmitting the same
// idempotency key returns the existing job with created=false instead of
// queueing a second one.
func (d *Dispatcher) Enqueue(ctx context.Context, queue string, payload []byte, meta jobs.Metadata) (*jobs.Job, bool, error) {
	if err := idempotency.ValidateKey(meta.IdempotencyKey); err != nil {
		return nil, false, err
	}

	job, err := jobs.NewJob(queue, payload, meta)
	if err != nil {
		return nil, false, err
	}
	job.MaxRetries = d.maxRetries

	if d.marker != nil {
		acquired, err := d.marker.Mark(ctx, meta.IdempotencyKey, d.markerTTL)
		if err != nil {
			// Marker outage must not block submission; the durable
			// log below still deduplicates.
			d.logger.Warn("dedup marker unavailable, relying on durable job log",
				zap.String("queue", queue),
				zap.Error(err),
			)
		} else if !acquired {
			existing, err := d.repo.FindByID(ctx, job.ID)
			if err != nil {
				return nil, false, err
			}
			if existing != nil {
				return existing, false, nil
			}
			// Marker present but no durable row: an earlier submission
			// died between marking and saving. Fall through and save.
		}
	}

	created, err := d.repo.Save(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := d.repo.FindByID(ctx, job.ID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, jobs.ErrAlreadyEnqueued
		}
		return existing, false, nil
	}

	d.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("queue", queue),
	)
	return job, true, nil
}

// GetJob retrieves a job by ID, or nil when unknown
func (d *Dispatcher) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	return d.repo.FindByID(ctx, id)
}

// Stats returns job counts per state
func (d *Dispatcher) Stats(ctx context.Context) (map[jobs.JobState]int64, error) {
	return d.repo.CountByState(ctx)
}

// RetryDead restores a dead job to the queue with a fresh attempt budget.
// Returns nil when the job is unknown and ErrInvalidState when it is not dead.
func (d *Dispatcher) RetryDead(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := d.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if err := job.ResetForRetry(); err != nil {
		return nil, err
	}
	if err := d.repo.Update(ctx, job); err != nil {
		return nil, err
	}

	d.logger.Info("dead job requeued by operator",
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
	)
	return job, nil
}
