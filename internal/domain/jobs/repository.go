package jobs

import (
	"context"
	"time"
)

// Repository is the durable job log. Claiming must be safe under many
// concurrent workers: a due job is handed to exactly one worker.
type Repository interface {
	// Save persists a new job. Inserting an ID that already exists is a
	// no-op reported via created=false, so a lost dedup marker cannot
	// produce a second job for the same logical submission.
	Save(ctx context.Context, job *Job) (created bool, err error)

	// FindByID retrieves a job, or nil when unknown
	FindByID(ctx context.Context, id string) (*Job, error)

	// ClaimDue atomically claims up to limit queued jobs from the given
	// queues whose NextRunAt is due, marking them RUNNING
	ClaimDue(ctx context.Context, queues []string, now time.Time, limit int) ([]*Job, error)

	// Update persists state transitions on an existing job
	Update(ctx context.Context, job *Job) error

	// FindDeadUnacked retrieves dead-lettered jobs not yet recorded by the
	// dead-letter consumer
	FindDeadUnacked(ctx context.Context, limit int) ([]*Job, error)

	// RequeueStale returns RUNNING jobs that have been invisible longer
	// than the visibility timeout to the retry path, counting the stall as
	// a failed attempt. Crashed workers surface here.
	RequeueStale(ctx context.Context, olderThan time.Time, schedule []time.Duration) (int64, error)

	// CountByState returns job counts per state (for monitoring)
	CountByState(ctx context.Context) (map[JobState]int64, error)
}

// Handler executes the payload of a claimed job. Returning an error counts
// the attempt as failed and feeds the retry/backoff state machine.
type Handler interface {
	Queue() string
	Handle(ctx context.Context, job *Job) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc struct {
	QueueName string
	Fn        func(ctx context.Context, job *Job) ([]byte, error)
}

// Queue returns the queue this handler consumes
func (h HandlerFunc) Queue() string { return h.QueueName }

// Handle invokes the wrapped function
func (h HandlerFunc) Handle(ctx context.Context, job *Job) ([]byte, error) {
	return h.Fn(ctx, job)
}

// MarkerStore is the fast first-writer-wins existence check consulted before
// enqueuing. Markers expire on their own TTL; the durable job log remains
// the source of truth when a marker is lost.
type MarkerStore interface {
	// Mark records the key if absent. Returns true when this call set the
	// marker, false when it already existed.
	Mark(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Exists reports whether the key is currently marked
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases store resources
	Close() error
}
