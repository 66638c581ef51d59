// Package jobs contains the domain model for reliable background work:
// jobs with deterministic IDs derived from idempotency keys, a bounded
// retry state machine and a terminal dead-letter path.
package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/prompter/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// JobState represents the lifecycle state of a job
type JobState string

const (
	JobStateQueued    JobState = "QUEUED"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
	JobStateDead      JobState = "DEAD"
)

// Default retry configuration. The schedule is fixed-length: attempt N that
// fails is re-queued after BackoffSchedule[N] until MaxRetries is exhausted.
const DefaultMaxRetries = 3

// DefaultBackoffSchedule is the delay before each retry attempt
var DefaultBackoffSchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// ErrAlreadyEnqueued is returned when a job with the same idempotency key is
// already queued or was queued within the dedup window
var ErrAlreadyEnqueued = errors.New("job already enqueued for this idempotency key")

// Metadata carries caller trace context attached to every job
type Metadata struct {
	IdempotencyKey string     `json:"idempotency_key"`
	RequestID      string     `json:"request_id,omitempty"`
	UserID         *uuid.UUID `json:"user_id,omitempty"`
	OrgID          *uuid.UUID `json:"org_id,omitempty"`
	TraceParent    string     `json:"traceparent,omitempty"`
}

// Job is one logical unit of background work. Its ID is derived from the
// idempotency key so resubmitting the same logical unit addresses the same
// slot.
type Job struct {
	ID         string // deterministic, see JobID
	Queue      string
	Payload    []byte
	Metadata   Metadata
	State      JobState
	RetryCount int
	MaxRetries int
	LastError  string
	NextRunAt  time.Time // when the job becomes due
	Result     []byte
	StartedAt  *time.Time
	FinishedAt *time.Time
	AckedAt    *time.Time // set once the dead-letter consumer has recorded the failure
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// JobID derives the deterministic job ID from an idempotency key:
// the first 16 hex characters of its SHA-256 digest.
func JobID(idempotencyKey string) string {
	sum := sha256.Sum256([]byte(idempotencyKey))
	return hex.EncodeToString(sum[:])[:16]
}

// NewJob creates a queued job due immediately
func NewJob(queue string, payload []byte, meta Metadata) (*Job, error) {
	if queue == "" {
		return nil, shared.NewDomainError("INVALID_QUEUE", "Queue name cannot be empty")
	}
	if meta.IdempotencyKey == "" {
		return nil, shared.NewDomainError("INVALID_JOB", "Idempotency key cannot be empty")
	}
	now := time.Now()
	return &Job{
		ID:         JobID(meta.IdempotencyKey),
		Queue:      queue,
		Payload:    payload,
		Metadata:   meta,
		State:      JobStateQueued,
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
		NextRunAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// MarkRunning transitions the job to RUNNING
func (j *Job) MarkRunning() error {
	if j.State != JobStateQueued {
		return shared.ErrInvalidState
	}
	now := time.Now()
	j.State = JobStateRunning
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

// MarkSucceeded records a successful attempt
func (j *Job) MarkSucceeded(result []byte) {
	now := time.Now()
	j.State = JobStateSucceeded
	j.Result = result
	j.FinishedAt = &now
	j.UpdatedAt = now
}

// MarkFailed records a failed attempt. While retries remain the job goes
// back to QUEUED, due after the backoff delay for this attempt; otherwise it
// becomes DEAD (terminal).
func (j *Job) MarkFailed(errMsg string, schedule []time.Duration) {
	now := time.Now()
	j.LastError = errMsg
	j.UpdatedAt = now

	if j.RetryCount >= j.MaxRetries {
		j.State = JobStateDead
		j.FinishedAt = &now
		return
	}

	if len(schedule) == 0 {
		schedule = DefaultBackoffSchedule
	}
	idx := j.RetryCount
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	j.RetryCount++
	j.State = JobStateQueued
	j.NextRunAt = now.Add(schedule[idx])
	j.StartedAt = nil
}

// IsDead returns true if the job is in the terminal dead-letter state
func (j *Job) IsDead() bool {
	return j.State == JobStateDead
}

// AttemptsMade returns how many times the job has been executed so far,
// counting the attempt that just finished
func (j *Job) AttemptsMade() int {
	return j.RetryCount + 1
}

// AckDeadLetter marks a dead job as recorded by the dead-letter consumer
func (j *Job) AckDeadLetter() error {
	if j.State != JobStateDead {
		return shared.ErrInvalidState
	}
	now := time.Now()
	j.AckedAt = &now
	j.UpdatedAt = now
	return nil
}

// ResetForRetry manually restores a dead job to QUEUED. Operator action
// only; the dispatcher never does this on its own.
func (j *Job) ResetForRetry() error {
	if j.State != JobStateDead {
		return shared.ErrInvalidState
	}
	now := time.Now()
	j.State = JobStateQueued
	j.RetryCount = 0
	j.LastError = ""
	j.NextRunAt = now
	j.StartedAt = nil
	j.FinishedAt = nil
	j.AckedAt = nil
	j.UpdatedAt = now
	return nil
}
