package jobs

import (
	"testing"
	"time"

	"github.com/prompter/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "submit-key-0123456789abcdef"

func newQueuedJob(t *testing.T) *Job {
	t.Helper()
	job, err := NewJob("scans", []byte(`{"amount":1}`), Metadata{IdempotencyKey: testKey})
	require.NoError(t, err)
	return job
}

func TestJobID(t *testing.T) {
	id := JobID(testKey)

	assert.Len(t, id, 16)
	assert.Regexp(t, "^[0-9a-f]{16}$", id)
	assert.Equal(t, id, JobID(testKey), "same key always derives the same ID")
	assert.NotEqual(t, id, JobID(testKey+"x"))
}

func TestNewJob(t *testing.T) {
	t.Run("creates a queued job due immediately", func(t *testing.T) {
		orgID := uuid.New()
		job, err := NewJob("scans", []byte(`{}`), Metadata{IdempotencyKey: testKey, OrgID: &orgID})
		require.NoError(t, err)

		assert.Equal(t, JobID(testKey), job.ID)
		assert.Equal(t, JobStateQueued, job.State)
		assert.Equal(t, 0, job.RetryCount)
		assert.Equal(t, DefaultMaxRetries, job.MaxRetries)
		assert.False(t, job.NextRunAt.After(time.Now()))
	})

	t.Run("rejects an empty queue", func(t *testing.T) {
		_, err := NewJob("", nil, Metadata{IdempotencyKey: testKey})
		var domainErr *shared.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, "INVALID_QUEUE", domainErr.Code)
	})

	t.Run("rejects a missing idempotency key", func(t *testing.T) {
		_, err := NewJob("scans", nil, Metadata{})
		require.Error(t, err)
	})
}

func TestJob_MarkRunning(t *testing.T) {
	t.Run("transitions a queued job to running", func(t *testing.T) {
		job := newQueuedJob(t)

		require.NoError(t, job.MarkRunning())
		assert.Equal(t, JobStateRunning, job.State)
		require.NotNil(t, job.StartedAt)
	})

	t.Run("rejects any other starting state", func(t *testing.T) {
		job := newQueuedJob(t)
		require.NoError(t, job.MarkRunning())

		assert.ErrorIs(t, job.MarkRunning(), shared.ErrInvalidState)
	})
}

func TestJob_MarkSucceeded(t *testing.T) {
	job := newQueuedJob(t)
	require.NoError(t, job.MarkRunning())

	job.MarkSucceeded([]byte(`{"status":"completed"}`))

	assert.Equal(t, JobStateSucceeded, job.State)
	assert.NotNil(t, job.FinishedAt)
	assert.JSONEq(t, `{"status":"completed"}`, string(job.Result))
}

func TestJob_MarkFailed(t *testing.T) {
	t.Run("failed attempts requeue with the fixed backoff schedule", func(t *testing.T) {
		job := newQueuedJob(t)
		expected := []time.Duration{1 * time.Minute, 5 * time.Minute, 15 * time.Minute}

		for attempt, delay := range expected {
			require.NoError(t, job.MarkRunning())
			before := time.Now()
			job.MarkFailed("handler error", nil)

			assert.Equal(t, JobStateQueued, job.State, "attempt %d", attempt)
			assert.Equal(t, attempt+1, job.RetryCount)
			assert.Equal(t, "handler error", job.LastError)
			assert.WithinDuration(t, before.Add(delay), job.NextRunAt, 5*time.Second)
			assert.Nil(t, job.StartedAt)
		}
	})

	t.Run("exhausting retries dead-letters the job", func(t *testing.T) {
		job := newQueuedJob(t)
		job.RetryCount = job.MaxRetries

		job.MarkFailed("final failure", nil)

		assert.Equal(t, JobStateDead, job.State)
		assert.True(t, job.IsDead())
		assert.NotNil(t, job.FinishedAt)
		assert.Equal(t, job.MaxRetries, job.RetryCount, "dead jobs stop counting attempts")
	})

	t.Run("schedule shorter than max retries reuses its last delay", func(t *testing.T) {
		job := newQueuedJob(t)
		job.MaxRetries = 5
		job.RetryCount = 4
		schedule := []time.Duration{time.Minute, 2 * time.Minute}

		before := time.Now()
		job.MarkFailed("err", schedule)

		assert.Equal(t, JobStateQueued, job.State)
		assert.WithinDuration(t, before.Add(2*time.Minute), job.NextRunAt, 5*time.Second)
	})
}

func TestJob_AttemptsMade(t *testing.T) {
	job := newQueuedJob(t)
	assert.Equal(t, 1, job.AttemptsMade())

	job.RetryCount = 2
	assert.Equal(t, 3, job.AttemptsMade())
}

func TestJob_AckDeadLetter(t *testing.T) {
	job := newQueuedJob(t)

	t.Run("only dead jobs can be acknowledged", func(t *testing.T) {
		assert.ErrorIs(t, job.AckDeadLetter(), shared.ErrInvalidState)
	})

	t.Run("acknowledgement stamps AckedAt", func(t *testing.T) {
		job.State = JobStateDead
		require.NoError(t, job.AckDeadLetter())
		assert.NotNil(t, job.AckedAt)
	})
}

func TestJob_ResetForRetry(t *testing.T) {
	t.Run("restores a dead job to a clean queued state", func(t *testing.T) {
		job := newQueuedJob(t)
		job.State = JobStateDead
		job.RetryCount = 3
		job.LastError = "boom"
		now := time.Now()
		job.FinishedAt = &now
		job.AckedAt = &now

		require.NoError(t, job.ResetForRetry())

		assert.Equal(t, JobStateQueued, job.State)
		assert.Equal(t, 0, job.RetryCount)
		assert.Empty(t, job.LastError)
		assert.Nil(t, job.FinishedAt)
		assert.Nil(t, job.AckedAt)
	})

	t.Run("refuses jobs that are not dead", func(t *testing.T) {
		job := newQueuedJob(t)
		assert.ErrorIs(t, job.ResetForRetry(), shared.ErrInvalidState)
	})
}
