package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	appidempotency "github.com/prompter/backend/internal/application/idempotency"
	"github.com/prompter/backend/internal/domain/jobs"
	"github.com/prompter/backend/internal/infrastructure/logger"
	"github.com/prompter/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader carries the client-chosen submission key
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotencyReplayedHeader marks a response served from the stored record
const IdempotencyReplayedHeader = "Idempotency-Replayed"

// jobResourceType scopes idempotency records for job submissions
const jobResourceType = "job"

// JobDispatcher is the submission surface the job endpoints need
type JobDispatcher interface {
	Enqueue(ctx context.Context, queue string, payload []byte, meta jobs.Metadata) (*jobs.Job, bool, error)
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	Stats(ctx context.Context) (map[jobs.JobState]int64, error)
	RetryDead(ctx context.Context, id string) (*jobs.Job, error)
}

// IdempotencyGuard is the replay/gate/store surface for keyed submissions
type IdempotencyGuard interface {
	Check(ctx context.Context, key string, orgID uuid.UUID, resourceType string) (*appidempotency.Replay, error)
	Acquire(ctx context.Context, key string, orgID uuid.UUID, resourceType string) (bool, error)
	Release(ctx context.Context, key string, orgID uuid.UUID, resourceType string)
	Store(ctx context.Context, key string, orgID uuid.UUID, resourceType, resourceID string, body []byte, status int) (bool, error)
}

// JobsHandler handles background job submission and status HTTP requests
type JobsHandler struct {
	BaseHandler
	dispatcher JobDispatcher
	guard      IdempotencyGuard
}

// NewJobsHandler creates a new jobs handler
func NewJobsHandler(dispatcher JobDispatcher, guard IdempotencyGuard) *JobsHandler {
	return &JobsHandler{dispatcher: dispatcher, guard: guard}
}

// RegisterRoutes registers job routes on the API group
func (h *JobsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group("/jobs")
	{
		group.POST("", h.Submit)
		group.GET("/stats", h.Stats)
		group.GET("/:id", h.Get)
		group.POST("/:id/retry", h.Retry)
	}
}

// SubmitJobBody is the request body for a job submission
type SubmitJobBody struct {
	Queue   string          `json:"queue" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// JobResponse represents a job's externally visible state
type JobResponse struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	State      string          `json:"state"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	NextRunAt  time.Time       `json:"next_run_at"`
	Result     json.RawMessage `json:"result,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func toJobResponse(job *jobs.Job) JobResponse {
	return JobResponse{
		ID:         job.ID,
		Queue:      job.Queue,
		State:      string(job.State),
		RetryCount: job.RetryCount,
		MaxRetries: job.MaxRetries,
		LastError:  job.LastError,
		NextRunAt:  job.NextRunAt,
		Result:     job.Result,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}

// Submit enqueues a background job. Every submission must carry an
// Idempotency-Key header; repeating a key replays the original response
// verbatim instead of queueing a second job.
func (h *JobsHandler) Submit(c *gin.Context) {
	orgID, err := getOrgID(c)
	if err != nil {
		h.Unauthorized(c, "Organization ID is required")
		return
	}

	key := c.GetHeader(IdempotencyKeyHeader)
	if key == "" {
		h.BadRequest(c, "Idempotency-Key header is required")
		return
	}

	ctx := c.Request.Context()

	// Validate the body before touching the gate so a malformed request
	// never consumes the key's claim.
	var body SubmitJobBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	replay, err := h.guard.Check(ctx, key, orgID, jobResourceType)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if replay != nil {
		c.Header(IdempotencyReplayedHeader, "true")
		c.Data(replay.StatusCode, "application/json; charset=utf-8", replay.Body)
		return
	}

	acquired, err := h.guard.Acquire(ctx, key, orgID, jobResourceType)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if !acquired {
		h.Conflict(c, dto.ErrCodeDuplicateInFlight,
			"A request with this idempotency key is already in flight")
		return
	}

	meta := jobs.Metadata{
		IdempotencyKey: key,
		RequestID:      getRequestID(c),
		OrgID:          &orgID,
		TraceParent:    c.GetHeader("traceparent"),
	}

	job, created, err := h.dispatcher.Enqueue(ctx, body.Queue, body.Payload, meta)
	if err != nil {
		// Nothing was stored for this key; free the claim so the client
		// can retry instead of hitting in-flight conflicts for the TTL.
		h.guard.Release(ctx, key, orgID, jobResourceType)
		h.HandleError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}

	responseBody, err := json.Marshal(dto.NewSuccessResponse(toJobResponse(job)))
	if err != nil {
		h.guard.Release(ctx, key, orgID, jobResourceType)
		h.InternalError(c, "Failed to encode response")
		return
	}

	if created {
		if _, err := h.guard.Store(ctx, key, orgID, jobResourceType, job.ID, responseBody, status); err != nil {
			// The job is queued either way; a lost record only costs the
			// replay shortcut.
			logger.FromContext(ctx).Warn("failed to store idempotency record for job submission",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}

	c.Data(status, "application/json; charset=utf-8", responseBody)
}

// Get returns the current state of a job owned by the caller's organization
func (h *JobsHandler) Get(c *gin.Context) {
	orgID, err := getOrgID(c)
	if err != nil {
		h.Unauthorized(c, "Organization ID is required")
		return
	}

	job, err := h.dispatcher.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if job == nil || (job.Metadata.OrgID != nil && *job.Metadata.OrgID != orgID) {
		h.NotFound(c, "Job not found")
		return
	}

	h.Success(c, toJobResponse(job))
}

// Retry requeues a dead job owned by the caller's organization. Jobs in any
// other state are rejected with an invalid-state error.
func (h *JobsHandler) Retry(c *gin.Context) {
	orgID, err := getOrgID(c)
	if err != nil {
		h.Unauthorized(c, "Organization ID is required")
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")

	job, err := h.dispatcher.GetJob(ctx, id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if job == nil || (job.Metadata.OrgID != nil && *job.Metadata.OrgID != orgID) {
		h.NotFound(c, "Job not found")
		return
	}

	retried, err := h.dispatcher.RetryDead(ctx, id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if retried == nil {
		h.NotFound(c, "Job not found")
		return
	}

	h.Success(c, toJobResponse(retried))
}

// Stats returns job counts per lifecycle state
func (h *JobsHandler) Stats(c *gin.Context) {
	counts, err := h.dispatcher.Stats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	stats := make(map[string]int64, len(counts))
	for state, count := range counts {
		stats[string(state)] = count
	}
	h.Success(c, stats)
}
