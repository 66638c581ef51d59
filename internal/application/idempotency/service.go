package idempotency

import (
	"context"
	"time"

	"github.com/prompter/backend/internal/domain/idempotency"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Gate is the fast first-writer-wins check consulted before the guarded
// operation runs. It closes the window where two first attempts both miss the
// record store and execute twice. Unmark hands the claim back when the
// operation failed before a response was stored.
type Gate interface {
	Mark(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unmark(ctx context.Context, key string) error
}

// Replay is a stored response ready to be returned verbatim
type Replay struct {
	ResourceID string `json:"resource_id"`
	Body       []byte `json:"-"`
	StatusCode int    `json:"status_code"`
}

// Service coordinates idempotency-key handling: replay lookup, the pre-flight
// gate, and write-once persistence of the first response.
type Service struct {
	repo   idempotency.Repository
	gate   Gate
	ttl    time.Duration
	logger *zap.Logger
}

// NewService creates a new idempotency service. A nil gate disables the
// pre-flight check and leaves only the durable write-once store.
func NewService(repo idempotency.Repository, gate Gate, ttl time.Duration, logger *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		gate:   gate,
		ttl:    ttl,
		logger: logger,
	}
}

// Check returns the stored response for the scope, or nil when this is a
// first attempt. Malformed keys fail here before any side effect runs.
func (s *Service) Check(ctx context.Context, key string, orgID uuid.UUID, resourceType string) (*Replay, error) {
	if err := idempotency.ValidateKey(key); err != nil {
		return nil, err
	}

	record, err := s.repo.Find(ctx, key, orgID, resourceType)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	return &Replay{
		ResourceID: record.ResourceID,
		Body:       record.ResponseBody,
		StatusCode: record.StatusCode,
	}, nil
}

// Acquire claims the right to execute the guarded operation for this scope.
// Returns false when another in-flight request already holds the claim. A
// gate failure degrades open: execution proceeds and the durable write-once
// store still guarantees a single stored response.
func (s *Service) Acquire(ctx context.Context, key string, orgID uuid.UUID, resourceType string) (bool, error) {
	if err := idempotency.ValidateKey(key); err != nil {
		return false, err
	}
	if s.gate == nil {
		return true, nil
	}

	acquired, err := s.gate.Mark(ctx, scopeKey(key, orgID, resourceType), s.ttl)
	if err != nil {
		s.logger.Warn("idempotency gate unavailable, proceeding without pre-flight check",
			zap.String("org_id", orgID.String()),
			zap.String("resource_type", resourceType),
			zap.Error(err),
		)
		return true, nil
	}
	return acquired, nil
}

// Release frees the gate claim for the scope. Callers invoke it when the
// guarded operation failed after Acquire without storing a response, so the
// client can retry the key instead of seeing in-flight conflicts until the
// TTL runs out. A release failure is logged and swallowed; the marker then
// expires on its own.
func (s *Service) Release(ctx context.Context, key string, orgID uuid.UUID, resourceType string) {
	if s.gate == nil {
		return
	}
	if err := s.gate.Unmark(ctx, scopeKey(key, orgID, resourceType)); err != nil {
		s.logger.Warn("failed to release idempotency gate, claim expires with the TTL",
			zap.String("org_id", orgID.String()),
			zap.String("resource_type", resourceType),
			zap.Error(err),
		)
	}
}

// Store persists the first response for the scope. Returns true when this
// call created the record; false means another request won the race and the
// caller should replay the stored response instead.
func (s *Service) Store(ctx context.Context, key string, orgID uuid.UUID, resourceType, resourceID string, body []byte, status int) (bool, error) {
	record, err := idempotency.NewRecord(key, orgID, resourceType, resourceID, body, status, s.ttl)
	if err != nil {
		return false, err
	}

	created, err := s.repo.Save(ctx, record)
	if err != nil {
		return false, err
	}
	if !created {
		s.logger.Debug("idempotency record already stored by a concurrent request",
			zap.String("org_id", orgID.String()),
			zap.String("resource_type", resourceType),
		)
	}
	return created, nil
}

// scopeKey builds the gate key for the full dedup scope
func scopeKey(key string, orgID uuid.UUID, resourceType string) string {
	return orgID.String() + ":" + resourceType + ":" + key
}
