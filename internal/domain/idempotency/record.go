// Package idempotency contains the write-once record store that lets a
// retried client request be answered with its original response instead of
// re-executing the guarded operation.
package idempotency

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prompter/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// Key shape bounds. Keys outside this range are rejected before any side
// effect runs.
const (
	MinKeyLength = 16
	MaxKeyLength = 255
)

// DefaultTTL is how long a stored record answers retries before expiring
const DefaultTTL = 24 * time.Hour

// DefaultSweepBatchSize caps how many expired rows one sweep pass deletes,
// keeping the purge transaction short
const DefaultSweepBatchSize = 1000

// Record caches the response produced by the first execution under a key.
// The scope is the triple (Key, OrgID, ResourceType): identical key strings
// under a different org or resource type are distinct entries.
type Record struct {
	shared.BaseEntity
	Key          string
	OrgID        uuid.UUID
	ResourceType string
	ResourceID   string
	ResponseBody []byte
	StatusCode   int
	ExpiresAt    time.Time
}

// NewRecord creates a record expiring after ttl
func NewRecord(key string, orgID uuid.UUID, resourceType, resourceID string, body []byte, status int, ttl time.Duration) (*Record, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if orgID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORG", "Org ID cannot be empty")
	}
	if resourceType == "" {
		return nil, shared.NewDomainError("INVALID_RESOURCE_TYPE", "Resource type cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Record{
		BaseEntity:   shared.NewBaseEntity(),
		Key:          key,
		OrgID:        orgID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ResponseBody: body,
		StatusCode:   status,
		ExpiresAt:    time.Now().Add(ttl),
	}, nil
}

// IsExpired returns true once the record no longer answers retries
func (r *Record) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ValidateKey checks the client-supplied key shape (16-255 characters)
func ValidateKey(key string) error {
	if len(key) < MinKeyLength || len(key) > MaxKeyLength {
		return NewInvalidKeyError(key)
	}
	return nil
}

// InvalidKeyError reports a malformed idempotency key, rejected before any
// side effect runs
type InvalidKeyError struct {
	Length int
}

// Error implements the error interface
func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf(
		"Invalid idempotency key: length %d outside %d-%d characters",
		e.Length, MinKeyLength, MaxKeyLength,
	)
}

// HTTPStatusCode returns the HTTP status code for this error (400 Bad Request)
func (e *InvalidKeyError) HTTPStatusCode() int {
	return http.StatusBadRequest
}

// NewInvalidKeyError creates a new InvalidKeyError
func NewInvalidKeyError(key string) *InvalidKeyError {
	return &InvalidKeyError{Length: len(key)}
}

// Repository persists idempotency records. Save is write-once per scope: the
// first committer wins and later writers are no-ops, which resolves two
// concurrent first attempts racing to persist.
type Repository interface {
	// Find returns the unexpired record for the scope, or nil when absent.
	// Expired rows are treated as absent.
	Find(ctx context.Context, key string, orgID uuid.UUID, resourceType string) (*Record, error)

	// Save inserts the record unless one already exists for its scope.
	// Returns true if this call created the record, false on a no-op.
	Save(ctx context.Context, record *Record) (bool, error)

	// DeleteExpired purges up to limit expired rows and reports how many
	// were removed. Run in capped batches to avoid long transactions.
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error)
}
