package metering

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prompter/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// UsagePeriod tracks consumption for one organization over one billing
// period. Rows are created lazily on first reservation and keyed uniquely by
// (OrgID, PeriodStart); counters only ever increase.
type UsagePeriod struct {
	shared.BaseEntity
	OrgID       uuid.UUID
	PeriodStart time.Time
	PeriodEnd   time.Time
	ScansUsed   int64
	PromptsUsed int64
	PagesUsed   int64
}

// NewUsagePeriod creates an empty usage row for the given period
func NewUsagePeriod(orgID uuid.UUID, period Period) *UsagePeriod {
	return &UsagePeriod{
		BaseEntity:  shared.NewBaseEntity(),
		OrgID:       orgID,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
	}
}

// Used returns the current counter for a resource
func (u *UsagePeriod) Used(resource Resource) int64 {
	switch resource {
	case ResourceScans:
		return u.ScansUsed
	case ResourcePrompts:
		return u.PromptsUsed
	case ResourcePages:
		return u.PagesUsed
	}
	return 0
}

// Reserve applies a check-and-increment against the given limit. The caller
// must hold exclusive access to the row for the whole call; on rejection the
// row is left untouched.
func (u *UsagePeriod) Reserve(resource Resource, amount, limit int64) (*ReservationResult, error) {
	if !resource.IsValid() {
		return nil, shared.NewDomainError("INVALID_RESOURCE", "Invalid resource kind")
	}
	if amount <= 0 {
		return nil, shared.NewDomainError("INVALID_AMOUNT", "Reservation amount must be positive")
	}

	current := u.Used(resource)
	if limit != UnlimitedLimit && current+amount > limit {
		return nil, NewLimitExceededError(resource, current, limit)
	}

	u.add(resource, amount)
	u.UpdatedAt = time.Now()

	return &ReservationResult{
		Resource: resource,
		Used:     current + amount,
		Limit:    limit,
	}, nil
}

func (u *UsagePeriod) add(resource Resource, amount int64) {
	switch resource {
	case ResourceScans:
		u.ScansUsed += amount
	case ResourcePrompts:
		u.PromptsUsed += amount
	case ResourcePages:
		u.PagesUsed += amount
	}
}

// ReservationResult reports a successful reservation
type ReservationResult struct {
	Resource Resource
	Used     int64 // counter value after the reservation
	Limit    int64 // plan limit, UnlimitedLimit when uncapped
}

// LimitExceededError is returned when a reservation would push a counter past
// its plan limit. It is terminal for the request and never retried here.
type LimitExceededError struct {
	Resource Resource
	Current  int64
	Limit    int64
}

// Error implements the error interface
func (e *LimitExceededError) Error() string {
	return fmt.Sprintf(
		"Quota exceeded for %s: current usage %d with limit %d",
		e.Resource.DisplayName(), e.Current, e.Limit,
	)
}

// HTTPStatusCode returns the HTTP status code for this error (429 Too Many Requests)
func (e *LimitExceededError) HTTPStatusCode() int {
	return http.StatusTooManyRequests
}

// NewLimitExceededError creates a new LimitExceededError
func NewLimitExceededError(resource Resource, current, limit int64) *LimitExceededError {
	return &LimitExceededError{Resource: resource, Current: current, Limit: limit}
}
