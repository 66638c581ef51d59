package metering

import (
	"time"

	"github.com/google/uuid"
)

// ReserveRequest represents a request to reserve usage against the quota
type ReserveRequest struct {
	OrgID    uuid.UUID `json:"org_id" binding:"required"`
	Resource string    `json:"resource" binding:"required"`
	Amount   int64     `json:"amount" binding:"required,min=1"`
	Model    string    `json:"model"` // optional, weights prompt reservations
}

// ReserveResponse represents the outcome of a successful reservation
type ReserveResponse struct {
	Resource    string    `json:"resource"`
	Amount      int64     `json:"amount"` // weighted amount actually reserved
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"` // -1 when unlimited
	Remaining   int64     `json:"remaining"`
	Warn        bool      `json:"warn"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// ResourceUsage represents one resource line in a usage summary
type ResourceUsage struct {
	Resource  string `json:"resource"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"` // -1 when unlimited
	Remaining int64  `json:"remaining"`
	Warn      bool   `json:"warn"`
}

// UsageSummaryResponse represents current-period usage for an organization
type UsageSummaryResponse struct {
	OrgID       uuid.UUID       `json:"org_id"`
	PlanTier    string          `json:"plan_tier"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	Resources   []ResourceUsage `json:"resources"`
}
