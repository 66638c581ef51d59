package metering

import (
	"context"

	"github.com/google/uuid"
)

// UsageLedger persists per-period usage rows and performs atomic
// reservations. Implementations must give Reserve exclusive access to the
// (org, period) row for the whole read-check-increment, so concurrent
// reservations for the same row serialize and observe each other's effects.
// Lock waits are ordinary latency, not errors. Rows for different
// organizations or periods must never block one another.
type UsageLedger interface {
	// Reserve atomically applies a check-and-increment for amount credits
	// against limit. It lazily creates the period row on first use. On
	// rejection it returns *LimitExceededError and leaves no partial state.
	Reserve(ctx context.Context, orgID uuid.UUID, period Period, resource Resource, amount, limit int64) (*ReservationResult, error)

	// Find returns the usage row for the period, or nil when no reservation
	// has happened yet. Read-only; takes no lock.
	Find(ctx context.Context, orgID uuid.UUID, period Period) (*UsagePeriod, error)
}
