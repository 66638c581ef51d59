package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/prompter/backend/internal/domain/metering"
	"github.com/prompter/backend/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UsagePeriodModel is the GORM model for per-period usage counters
type UsagePeriodModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_usage_org_period,priority:1"`
	PeriodStart time.Time `gorm:"not null;uniqueIndex:uq_usage_org_period,priority:2"`
	PeriodEnd   time.Time `gorm:"not null"`
	ScansUsed   int64     `gorm:"not null;default:0;check:scans_used >= 0"`
	PromptsUsed int64     `gorm:"not null;default:0;check:prompts_used >= 0"`
	PagesUsed   int64     `gorm:"not null;default:0;check:pages_used >= 0"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (UsagePeriodModel) TableName() string {
	return "usage_periods"
}

// ToEntity converts the model to a domain entity
func (m *UsagePeriodModel) ToEntity() *metering.UsagePeriod {
	return &metering.UsagePeriod{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		OrgID:       m.OrgID,
		PeriodStart: m.PeriodStart,
		PeriodEnd:   m.PeriodEnd,
		ScansUsed:   m.ScansUsed,
		PromptsUsed: m.PromptsUsed,
		PagesUsed:   m.PagesUsed,
	}
}

// UsagePeriodModelFromEntity creates a model from a domain entity
func UsagePeriodModelFromEntity(e *metering.UsagePeriod) *UsagePeriodModel {
	return &UsagePeriodModel{
		ID:          e.ID,
		OrgID:       e.OrgID,
		PeriodStart: e.PeriodStart,
		PeriodEnd:   e.PeriodEnd,
		ScansUsed:   e.ScansUsed,
		PromptsUsed: e.PromptsUsed,
		PagesUsed:   e.PagesUsed,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

// GormUsageLedger implements metering.UsageLedger on a relational store.
// Exclusive access per (org, period) row comes from SELECT ... FOR UPDATE
// inside one transaction, so concurrent reservations for the same row
// serialize while other rows stay unaffected.
type GormUsageLedger struct {
	db *gorm.DB
}

// NewGormUsageLedger creates a new GORM-based usage ledger
func NewGormUsageLedger(db *gorm.DB) *GormUsageLedger {
	return &GormUsageLedger{db: db}
}

// Reserve atomically applies a check-and-increment for the given period row,
// creating it lazily on first reservation
func (r *GormUsageLedger) Reserve(ctx context.Context, orgID uuid.UUID, period metering.Period, resource metering.Resource, amount, limit int64) (*metering.ReservationResult, error) {
	var result *metering.ReservationResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := r.lockRow(tx, orgID, period.Start)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// First reservation in this period. A concurrent request may win
			// the insert, so ignore the conflict and lock whichever row landed.
			fresh := UsagePeriodModelFromEntity(metering.NewUsagePeriod(orgID, period))
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh).Error; err != nil {
				return err
			}
			model, err = r.lockRow(tx, orgID, period.Start)
			if err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		entity := model.ToEntity()
		res, err := entity.Reserve(resource, amount, limit)
		if err != nil {
			return err
		}

		// Commit the increment inside the same lock window
		if err := tx.Model(&UsagePeriodModel{}).
			Where("id = ?", model.ID).
			Updates(map[string]interface{}{
				usageColumn(resource): entity.Used(resource),
				"updated_at":          time.Now(),
			}).Error; err != nil {
			return err
		}

		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Find returns the usage row for the period without locking, or nil when no
// reservation has happened yet
func (r *GormUsageLedger) Find(ctx context.Context, orgID uuid.UUID, period metering.Period) (*metering.UsagePeriod, error) {
	var model UsagePeriodModel
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND period_start = ?", orgID, period.Start).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.ToEntity(), nil
}

// lockRow fetches the period row under an exclusive row lock
func (r *GormUsageLedger) lockRow(tx *gorm.DB, orgID uuid.UUID, periodStart time.Time) (*UsagePeriodModel, error) {
	var model UsagePeriodModel
	err := withRowLock(tx).
		Where("org_id = ? AND period_start = ?", orgID, periodStart).
		First(&model).Error
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// usageColumn maps a resource to its counter column
func usageColumn(resource metering.Resource) string {
	switch resource {
	case metering.ResourceScans:
		return "scans_used"
	case metering.ResourcePrompts:
		return "prompts_used"
	case metering.ResourcePages:
		return "pages_used"
	}
	return ""
}

// withRowLock adds SELECT ... FOR UPDATE where the dialect supports it.
// SQLite rejects the clause and already serializes writers on its own, so
// in-memory test databases skip it.
func withRowLock(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// Ensure GormUsageLedger implements UsageLedger
var _ metering.UsageLedger = (*GormUsageLedger)(nil)
