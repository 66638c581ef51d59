package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/prompter/backend/internal/domain/metering"
	"github.com/prompter/backend/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrgModel is the GORM model for organizations
type OrgModel struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name               string    `gorm:"type:varchar(255);not null"`
	Slug               string    `gorm:"type:varchar(255);uniqueIndex"`
	PlanTier           string    `gorm:"type:varchar(20);not null;default:'starter';index"`
	BillingCycleAnchor int       `gorm:"not null;default:1"`
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CreatedAt          time.Time `gorm:"autoCreateTime"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (OrgModel) TableName() string {
	return "orgs"
}

// ToEntity converts the model to a domain entity
func (m *OrgModel) ToEntity() *metering.Org {
	return &metering.Org{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		Name:               m.Name,
		Slug:               m.Slug,
		PlanTier:           metering.PlanTier(m.PlanTier),
		BillingCycleAnchor: m.BillingCycleAnchor,
		CurrentPeriodStart: m.CurrentPeriodStart,
		CurrentPeriodEnd:   m.CurrentPeriodEnd,
	}
}

// OrgModelFromEntity creates a model from a domain entity
func OrgModelFromEntity(e *metering.Org) *OrgModel {
	return &OrgModel{
		ID:                 e.ID,
		Name:               e.Name,
		Slug:               e.Slug,
		PlanTier:           string(e.PlanTier),
		BillingCycleAnchor: e.BillingCycleAnchor,
		CurrentPeriodStart: e.CurrentPeriodStart,
		CurrentPeriodEnd:   e.CurrentPeriodEnd,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
}

// GormOrgRepository implements metering.OrgRepository using GORM
type GormOrgRepository struct {
	db *gorm.DB
}

// NewGormOrgRepository creates a new GORM-based org repository
func NewGormOrgRepository(db *gorm.DB) *GormOrgRepository {
	return &GormOrgRepository{db: db}
}

// FindByID retrieves an organization by ID
func (r *GormOrgRepository) FindByID(ctx context.Context, id uuid.UUID) (*metering.Org, error) {
	var model OrgModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrOrgNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.ToEntity(), nil
}

// Save persists an organization
func (r *GormOrgRepository) Save(ctx context.Context, org *metering.Org) error {
	model := OrgModelFromEntity(org)
	return r.db.WithContext(ctx).Save(model).Error
}

// Ensure GormOrgRepository implements OrgRepository
var _ metering.OrgRepository = (*GormOrgRepository)(nil)
