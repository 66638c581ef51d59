package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/prompter/backend/internal/domain/idempotency"
	"github.com/prompter/backend/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdempotencyRecordModel is the GORM model for idempotency records
type IdempotencyRecordModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Key          string    `gorm:"column:idempotency_key;type:varchar(255);not null;uniqueIndex:uq_idem_scope,priority:1"`
	OrgID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_idem_scope,priority:2"`
	ResourceType string    `gorm:"type:varchar(50);not null;uniqueIndex:uq_idem_scope,priority:3"`
	ResourceID   string    `gorm:"type:varchar(255)"`
	ResponseBody []byte    `gorm:"type:text"`
	StatusCode   int       `gorm:"not null;default:201"`
	ExpiresAt    time.Time `gorm:"not null;index"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (IdempotencyRecordModel) TableName() string {
	return "idempotency_records"
}

// ToEntity converts the model to a domain entity
func (m *IdempotencyRecordModel) ToEntity() *idempotency.Record {
	return &idempotency.Record{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		Key:          m.Key,
		OrgID:        m.OrgID,
		ResourceType: m.ResourceType,
		ResourceID:   m.ResourceID,
		ResponseBody: m.ResponseBody,
		StatusCode:   m.StatusCode,
		ExpiresAt:    m.ExpiresAt,
	}
}

// IdempotencyRecordModelFromEntity creates a model from a domain entity
func IdempotencyRecordModelFromEntity(e *idempotency.Record) *IdempotencyRecordModel {
	return &IdempotencyRecordModel{
		ID:           e.ID,
		Key:          e.Key,
		OrgID:        e.OrgID,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		ResponseBody: e.ResponseBody,
		StatusCode:   e.StatusCode,
		ExpiresAt:    e.ExpiresAt,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

// GormIdempotencyRepository implements idempotency.Repository using GORM.
// Save relies on the unique (key, org, resource_type) index plus
// ON CONFLICT DO NOTHING, so the first committer wins and later writers for
// the same scope are no-ops.
type GormIdempotencyRepository struct {
	db *gorm.DB
}

// NewGormIdempotencyRepository creates a new GORM-based idempotency repository
func NewGormIdempotencyRepository(db *gorm.DB) *GormIdempotencyRepository {
	return &GormIdempotencyRepository{db: db}
}

// Find returns the unexpired record for the scope, or nil. Expired rows are
// treated as absent; the sweep removes them later.
func (r *GormIdempotencyRepository) Find(ctx context.Context, key string, orgID uuid.UUID, resourceType string) (*idempotency.Record, error) {
	var model IdempotencyRecordModel
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ? AND org_id = ? AND resource_type = ? AND expires_at > ?",
			key, orgID, resourceType, time.Now()).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.ToEntity(), nil
}

// Save inserts the record unless its scope already exists
func (r *GormIdempotencyRepository) Save(ctx context.Context, record *idempotency.Record) (bool, error) {
	model := IdempotencyRecordModelFromEntity(record)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}, {Name: "org_id"}, {Name: "resource_type"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeleteExpired purges up to limit expired rows in one short statement
func (r *GormIdempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = idempotency.DefaultSweepBatchSize
	}

	// Subquery keeps the delete bounded without requiring dialect support
	// for DELETE ... LIMIT.
	result := r.db.WithContext(ctx).
		Where("id IN (?)", r.db.
			Model(&IdempotencyRecordModel{}).
			Select("id").
			Where("expires_at <= ?", before).
			Limit(limit),
		).
		Delete(&IdempotencyRecordModel{})
	return result.RowsAffected, result.Error
}

// Ensure GormIdempotencyRepository implements Repository
var _ idempotency.Repository = (*GormIdempotencyRepository)(nil)
