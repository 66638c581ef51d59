package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prompter/backend/internal/domain/jobs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobModel is the GORM model for the durable job log
type JobModel struct {
	ID         string     `gorm:"type:varchar(64);primaryKey"`
	Queue      string     `gorm:"type:varchar(100);not null;index:ix_jobs_queue_due,priority:1"`
	Payload    []byte     `gorm:"type:text"`
	Metadata   []byte     `gorm:"type:text"`
	State      string     `gorm:"type:varchar(20);not null;index:ix_jobs_queue_due,priority:2;index:ix_jobs_state"`
	RetryCount int        `gorm:"not null;default:0"`
	MaxRetries int        `gorm:"not null;default:3"`
	LastError  string     `gorm:"type:text"`
	NextRunAt  time.Time  `gorm:"not null;index:ix_jobs_queue_due,priority:3"`
	Result     []byte     `gorm:"type:text"`
	StartedAt  *time.Time
	FinishedAt *time.Time
	AckedAt    *time.Time
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (JobModel) TableName() string {
	return "jobs"
}

// ToEntity converts the model to a domain entity
func (m *JobModel) ToEntity() *jobs.Job {
	var meta jobs.Metadata
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}

	return &jobs.Job{
		ID:         m.ID,
		Queue:      m.Queue,
		Payload:    m.Payload,
		Metadata:   meta,
		State:      jobs.JobState(m.State),
		RetryCount: m.RetryCount,
		MaxRetries: m.MaxRetries,
		LastError:  m.LastError,
		NextRunAt:  m.NextRunAt,
		Result:     m.Result,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
		AckedAt:    m.AckedAt,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// JobModelFromEntity creates a model from a domain entity
func JobModelFromEntity(e *jobs.Job) *JobModel {
	metaBytes, _ := json.Marshal(e.Metadata)

	return &JobModel{
		ID:         e.ID,
		Queue:      e.Queue,
		Payload:    e.Payload,
		Metadata:   metaBytes,
		State:      string(e.State),
		RetryCount: e.RetryCount,
		MaxRetries: e.MaxRetries,
		LastError:  e.LastError,
		NextRunAt:  e.NextRunAt,
		Result:     e.Result,
		StartedAt:  e.StartedAt,
		FinishedAt: e.FinishedAt,
		AckedAt:    e.AckedAt,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}

// GormJobRepository implements jobs.Repository using GORM. Claiming uses
// FOR UPDATE SKIP LOCKED so a due job is handed to exactly one worker.
type GormJobRepository struct {
	db *gorm.DB
}

// NewGormJobRepository creates a new GORM-based job repository
func NewGormJobRepository(db *gorm.DB) *GormJobRepository {
	return &GormJobRepository{db: db}
}

// Save persists a new job; an existing ID makes the call a reported no-op
func (r *GormJobRepository) Save(ctx context.Context, job *jobs.Job) (bool, error) {
	model := JobModelFromEntity(job)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FindByID retrieves a job, or nil when unknown
func (r *GormJobRepository) FindByID(ctx context.Context, id string) (*jobs.Job, error) {
	var model JobModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.ToEntity(), nil
}

// ClaimDue atomically claims up to limit due jobs and marks them RUNNING
func (r *GormJobRepository) ClaimDue(ctx context.Context, queues []string, now time.Time, limit int) ([]*jobs.Job, error) {
	if len(queues) == 0 || limit <= 0 {
		return nil, nil
	}

	var claimed []*jobs.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []JobModel
		if err := withSkipLocked(tx).
			Where("queue IN ? AND state = ? AND next_run_at <= ?", queues, string(jobs.JobStateQueued), now).
			Order("next_run_at ASC").
			Limit(limit).
			Find(&models).Error; err != nil {
			return err
		}

		if len(models) == 0 {
			return nil
		}

		ids := make([]string, len(models))
		for i, m := range models {
			ids[i] = m.ID
		}

		startedAt := time.Now()
		if err := tx.Model(&JobModel{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"state":      string(jobs.JobStateRunning),
				"started_at": startedAt,
				"updated_at": startedAt,
			}).Error; err != nil {
			return err
		}

		claimed = make([]*jobs.Job, len(models))
		for i, m := range models {
			job := m.ToEntity()
			job.State = jobs.JobStateRunning
			job.StartedAt = &startedAt
			job.UpdatedAt = startedAt
			claimed[i] = job
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Update persists state transitions on an existing job
func (r *GormJobRepository) Update(ctx context.Context, job *jobs.Job) error {
	job.UpdatedAt = time.Now()
	model := JobModelFromEntity(job)
	return r.db.WithContext(ctx).Save(model).Error
}

// FindDeadUnacked retrieves dead-lettered jobs awaiting the DLQ consumer
func (r *GormJobRepository) FindDeadUnacked(ctx context.Context, limit int) ([]*jobs.Job, error) {
	var models []JobModel
	err := r.db.WithContext(ctx).
		Where("state = ? AND acked_at IS NULL", string(jobs.JobStateDead)).
		Order("finished_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	result := make([]*jobs.Job, len(models))
	for i, m := range models {
		result[i] = m.ToEntity()
	}
	return result, nil
}

// RequeueStale feeds RUNNING jobs invisible past the visibility timeout back
// through the retry state machine, counting the stall as a failed attempt
func (r *GormJobRepository) RequeueStale(ctx context.Context, olderThan time.Time, schedule []time.Duration) (int64, error) {
	var requeued int64

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []JobModel
		if err := withSkipLocked(tx).
			Where("state = ? AND started_at IS NOT NULL AND started_at < ?", string(jobs.JobStateRunning), olderThan).
			Find(&models).Error; err != nil {
			return err
		}

		for _, m := range models {
			job := m.ToEntity()
			job.MarkFailed("worker invisible past visibility timeout, assumed crashed", schedule)
			if err := tx.Save(JobModelFromEntity(job)).Error; err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	return requeued, err
}

// CountByState returns job counts per state
func (r *GormJobRepository) CountByState(ctx context.Context) (map[jobs.JobState]int64, error) {
	type stateCount struct {
		State string
		Count int64
	}

	var results []stateCount
	err := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Select("state, count(*) as count").
		Group("state").
		Scan(&results).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[jobs.JobState]int64)
	for _, rc := range results {
		counts[jobs.JobState(rc.State)] = rc.Count
	}
	return counts, nil
}

// withSkipLocked adds FOR UPDATE SKIP LOCKED where the dialect supports it
func withSkipLocked(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}

// Ensure GormJobRepository implements Repository
var _ jobs.Repository = (*GormJobRepository)(nil)
