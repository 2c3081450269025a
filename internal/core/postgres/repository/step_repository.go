package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"workflowkernel/internal/domain"
)

type stepRepository struct {
	db *gorm.DB
}

func (r *stepRepository) CreateBatch(ctx context.Context, steps []domain.Step) error {
	if len(steps) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&steps).Error
}

func (r *stepRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]domain.Step, error) {
	var steps []domain.Step
	err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("step_index").
		Find(&steps).Error
	return steps, err
}

func (r *stepRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Step, error) {
	var s domain.Step
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if err == gorm.ErrRecordNotFound {
		return nil, domain.ErrStepNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetForUpdate acquires the pessimistic row lock named in spec.md
// §4.1, via gorm's clause.Locking (gorm.io/gorm/clause — part of the
// same gorm module the teacher already depends on). Grounded on
// original_source/app/core/workflow_engine.py's
// `select(WorkflowStep).where(...).with_for_update()` idempotency
// guard before creating a step's approval.
func (r *stepRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Step, error) {
	var s domain.Step
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&s).Error
	if err == gorm.ErrRecordNotFound {
		return nil, domain.ErrStepNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *stepRepository) MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&domain.Step{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.StepRunning,
			"started_at": startedAt,
			"updated_at": time.Now(),
		}).Error
}

func (r *stepRepository) MarkCompleted(ctx context.Context, id uuid.UUID, output []byte, completedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&domain.Step{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       domain.StepCompleted,
			"task_output":  datatypes.JSON(output),
			"completed_at": completedAt,
			"updated_at":   time.Now(),
		}).Error
}

func (r *stepRepository) MarkFailed(ctx context.Context, id uuid.UUID, output []byte) error {
	return r.db.WithContext(ctx).
		Model(&domain.Step{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      domain.StepFailed,
			"task_output": datatypes.JSON(output),
			"updated_at":  time.Now(),
		}).Error
}

func (r *stepRepository) SetApprovalID(ctx context.Context, id uuid.UUID, approvalID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&domain.Step{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"approval_id": approvalID,
			"updated_at":  time.Now(),
		}).Error
}

func (r *stepRepository) ResetToPending(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&domain.Step{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       domain.StepPending,
			"task_output":  nil,
			"completed_at": nil,
			"updated_at":   time.Now(),
		}).Error
}
