package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"workflowkernel/internal/domain"
)

// uniqueViolation is Postgres's unique_violation SQLSTATE code.
const uniqueViolation = "23505"

type workflowRepository struct {
	db *gorm.DB
}

func (r *workflowRepository) Create(ctx context.Context, w *domain.Workflow) error {
	err := r.db.WithContext(ctx).Create(w).Error
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "idx_idempotency" {
		return domain.ErrIdempotencyKeyConflict
	}
	return err
}

func (r *workflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error) {
	var w domain.Workflow
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&w).Error
	if err == gorm.ErrRecordNotFound {
		return nil, domain.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *workflowRepository) GetByIdempotencyKey(ctx context.Context, workflowType, key string) (*domain.Workflow, error) {
	var w domain.Workflow
	err := r.db.WithContext(ctx).
		Where("workflow_type = ? AND idempotency_key = ?", workflowType, key).
		First(&w).Error
	if err == gorm.ErrRecordNotFound {
		return nil, domain.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CompareAndSwapState is the optimistic conditional update spec.md
// §4.1 names: "update row if version == expected; otherwise fail with
// ConcurrentModification". Mirrors the teacher's
// taskRepository.ClaimTask shape (WHERE id = ? AND version = ?,
// checking RowsAffected) lifted from the task level to the workflow
// level.
func (r *workflowRepository) CompareAndSwapState(ctx context.Context, id uuid.UUID, expectedVersion int, newState domain.WorkflowState) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Workflow{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]interface{}{
			"state":      newState,
			"version":    expectedVersion + 1,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConcurrentModification
	}
	return nil
}

func (r *workflowRepository) IncrementRetry(ctx context.Context, id uuid.UUID, expectedVersion int, newState domain.WorkflowState, retriedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Workflow{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]interface{}{
			"state":         newState,
			"version":       expectedVersion + 1,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": retriedAt,
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConcurrentModification
	}
	return nil
}

func (r *workflowRepository) ListRetryCandidates(ctx context.Context, limit int) ([]domain.Workflow, error) {
	var workflows []domain.Workflow
	err := r.db.WithContext(ctx).
		Where("state IN ? AND retry_count < max_retries", []domain.WorkflowState{domain.WorkflowTimeout, domain.WorkflowFailed}).
		Order("updated_at").
		Limit(limit).
		Find(&workflows).Error
	return workflows, err
}

func (r *workflowRepository) MarkRetriesExhausted(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&domain.Workflow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("max_retries"),
			"updated_at":  time.Now(),
		}).Error
}

func (r *workflowRepository) ListExhausted(ctx context.Context, limit int) ([]domain.Workflow, error) {
	var workflows []domain.Workflow
	err := r.db.WithContext(ctx).
		Where("state IN ? AND retry_count >= max_retries", []domain.WorkflowState{domain.WorkflowTimeout, domain.WorkflowFailed}).
		Order("updated_at").
		Limit(limit).
		Find(&workflows).Error
	return workflows, err
}
