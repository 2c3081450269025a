package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"workflowkernel/internal/domain"
)

type eventRepository struct {
	db *gorm.DB
}

func (r *eventRepository) Append(ctx context.Context, e *domain.WorkflowEvent) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *eventRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowEvent, error) {
	var events []domain.WorkflowEvent
	err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("occurred_at").
		Find(&events).Error
	return events, err
}
