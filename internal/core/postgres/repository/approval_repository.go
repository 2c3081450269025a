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

type approvalRepository struct {
	db *gorm.DB
}

func (r *approvalRepository) Create(ctx context.Context, a *domain.Approval) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *approvalRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Approval, error) {
	var a domain.Approval
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if err == gorm.ErrRecordNotFound {
		return nil, domain.ErrApprovalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByTokenForUpdate is the decision-write entry point: it takes the
// pessimistic row lock spec.md §4.4 requires for the whole duration of
// submit's transaction, grounded on
// original_source/app/core/approval_service.py's
// `select(ApprovalRequest)...with_for_update()`.
func (r *approvalRepository) GetByTokenForUpdate(ctx context.Context, token string) (*domain.Approval, error) {
	var a domain.Approval
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("callback_token = ?", token).
		First(&a).Error
	if err == gorm.ErrRecordNotFound {
		return nil, domain.ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *approvalRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Approval, error) {
	var a domain.Approval
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&a).Error
	if err == gorm.ErrRecordNotFound {
		return nil, domain.ErrApprovalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *approvalRepository) RecordDecision(ctx context.Context, id uuid.UUID, status domain.ApprovalStatus, decision *domain.Decision, responseData []byte, respondedAt time.Time) error {
	updates := map[string]interface{}{
		"status":       status,
		"responded_at": respondedAt,
		"updated_at":   time.Now(),
	}
	if decision != nil {
		updates["decision"] = *decision
	}
	if responseData != nil {
		updates["response_data"] = datatypes.JSON(responseData)
	}
	return r.db.WithContext(ctx).
		Model(&domain.Approval{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *approvalRepository) ResetToPending(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&domain.Approval{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.ApprovalPending,
			"decision":      nil,
			"response_data": nil,
			"responded_at":  nil,
			"updated_at":    time.Now(),
		}).Error
}

func (r *approvalRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Approval, error) {
	var approvals []domain.Approval
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", domain.ApprovalPending, now).
		Order("expires_at").
		Limit(limit).
		Find(&approvals).Error
	return approvals, err
}
