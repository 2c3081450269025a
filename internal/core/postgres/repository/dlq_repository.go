package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"workflowkernel/internal/domain"
)

type dlqRepository struct {
	db *gorm.DB
}

func (r *dlqRepository) Create(ctx context.Context, entry *domain.DLQEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *dlqRepository) List(ctx context.Context, limit int) ([]domain.DLQEntry, error) {
	var entries []domain.DLQEntry
	err := r.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&entries).Error
	return entries, err
}

func (r *dlqRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.DLQEntry{}).Error
}
