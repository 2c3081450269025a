// Package repository is the persistence gateway's gorm/postgres
// implementation of internal/core/ports. It owns every row write in
// the kernel; every other component reaches the database only through
// the Gateway built here, exactly as spec.md §3 "Ownership" requires.
package repository

import (
	"context"

	"gorm.io/gorm"

	"workflowkernel/internal/core/ports"
)

type gateway struct {
	db *gorm.DB
}

// NewGateway wraps an opened *gorm.DB as a ports.Gateway.
func NewGateway(db *gorm.DB) ports.Gateway {
	return &gateway{db: db}
}

// WithinTransaction is the scoped transactional unit of work. gorm's
// Transaction helper guarantees commit on a nil return and rollback
// otherwise, so release happens on every exit path including a panic
// inside fn.
func (g *gateway) WithinTransaction(ctx context.Context, fn func(tx ports.Tx) error) error {
	return g.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(newTx(gtx))
	})
}

// ReadOnly hands back a Tx bound to the base connection pool rather
// than a transaction. gorm/postgres's MVCC snapshot semantics mean
// these reads never block on concurrent writers, matching spec.md
// §4.1's "readers ... must not block on writers" requirement.
func (g *gateway) ReadOnly(ctx context.Context) ports.Tx {
	return newTx(g.db.WithContext(ctx))
}

type txImpl struct {
	db *gorm.DB
}

func newTx(db *gorm.DB) ports.Tx {
	return &txImpl{db: db}
}

func (t *txImpl) Workflows() ports.WorkflowRepository { return &workflowRepository{db: t.db} }
func (t *txImpl) Steps() ports.StepRepository         { return &stepRepository{db: t.db} }
func (t *txImpl) Approvals() ports.ApprovalRepository { return &approvalRepository{db: t.db} }
func (t *txImpl) Events() ports.EventRepository       { return &eventRepository{db: t.db} }
func (t *txImpl) DLQ() ports.DLQRepository            { return &dlqRepository{db: t.db} }
