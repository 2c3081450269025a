package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// WorkflowState is one node of the workflow state machine.
type WorkflowState string

const (
	WorkflowCreated          WorkflowState = "CREATED"
	WorkflowRunning          WorkflowState = "RUNNING"
	WorkflowWaitingApproval  WorkflowState = "WAITING_APPROVAL"
	WorkflowApproved         WorkflowState = "APPROVED"
	WorkflowCompleted        WorkflowState = "COMPLETED"
	WorkflowRejected         WorkflowState = "REJECTED"
	WorkflowTimeout          WorkflowState = "TIMEOUT"
	WorkflowFailed           WorkflowState = "FAILED"
)

// Workflow is a durable unit of orchestration progressing through the
// state machine defined in internal/statemachine.
type Workflow struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	WorkflowType string         `gorm:"type:varchar(100);index;uniqueIndex:idx_idempotency,priority:1;not null"`
	Context      datatypes.JSON `gorm:"type:jsonb"`
	State        WorkflowState  `gorm:"type:varchar(30);index;not null;default:'CREATED'"`
	Version      int            `gorm:"not null;default:1"`
	RetryCount   int            `gorm:"not null;default:0"`
	MaxRetries   int            `gorm:"not null;default:3"`
	IsMultiStep  bool           `gorm:"not null;default:false"`
	// IdempotencyKey is unique only within its WorkflowType: the
	// composite index lets two different workflow_types reuse the
	// same caller-supplied key.
	IdempotencyKey *string `gorm:"type:varchar(200);uniqueIndex:idx_idempotency,priority:2,where:idempotency_key IS NOT NULL"`
	LastRetryAt    *time.Time
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time
}

func (Workflow) TableName() string { return "workflows" }

// NewWorkflow builds a fresh workflow in the CREATED state.
func NewWorkflow(workflowType string, context datatypes.JSON, isMultiStep bool, maxRetries int, idempotencyKey *string) *Workflow {
	now := time.Now()
	return &Workflow{
		ID:             uuid.New(),
		WorkflowType:   workflowType,
		Context:        context,
		State:          WorkflowCreated,
		Version:        1,
		MaxRetries:     maxRetries,
		IsMultiStep:    isMultiStep,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsTerminal reports whether the workflow can no longer move forward
// without an explicit rollback or retry operation.
func (w *Workflow) IsTerminal() bool {
	switch w.State {
	case WorkflowCompleted, WorkflowRejected, WorkflowTimeout, WorkflowFailed:
		return true
	default:
		return false
	}
}

// CanRetry reports whether state_machine.retry is allowed right now.
func (w *Workflow) CanRetry() bool {
	return (w.State == WorkflowFailed || w.State == WorkflowTimeout) && w.RetryCount < w.MaxRetries
}
