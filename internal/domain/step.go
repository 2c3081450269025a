package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// StepType distinguishes machine-executed steps from human approval steps.
type StepType string

const (
	StepTypeTask     StepType = "task"
	StepTypeApproval StepType = "approval"
)

// StepStatus is the lifecycle of one step within a workflow.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step is one ordered unit of a multi-step workflow.
type Step struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	WorkflowID  uuid.UUID      `gorm:"type:uuid;index;not null"`
	StepIndex   int            `gorm:"not null"`
	StepType    StepType       `gorm:"type:varchar(20);not null"`
	Status      StepStatus     `gorm:"type:varchar(20);index;not null;default:'pending'"`
	TaskHandler *string        `gorm:"type:varchar(100)"`
	TaskInput   datatypes.JSON `gorm:"type:jsonb"`
	TaskOutput  datatypes.JSON `gorm:"type:jsonb"`
	ApprovalID  *uuid.UUID     `gorm:"type:uuid;index"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Step) TableName() string { return "steps" }

// NewStep builds a fresh step in the pending state at the given index.
func NewStep(workflowID uuid.UUID, index int, stepType StepType, taskHandler *string, taskInput datatypes.JSON) *Step {
	now := time.Now()
	return &Step{
		ID:          uuid.New(),
		WorkflowID:  workflowID,
		StepIndex:   index,
		StepType:    stepType,
		Status:      StepPending,
		TaskHandler: taskHandler,
		TaskInput:   taskInput,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
