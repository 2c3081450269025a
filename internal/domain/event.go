package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// EventType is the canonical set of events carried on the bus and
// appended to a workflow's audit log.
type EventType string

const (
	EventWorkflowCreated          EventType = "workflow.created"
	EventWorkflowStateChanged     EventType = "workflow.state_changed"
	EventWorkflowCompleted        EventType = "workflow.completed"
	EventWorkflowFailed           EventType = "workflow.failed"
	EventWorkflowRollbackRequested EventType = "workflow.rollback_requested"
	EventApprovalRequested        EventType = "approval.requested"
	EventApprovalReceived         EventType = "approval.received"
	EventApprovalTimeout          EventType = "approval.timeout"
	EventStepStarted              EventType = "step.started"
	EventStepCompleted            EventType = "step.completed"
	EventStepFailed               EventType = "step.failed"
)

// WorkflowEvent is an append-only audit record. The ordered sequence
// of a workflow's events is its authoritative history.
type WorkflowEvent struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey"`
	WorkflowID uuid.UUID      `gorm:"type:uuid;index:idx_events_workflow_time;not null"`
	EventType  EventType      `gorm:"type:varchar(50);not null"`
	Payload    datatypes.JSON `gorm:"type:jsonb"`
	OccurredAt time.Time      `gorm:"index:idx_events_workflow_time;not null"`
}

func (WorkflowEvent) TableName() string { return "workflow_events" }

// NewWorkflowEvent builds an event stamped with the current time.
func NewWorkflowEvent(workflowID uuid.UUID, eventType EventType, payload datatypes.JSON) *WorkflowEvent {
	return &WorkflowEvent{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		EventType:  eventType,
		Payload:    payload,
		OccurredAt: time.Now(),
	}
}
