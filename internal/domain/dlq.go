package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DLQEntry is a durable record of a permanently-failed delivery —
// either an event the bus could not deliver after exhausting its
// subscriber retries, or a workflow that exhausted its retry budget.
// Retained until an operator retries or deletes it.
type DLQEntry struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey"`
	OriginalEventType string         `gorm:"type:varchar(80);not null"`
	Payload           datatypes.JSON `gorm:"type:jsonb"`
	ErrorMessage      string         `gorm:"type:text;not null"`
	RetryCount        int            `gorm:"not null;default:0"`
	WorkflowID        *uuid.UUID     `gorm:"type:uuid;index"`
	CreatedAt         time.Time      `gorm:"index"`
}

func (DLQEntry) TableName() string { return "dead_letter_entries" }

// NewDLQEntry builds a DLQ record stamped with the current time.
func NewDLQEntry(originalEventType string, payload datatypes.JSON, errMessage string, retryCount int, workflowID *uuid.UUID) *DLQEntry {
	return &DLQEntry{
		ID:                uuid.New(),
		OriginalEventType: originalEventType,
		Payload:           payload,
		ErrorMessage:      errMessage,
		RetryCount:        retryCount,
		WorkflowID:        workflowID,
		CreatedAt:         time.Now(),
	}
}
