package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ApprovalStatus is the terminal-or-pending status of a human decision.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalTimeout  ApprovalStatus = "TIMEOUT"
)

// Decision is the caller-supplied verb on a callback.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// UIField is one field of an approval's rendered form.
type UIField struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Type     string   `json:"type"` // text, select, textarea, boolean, ...
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
}

// UIButton is one action button offered alongside an approval's form.
type UIButton struct {
	Action string `json:"action"` // "approve" | "reject" | custom
	Label  string `json:"label"`
	Style  string `json:"style,omitempty"` // primary, danger, ...
}

// UISchema is the portable, channel-agnostic description of an
// approval's rendered form. Rendering it into a specific surface
// (dashboard, Slack Block Kit, ...) is an out-of-core adapter concern.
type UISchema struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Fields      []UIField  `json:"fields,omitempty"`
	Buttons     []UIButton `json:"buttons,omitempty"`
}

// Approval is a human-decision record bound to exactly one callback token.
type Approval struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey"`
	WorkflowID     uuid.UUID      `gorm:"type:uuid;index;not null"`
	StepID         *uuid.UUID     `gorm:"type:uuid;index"`
	UISchema       datatypes.JSON `gorm:"type:jsonb"`
	Status         ApprovalStatus `gorm:"type:varchar(20);index;not null;default:'PENDING'"`
	RequestedAt    time.Time      `gorm:"not null"`
	ExpiresAt      time.Time      `gorm:"not null;index"`
	RespondedAt    *time.Time
	Decision       *Decision      `gorm:"type:varchar(20)"`
	ResponseData   datatypes.JSON `gorm:"type:jsonb"`
	CallbackToken  string         `gorm:"type:varchar(200);uniqueIndex;not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Approval) TableName() string { return "approvals" }

// NewApproval builds a fresh PENDING approval. callbackToken must be
// minted by the approval package so it embeds the approval's id under
// a keyed MAC. The token does not carry the expiry; expiry is checked
// against the row's ExpiresAt.
func NewApproval(workflowID uuid.UUID, stepID *uuid.UUID, uiSchema datatypes.JSON, timeoutSeconds int, callbackToken string) *Approval {
	now := time.Now()
	return &Approval{
		ID:            uuid.New(),
		WorkflowID:    workflowID,
		StepID:        stepID,
		UISchema:      uiSchema,
		Status:        ApprovalPending,
		RequestedAt:   now,
		ExpiresAt:     now.Add(time.Duration(timeoutSeconds) * time.Second),
		CallbackToken: callbackToken,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsExpired reports whether now is at or past ExpiresAt. The caller
// must evaluate this BEFORE checking Status (see approval service
// submit ordering).
func (a *Approval) IsExpired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}
