package dto

import (
	"encoding/json"

	"github.com/google/uuid"

	"workflowkernel/internal/domain"
	"workflowkernel/internal/service"
)

// CreateWorkflowRequest covers both shapes spec.md §6 names: a
// single-step workflow with an optional inline approval_schema, or a
// multi-step workflow with an explicit steps list. Exactly one of
// ApprovalSchema/Steps should be set; Steps present selects multi-step.
type CreateWorkflowRequest struct {
	WorkflowType           string            `json:"workflow_type" binding:"required"`
	Context                json.RawMessage   `json:"context"`
	ApprovalSchema         *domain.UISchema  `json:"approval_schema,omitempty"`
	ApprovalTimeoutSeconds int               `json:"approval_timeout_seconds,omitempty"`
	Steps                  []StepDTO         `json:"steps,omitempty"`
	IdempotencyKey         *string           `json:"idempotency_key,omitempty"`
}

// StepDTO is one entry of a multi-step creation request.
type StepDTO struct {
	Type    domain.StepType `json:"type" binding:"required"`
	Handler *string         `json:"handler,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
}

func (r CreateWorkflowRequest) IsMultiStep() bool {
	return len(r.Steps) > 0
}

func (r CreateWorkflowRequest) ToMultiStepInput() service.CreateMultiStepInput {
	steps := make([]service.StepSpec, len(r.Steps))
	for i, s := range r.Steps {
		steps[i] = service.StepSpec{Type: s.Type, Handler: s.Handler, Input: s.Input}
	}
	return service.CreateMultiStepInput{
		WorkflowType:   r.WorkflowType,
		Context:        r.Context,
		Steps:          steps,
		IdempotencyKey: r.IdempotencyKey,
	}
}

func (r CreateWorkflowRequest) ToSingleStepInput() service.CreateSingleStepInput {
	return service.CreateSingleStepInput{
		WorkflowType:           r.WorkflowType,
		Context:                r.Context,
		ApprovalSchema:         r.ApprovalSchema,
		ApprovalTimeoutSeconds: r.ApprovalTimeoutSeconds,
		IdempotencyKey:         r.IdempotencyKey,
	}
}

// WorkflowResponse is the read/create response shape for a workflow.
type WorkflowResponse struct {
	ID           uuid.UUID            `json:"id"`
	WorkflowType string               `json:"workflow_type"`
	State        domain.WorkflowState `json:"state"`
	Version      int                  `json:"version"`
	IsMultiStep  bool                 `json:"is_multi_step"`
	RetryCount   int                  `json:"retry_count"`
	MaxRetries   int                  `json:"max_retries"`
}

func NewWorkflowResponse(w *domain.Workflow) WorkflowResponse {
	return WorkflowResponse{
		ID:           w.ID,
		WorkflowType: w.WorkflowType,
		State:        w.State,
		Version:      w.Version,
		IsMultiStep:  w.IsMultiStep,
		RetryCount:   w.RetryCount,
		MaxRetries:   w.MaxRetries,
	}
}

// CreateApprovalRequest is the standalone approval create shape from
// spec.md §6: {ui_schema, timeout_seconds}.
type CreateApprovalRequest struct {
	WorkflowID     uuid.UUID       `json:"workflow_id" binding:"required"`
	UISchema       domain.UISchema `json:"ui_schema" binding:"required"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// ApprovalResponse is the create response: {id, callback_token, expires_at}.
type ApprovalResponse struct {
	ID            uuid.UUID `json:"id"`
	CallbackToken string    `json:"callback_token"`
	ExpiresAt     string    `json:"expires_at"`
}

// ApprovalReadResponse is the read response: the stored record minus
// the raw token, per spec.md §6.
type ApprovalReadResponse struct {
	ID          uuid.UUID              `json:"id"`
	WorkflowID  uuid.UUID              `json:"workflow_id"`
	StepID      *uuid.UUID             `json:"step_id,omitempty"`
	Status      domain.ApprovalStatus  `json:"status"`
	RequestedAt string                 `json:"requested_at"`
	ExpiresAt   string                 `json:"expires_at"`
	RespondedAt *string                `json:"responded_at,omitempty"`
	Decision    *domain.Decision       `json:"decision,omitempty"`
}

// CallbackRequest is the decision submission body: spec.md §6's
// POST /callbacks/{token}.
type CallbackRequest struct {
	Decision     domain.Decision        `json:"decision" binding:"required"`
	ResponseData map[string]interface{} `json:"response_data"`
}
