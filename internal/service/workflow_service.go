// Package service is the workflow creation entry point spec.md §6
// names: a single-step workflow carries an inline approval schema, a
// multi-step workflow carries an explicit ordered step list; both
// honor an idempotency key. Grounded on the teacher's
// internal/service/workflow_service.go (workflow+task creation, root
// task queuing) generalized from the teacher's fixed
// workflow-definition-by-name lookup to the spec's two caller-supplied
// shapes.
package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"workflowkernel/internal/core/ports"
	"workflowkernel/internal/domain"
	"workflowkernel/internal/statemachine"
)

// StepSpec is one caller-supplied step of a multi-step creation request.
type StepSpec struct {
	Type    domain.StepType `json:"type"`
	Handler *string         `json:"handler,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
}

// CreateSingleStepInput is the single-step shape from spec.md §6:
// {workflow_type, context, approval_schema?, approval_timeout_seconds?, idempotency_key?}.
type CreateSingleStepInput struct {
	WorkflowType           string
	Context                json.RawMessage
	ApprovalSchema         *domain.UISchema
	ApprovalTimeoutSeconds int
	IdempotencyKey         *string
	MaxRetries             int
}

// CreateMultiStepInput is the multi-step shape:
// {workflow_type, context, steps: [...], idempotency_key?}.
type CreateMultiStepInput struct {
	WorkflowType   string
	Context        json.RawMessage
	Steps          []StepSpec
	IdempotencyKey *string
	MaxRetries     int
}

// approvalRequester is the subset of approval.Service the workflow
// service needs: creating the first (and, for single-step workflows,
// only) approval. Declared locally so the service depends on this one
// method only and tests can pass a stub in place of approval.Service.
type approvalRequester interface {
	Request(ctx context.Context, workflowID uuid.UUID, stepID *uuid.UUID, schema domain.UISchema, timeoutSeconds int) (*domain.Approval, error)
}

// WorkflowService creates workflows and publishes workflow.created.
type WorkflowService struct {
	gateway   ports.Gateway
	bus       ports.EventBus
	sm        *statemachine.StateMachine
	approvals approvalRequester
}

// New builds a WorkflowService.
func New(gateway ports.Gateway, bus ports.EventBus, sm *statemachine.StateMachine, approvals approvalRequester) *WorkflowService {
	return &WorkflowService{gateway: gateway, bus: bus, sm: sm, approvals: approvals}
}

const defaultMaxRetries = 3

// CreatedPayload is published as workflow.created.
type CreatedPayload struct {
	WorkflowID   uuid.UUID `json:"workflow_id"`
	WorkflowType string    `json:"workflow_type"`
	IsMultiStep  bool      `json:"is_multi_step"`
}

// CreateSingleStep creates a workflow with no explicit step list: it
// moves straight to RUNNING and, if an approval_schema is given,
// immediately requests that approval (single human decision gates the
// whole workflow). Idempotent on (workflow_type, idempotency_key).
func (s *WorkflowService) CreateSingleStep(ctx context.Context, in CreateSingleStepInput) (*domain.Workflow, error) {
	if existing, err := s.findExisting(ctx, in.WorkflowType, in.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	wf := domain.NewWorkflow(in.WorkflowType, datatypes.JSON(in.Context), false, maxRetries, in.IdempotencyKey)

	if err := s.persistAndAnnounce(ctx, wf); err != nil {
		if err == domain.ErrIdempotencyKeyConflict {
			return s.findExistingOrConflict(ctx, in.WorkflowType, in.IdempotencyKey)
		}
		return nil, err
	}

	// CREATED -> RUNNING happens unconditionally on creation; a
	// single-step workflow has no intermediate task steps of its own,
	// only (optionally) the one approval gating completion.
	if err := s.sm.Transition(ctx, wf.ID, domain.WorkflowRunning, wf.Version, nil); err != nil {
		return nil, err
	}
	wf.Version++
	wf.State = domain.WorkflowRunning

	if in.ApprovalSchema != nil {
		if _, err := s.approvals.Request(ctx, wf.ID, nil, *in.ApprovalSchema, in.ApprovalTimeoutSeconds); err != nil {
			return nil, err
		}
		wf.State = domain.WorkflowWaitingApproval
		wf.Version++
		return wf, nil
	}

	if err := s.sm.Transition(ctx, wf.ID, domain.WorkflowCompleted, wf.Version, nil); err != nil {
		return nil, err
	}
	wf.Version++
	wf.State = domain.WorkflowCompleted

	return wf, nil
}

// CreateMultiStep creates a workflow with an explicit, dense,
// 0-indexed step list. The executor (subscribed to workflow.created)
// drives it from here; this method only persists the definition.
func (s *WorkflowService) CreateMultiStep(ctx context.Context, in CreateMultiStepInput) (*domain.Workflow, error) {
	if existing, err := s.findExisting(ctx, in.WorkflowType, in.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if len(in.Steps) == 0 {
		return nil, domain.ErrValidation
	}

	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	wf := domain.NewWorkflow(in.WorkflowType, datatypes.JSON(in.Context), true, maxRetries, in.IdempotencyKey)

	steps := make([]domain.Step, 0, len(in.Steps))
	for i, spec := range in.Steps {
		if spec.Type != domain.StepTypeTask && spec.Type != domain.StepTypeApproval {
			return nil, domain.ErrValidation
		}
		if spec.Type == domain.StepTypeTask && spec.Handler == nil {
			return nil, domain.ErrValidation
		}
		step := domain.NewStep(wf.ID, i, spec.Type, spec.Handler, datatypes.JSON(spec.Input))
		steps = append(steps, *step)
	}

	err := s.gateway.WithinTransaction(ctx, func(tx ports.Tx) error {
		if err := tx.Workflows().Create(ctx, wf); err != nil {
			return err
		}
		if err := tx.Steps().CreateBatch(ctx, steps); err != nil {
			return err
		}
		payload, err := json.Marshal(CreatedPayload{WorkflowID: wf.ID, WorkflowType: wf.WorkflowType, IsMultiStep: true})
		if err != nil {
			return err
		}
		return tx.Events().Append(ctx, domain.NewWorkflowEvent(wf.ID, domain.EventWorkflowCreated, payload))
	})
	if err != nil {
		if err == domain.ErrIdempotencyKeyConflict {
			return s.findExistingOrConflict(ctx, in.WorkflowType, in.IdempotencyKey)
		}
		return nil, err
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, domain.EventWorkflowCreated, CreatedPayload{WorkflowID: wf.ID, WorkflowType: wf.WorkflowType, IsMultiStep: true})
	}

	return wf, nil
}

// GetWorkflow is the read path backing the HTTP façade's workflow GET.
func (s *WorkflowService) GetWorkflow(ctx context.Context, id uuid.UUID) (*domain.Workflow, error) {
	return s.gateway.ReadOnly(ctx).Workflows().GetByID(ctx, id)
}

func (s *WorkflowService) findExisting(ctx context.Context, workflowType string, idempotencyKey *string) (*domain.Workflow, error) {
	if idempotencyKey == nil || *idempotencyKey == "" {
		return nil, nil
	}
	wf, err := s.gateway.ReadOnly(ctx).Workflows().GetByIdempotencyKey(ctx, workflowType, *idempotencyKey)
	if err != nil {
		if err == domain.ErrWorkflowNotFound {
			return nil, nil
		}
		return nil, err
	}
	return wf, nil
}

// findExistingOrConflict re-resolves the winner of a create race after
// this call's own Create lost to a concurrent one on the same
// (workflow_type, idempotency_key) pair. If the winner's row is not
// yet visible the conflict is reported as-is rather than silently
// returning nil.
func (s *WorkflowService) findExistingOrConflict(ctx context.Context, workflowType string, idempotencyKey *string) (*domain.Workflow, error) {
	wf, err := s.findExisting(ctx, workflowType, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, domain.ErrIdempotencyKeyConflict
	}
	return wf, nil
}

func (s *WorkflowService) persistAndAnnounce(ctx context.Context, wf *domain.Workflow) error {
	err := s.gateway.WithinTransaction(ctx, func(tx ports.Tx) error {
		if err := tx.Workflows().Create(ctx, wf); err != nil {
			return err
		}
		payload, err := json.Marshal(CreatedPayload{WorkflowID: wf.ID, WorkflowType: wf.WorkflowType, IsMultiStep: wf.IsMultiStep})
		if err != nil {
			return err
		}
		return tx.Events().Append(ctx, domain.NewWorkflowEvent(wf.ID, domain.EventWorkflowCreated, payload))
	})
	if err != nil {
		return err
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, domain.EventWorkflowCreated, CreatedPayload{WorkflowID: wf.ID, WorkflowType: wf.WorkflowType, IsMultiStep: wf.IsMultiStep})
	}
	return nil
}
