package approval

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"workflowkernel/internal/config"
	"workflowkernel/internal/core/ports"
	"workflowkernel/internal/domain"
	"workflowkernel/internal/metrics"
	"workflowkernel/internal/statemachine"
)

// Service is the approval subsystem spec.md §4.4 describes: minting
// and expiring callback tokens, validating and recording decisions,
// and the narrow rollback path. Grounded end to end on
// original_source/app/core/approval_service.py.
type Service struct {
	gateway    ports.Gateway
	bus        ports.EventBus
	signingKey string
	defaultTTL int
}

// New builds an approval Service bound to the persistence gateway and
// event bus, using cfg's signing key and default timeout.
func New(gateway ports.Gateway, bus ports.EventBus, cfg config.Config) *Service {
	return &Service{
		gateway:    gateway,
		bus:        bus,
		signingKey: cfg.SigningKey,
		defaultTTL: cfg.DefaultApprovalTimeoutSeconds,
	}
}

// transitionWorkflow applies a workflow state transition within an
// already-open Tx, the way request/submit/rollback must: spec.md §4.4
// requires each of those operations to move the owning workflow's
// state in the SAME transaction as the approval row write, which rules
// out calling statemachine.Transition (it opens its own transaction).
// It duplicates that package's guard-then-write-then-log shape against
// the shared Tx instead.
func transitionWorkflow(ctx context.Context, tx ports.Tx, workflowID uuid.UUID, to domain.WorkflowState, payload map[string]interface{}) (domain.WorkflowState, error) {
	wf, err := tx.Workflows().GetByID(ctx, workflowID)
	if err != nil {
		return "", err
	}

	from := wf.State
	if !statemachine.IsAllowed(from, to) {
		return "", domain.ErrInvalidTransition
	}

	if err := tx.Workflows().CompareAndSwapState(ctx, workflowID, wf.Version, to); err != nil {
		return "", err
	}

	eventPayload, err := json.Marshal(statemachine.StateChangedPayload{
		WorkflowID: workflowID,
		From:       from,
		To:         to,
		Payload:    payload,
	})
	if err != nil {
		return "", err
	}
	if err := tx.Events().Append(ctx, domain.NewWorkflowEvent(workflowID, domain.EventWorkflowStateChanged, eventPayload)); err != nil {
		return "", err
	}

	return from, nil
}

// publishStateChanged fires workflow.state_changed and bumps the
// transition metric; called only after the owning transaction commits.
func (s *Service) publishStateChanged(ctx context.Context, workflowID uuid.UUID, from, to domain.WorkflowState) {
	metrics.WorkflowTransitions.WithLabelValues(string(to)).Inc()
	if s.bus != nil {
		_ = s.bus.Publish(ctx, domain.EventWorkflowStateChanged, statemachine.StateChangedPayload{
			WorkflowID: workflowID,
			From:       from,
			To:         to,
		})
	}
}

// RequestedPayload is appended to the workflow's event log and
// published as approval.requested.
type RequestedPayload struct {
	WorkflowID uuid.UUID  `json:"workflow_id"`
	ApprovalID uuid.UUID  `json:"approval_id"`
	StepID     *uuid.UUID `json:"step_id,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// Request creates a PENDING approval for workflowID (and, for
// multi-step workflows, the given stepID), mints its callback token,
// and publishes approval.requested. Grounded on
// approval_service.py's request_approval. The approval's id is
// assigned in memory first, the token is minted from that id, and the
// row is then inserted with the token already set, so the token embeds
// the id the row is stored under.
func (s *Service) Request(ctx context.Context, workflowID uuid.UUID, stepID *uuid.UUID, schema domain.UISchema, timeoutSeconds int) (*domain.Approval, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = s.defaultTTL
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	var approval *domain.Approval
	var fromState domain.WorkflowState
	err = s.gateway.WithinTransaction(ctx, func(tx ports.Tx) error {
		placeholder := domain.NewApproval(workflowID, stepID, datatypes.JSON(schemaJSON), timeoutSeconds, "")

		// The id is generated client-side (uuid.New in NewApproval), so
		// unlike original_source's DB-serial-id scheme the token can be
		// minted before the row exists; it still embeds the row's real,
		// persisted id.
		token, err := MintToken(s.signingKey, placeholder.ID)
		if err != nil {
			return err
		}
		placeholder.CallbackToken = token

		if err := tx.Approvals().Create(ctx, placeholder); err != nil {
			return err
		}

		if stepID != nil {
			if err := tx.Steps().SetApprovalID(ctx, *stepID, placeholder.ID); err != nil {
				return err
			}
		}

		payload, err := json.Marshal(RequestedPayload{
			WorkflowID: workflowID,
			ApprovalID: placeholder.ID,
			StepID:     stepID,
			ExpiresAt:  placeholder.ExpiresAt,
		})
		if err != nil {
			return err
		}
		if err := tx.Events().Append(ctx, domain.NewWorkflowEvent(workflowID, domain.EventApprovalRequested, payload)); err != nil {
			return err
		}

		from, err := transitionWorkflow(ctx, tx, workflowID, domain.WorkflowWaitingApproval, map[string]interface{}{"reason": "approval_requested", "approval_id": placeholder.ID})
		if err != nil {
			return err
		}
		fromState = from

		approval = placeholder
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishStateChanged(ctx, workflowID, fromState, domain.WorkflowWaitingApproval)

	if s.bus != nil {
		_ = s.bus.Publish(ctx, domain.EventApprovalRequested, RequestedPayload{
			WorkflowID: workflowID,
			ApprovalID: approval.ID,
			StepID:     stepID,
			ExpiresAt:  approval.ExpiresAt,
		})
	}

	return approval, nil
}

// ReceivedPayload is published as approval.received after a decision
// is recorded.
type ReceivedPayload struct {
	WorkflowID uuid.UUID       `json:"workflow_id"`
	ApprovalID uuid.UUID       `json:"approval_id"`
	StepID     *uuid.UUID      `json:"step_id,omitempty"`
	Decision   domain.Decision `json:"decision"`
}

// Submit validates token, decision, and response_data and records the
// decision. The expiry check happens strictly before the status check
// — an expired-but-still-PENDING row (the timeout manager has not yet
// swept it) is rejected as expired, never silently accepted. Grounded
// on approval_service.py's respond_to_approval ordering:
// "check is_expired() before checking status".
func (s *Service) Submit(ctx context.Context, token string, decision domain.Decision, responseData map[string]interface{}) (*domain.Approval, error) {
	start := time.Now()
	defer func() { metrics.ApprovalSubmitLatency.Observe(time.Since(start).Seconds()) }()

	if decision != domain.DecisionApprove && decision != domain.DecisionReject {
		return nil, domain.ErrValidation
	}

	tokenApprovalID, err := VerifyToken(s.signingKey, token)
	if err != nil {
		return nil, err
	}

	responseJSON, err := json.Marshal(responseData)
	if err != nil {
		return nil, err
	}

	var result *domain.Approval
	var transitions [][2]domain.WorkflowState
	err = s.gateway.WithinTransaction(ctx, func(tx ports.Tx) error {
		a, err := tx.Approvals().GetByTokenForUpdate(ctx, token)
		if err != nil {
			return err
		}
		if a.ID != tokenApprovalID {
			return domain.ErrTokenInvalid
		}

		now := time.Now()
		if a.IsExpired(now) {
			return domain.ErrApprovalExpired
		}
		if a.Status != domain.ApprovalPending {
			return domain.ErrAlreadyDecided
		}

		var schema domain.UISchema
		if err := json.Unmarshal(a.UISchema, &schema); err != nil {
			return err
		}
		if err := ValidateResponse(schema, responseData); err != nil {
			return err
		}

		status := domain.ApprovalRejected
		if decision == domain.DecisionApprove {
			status = domain.ApprovalApproved
		}

		if err := tx.Approvals().RecordDecision(ctx, a.ID, status, &decision, datatypes.JSON(responseJSON), now); err != nil {
			return err
		}

		// For multi-step workflows the step record itself is left
		// untouched here; the executor re-runs on approval.received and
		// marks the step completed or failed then.

		payload, err := json.Marshal(ReceivedPayload{
			WorkflowID: a.WorkflowID,
			ApprovalID: a.ID,
			StepID:     a.StepID,
			Decision:   decision,
		})
		if err != nil {
			return err
		}
		if err := tx.Events().Append(ctx, domain.NewWorkflowEvent(a.WorkflowID, domain.EventApprovalReceived, payload)); err != nil {
			return err
		}

		workflowTo := domain.WorkflowRejected
		if decision == domain.DecisionApprove {
			workflowTo = domain.WorkflowApproved
		}
		from, err := transitionWorkflow(ctx, tx, a.WorkflowID, workflowTo, map[string]interface{}{"reason": "approval_received", "approval_id": a.ID})
		if err != nil {
			return err
		}
		transitions = append(transitions, [2]domain.WorkflowState{from, workflowTo})

		// A standalone approval (no owning step) is the only gate on a
		// single-step workflow; nothing else ever drives it on to
		// COMPLETED, so do it here in the same transaction. Multi-step
		// approvals always carry a StepID and are completed by the
		// executor re-running Advance off approval.received instead.
		if workflowTo == domain.WorkflowApproved && a.StepID == nil {
			if _, err := transitionWorkflow(ctx, tx, a.WorkflowID, domain.WorkflowCompleted, map[string]interface{}{"reason": "approval_received", "approval_id": a.ID}); err != nil {
				return err
			}
			transitions = append(transitions, [2]domain.WorkflowState{workflowTo, domain.WorkflowCompleted})
		}

		a.Status = status
		a.Decision = &decision
		a.RespondedAt = &now
		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, t := range transitions {
		s.publishStateChanged(ctx, result.WorkflowID, t[0], t[1])
	}

	metrics.ApprovalDecisions.WithLabelValues(string(decision)).Inc()

	if s.bus != nil {
		_ = s.bus.Publish(ctx, domain.EventApprovalReceived, ReceivedPayload{
			WorkflowID: result.WorkflowID,
			ApprovalID: result.ID,
			StepID:     result.StepID,
			Decision:   decision,
		})
	}

	return result, nil
}

// Rollback resets a REJECTED approval back to PENDING, resets its
// owning step (if any) to pending, and moves the workflow from
// REJECTED back to RUNNING. Rollback does not write a new expiry:
// timeoutSeconds is defaulted but not applied to the row, so expires_at
// is whatever ApprovalRepository.ResetToPending leaves (the gorm
// repository keeps the original value; memgateway moves it one hour
// ahead). It is the only rollback path this kernel implements —
// SPEC_FULL.md open question (a) resolves unwinding already-completed
// steps as explicitly out of scope, so Rollback refuses anything but a
// REJECTED approval.
func (s *Service) Rollback(ctx context.Context, approvalID uuid.UUID, timeoutSeconds int) (*domain.Approval, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = s.defaultTTL
	}

	var result *domain.Approval
	var fromState domain.WorkflowState
	err := s.gateway.WithinTransaction(ctx, func(tx ports.Tx) error {
		a, err := tx.Approvals().GetForUpdate(ctx, approvalID)
		if err != nil {
			return err
		}

		if a.Status != domain.ApprovalRejected {
			return domain.ErrRollbackNotAllowed
		}

		if err := tx.Approvals().ResetToPending(ctx, approvalID); err != nil {
			return err
		}

		if a.StepID != nil {
			if err := tx.Steps().ResetToPending(ctx, *a.StepID); err != nil {
				return err
			}
		}

		payload, err := json.Marshal(map[string]interface{}{
			"workflow_id": a.WorkflowID,
			"approval_id": a.ID,
		})
		if err != nil {
			return err
		}
		if err := tx.Events().Append(ctx, domain.NewWorkflowEvent(a.WorkflowID, domain.EventWorkflowRollbackRequested, payload)); err != nil {
			return err
		}

		from, err := transitionWorkflow(ctx, tx, a.WorkflowID, domain.WorkflowRunning, map[string]interface{}{"reason": "rollback", "approval_id": a.ID})
		if err != nil {
			return err
		}
		fromState = from

		a.Status = domain.ApprovalPending
		a.Decision = nil
		a.RespondedAt = nil
		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishStateChanged(ctx, result.WorkflowID, fromState, domain.WorkflowRunning)

	if s.bus != nil {
		_ = s.bus.Publish(ctx, domain.EventWorkflowRollbackRequested, map[string]interface{}{
			"workflow_id": result.WorkflowID,
			"approval_id": result.ID,
		})
	}

	return result, nil
}
