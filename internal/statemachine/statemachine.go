// Package statemachine is the workflow state machine spec.md §4.3
// names: a validated transition table plus the version-guarded
// transition()/retry() operations every other component must go
// through to move a workflow's state. Grounded on the transition-table
// shape in AltairaLabs-PromptKit/server/a2a/task_store.go's
// validTransitions map, applied here to workflow states instead of
// A2A task states, and on
// original_source/app/core/workflow_engine.py's transition_to
// (load → check version → validate edge → optimistic update → append
// event → publish after commit).
package statemachine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"workflowkernel/internal/core/ports"
	"workflowkernel/internal/domain"
	"workflowkernel/internal/metrics"
)

// transitions is the allowed-edges adjacency table from spec.md §4.3,
// reproduced verbatim.
var transitions = map[domain.WorkflowState]map[domain.WorkflowState]bool{
	domain.WorkflowCreated: {
		domain.WorkflowRunning: true,
		domain.WorkflowFailed:  true,
	},
	domain.WorkflowRunning: {
		domain.WorkflowWaitingApproval: true,
		domain.WorkflowRunning:         true,
		domain.WorkflowCompleted:       true,
		domain.WorkflowFailed:          true,
	},
	domain.WorkflowWaitingApproval: {
		domain.WorkflowApproved: true,
		domain.WorkflowRejected: true,
		domain.WorkflowTimeout:  true,
	},
	domain.WorkflowApproved: {
		domain.WorkflowRunning:   true,
		domain.WorkflowCompleted: true,
	},
	domain.WorkflowRejected: {
		domain.WorkflowRunning: true, // only via explicit rollback
	},
	domain.WorkflowTimeout: {
		domain.WorkflowRunning: true, // only via retry
	},
	domain.WorkflowFailed: {
		domain.WorkflowRunning: true, // only via retry
	},
	domain.WorkflowCompleted: {}, // terminal, no rollback
}

// IsAllowed reports whether (from, to) is a valid edge. Exported so
// callers that need to pre-validate (e.g. the rollback/retry callers
// themselves) can do so without attempting the write.
func IsAllowed(from, to domain.WorkflowState) bool {
	return transitions[from][to]
}

// StateMachine is the concrete implementation of spec.md §4.3's
// public contract.
type StateMachine struct {
	gateway ports.Gateway
	bus     ports.EventBus
}

// New builds a StateMachine bound to the persistence gateway and the
// event bus events are published on after commit.
func New(gateway ports.Gateway, bus ports.EventBus) *StateMachine {
	return &StateMachine{gateway: gateway, bus: bus}
}

// StateChangedPayload is the payload carried on workflow.state_changed,
// and appended verbatim into the workflow's event log.
type StateChangedPayload struct {
	WorkflowID uuid.UUID              `json:"workflow_id"`
	From       domain.WorkflowState   `json:"from_state"`
	To         domain.WorkflowState   `json:"to_state"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// Transition atomically (1) loads the workflow, (2) verifies
// version == expectedVersion, (3) validates the (from, to) pair,
// (4) writes the new state and version+1, (5) appends a
// workflow.state_changed event, and commits. The event is published on
// the bus AFTER commit, never before. Returns domain.ErrConcurrentModification
// on version mismatch or domain.ErrInvalidTransition on a disallowed edge.
func (sm *StateMachine) Transition(ctx context.Context, workflowID uuid.UUID, to domain.WorkflowState, expectedVersion int, payload map[string]interface{}) error {
	var from domain.WorkflowState

	err := sm.gateway.WithinTransaction(ctx, func(tx ports.Tx) error {
		wf, err := tx.Workflows().GetByID(ctx, workflowID)
		if err != nil {
			return err
		}

		if wf.Version != expectedVersion {
			return domain.ErrConcurrentModification
		}

		from = wf.State
		if !IsAllowed(from, to) {
			return domain.ErrInvalidTransition
		}

		if err := tx.Workflows().CompareAndSwapState(ctx, workflowID, expectedVersion, to); err != nil {
			return err
		}

		eventPayload, err := json.Marshal(StateChangedPayload{
			WorkflowID: workflowID,
			From:       from,
			To:         to,
			Payload:    payload,
		})
		if err != nil {
			return err
		}

		return tx.Events().Append(ctx, domain.NewWorkflowEvent(workflowID, domain.EventWorkflowStateChanged, eventPayload))
	})
	if err != nil {
		if err == domain.ErrConcurrentModification {
			metrics.ConcurrentModifications.Inc()
		}
		return err
	}

	metrics.WorkflowTransitions.WithLabelValues(string(to)).Inc()

	if sm.bus != nil {
		_ = sm.bus.Publish(ctx, domain.EventWorkflowStateChanged, StateChangedPayload{
			WorkflowID: workflowID,
			From:       from,
			To:         to,
			Payload:    payload,
		})
	}

	return nil
}

// Retry is allowed only from FAILED or TIMEOUT, and only when
// retry_count < max_retries; it increments retry_count, transitions
// to RUNNING, and stamps last_retry_at.
func (sm *StateMachine) Retry(ctx context.Context, workflowID uuid.UUID) error {
	var from domain.WorkflowState
	now := time.Now()

	err := sm.gateway.WithinTransaction(ctx, func(tx ports.Tx) error {
		wf, err := tx.Workflows().GetByID(ctx, workflowID)
		if err != nil {
			return err
		}

		if wf.State != domain.WorkflowFailed && wf.State != domain.WorkflowTimeout {
			return domain.ErrInvalidTransition
		}
		if wf.RetryCount >= wf.MaxRetries {
			return domain.ErrRetryBudgetExhausted
		}

		from = wf.State
		if err := tx.Workflows().IncrementRetry(ctx, workflowID, wf.Version, domain.WorkflowRunning, now); err != nil {
			return err
		}

		eventPayload, err := json.Marshal(StateChangedPayload{
			WorkflowID: workflowID,
			From:       from,
			To:         domain.WorkflowRunning,
			Payload:    map[string]interface{}{"reason": "retry", "retry_count": wf.RetryCount + 1},
		})
		if err != nil {
			return err
		}

		return tx.Events().Append(ctx, domain.NewWorkflowEvent(workflowID, domain.EventWorkflowStateChanged, eventPayload))
	})
	if err != nil {
		if err == domain.ErrConcurrentModification {
			metrics.ConcurrentModifications.Inc()
		}
		return err
	}

	metrics.WorkflowTransitions.WithLabelValues(string(domain.WorkflowRunning)).Inc()
	metrics.WorkflowRetries.Inc()

	if sm.bus != nil {
		_ = sm.bus.Publish(ctx, domain.EventWorkflowStateChanged, StateChangedPayload{
			WorkflowID: workflowID,
			From:       from,
			To:         domain.WorkflowRunning,
		})
	}

	return nil
}
