// Package executor implements the step executor spec.md §4.5
// describes: it drives a multi-step workflow's steps in order,
// invoking the task registry for task steps and the approval service
// for approval steps, advancing the owning workflow's state under the
// same version guard the state machine uses everywhere else.
// Grounded on the teacher's internal/coordinator/coordinator.go (event
// driven re-entrant "advance the DAG" loop subscribed to completion
// events) generalized from a task-dependency DAG to a strictly ordered
// step list, and on
// original_source/app/core/workflow_engine.py's execute_next_step /
// _execute_task_step / _execute_approval_step.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"workflowkernel/internal/approval"
	"workflowkernel/internal/config"
	"workflowkernel/internal/core/ports"
	"workflowkernel/internal/domain"
	"workflowkernel/internal/statemachine"
)

// Executor advances multi-step workflows one step at a time, triggered
// by the events their own progress publishes.
type Executor struct {
	gateway                  ports.Gateway
	bus                      ports.EventBus
	sm                       *statemachine.StateMachine
	approvals                *approval.Service
	registry                 ports.TaskRegistry
	defaultTTL               int
	taskFailureConsumesRetry bool
}

// New wires an Executor. It subscribes itself to workflow.created,
// approval.received, step.completed, and workflow.rollback_requested
// on bus — callers do not need to drive it manually.
func New(gateway ports.Gateway, bus ports.EventBus, sm *statemachine.StateMachine, approvals *approval.Service, registry ports.TaskRegistry, cfg config.Config) *Executor {
	e := &Executor{
		gateway:                  gateway,
		bus:                      bus,
		sm:                       sm,
		approvals:                approvals,
		registry:                 registry,
		defaultTTL:               cfg.DefaultApprovalTimeoutSeconds,
		taskFailureConsumesRetry: cfg.TaskFailureConsumesRetry,
	}

	bus.Subscribe(domain.EventWorkflowCreated, e.onEvent)
	bus.Subscribe(domain.EventApprovalReceived, e.onEvent)
	bus.Subscribe(domain.EventStepCompleted, e.onEvent)
	bus.Subscribe(domain.EventWorkflowRollbackRequested, e.onEvent)

	return e
}

func (e *Executor) onEvent(ctx context.Context, payload []byte) error {
	var probe struct {
		WorkflowID uuid.UUID `json:"workflow_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.WorkflowID == uuid.Nil {
		return nil
	}
	return e.Advance(ctx, probe.WorkflowID)
}

// Advance runs spec.md §4.5's algorithm once for workflowID. It is
// safe to call redundantly (e.g. from both a timer tick and an event):
// a losing racer observes domain.ErrConcurrentModification on its
// attempt to move the workflow and exits quietly — the winning
// instance's own subsequent event re-enters Advance to continue.
func (e *Executor) Advance(ctx context.Context, workflowID uuid.UUID) error {
	tx := e.gateway.ReadOnly(ctx)

	wf, err := tx.Workflows().GetByID(ctx, workflowID)
	if err != nil {
		return err
	}
	// REJECTED is terminal, but the rejected approval step is still
	// RUNNING and is marked failed below before Advance stops for good.
	if wf.IsTerminal() && wf.State != domain.WorkflowRejected {
		return nil
	}
	if !wf.IsMultiStep {
		return nil
	}

	steps, err := tx.Steps().ListByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	var candidate *domain.Step
	for i := range steps {
		if steps[i].Status != domain.StepCompleted {
			candidate = &steps[i]
			break
		}
	}

	if candidate == nil {
		return e.sm.Transition(ctx, workflowID, domain.WorkflowCompleted, wf.Version, nil)
	}

	if candidate.Status == domain.StepFailed {
		terminal := domain.WorkflowFailed
		if candidate.StepType == domain.StepTypeApproval {
			terminal = domain.WorkflowRejected
		}
		if !statemachine.IsAllowed(wf.State, terminal) {
			// Already moved there (e.g. approval.Submit already
			// transitioned to REJECTED); nothing left to do.
			return nil
		}
		if err := e.sm.Transition(ctx, workflowID, terminal, wf.Version, map[string]interface{}{"step_id": candidate.ID}); err != nil {
			return err
		}
		// A task_handler failure is immediately terminal rather than
		// retry-eligible when TaskFailureConsumesRetry is false: jump
		// straight to an exhausted retry budget instead of letting the
		// timeout manager's sweep spend one retrying it.
		if terminal == domain.WorkflowFailed && !e.taskFailureConsumesRetry {
			if err := e.gateway.WithinTransaction(ctx, func(tx ports.Tx) error {
				return tx.Workflows().MarkRetriesExhausted(ctx, workflowID)
			}); err != nil {
				return err
			}
		}
		return nil
	}

	if candidate.Status == domain.StepRunning {
		if candidate.StepType == domain.StepTypeApproval {
			// The step record itself carries no decision; the workflow's
			// own state is what approval.Submit moved when the decision
			// came in, so that's what tells an approval step apart from
			// still-pending.
			switch wf.State {
			case domain.WorkflowApproved:
				return e.completeStep(ctx, wf, candidate, nil)
			case domain.WorkflowRejected:
				return e.failStep(ctx, wf, candidate, "approval rejected")
			default:
				// Still waiting on a human decision; nothing to do until
				// approval.received fires.
				return nil
			}
		}
		// A task step left RUNNING by a crashed prior attempt: this
		// kernel does not resume an in-flight task invocation, so treat
		// it as a permanent failure rather than silently re-invoking a
		// possibly non-idempotent handler twice.
		return e.failStep(ctx, wf, candidate, "step left running, handler did not complete")
	}

	// candidate.Status == pending: claim it under the workflow version
	// guard so two executor instances racing on the same workflow never
	// both start the same step. CREATED, RUNNING (self-edge), and
	// APPROVED all have RUNNING as a valid next state in the transition
	// table, so this covers every state Advance can see here.
	if err := e.sm.Transition(ctx, workflowID, domain.WorkflowRunning, wf.Version, map[string]interface{}{"step_id": candidate.ID}); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			log.Printf("executor: lost race advancing workflow_id=%s, exiting", workflowID)
			return nil
		}
		return err
	}

	return e.runStep(ctx, workflowID, candidate)
}

func (e *Executor) runStep(ctx context.Context, workflowID uuid.UUID, step *domain.Step) error {
	startTx := e.gateway.ReadOnly(ctx)
	wf, err := startTx.Workflows().GetByID(ctx, workflowID)
	if err != nil {
		return err
	}

	err = e.gateway.WithinTransaction(ctx, func(tx ports.Tx) error {
		if err := tx.Steps().MarkRunning(ctx, step.ID, time.Now()); err != nil {
			return err
		}
		payload, merr := json.Marshal(map[string]interface{}{"workflow_id": workflowID, "step_id": step.ID, "step_index": step.StepIndex})
		if merr != nil {
			return merr
		}
		return tx.Events().Append(ctx, domain.NewWorkflowEvent(workflowID, domain.EventStepStarted, payload))
	})
	if err != nil {
		return err
	}
	if e.bus != nil {
		_ = e.bus.Publish(ctx, domain.EventStepStarted, map[string]interface{}{"workflow_id": workflowID, "step_id": step.ID})
	}

	switch step.StepType {
	case domain.StepTypeTask:
		return e.runTaskStep(ctx, wf, step)
	case domain.StepTypeApproval:
		return e.runApprovalStep(ctx, wf, step)
	default:
		return e.failStep(ctx, wf, step, "unknown step type")
	}
}

func (e *Executor) runTaskStep(ctx context.Context, wf *domain.Workflow, step *domain.Step) error {
	if step.TaskHandler == nil {
		return e.failStep(ctx, wf, step, "task step missing task_handler")
	}

	handler, ok := e.registry.Lookup(*step.TaskHandler)
	if !ok {
		return e.failStep(ctx, wf, step, "unregistered task handler: "+*step.TaskHandler)
	}

	output, err := handler(ctx, step.TaskInput)
	if err != nil {
		return e.failStep(ctx, wf, step, err.Error())
	}

	return e.completeStep(ctx, wf, step, output)
}

func (e *Executor) runApprovalStep(ctx context.Context, wf *domain.Workflow, step *domain.Step) error {
	var schema domain.UISchema
	if err := json.Unmarshal(step.TaskInput, &schema); err != nil {
		return e.failStep(ctx, wf, step, "approval step task_input is not a valid ui_schema")
	}

	stepID := step.ID
	_, err := e.approvals.Request(ctx, wf.ID, &stepID, schema, e.defaultTTL)
	return err
}

func (e *Executor) completeStep(ctx context.Context, wf *domain.Workflow, step *domain.Step, output []byte) error {
	err := e.gateway.WithinTransaction(ctx, func(tx ports.Tx) error {
		if err := tx.Steps().MarkCompleted(ctx, step.ID, datatypes.JSON(output), time.Now()); err != nil {
			return err
		}
		payload, merr := json.Marshal(map[string]interface{}{"workflow_id": wf.ID, "step_id": step.ID, "step_index": step.StepIndex})
		if merr != nil {
			return merr
		}
		return tx.Events().Append(ctx, domain.NewWorkflowEvent(wf.ID, domain.EventStepCompleted, payload))
	})
	if err != nil {
		return err
	}

	if e.bus != nil {
		_ = e.bus.Publish(ctx, domain.EventStepCompleted, map[string]interface{}{"workflow_id": wf.ID, "step_id": step.ID})
	}
	return e.Advance(ctx, wf.ID)
}

func (e *Executor) failStep(ctx context.Context, wf *domain.Workflow, step *domain.Step, reason string) error {
	err := e.gateway.WithinTransaction(ctx, func(tx ports.Tx) error {
		output, _ := json.Marshal(map[string]string{"error": reason})
		if err := tx.Steps().MarkFailed(ctx, step.ID, datatypes.JSON(output)); err != nil {
			return err
		}
		payload, merr := json.Marshal(map[string]interface{}{"workflow_id": wf.ID, "step_id": step.ID, "reason": reason})
		if merr != nil {
			return merr
		}
		return tx.Events().Append(ctx, domain.NewWorkflowEvent(wf.ID, domain.EventStepFailed, payload))
	})
	if err != nil {
		return err
	}

	if e.bus != nil {
		_ = e.bus.Publish(ctx, domain.EventStepFailed, map[string]interface{}{"workflow_id": wf.ID, "step_id": step.ID, "reason": reason})
	}
	return e.Advance(ctx, wf.ID)
}
