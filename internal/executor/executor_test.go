package executor_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"workflowkernel/internal/approval"
	"workflowkernel/internal/config"
	"workflowkernel/internal/core/memgateway"
	"workflowkernel/internal/core/ports"
	"workflowkernel/internal/domain"
	"workflowkernel/internal/executor"
	"workflowkernel/internal/statemachine"
	"workflowkernel/internal/taskregistry"
)

// stubBus satisfies ports.EventBus without any delivery machinery, so
// executor tests drive Advance directly and assert on the gateway's
// committed state rather than racing a background delivery goroutine.
type stubBus struct{}

func (stubBus) Publish(ctx context.Context, eventType domain.EventType, payload any) error {
	return nil
}
func (stubBus) Subscribe(eventType domain.EventType, handler func(ctx context.Context, payload []byte) error) {
}

func testConfig() config.Config {
	return config.Config{SigningKey: "test-signing-key", DefaultApprovalTimeoutSeconds: 3600}
}

// newMultiStepWorkflow persists a fresh multi-step workflow and the
// steps built from it. buildSteps receives the workflow's own ID so
// steps can reference it before either is written.
func newMultiStepWorkflow(t *testing.T, gw ports.Gateway, buildSteps func(wfID uuid.UUID) []domain.Step) *domain.Workflow {
	t.Helper()
	wf := domain.NewWorkflow("demo", datatypes.JSON(`{}`), true, 3, nil)
	steps := buildSteps(wf.ID)
	require.NoError(t, gw.WithinTransaction(context.Background(), func(tx ports.Tx) error {
		if err := tx.Workflows().Create(context.Background(), wf); err != nil {
			return err
		}
		return tx.Steps().CreateBatch(context.Background(), steps)
	}))
	return wf
}

func TestAdvance_SingleTaskStepCompletesWorkflow(t *testing.T) {
	gw := memgateway.New()
	sm := statemachine.New(gw, stubBus{})
	approvals := approval.New(gw, nil, testConfig())
	registry := taskregistry.New()
	registry.Register("noop", func(ctx context.Context, input []byte) ([]byte, error) {
		return input, nil
	})
	exec := executor.New(gw, stubBus{}, sm, approvals, registry, testConfig())

	handlerName := "noop"
	wf := newMultiStepWorkflow(t, gw, func(wfID uuid.UUID) []domain.Step {
		return []domain.Step{*domain.NewStep(wfID, 0, domain.StepTypeTask, &handlerName, datatypes.JSON(`{}`))}
	})

	require.NoError(t, exec.Advance(context.Background(), wf.ID))

	got, err := gw.ReadOnly(context.Background()).Workflows().GetByID(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, got.State)
}

func TestAdvance_TaskStepFailureFailsWorkflow(t *testing.T) {
	gw := memgateway.New()
	sm := statemachine.New(gw, stubBus{})
	approvals := approval.New(gw, nil, testConfig())
	registry := taskregistry.New()
	registry.Register("boom", func(ctx context.Context, input []byte) ([]byte, error) {
		return nil, assert.AnError
	})
	exec := executor.New(gw, stubBus{}, sm, approvals, registry, testConfig())

	handlerName := "boom"
	wf := newMultiStepWorkflow(t, gw, func(wfID uuid.UUID) []domain.Step {
		return []domain.Step{*domain.NewStep(wfID, 0, domain.StepTypeTask, &handlerName, datatypes.JSON(`{}`))}
	})

	require.NoError(t, exec.Advance(context.Background(), wf.ID))

	got, err := gw.ReadOnly(context.Background()).Workflows().GetByID(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowFailed, got.State)
}

// TestAdvance_TaskFailureConsumesRetryTrueLeavesBudgetIntact covers
// config.TaskFailureConsumesRetry's true branch: a task failure leaves
// retry_count untouched so the workflow stays eligible for the
// ordinary retry sweep.
func TestAdvance_TaskFailureConsumesRetryTrueLeavesBudgetIntact(t *testing.T) {
	gw := memgateway.New()
	sm := statemachine.New(gw, stubBus{})
	approvals := approval.New(gw, nil, testConfig())
	registry := taskregistry.New()
	registry.Register("boom", func(ctx context.Context, input []byte) ([]byte, error) {
		return nil, assert.AnError
	})
	cfg := testConfig()
	cfg.TaskFailureConsumesRetry = true
	exec := executor.New(gw, stubBus{}, sm, approvals, registry, cfg)

	handlerName := "boom"
	wf := newMultiStepWorkflow(t, gw, func(wfID uuid.UUID) []domain.Step {
		return []domain.Step{*domain.NewStep(wfID, 0, domain.StepTypeTask, &handlerName, datatypes.JSON(`{}`))}
	})

	require.NoError(t, exec.Advance(context.Background(), wf.ID))

	got, err := gw.ReadOnly(context.Background()).Workflows().GetByID(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowFailed, got.State)
	assert.Equal(t, 0, got.RetryCount)
	assert.True(t, got.CanRetry())
}

// TestAdvance_TaskFailureConsumesRetryFalseExhaustsBudgetImmediately
// covers config.TaskFailureConsumesRetry's false branch: a task
// failure should jump straight to an exhausted retry budget instead of
// leaving it to the timeout manager's retry sweep.
func TestAdvance_TaskFailureConsumesRetryFalseExhaustsBudgetImmediately(t *testing.T) {
	gw := memgateway.New()
	sm := statemachine.New(gw, stubBus{})
	approvals := approval.New(gw, nil, testConfig())
	registry := taskregistry.New()
	registry.Register("boom", func(ctx context.Context, input []byte) ([]byte, error) {
		return nil, assert.AnError
	})
	cfg := testConfig()
	cfg.TaskFailureConsumesRetry = false
	exec := executor.New(gw, stubBus{}, sm, approvals, registry, cfg)

	handlerName := "boom"
	wf := newMultiStepWorkflow(t, gw, func(wfID uuid.UUID) []domain.Step {
		return []domain.Step{*domain.NewStep(wfID, 0, domain.StepTypeTask, &handlerName, datatypes.JSON(`{}`))}
	})

	require.NoError(t, exec.Advance(context.Background(), wf.ID))

	got, err := gw.ReadOnly(context.Background()).Workflows().GetByID(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowFailed, got.State)
	assert.Equal(t, got.MaxRetries, got.RetryCount)
	assert.False(t, got.CanRetry())
}

func TestAdvance_UnregisteredHandlerFailsStep(t *testing.T) {
	gw := memgateway.New()
	sm := statemachine.New(gw, stubBus{})
	approvals := approval.New(gw, nil, testConfig())
	registry := taskregistry.New()
	exec := executor.New(gw, stubBus{}, sm, approvals, registry, testConfig())

	handlerName := "does_not_exist"
	wf := newMultiStepWorkflow(t, gw, func(wfID uuid.UUID) []domain.Step {
		return []domain.Step{*domain.NewStep(wfID, 0, domain.StepTypeTask, &handlerName, datatypes.JSON(`{}`))}
	})

	require.NoError(t, exec.Advance(context.Background(), wf.ID))

	got, err := gw.ReadOnly(context.Background()).Workflows().GetByID(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowFailed, got.State)
}

func TestAdvance_ApprovalStepRequestsApprovalAndWaits(t *testing.T) {
	gw := memgateway.New()
	sm := statemachine.New(gw, stubBus{})
	approvals := approval.New(gw, nil, testConfig())
	registry := taskregistry.New()
	exec := executor.New(gw, stubBus{}, sm, approvals, registry, testConfig())

	schema := datatypes.JSON(`{"title":"Approve?"}`)
	wf := newMultiStepWorkflow(t, gw, func(wfID uuid.UUID) []domain.Step {
		return []domain.Step{*domain.NewStep(wfID, 0, domain.StepTypeApproval, nil, schema)}
	})

	require.NoError(t, exec.Advance(context.Background(), wf.ID))

	got, err := gw.ReadOnly(context.Background()).Workflows().GetByID(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowWaitingApproval, got.State)

	steps, err := gw.ReadOnly(context.Background()).Steps().ListByWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.NotNil(t, steps[0].ApprovalID)
}

func TestAdvance_ApprovalThenNextTaskStep(t *testing.T) {
	gw := memgateway.New()
	sm := statemachine.New(gw, stubBus{})
	approvals := approval.New(gw, nil, testConfig())
	registry := taskregistry.New()
	registry.Register("noop", func(ctx context.Context, input []byte) ([]byte, error) {
		return input, nil
	})
	exec := executor.New(gw, stubBus{}, sm, approvals, registry, testConfig())

	handlerName := "noop"
	wf := newMultiStepWorkflow(t, gw, func(wfID uuid.UUID) []domain.Step {
		return []domain.Step{
			*domain.NewStep(wfID, 0, domain.StepTypeApproval, nil, datatypes.JSON(`{"title":"Approve?"}`)),
			*domain.NewStep(wfID, 1, domain.StepTypeTask, &handlerName, datatypes.JSON(`{}`)),
		}
	})

	require.NoError(t, exec.Advance(context.Background(), wf.ID))

	steps, err := gw.ReadOnly(context.Background()).Steps().ListByWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.NotNil(t, steps[0].ApprovalID)

	a, err := gw.ReadOnly(context.Background()).Approvals().GetByID(context.Background(), *steps[0].ApprovalID)
	require.NoError(t, err)

	_, err = approvals.Submit(context.Background(), a.CallbackToken, domain.DecisionApprove, map[string]interface{}{})
	require.NoError(t, err)

	require.NoError(t, exec.Advance(context.Background(), wf.ID))

	got, err := gw.ReadOnly(context.Background()).Workflows().GetByID(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, got.State)
}

func TestAdvance_ApprovalRejectedFailsWorkflowAndStep(t *testing.T) {
	gw := memgateway.New()
	sm := statemachine.New(gw, stubBus{})
	approvals := approval.New(gw, nil, testConfig())
	registry := taskregistry.New()
	exec := executor.New(gw, stubBus{}, sm, approvals, registry, testConfig())

	wf := newMultiStepWorkflow(t, gw, func(wfID uuid.UUID) []domain.Step {
		return []domain.Step{*domain.NewStep(wfID, 0, domain.StepTypeApproval, nil, datatypes.JSON(`{"title":"Approve?"}`))}
	})

	require.NoError(t, exec.Advance(context.Background(), wf.ID))

	steps, err := gw.ReadOnly(context.Background()).Steps().ListByWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.NotNil(t, steps[0].ApprovalID)

	a, err := gw.ReadOnly(context.Background()).Approvals().GetByID(context.Background(), *steps[0].ApprovalID)
	require.NoError(t, err)

	_, err = approvals.Submit(context.Background(), a.CallbackToken, domain.DecisionReject, map[string]interface{}{})
	require.NoError(t, err)

	require.NoError(t, exec.Advance(context.Background(), wf.ID))

	got, err := gw.ReadOnly(context.Background()).Workflows().GetByID(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowRejected, got.State)

	gotSteps, err := gw.ReadOnly(context.Background()).Steps().ListByWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepFailed, gotSteps[0].Status)
}

// TestAdvance_RollbackResetsStepAndResumesMultiStepWorkflow exercises
// the rollback path end to end for a multi-step workflow: reject the
// approval step, roll it back, and confirm both the step and the
// workflow are back in a state Advance can drive forward from.
func TestAdvance_RollbackResetsStepAndResumesMultiStepWorkflow(t *testing.T) {
	gw := memgateway.New()
	sm := statemachine.New(gw, stubBus{})
	approvals := approval.New(gw, stubBus{}, testConfig())
	registry := taskregistry.New()
	registry.Register("noop", func(ctx context.Context, input []byte) ([]byte, error) {
		return input, nil
	})
	exec := executor.New(gw, stubBus{}, sm, approvals, registry, testConfig())

	handlerName := "noop"
	wf := newMultiStepWorkflow(t, gw, func(wfID uuid.UUID) []domain.Step {
		return []domain.Step{
			*domain.NewStep(wfID, 0, domain.StepTypeApproval, nil, datatypes.JSON(`{"title":"Approve?"}`)),
			*domain.NewStep(wfID, 1, domain.StepTypeTask, &handlerName, datatypes.JSON(`{}`)),
		}
	})

	require.NoError(t, exec.Advance(context.Background(), wf.ID))

	steps, err := gw.ReadOnly(context.Background()).Steps().ListByWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	approvalID := *steps[0].ApprovalID

	a, err := gw.ReadOnly(context.Background()).Approvals().GetByID(context.Background(), approvalID)
	require.NoError(t, err)
	_, err = approvals.Submit(context.Background(), a.CallbackToken, domain.DecisionReject, map[string]interface{}{})
	require.NoError(t, err)
	require.NoError(t, exec.Advance(context.Background(), wf.ID))

	got, err := gw.ReadOnly(context.Background()).Workflows().GetByID(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowRejected, got.State)

	_, err = approvals.Rollback(context.Background(), approvalID, 3600)
	require.NoError(t, err)

	gotSteps, err := gw.ReadOnly(context.Background()).Steps().ListByWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepPending, gotSteps[0].Status)

	got, err = gw.ReadOnly(context.Background()).Workflows().GetByID(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowRunning, got.State)

	// Advance resumes: the rolled-back approval step is re-claimed and
	// re-requested, exactly as it was the first time through.
	require.NoError(t, exec.Advance(context.Background(), wf.ID))

	gotSteps, err = gw.ReadOnly(context.Background()).Steps().ListByWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.NotNil(t, gotSteps[0].ApprovalID)
	assert.NotEqual(t, approvalID, *gotSteps[0].ApprovalID)
}
