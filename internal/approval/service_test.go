package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"workflowkernel/internal/approval"
	"workflowkernel/internal/config"
	"workflowkernel/internal/core/memgateway"
	"workflowkernel/internal/core/ports"
	"workflowkernel/internal/domain"
)

func runningWorkflow(t *testing.T, gw ports.Gateway) *domain.Workflow {
	t.Helper()
	wf := domain.NewWorkflow("demo", datatypes.JSON(`{}`), false, 3, nil)
	wf.State = domain.WorkflowRunning
	require.NoError(t, gw.WithinTransaction(context.Background(), func(tx ports.Tx) error {
		return tx.Workflows().Create(context.Background(), wf)
	}))
	return wf
}

func testConfig() config.Config {
	return config.Config{
		SigningKey:                    "test-signing-key",
		DefaultApprovalTimeoutSeconds: 3600,
	}
}

func TestRequest_TransitionsToWaitingApproval(t *testing.T) {
	gw := memgateway.New()
	svc := approval.New(gw, nil, testConfig())
	ctx := context.Background()

	wf := runningWorkflow(t, gw)

	a, err := svc.Request(ctx, wf.ID, nil, domain.UISchema{Title: "Approve?"}, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, a.Status)
	assert.NotEmpty(t, a.CallbackToken)

	got, err := gw.ReadOnly(ctx).Workflows().GetByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowWaitingApproval, got.State)
}

func TestSubmit_ApproveRecordsDecisionAndTransitionsWorkflow(t *testing.T) {
	gw := memgateway.New()
	svc := approval.New(gw, nil, testConfig())
	ctx := context.Background()

	wf := runningWorkflow(t, gw)
	a, err := svc.Request(ctx, wf.ID, nil, domain.UISchema{Title: "Approve?"}, 0)
	require.NoError(t, err)

	result, err := svc.Submit(ctx, a.CallbackToken, domain.DecisionApprove, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, result.Status)
	require.NotNil(t, result.RespondedAt)
	assert.False(t, result.RespondedAt.Before(result.RequestedAt))

	// A standalone (step-less) approval is the only gate on this
	// workflow, so approving it also carries it straight on to
	// COMPLETED in the same Submit call.
	gotWf, err := gw.ReadOnly(ctx).Workflows().GetByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, gotWf.State)
}

func TestSubmit_RejectTransitionsWorkflowToRejected(t *testing.T) {
	gw := memgateway.New()
	svc := approval.New(gw, nil, testConfig())
	ctx := context.Background()

	wf := runningWorkflow(t, gw)
	a, err := svc.Request(ctx, wf.ID, nil, domain.UISchema{Title: "Approve?"}, 0)
	require.NoError(t, err)

	_, err = svc.Submit(ctx, a.CallbackToken, domain.DecisionReject, map[string]interface{}{})
	require.NoError(t, err)

	gotWf, err := gw.ReadOnly(ctx).Workflows().GetByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowRejected, gotWf.State)
}

func TestSubmit_AlreadyDecided(t *testing.T) {
	gw := memgateway.New()
	svc := approval.New(gw, nil, testConfig())
	ctx := context.Background()

	wf := runningWorkflow(t, gw)
	a, err := svc.Request(ctx, wf.ID, nil, domain.UISchema{Title: "Approve?"}, 0)
	require.NoError(t, err)

	_, err = svc.Submit(ctx, a.CallbackToken, domain.DecisionApprove, map[string]interface{}{})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, a.CallbackToken, domain.DecisionApprove, map[string]interface{}{})
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided)
}

func TestSubmit_ExpiredCheckedBeforeStatus(t *testing.T) {
	gw := memgateway.New()
	svc := approval.New(gw, nil, testConfig())
	ctx := context.Background()

	wf := runningWorkflow(t, gw)
	a, err := svc.Request(ctx, wf.ID, nil, domain.UISchema{Title: "Approve?"}, 1)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	_, err = svc.Submit(ctx, a.CallbackToken, domain.DecisionApprove, map[string]interface{}{})
	assert.ErrorIs(t, err, domain.ErrApprovalExpired)
}

func TestSubmit_InvalidDecisionValue(t *testing.T) {
	gw := memgateway.New()
	svc := approval.New(gw, nil, testConfig())
	ctx := context.Background()

	wf := runningWorkflow(t, gw)
	a, err := svc.Request(ctx, wf.ID, nil, domain.UISchema{Title: "Approve?"}, 0)
	require.NoError(t, err)

	_, err = svc.Submit(ctx, a.CallbackToken, domain.Decision("maybe"), map[string]interface{}{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSubmit_SchemaValidationEnforced(t *testing.T) {
	gw := memgateway.New()
	svc := approval.New(gw, nil, testConfig())
	ctx := context.Background()

	wf := runningWorkflow(t, gw)
	schema := domain.UISchema{
		Title:  "Approve?",
		Fields: []domain.UIField{{Name: "note", Required: true}},
	}
	a, err := svc.Request(ctx, wf.ID, nil, schema, 0)
	require.NoError(t, err)

	_, err = svc.Submit(ctx, a.CallbackToken, domain.DecisionApprove, map[string]interface{}{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSubmit_BadToken(t *testing.T) {
	gw := memgateway.New()
	svc := approval.New(gw, nil, testConfig())
	ctx := context.Background()

	_, err := svc.Submit(ctx, "garbage", domain.DecisionApprove, map[string]interface{}{})
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
}

func TestRollback_OnlyFromRejected(t *testing.T) {
	gw := memgateway.New()
	svc := approval.New(gw, nil, testConfig())
	ctx := context.Background()

	wf := runningWorkflow(t, gw)
	a, err := svc.Request(ctx, wf.ID, nil, domain.UISchema{Title: "Approve?"}, 0)
	require.NoError(t, err)

	_, err = svc.Rollback(ctx, a.ID, 0)
	assert.ErrorIs(t, err, domain.ErrRollbackNotAllowed)
}

func TestRollback_ResetsToPendingAndWorkflowToRunning(t *testing.T) {
	gw := memgateway.New()
	svc := approval.New(gw, nil, testConfig())
	ctx := context.Background()

	wf := runningWorkflow(t, gw)
	a, err := svc.Request(ctx, wf.ID, nil, domain.UISchema{Title: "Approve?"}, 0)
	require.NoError(t, err)

	_, err = svc.Submit(ctx, a.CallbackToken, domain.DecisionReject, map[string]interface{}{})
	require.NoError(t, err)

	result, err := svc.Rollback(ctx, a.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, result.Status)
	assert.Nil(t, result.Decision)

	gotWf, err := gw.ReadOnly(ctx).Workflows().GetByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowRunning, gotWf.State)
}
