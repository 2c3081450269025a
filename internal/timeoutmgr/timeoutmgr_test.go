package timeoutmgr_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"workflowkernel/internal/config"
	"workflowkernel/internal/core/memgateway"
	"workflowkernel/internal/core/ports"
	"workflowkernel/internal/domain"
	"workflowkernel/internal/statemachine"
	"workflowkernel/internal/timeoutmgr"
)

func testConfig() config.Config {
	return config.Config{
		TimeoutScanInterval:       10 * time.Millisecond,
		EventBusBackoffInitial:    time.Millisecond,
		EventBusBackoffMultiplier: 2.0,
	}
}

func TestManager_ExpiresOverdueApproval(t *testing.T) {
	gw := memgateway.New()
	sm := statemachine.New(gw, nil)
	ctx := context.Background()

	wf := domain.NewWorkflow("demo", datatypes.JSON(`{}`), false, 3, nil)
	wf.State = domain.WorkflowWaitingApproval
	require.NoError(t, gw.WithinTransaction(ctx, func(tx ports.Tx) error {
		return tx.Workflows().Create(ctx, wf)
	}))

	a := domain.NewApproval(wf.ID, nil, datatypes.JSON(`{"title":"Approve?"}`), -3600, "tok-expired")
	require.NoError(t, gw.WithinTransaction(ctx, func(tx ports.Tx) error {
		return tx.Approvals().Create(ctx, a)
	}))

	m := timeoutmgr.New(gw, nil, sm, testConfig())
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		got, err := gw.ReadOnly(ctx).Workflows().GetByID(ctx, wf.ID)
		require.NoError(t, err)
		return got.State == domain.WorkflowTimeout
	}, time.Second, 5*time.Millisecond)

	gotApproval, err := gw.ReadOnly(ctx).Approvals().GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalTimeout, gotApproval.Status)
}

func TestManager_LeavesUnexpiredApprovalAlone(t *testing.T) {
	gw := memgateway.New()
	sm := statemachine.New(gw, nil)
	ctx := context.Background()

	wf := domain.NewWorkflow("demo", datatypes.JSON(`{}`), false, 3, nil)
	wf.State = domain.WorkflowWaitingApproval
	require.NoError(t, gw.WithinTransaction(ctx, func(tx ports.Tx) error {
		return tx.Workflows().Create(ctx, wf)
	}))

	a := domain.NewApproval(wf.ID, nil, datatypes.JSON(`{"title":"Approve?"}`), 3600, "tok-live")
	require.NoError(t, gw.WithinTransaction(ctx, func(tx ports.Tx) error {
		return tx.Approvals().Create(ctx, a)
	}))

	m := timeoutmgr.New(gw, nil, sm, testConfig())
	m.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	m.Stop()

	got, err := gw.ReadOnly(ctx).Workflows().GetByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowWaitingApproval, got.State)
}

func TestManager_RetriesEligibleWorkflow(t *testing.T) {
	gw := memgateway.New()
	sm := statemachine.New(gw, nil)
	ctx := context.Background()

	wf := domain.NewWorkflow("demo", datatypes.JSON(`{}`), false, 3, nil)
	wf.State = domain.WorkflowFailed
	wf.RetryCount = 0
	require.NoError(t, gw.WithinTransaction(ctx, func(tx ports.Tx) error {
		return tx.Workflows().Create(ctx, wf)
	}))

	m := timeoutmgr.New(gw, nil, sm, testConfig())
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		got, err := gw.ReadOnly(ctx).Workflows().GetByID(ctx, wf.ID)
		require.NoError(t, err)
		return got.State == domain.WorkflowRunning && got.RetryCount == 1
	}, time.Second, 5*time.Millisecond)
}

func TestManager_AbandonsExhaustedWorkflowToDLQ(t *testing.T) {
	gw := memgateway.New()
	sm := statemachine.New(gw, nil)
	ctx := context.Background()

	wf := domain.NewWorkflow("demo", datatypes.JSON(`{}`), false, 2, nil)
	wf.State = domain.WorkflowFailed
	wf.RetryCount = 2
	require.NoError(t, gw.WithinTransaction(ctx, func(tx ports.Tx) error {
		return tx.Workflows().Create(ctx, wf)
	}))

	m := timeoutmgr.New(gw, nil, sm, testConfig())
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		entries, err := gw.ReadOnly(ctx).DLQ().List(ctx, 10)
		require.NoError(t, err)
		return len(entries) == 1
	}, time.Second, 5*time.Millisecond)

	got, err := gw.ReadOnly(ctx).Workflows().GetByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowFailed, got.State)
}
