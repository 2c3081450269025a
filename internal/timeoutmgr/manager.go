// Package timeoutmgr is the background scanner spec.md §4.6 describes:
// on a fixed interval it expires PENDING approvals past their
// expires_at, and separately retries or abandons workflows that have
// landed in TIMEOUT/FAILED. Grounded on
// original_source/app/core/timeout_manager.py's
// _check_timeouts_loop / _check_and_process_timeouts, with the
// goroutine-plus-ticker shape the teacher uses for its own background
// loops (internal/worker/worker.go's consume loop).
package timeoutmgr

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"workflowkernel/internal/config"
	"workflowkernel/internal/core/ports"
	"workflowkernel/internal/domain"
	"workflowkernel/internal/metrics"
	"workflowkernel/internal/statemachine"
)

const expiredScanLimit = 100
const retryScanLimit = 100

// Manager runs the periodic timeout/retry sweep.
type Manager struct {
	gateway           ports.Gateway
	bus               ports.EventBus
	sm                *statemachine.StateMachine
	interval          time.Duration
	backoffInitial    time.Duration
	backoffMultiplier float64

	rng *rand.Rand

	// abandoned remembers workflow ids already written to the DLQ so a
	// budget-exhausted workflow is not re-abandoned on every later tick.
	abandoned map[uuid.UUID]bool

	stop chan struct{}
	done chan struct{}
}

// New builds a Manager from cfg's TIMEOUT_SCAN_INTERVAL_SECONDS and
// the event bus's own backoff parameters (the retry-delay shape is
// shared between the bus and the workflow-level retry sweep).
func New(gateway ports.Gateway, bus ports.EventBus, sm *statemachine.StateMachine, cfg config.Config) *Manager {
	return &Manager{
		gateway:           gateway,
		bus:               bus,
		sm:                sm,
		interval:          cfg.TimeoutScanInterval,
		backoffInitial:    cfg.EventBusBackoffInitial,
		backoffMultiplier: cfg.EventBusBackoffMultiplier,
		rng:               rand.New(rand.NewSource(1)),
		abandoned:         make(map[uuid.UUID]bool),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Start runs the scan loop until Stop is called. Cancellation lets the
// in-flight tick finish — no orphan transactions, per spec.md §4.6.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.tick(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the loop to exit and blocks until the current tick
// (if any) finishes.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) tick(ctx context.Context) {
	m.expirePendingApprovals(ctx)
	m.retryEligibleWorkflows(ctx)
}

// TimeoutPayload is published as approval.timeout.
type TimeoutPayload struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	ApprovalID uuid.UUID `json:"approval_id"`
}

func (m *Manager) expirePendingApprovals(ctx context.Context) {
	snapshot := m.gateway.ReadOnly(ctx)
	expired, err := snapshot.Approvals().ListExpired(ctx, time.Now(), expiredScanLimit)
	if err != nil {
		log.Printf("timeoutmgr: list expired approvals: %v", err)
		return
	}

	for _, a := range expired {
		m.expireOne(ctx, a.ID)
	}
}

// expireOne re-checks status=PENDING under the pessimistic row lock
// before writing TIMEOUT — a concurrent submit may have won the race
// since the unlocked scan in expirePendingApprovals.
func (m *Manager) expireOne(ctx context.Context, approvalID uuid.UUID) {
	var workflowID uuid.UUID
	var fromState domain.WorkflowState

	err := m.gateway.WithinTransaction(ctx, func(tx ports.Tx) error {
		a, err := tx.Approvals().GetForUpdate(ctx, approvalID)
		if err != nil {
			return err
		}
		if a.Status != domain.ApprovalPending {
			return nil
		}

		now := time.Now()
		if err := tx.Approvals().RecordDecision(ctx, a.ID, domain.ApprovalTimeout, nil, nil, now); err != nil {
			return err
		}

		wf, err := tx.Workflows().GetByID(ctx, a.WorkflowID)
		if err != nil {
			return err
		}
		if !statemachine.IsAllowed(wf.State, domain.WorkflowTimeout) {
			return nil
		}

		if err := tx.Workflows().CompareAndSwapState(ctx, wf.ID, wf.Version, domain.WorkflowTimeout); err != nil {
			return err
		}
		fromState = wf.State
		workflowID = wf.ID

		eventPayload, err := json.Marshal(statemachine.StateChangedPayload{
			WorkflowID: wf.ID,
			From:       fromState,
			To:         domain.WorkflowTimeout,
			Payload:    map[string]interface{}{"reason": "approval_timeout", "approval_id": a.ID},
		})
		if err != nil {
			return err
		}
		if err := tx.Events().Append(ctx, domain.NewWorkflowEvent(wf.ID, domain.EventWorkflowStateChanged, eventPayload)); err != nil {
			return err
		}

		timeoutPayload, err := json.Marshal(TimeoutPayload{WorkflowID: wf.ID, ApprovalID: a.ID})
		if err != nil {
			return err
		}
		return tx.Events().Append(ctx, domain.NewWorkflowEvent(wf.ID, domain.EventApprovalTimeout, timeoutPayload))
	})
	if err != nil {
		log.Printf("timeoutmgr: expire approval_id=%s: %v", approvalID, err)
		return
	}
	if workflowID == uuid.Nil {
		// Either a concurrent submit won (nothing written) or the
		// workflow could not move to TIMEOUT (only the approval row was
		// marked TIMEOUT); no workflow transition to publish.
		return
	}

	metrics.ApprovalTimeouts.Inc()
	metrics.WorkflowTransitions.WithLabelValues(string(domain.WorkflowTimeout)).Inc()

	if m.bus != nil {
		_ = m.bus.Publish(ctx, domain.EventWorkflowStateChanged, statemachine.StateChangedPayload{WorkflowID: workflowID, From: fromState, To: domain.WorkflowTimeout})
		_ = m.bus.Publish(ctx, domain.EventApprovalTimeout, TimeoutPayload{WorkflowID: workflowID, ApprovalID: approvalID})
	}
}

// retryEligibleWorkflows scans workflows in TIMEOUT/FAILED with budget
// left, computes an exponential-with-jitter backoff since
// last_retry_at, and retries those whose delay has elapsed. Workflows
// that have exhausted max_retries never appear in ListRetryCandidates
// (it filters retry_count < max_retries), so abandonment is detected
// separately by re-checking the budget at call time and writing a DLQ
// entry the one time it is first observed exhausted.
func (m *Manager) retryEligibleWorkflows(ctx context.Context) {
	snapshot := m.gateway.ReadOnly(ctx)
	candidates, err := snapshot.Workflows().ListRetryCandidates(ctx, retryScanLimit)
	if err != nil {
		log.Printf("timeoutmgr: list retry candidates: %v", err)
		return
	}

	now := time.Now()
	for _, wf := range candidates {
		if !m.backoffElapsed(wf, now) {
			continue
		}

		if err := m.sm.Retry(ctx, wf.ID); err != nil {
			if errors.Is(err, domain.ErrConcurrentModification) {
				continue
			}
			log.Printf("timeoutmgr: retry workflow_id=%s: %v", wf.ID, err)
		}
	}

	m.abandonExhausted(ctx)
}

func (m *Manager) backoffElapsed(wf domain.Workflow, now time.Time) bool {
	if wf.LastRetryAt == nil {
		return true
	}
	delay := m.backoffInitial
	for i := 0; i < wf.RetryCount; i++ {
		delay = time.Duration(float64(delay) * m.backoffMultiplier)
	}
	jitter := time.Duration(m.rng.Int63n(int64(delay) + 1))
	return now.After(wf.LastRetryAt.Add(delay + jitter/2))
}

// abandonExhausted finds workflows in TIMEOUT/FAILED whose retry
// budget is exhausted and moves them to the DLQ with their last known
// state, a terminal bookkeeping step that never transitions the
// workflow itself — it stays in TIMEOUT/FAILED, the DLQ entry is
// purely a record for operator follow-up.
func (m *Manager) abandonExhausted(ctx context.Context) {
	snapshot := m.gateway.ReadOnly(ctx)
	exhausted, err := snapshot.Workflows().ListExhausted(ctx, retryScanLimit)
	if err != nil {
		log.Printf("timeoutmgr: list exhausted workflows: %v", err)
		return
	}

	for _, wf := range exhausted {
		if m.abandoned[wf.ID] {
			continue
		}

		payload, err := json.Marshal(map[string]interface{}{
			"workflow_id": wf.ID,
			"state":       wf.State,
			"retry_count": wf.RetryCount,
			"max_retries": wf.MaxRetries,
		})
		if err != nil {
			log.Printf("timeoutmgr: marshal DLQ payload workflow_id=%s: %v", wf.ID, err)
			continue
		}

		workflowID := wf.ID
		entry := domain.NewDLQEntry(string(domain.EventWorkflowFailed), datatypes.JSON(payload), "retry budget exhausted", wf.RetryCount, &workflowID)

		err = m.gateway.WithinTransaction(ctx, func(tx ports.Tx) error {
			return tx.DLQ().Create(ctx, entry)
		})
		if err != nil {
			log.Printf("timeoutmgr: persist DLQ entry workflow_id=%s: %v", wf.ID, err)
			continue
		}

		m.abandoned[wf.ID] = true
		metrics.WorkflowsAbandoned.Inc()
	}
}
