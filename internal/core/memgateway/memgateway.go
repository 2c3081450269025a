// Package memgateway is an in-memory ports.Gateway used by the
// kernel's test suite in place of a real Postgres connection.
// Grounded on the pack's in-memory store test doubles (e.g.
// AltairaLabs-PromptKit/server/a2a/task_store.go's InMemoryTaskStore):
// a mutex-guarded map plus the same CompareAndSwap-on-version
// semantics the real gorm repository implements, so the statemachine,
// approval, and executor packages exercise identical concurrency
// behavior against either backend.
package memgateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"workflowkernel/internal/core/ports"
	"workflowkernel/internal/domain"
)

// Gateway is the in-memory ports.Gateway. WithinTransaction holds a
// single process-wide lock for the call's duration, which is enough
// to exercise the optimistic/pessimistic guard logic in tests without
// modeling real MVCC isolation.
type Gateway struct {
	mu sync.Mutex

	workflows map[uuid.UUID]*domain.Workflow
	steps     map[uuid.UUID]*domain.Step
	approvals map[uuid.UUID]*domain.Approval
	events    []domain.WorkflowEvent
	dlq       map[uuid.UUID]*domain.DLQEntry
}

// New builds an empty in-memory Gateway.
func New() *Gateway {
	return &Gateway{
		workflows: make(map[uuid.UUID]*domain.Workflow),
		steps:     make(map[uuid.UUID]*domain.Step),
		approvals: make(map[uuid.UUID]*domain.Approval),
		dlq:       make(map[uuid.UUID]*domain.DLQEntry),
	}
}

// WithinTransaction holds the gateway's single lock for fn's entire
// call, so no other transaction interleaves with it. Unlike a real
// gorm.Transaction it does not roll back: writes fn made before
// returning an error stay applied. This is a test double, not a
// concurrent store: it serializes every transaction rather than
// modeling MVCC, which is sufficient for exercising the version-guard
// logic in tests that call Transition/Retry sequentially.
func (g *Gateway) WithinTransaction(ctx context.Context, fn func(tx ports.Tx) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(&tx{g: g})
}

// ReadOnly hands back a Tx without taking the lock; callers in this
// test double are expected to be single-threaded between
// WithinTransaction calls.
func (g *Gateway) ReadOnly(ctx context.Context) ports.Tx {
	return &tx{g: g}
}

type tx struct {
	g *Gateway
}

func (t *tx) Workflows() ports.WorkflowRepository { return workflowRepo{g: t.g} }
func (t *tx) Steps() ports.StepRepository         { return stepRepo{g: t.g} }
func (t *tx) Approvals() ports.ApprovalRepository { return approvalRepo{g: t.g} }
func (t *tx) Events() ports.EventRepository       { return eventRepo{g: t.g} }
func (t *tx) DLQ() ports.DLQRepository            { return dlqRepo{g: t.g} }

type workflowRepo struct{ g *Gateway }

func (r workflowRepo) Create(ctx context.Context, w *domain.Workflow) error {
	if w.IdempotencyKey != nil {
		for _, existing := range r.g.workflows {
			if existing.WorkflowType == w.WorkflowType && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *w.IdempotencyKey {
				return domain.ErrIdempotencyKeyConflict
			}
		}
	}
	cp := *w
	r.g.workflows[w.ID] = &cp
	return nil
}

func (r workflowRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error) {
	w, ok := r.g.workflows[id]
	if !ok {
		return nil, domain.ErrWorkflowNotFound
	}
	cp := *w
	return &cp, nil
}

func (r workflowRepo) GetByIdempotencyKey(ctx context.Context, workflowType, key string) (*domain.Workflow, error) {
	for _, w := range r.g.workflows {
		if w.WorkflowType == workflowType && w.IdempotencyKey != nil && *w.IdempotencyKey == key {
			cp := *w
			return &cp, nil
		}
	}
	return nil, domain.ErrWorkflowNotFound
}

func (r workflowRepo) CompareAndSwapState(ctx context.Context, id uuid.UUID, expectedVersion int, newState domain.WorkflowState) error {
	w, ok := r.g.workflows[id]
	if !ok {
		return domain.ErrWorkflowNotFound
	}
	if w.Version != expectedVersion {
		return domain.ErrConcurrentModification
	}
	w.State = newState
	w.Version++
	w.UpdatedAt = time.Now()
	return nil
}

func (r workflowRepo) IncrementRetry(ctx context.Context, id uuid.UUID, expectedVersion int, newState domain.WorkflowState, retriedAt time.Time) error {
	w, ok := r.g.workflows[id]
	if !ok {
		return domain.ErrWorkflowNotFound
	}
	if w.Version != expectedVersion {
		return domain.ErrConcurrentModification
	}
	w.State = newState
	w.Version++
	w.RetryCount++
	w.LastRetryAt = &retriedAt
	w.UpdatedAt = time.Now()
	return nil
}

func (r workflowRepo) ListRetryCandidates(ctx context.Context, limit int) ([]domain.Workflow, error) {
	var out []domain.Workflow
	for _, w := range r.g.workflows {
		if (w.State == domain.WorkflowTimeout || w.State == domain.WorkflowFailed) && w.RetryCount < w.MaxRetries {
			out = append(out, *w)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r workflowRepo) MarkRetriesExhausted(ctx context.Context, id uuid.UUID) error {
	w, ok := r.g.workflows[id]
	if !ok {
		return domain.ErrWorkflowNotFound
	}
	w.RetryCount = w.MaxRetries
	w.UpdatedAt = time.Now()
	return nil
}

func (r workflowRepo) ListExhausted(ctx context.Context, limit int) ([]domain.Workflow, error) {
	var out []domain.Workflow
	for _, w := range r.g.workflows {
		if (w.State == domain.WorkflowTimeout || w.State == domain.WorkflowFailed) && w.RetryCount >= w.MaxRetries {
			out = append(out, *w)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

type stepRepo struct{ g *Gateway }

func (r stepRepo) CreateBatch(ctx context.Context, steps []domain.Step) error {
	for i := range steps {
		cp := steps[i]
		r.g.steps[cp.ID] = &cp
	}
	return nil
}

func (r stepRepo) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]domain.Step, error) {
	var out []domain.Step
	for _, s := range r.g.steps {
		if s.WorkflowID == workflowID {
			out = append(out, *s)
		}
	}
	sortStepsByIndex(out)
	return out, nil
}

func sortStepsByIndex(steps []domain.Step) {
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j].StepIndex < steps[j-1].StepIndex; j-- {
			steps[j], steps[j-1] = steps[j-1], steps[j]
		}
	}
}

func (r stepRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Step, error) {
	s, ok := r.g.steps[id]
	if !ok {
		return nil, domain.ErrStepNotFound
	}
	cp := *s
	return &cp, nil
}

func (r stepRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Step, error) {
	return r.GetByID(ctx, id)
}

func (r stepRepo) MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	s, ok := r.g.steps[id]
	if !ok {
		return domain.ErrStepNotFound
	}
	s.Status = domain.StepRunning
	s.StartedAt = &startedAt
	s.UpdatedAt = time.Now()
	return nil
}

func (r stepRepo) MarkCompleted(ctx context.Context, id uuid.UUID, output []byte, completedAt time.Time) error {
	s, ok := r.g.steps[id]
	if !ok {
		return domain.ErrStepNotFound
	}
	s.Status = domain.StepCompleted
	s.TaskOutput = output
	s.CompletedAt = &completedAt
	s.UpdatedAt = time.Now()
	return nil
}

func (r stepRepo) MarkFailed(ctx context.Context, id uuid.UUID, output []byte) error {
	s, ok := r.g.steps[id]
	if !ok {
		return domain.ErrStepNotFound
	}
	s.Status = domain.StepFailed
	s.TaskOutput = output
	s.UpdatedAt = time.Now()
	return nil
}

func (r stepRepo) SetApprovalID(ctx context.Context, id uuid.UUID, approvalID uuid.UUID) error {
	s, ok := r.g.steps[id]
	if !ok {
		return domain.ErrStepNotFound
	}
	s.ApprovalID = &approvalID
	return nil
}

func (r stepRepo) ResetToPending(ctx context.Context, id uuid.UUID) error {
	s, ok := r.g.steps[id]
	if !ok {
		return domain.ErrStepNotFound
	}
	s.Status = domain.StepPending
	s.StartedAt = nil
	s.CompletedAt = nil
	return nil
}

type approvalRepo struct{ g *Gateway }

func (r approvalRepo) Create(ctx context.Context, a *domain.Approval) error {
	cp := *a
	r.g.approvals[a.ID] = &cp
	return nil
}

func (r approvalRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Approval, error) {
	a, ok := r.g.approvals[id]
	if !ok {
		return nil, domain.ErrApprovalNotFound
	}
	cp := *a
	return &cp, nil
}

func (r approvalRepo) GetByTokenForUpdate(ctx context.Context, token string) (*domain.Approval, error) {
	for _, a := range r.g.approvals {
		if a.CallbackToken == token {
			cp := *a
			return &cp, nil
		}
	}
	return nil, domain.ErrTokenInvalid
}

func (r approvalRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Approval, error) {
	return r.GetByID(ctx, id)
}

func (r approvalRepo) RecordDecision(ctx context.Context, id uuid.UUID, status domain.ApprovalStatus, decision *domain.Decision, responseData []byte, respondedAt time.Time) error {
	a, ok := r.g.approvals[id]
	if !ok {
		return domain.ErrApprovalNotFound
	}
	a.Status = status
	a.Decision = decision
	a.ResponseData = responseData
	a.RespondedAt = &respondedAt
	a.UpdatedAt = time.Now()
	return nil
}

func (r approvalRepo) ResetToPending(ctx context.Context, id uuid.UUID) error {
	a, ok := r.g.approvals[id]
	if !ok {
		return domain.ErrApprovalNotFound
	}
	a.Status = domain.ApprovalPending
	a.Decision = nil
	a.RespondedAt = nil
	a.ExpiresAt = time.Now().Add(time.Hour)
	return nil
}

func (r approvalRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Approval, error) {
	var out []domain.Approval
	for _, a := range r.g.approvals {
		if a.Status == domain.ApprovalPending && now.After(a.ExpiresAt) {
			out = append(out, *a)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

type eventRepo struct{ g *Gateway }

func (r eventRepo) Append(ctx context.Context, e *domain.WorkflowEvent) error {
	r.g.events = append(r.g.events, *e)
	return nil
}

func (r eventRepo) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowEvent, error) {
	var out []domain.WorkflowEvent
	for _, e := range r.g.events {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}

type dlqRepo struct{ g *Gateway }

func (r dlqRepo) Create(ctx context.Context, entry *domain.DLQEntry) error {
	cp := *entry
	r.g.dlq[entry.ID] = &cp
	return nil
}

func (r dlqRepo) List(ctx context.Context, limit int) ([]domain.DLQEntry, error) {
	var out []domain.DLQEntry
	for _, e := range r.g.dlq {
		out = append(out, *e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r dlqRepo) Delete(ctx context.Context, id uuid.UUID) error {
	delete(r.g.dlq, id)
	return nil
}
