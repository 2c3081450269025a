// Package ports declares the interfaces every other component in the
// kernel is wired against, following the teacher's core/ports split:
// concrete adapters (postgres, redis) live in sibling packages and are
// injected at startup through the container assembled in cmd/server.
package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"workflowkernel/internal/domain"
)

// Gateway is the persistence gateway's transactional unit of work.
// Every mutation elsewhere in the kernel goes through a Tx obtained
// from WithinTransaction so that release (commit or rollback) is
// guaranteed on every exit path.
type Gateway interface {
	WithinTransaction(ctx context.Context, fn func(tx Tx) error) error

	// ReadOnly hands back a Tx usable for snapshot-consistent reads
	// outside of a write transaction (e.g. HTTP GET handlers).
	ReadOnly(ctx context.Context) Tx
}

// Tx scopes all repository access within one transaction (or, for
// ReadOnly snapshots, one read-only session).
type Tx interface {
	Workflows() WorkflowRepository
	Steps() StepRepository
	Approvals() ApprovalRepository
	Events() EventRepository
	DLQ() DLQRepository
}

// WorkflowRepository is the persistence gateway's workflow-table access.
type WorkflowRepository interface {
	Create(ctx context.Context, w *domain.Workflow) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error)
	GetByIdempotencyKey(ctx context.Context, workflowType, key string) (*domain.Workflow, error)

	// CompareAndSwapState performs the optimistic conditional update
	// spec.md §4.1 requires: "update row if version == expected;
	// otherwise fail with ConcurrentModification". On success the
	// row's version is expectedVersion+1.
	CompareAndSwapState(ctx context.Context, id uuid.UUID, expectedVersion int, newState domain.WorkflowState) error

	// IncrementRetry bumps retry_count and stamps last_retry_at under
	// the same optimistic guard used by CompareAndSwapState.
	IncrementRetry(ctx context.Context, id uuid.UUID, expectedVersion int, newState domain.WorkflowState, retriedAt time.Time) error

	// ListRetryCandidates returns workflows in TIMEOUT/FAILED with
	// retry budget left, for the timeout manager's retry sweep.
	ListRetryCandidates(ctx context.Context, limit int) ([]domain.Workflow, error)

	// ListExhausted returns workflows in TIMEOUT/FAILED with no retry
	// budget left, for the timeout manager's abandonment sweep.
	ListExhausted(ctx context.Context, limit int) ([]domain.Workflow, error)

	// MarkRetriesExhausted sets retry_count to max_retries directly, so
	// the workflow is immediately treated as abandoned by the retry
	// sweep instead of consuming a retry slot first.
	MarkRetriesExhausted(ctx context.Context, id uuid.UUID) error
}

// StepRepository is the persistence gateway's step-table access.
type StepRepository interface {
	CreateBatch(ctx context.Context, steps []domain.Step) error
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]domain.Step, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Step, error)

	// GetForUpdate acquires the pessimistic row lock described in
	// spec.md §4.1 for a single step. The executor does not call it;
	// it relies on the workflow version guard when claiming a step.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Step, error)

	MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	MarkCompleted(ctx context.Context, id uuid.UUID, output []byte, completedAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, output []byte) error
	SetApprovalID(ctx context.Context, id uuid.UUID, approvalID uuid.UUID) error
	ResetToPending(ctx context.Context, id uuid.UUID) error
}

// ApprovalRepository is the persistence gateway's approval-table access.
type ApprovalRepository interface {
	Create(ctx context.Context, a *domain.Approval) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Approval, error)

	// GetByTokenForUpdate acquires the pessimistic row lock required
	// for submit's decision write (spec.md §4.4 step 2); an unknown
	// token yields domain.ErrTokenInvalid. The timeout manager locks
	// by id through GetForUpdate instead (§4.6 step 2).
	GetByTokenForUpdate(ctx context.Context, token string) (*domain.Approval, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Approval, error)

	RecordDecision(ctx context.Context, id uuid.UUID, status domain.ApprovalStatus, decision *domain.Decision, responseData []byte, respondedAt time.Time) error
	ResetToPending(ctx context.Context, id uuid.UUID) error

	// ListExpired returns PENDING approvals whose expires_at has
	// passed, bounded in size, for the timeout manager's scan.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Approval, error)
}

// EventRepository is the persistence gateway's append-only event log.
type EventRepository interface {
	Append(ctx context.Context, e *domain.WorkflowEvent) error
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowEvent, error)
}

// DLQRepository is the persistence gateway's dead-letter-queue access.
type DLQRepository interface {
	Create(ctx context.Context, entry *domain.DLQEntry) error
	List(ctx context.Context, limit int) ([]domain.DLQEntry, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// EventBus is the in-process publish/subscribe contract. Publish must
// not block the caller beyond enqueue; delivery to each subscriber
// runs in its own cooperative task so a slow subscriber never stalls
// others.
type EventBus interface {
	Publish(ctx context.Context, eventType domain.EventType, payload any) error
	Subscribe(eventType domain.EventType, handler func(ctx context.Context, payload []byte) error)
}

// EventMirror is the best-effort fan-out used by the event bus to
// notify out-of-core adapters (dashboard, chat) of activity. A mirror
// failure is logged and never fails the originating publish.
type EventMirror interface {
	Mirror(ctx context.Context, eventType domain.EventType, payload []byte) error
}

// TaskHandler is the blueprint for a task registry entry: a
// deterministic, idempotent synchronous function invoked by the step
// executor for `task` steps.
type TaskHandler func(ctx context.Context, input []byte) ([]byte, error)

// TaskRegistry holds all registered task handlers by name.
type TaskRegistry interface {
	Lookup(name string) (TaskHandler, bool)
}
