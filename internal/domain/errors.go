package domain

import "errors"

// Sentinel errors shared across the kernel's packages. Callers use
// errors.Is against these; HTTP status mapping happens only at the
// handler boundary (internal/api/handler), never below it.
var (
	// ErrConcurrentModification is returned when an optimistic version
	// guard observes a version mismatch. Never surfaced to end users:
	// the state machine returns it, the executor exits expecting the
	// winning instance to continue, the timeout manager skips ahead.
	ErrConcurrentModification = errors.New("workflowkernel: concurrent modification")

	// ErrInvalidTransition is returned when a (from, to) pair is not
	// present in the state machine's transition table.
	ErrInvalidTransition = errors.New("workflowkernel: invalid state transition")

	// ErrWorkflowNotFound is returned when a workflow id does not exist.
	ErrWorkflowNotFound = errors.New("workflowkernel: workflow not found")

	// ErrStepNotFound is returned when a step id does not exist.
	ErrStepNotFound = errors.New("workflowkernel: step not found")

	// ErrApprovalNotFound is returned when an approval id does not exist.
	ErrApprovalNotFound = errors.New("workflowkernel: approval not found")

	// ErrTokenInvalid is returned when a callback token fails MAC
	// verification, is malformed, or no signing key is configured.
	ErrTokenInvalid = errors.New("workflowkernel: callback token invalid")

	// ErrApprovalExpired is returned when now >= approval.expires_at,
	// checked before status regardless of what status currently is.
	ErrApprovalExpired = errors.New("workflowkernel: approval expired")

	// ErrAlreadyDecided is returned when an approval's status is no
	// longer PENDING at decision-write time.
	ErrAlreadyDecided = errors.New("workflowkernel: approval already decided")

	// ErrValidation wraps a caller-input problem: bad decision value,
	// missing required UI schema field, value outside declared options,
	// unknown task handler, malformed request body.
	ErrValidation = errors.New("workflowkernel: validation error")

	// ErrRetryBudgetExhausted is returned by state_machine.retry when
	// retry_count >= max_retries.
	ErrRetryBudgetExhausted = errors.New("workflowkernel: retry budget exhausted")

	// ErrRollbackNotAllowed is returned when rollback is attempted on
	// an approval whose status is not REJECTED. Rollback never unwinds
	// already-completed steps (see SPEC_FULL.md open question (a)).
	ErrRollbackNotAllowed = errors.New("workflowkernel: rollback not allowed")

	// ErrIdempotencyKeyConflict signals two concurrent creates raced on
	// the same (workflow_type, idempotency_key) pair and both missed
	// the pre-create lookup; the loser's unique-constraint violation on
	// idx_idempotency surfaces as this sentinel.
	ErrIdempotencyKeyConflict = errors.New("workflowkernel: idempotency key conflict")
)
