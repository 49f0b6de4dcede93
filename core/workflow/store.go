package workflow

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence contract the engine depends on. Every operation
// that guards an invariant (status transitions, a single succeeded step per
// index, timer claims, webhook consumption, leases) must be atomic.
type Store interface {
	CreateExecution(ctx context.Context, exec *WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)
	// UpdateExecution applies mutate only when the stored status is one of
	// from; otherwise it returns ErrInvalidState.
	UpdateExecution(ctx context.Context, id string, from []ExecutionStatus, mutate func(*WorkflowExecution) error) (*WorkflowExecution, error)
	// ListExecutions returns ids in status whose last update is at or before
	// before, oldest first.
	ListExecutions(ctx context.Context, status ExecutionStatus, before time.Time, limit int) ([]string, error)
	// ClaimIdempotencyKey binds key to executionID unless it is already bound,
	// in which case the existing id is returned with claimed=false.
	ClaimIdempotencyKey(ctx context.Context, key, executionID string) (existing string, claimed bool, err error)
	// ReleaseIdempotencyKey unbinds key only while it is bound to executionID.
	ReleaseIdempotencyKey(ctx context.Context, key, executionID string) error

	// SaveStep upserts one attempt. Saving a second succeeded record for the
	// same index returns ErrStepAlreadySucceeded.
	SaveStep(ctx context.Context, rec *StepRecord) error
	GetSucceededStep(ctx context.Context, executionID string, stepIndex int) (*StepRecord, error)
	StepAttempts(ctx context.Context, executionID string, stepIndex int) ([]StepRecord, error)
	ListSteps(ctx context.Context, executionID string) ([]StepRecord, error)

	// SaveTimer replaces the active timer of the execution.
	SaveTimer(ctx context.Context, timer TimerEntry) error
	GetTimer(ctx context.Context, executionID string) (*TimerEntry, error)
	// ClaimDueTimers marks fired and returns unfired timers with FireAt <= now.
	ClaimDueTimers(ctx context.Context, now time.Time, limit int) ([]TimerEntry, error)

	SaveWebhook(ctx context.Context, reg WebhookRegistration) error
	GetWebhook(ctx context.Context, token string) (*WebhookRegistration, error)
	WebhookForStep(ctx context.Context, executionID string, stepIndex int) (*WebhookRegistration, error)
	// ConsumeWebhook marks the registration consumed and stores payload.
	// Exactly one caller per token succeeds.
	ConsumeWebhook(ctx context.Context, token string, payload json.RawMessage, now time.Time) (*WebhookRegistration, error)
	// ClaimExpiredWebhooks marks expired and returns unconsumed registrations
	// whose ExpiresAt <= now.
	ClaimExpiredWebhooks(ctx context.Context, now time.Time, limit int) ([]WebhookRegistration, error)

	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

func statusAllowed(status ExecutionStatus, from []ExecutionStatus) bool {
	if len(from) == 0 {
		return true
	}
	for _, s := range from {
		if s == status {
			return true
		}
	}
	return false
}
