package workflow

import (
	"encoding/json"
	"time"
)

// ExecutionStatus captures the lifecycle of a workflow execution.
type ExecutionStatus string

const (
	StatusPending        ExecutionStatus = "pending"
	StatusRunning        ExecutionStatus = "running"
	StatusSleeping       ExecutionStatus = "sleeping"
	StatusWaitingWebhook ExecutionStatus = "waiting_webhook"
	StatusCompleted      ExecutionStatus = "completed"
	StatusFailed         ExecutionStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Suspended reports whether the execution is parked on a timer or webhook.
func (s ExecutionStatus) Suspended() bool {
	return s == StatusSleeping || s == StatusWaitingWebhook
}

var activeStatuses = []ExecutionStatus{StatusPending, StatusRunning, StatusSleeping, StatusWaitingWebhook}

// StepStatus captures the outcome of one step attempt.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusRetryable StepStatus = "retryable"
)

// FailureReason is the kind + message pair exposed on failed executions and
// failed or retryable step attempts.
type FailureReason struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// WorkflowExecution is one durable run of a registered workflow.
type WorkflowExecution struct {
	ID             string          `json:"id"`
	WorkflowType   string          `json:"workflow_type"`
	TenantID       string          `json:"tenant_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Status         ExecutionStatus `json:"status"`
	WakeAt         *time.Time      `json:"wake_at,omitempty"`
	WebhookToken   string          `json:"webhook_token,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Failure        *FailureReason  `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (e *WorkflowExecution) clone() *WorkflowExecution {
	if e == nil {
		return nil
	}
	out := *e
	out.Input = cloneRaw(e.Input)
	out.Result = cloneRaw(e.Result)
	if e.WakeAt != nil {
		t := *e.WakeAt
		out.WakeAt = &t
	}
	if e.Failure != nil {
		f := *e.Failure
		out.Failure = &f
	}
	return &out
}

// StepRecord is one attempt of one step. Records are keyed by
// (ExecutionID, StepIndex, Attempt); at most one per index is Succeeded.
type StepRecord struct {
	ExecutionID string          `json:"execution_id"`
	StepIndex   int             `json:"step_index"`
	StepName    string          `json:"step_name"`
	InputHash   string          `json:"input_hash"`
	Attempt     int             `json:"attempt"`
	Status      StepStatus      `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *FailureReason  `json:"error,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// TimerEntry is the single active wake-up for a sleeping execution.
type TimerEntry struct {
	ExecutionID string    `json:"execution_id"`
	StepIndex   int       `json:"step_index"`
	FireAt      time.Time `json:"fire_at"`
	Fired       bool      `json:"fired"`
	CreatedAt   time.Time `json:"created_at"`
}

// Due reports whether the timer should fire at now.
func (t TimerEntry) Due(now time.Time) bool {
	return !t.FireAt.After(now)
}

// WebhookRegistration is a pending external-event wait.
type WebhookRegistration struct {
	Token       string          `json:"token"`
	ExecutionID string          `json:"execution_id"`
	StepIndex   int             `json:"step_index"`
	StepName    string          `json:"step_name"`
	InputHash   string          `json:"input_hash"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	Consumed    bool            `json:"consumed"`
	ConsumedAt  *time.Time      `json:"consumed_at,omitempty"`
	Expired     bool            `json:"expired,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ExpiredAt reports whether the registration can no longer be consumed.
func (w WebhookRegistration) ExpiredAt(now time.Time) bool {
	if w.Expired {
		return true
	}
	return w.ExpiresAt != nil && !w.ExpiresAt.After(now)
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}
