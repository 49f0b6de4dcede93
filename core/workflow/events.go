package workflow

import (
	"context"
	"errors"
	"time"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventStarted   EventType = "execution.started"
	EventSuspended EventType = "execution.suspended"
	EventResumed   EventType = "execution.resumed"
	EventCompleted EventType = "execution.completed"
	EventFailed    EventType = "execution.failed"
)

// ExecutionEvent is emitted on every lifecycle transition of an execution.
type ExecutionEvent struct {
	Type         EventType       `json:"type"`
	ExecutionID  string          `json:"execution_id"`
	WorkflowType string          `json:"workflow_type"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Status       ExecutionStatus `json:"status"`
	WakeAt       *time.Time      `json:"wake_at,omitempty"`
	WebhookToken string          `json:"webhook_token,omitempty"`
	Failure      *FailureReason  `json:"failure_reason,omitempty"`
	At           time.Time       `json:"at"`
}

// EventPublisher receives lifecycle events. Publishing is best effort: a
// publish error is logged and never changes execution state.
type EventPublisher interface {
	Publish(ctx context.Context, evt ExecutionEvent) error
}

// EventPublisherFunc adapts a function to EventPublisher.
type EventPublisherFunc func(ctx context.Context, evt ExecutionEvent) error

func (f EventPublisherFunc) Publish(ctx context.Context, evt ExecutionEvent) error {
	return f(ctx, evt)
}

type fanout []EventPublisher

// FanOut delivers each event to every non-nil publisher.
func FanOut(pubs ...EventPublisher) EventPublisher {
	out := make(fanout, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (f fanout) Publish(ctx context.Context, evt ExecutionEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newEvent(typ EventType, exec *WorkflowExecution, at time.Time) ExecutionEvent {
	evt := ExecutionEvent{
		Type:         typ,
		ExecutionID:  exec.ID,
		WorkflowType: exec.WorkflowType,
		TenantID:     exec.TenantID,
		Status:       exec.Status,
		WebhookToken: exec.WebhookToken,
		At:           at,
	}
	if exec.WakeAt != nil {
		t := *exec.WakeAt
		evt.WakeAt = &t
	}
	if exec.Failure != nil {
		f := *exec.Failure
		evt.Failure = &f
	}
	return evt
}
