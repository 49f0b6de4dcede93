package workflowengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatflow/chatflow/core/infra/bus"
	"github.com/chatflow/chatflow/core/infra/logging"
	"github.com/chatflow/chatflow/core/infra/memory"
	wf "github.com/chatflow/chatflow/core/workflow"
)

const (
	startRetryDelay = time.Second
	dlqRetryDelay   = 2 * time.Second
)

// Bus is the subset of the NATS bus used by the engine process.
type Bus interface {
	Publish(subject string, v any, opts ...bus.PublishOption) error
	Subscribe(subject, queue string, handler func(data []byte) error) error
	SubscribeAll(subject string, handler func(data []byte) error) error
}

func eventSubject(prefix string, typ wf.EventType) string {
	return strings.TrimSuffix(prefix, ".") + "." + string(typ)
}

func eventsWildcard(prefix string) string {
	return strings.TrimSuffix(prefix, ".") + ".execution.>"
}

// busPublisher emits lifecycle events on NATS. The message id makes a
// redelivered transition a no-op under JetStream de-duplication.
type busPublisher struct {
	bus    Bus
	prefix string
}

func (p *busPublisher) Publish(_ context.Context, evt wf.ExecutionEvent) error {
	msgID := fmt.Sprintf("%s:%s:%d", evt.ExecutionID, evt.Type, evt.At.UnixNano())
	return p.bus.Publish(eventSubject(p.prefix, evt.Type), evt, bus.WithMsgID(msgID))
}

// DLQRecorder keeps failed executions in the dead-letter list.
type DLQRecorder struct {
	store interface {
		Add(ctx context.Context, entry memory.DLQEntry) error
	}
}

// NewDLQRecorder wraps store.
func NewDLQRecorder(store *memory.DLQStore) *DLQRecorder {
	if store == nil {
		return &DLQRecorder{}
	}
	return &DLQRecorder{store: store}
}

// Publish implements workflow.EventPublisher; only failures are recorded.
func (d *DLQRecorder) Publish(ctx context.Context, evt wf.ExecutionEvent) error {
	if evt.Type != wf.EventFailed || d == nil || d.store == nil {
		return nil
	}
	entry := memory.DLQEntry{
		ExecutionID:  evt.ExecutionID,
		WorkflowType: evt.WorkflowType,
		TenantID:     evt.TenantID,
		CreatedAt:    evt.At,
	}
	if evt.Failure != nil {
		entry.Kind = evt.Failure.Kind
		entry.Reason = evt.Failure.Message
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return d.store.Add(ctx, entry)
}

// handleFailedEvent feeds bus-delivered failure events to the recorder.
func (d *DLQRecorder) handleFailedEvent(data []byte) error {
	var evt wf.ExecutionEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		logging.Warn(component, "drop malformed event", "error", err)
		return nil
	}
	if err := d.Publish(context.Background(), evt); err != nil {
		return bus.RetryAfter(err, dlqRetryDelay)
	}
	return nil
}

// StartRequest asks the engine to start a workflow over the bus.
type StartRequest struct {
	WorkflowType   string          `json:"workflow_type"`
	TenantID       string          `json:"tenant_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
}

type starter interface {
	Start(ctx context.Context, workflowType string, input any, opts ...wf.StartOption) (string, error)
}

// startHandler consumes SubjectWorkflowStart. Malformed and rejected requests
// are dropped; storage failures before the execution exists are redelivered.
func startHandler(engine starter) func(data []byte) error {
	return func(data []byte) error {
		var req StartRequest
		if err := json.Unmarshal(data, &req); err != nil {
			logging.Warn(component, "drop malformed start request", "error", err)
			return nil
		}
		if strings.TrimSpace(req.WorkflowType) == "" {
			logging.Warn(component, "drop start request without workflow type")
			return nil
		}
		input := req.Input
		if len(input) == 0 {
			input = json.RawMessage("null")
		}
		opts := []wf.StartOption{wf.WithTenant(req.TenantID)}
		if req.IdempotencyKey != "" {
			opts = append(opts, wf.WithIdempotencyKey(req.IdempotencyKey))
		}
		id, err := engine.Start(context.Background(), req.WorkflowType, input, opts...)
		switch {
		case err == nil:
			logging.Info(component, "workflow started from bus", "execution_id", id, "workflow_type", req.WorkflowType)
			return nil
		case errors.Is(err, wf.ErrUnknownWorkflowType), errors.Is(err, wf.ErrInvalidInput):
			logging.Warn(component, "reject start request", "workflow_type", req.WorkflowType, "error", err)
			return nil
		case id != "":
			logging.Warn(component, "start drive failed", "execution_id", id, "error", err)
			return nil
		default:
			return bus.RetryAfter(err, startRetryDelay)
		}
	}
}

// hubFeed forwards bus-delivered events to a local publisher.
func hubFeed(pub wf.EventPublisher) func(data []byte) error {
	return func(data []byte) error {
		var evt wf.ExecutionEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return err
		}
		return pub.Publish(context.Background(), evt)
	}
}
