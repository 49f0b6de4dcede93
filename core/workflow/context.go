package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatflow/chatflow/core/providers"
)

const (
	sleepStepName   = "sleep"
	webhookStepName = "wait-for-webhook"
)

var (
	errSuspended        = errors.New("workflow suspended")
	errExecutionStopped = errors.New("execution is no longer running")
)

type suspendKind string

const (
	suspendSleep   suspendKind = "sleep"
	suspendWebhook suspendKind = "webhook"
)

// WorkflowFunc is a registered workflow body. It must be deterministic: wall
// clock reads, randomness and network calls belong inside steps, because only
// step outputs are checkpointed and replayed.
type WorkflowFunc func(wctx *Context, input json.RawMessage) (any, error)

// Context is the only surface workflow code uses. Every primitive consumes the
// next step index; once the execution suspends or stops, every further
// primitive returns the same error without side effects.
type Context struct {
	ctx       context.Context
	engine    *Engine
	exec      *WorkflowExecution
	def       *definition
	leaseKey  string
	done      map[int]StepRecord
	index     int
	halt      error
	suspended suspendKind
}

// Context returns the drive's context. It is cancelled when the caller that
// started the drive gives up.
func (c *Context) Context() context.Context { return c.ctx }

// ExecutionID returns the id of the execution being driven.
func (c *Context) ExecutionID() string { return c.exec.ID }

// TenantID returns the tenant the execution was started for, or "".
func (c *Context) TenantID() string { return c.exec.TenantID }

// WorkflowType returns the registered name of the running workflow.
func (c *Context) WorkflowType() string { return c.exec.WorkflowType }

// Step runs fn as the next checkpointed step. On replay the recorded output is
// returned and fn is not invoked.
func (c *Context) Step(name string, input any, fn StepFunc) (json.RawMessage, error) {
	if c.halt != nil {
		return nil, c.halt
	}
	idx := c.index
	c.index++
	hash, err := HashInput(name, input)
	if err != nil {
		return nil, FatalCode(CodeStepFailed, err)
	}
	if _, replay := c.done[idx]; !replay {
		if err := c.ensureRunning(); err != nil {
			return nil, err
		}
	}
	out, err := c.engine.executor.execute(c.ctx, c.exec.ID, idx, name, hash, c.def.policy, c.ensureRunning, fn)
	if err != nil {
		if IsFatal(err) {
			return nil, err
		}
		return nil, c.stop(err)
	}
	return out, nil
}

// StepAs runs a typed step and decodes its checkpointed output into T.
func StepAs[T any](c *Context, name string, input any, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := c.Step(name, input, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, FatalCode(CodeStepFailed, fmt.Errorf("decode step %s output: %w", name, err))
	}
	return out, nil
}

type invokeInput struct {
	Capability providers.Capability `json:"capability"`
	Request    *providers.Request   `json:"request"`
}

// Invoke runs a step that calls capability through the provider registry,
// honouring the execution's tenant override.
func (c *Context) Invoke(name string, capability providers.Capability, req *providers.Request) (*providers.Response, error) {
	if c.engine.providers == nil {
		return nil, FatalCode(CodeStepFailed, fmt.Errorf("no provider registry configured for %s", capability))
	}
	tenant := c.exec.TenantID
	return StepAs(c, name, invokeInput{Capability: capability, Request: req}, func(ctx context.Context) (*providers.Response, error) {
		resp, err := c.engine.providers.Invoke(ctx, capability, tenant, req)
		if err != nil {
			return nil, err
		}
		annotateProvider(ctx, resp.Provider)
		return resp, nil
	})
}

// Sleep suspends the execution for d. The wake-up is persisted; nothing is
// held in memory while sleeping.
func (c *Context) Sleep(d time.Duration) error {
	if c.halt != nil {
		return c.halt
	}
	idx := c.index
	c.index++
	hash, err := HashInput(sleepStepName, d.String())
	if err != nil {
		return FatalCode(CodeStepFailed, err)
	}
	if rec, ok := c.done[idx]; ok {
		return checkDeterminism(&rec, sleepStepName, hash)
	}
	if err := c.ensureRunning(); err != nil {
		return err
	}
	if err := c.checkUnrecorded(idx, sleepStepName, hash); err != nil {
		return err
	}

	timer, err := c.engine.store.GetTimer(c.ctx, c.exec.ID)
	if err != nil {
		return c.stop(fmt.Errorf("load timer: %w", err))
	}
	if timer != nil && timer.StepIndex == idx {
		now := c.engine.now()
		if timer.Fired || timer.Due(now) {
			return c.checkpoint(idx, sleepStepName, hash, map[string]any{"woke_at": now})
		}
		return c.suspendSleep(timer.FireAt)
	}
	entry, err := c.engine.timers.ScheduleWake(c.ctx, c.exec.ID, idx, d)
	if err != nil {
		return c.stop(err)
	}
	return c.suspendSleep(entry.FireAt)
}

// WaitOption configures WaitForWebhook.
type WaitOption func(*waitConfig)

type waitConfig struct {
	ttl time.Duration
}

// WithWebhookTimeout bounds the wait; when it elapses unconsumed the execution
// fails with a webhook_timeout error. Zero waits indefinitely.
func WithWebhookTimeout(d time.Duration) WaitOption {
	return func(cfg *waitConfig) { cfg.ttl = d }
}

// WaitForWebhook suspends the execution until the registered token is
// consumed and returns the delivered payload. The token is exposed as
// WebhookToken on the execution and in lifecycle events.
func (c *Context) WaitForWebhook(opts ...WaitOption) (json.RawMessage, error) {
	if c.halt != nil {
		return nil, c.halt
	}
	cfg := waitConfig{ttl: c.engine.webhookTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	idx := c.index
	c.index++
	hash, err := HashInput(webhookStepName, cfg.ttl.String())
	if err != nil {
		return nil, FatalCode(CodeStepFailed, err)
	}
	if rec, ok := c.done[idx]; ok {
		if err := checkDeterminism(&rec, webhookStepName, hash); err != nil {
			return nil, err
		}
		return rec.Output, nil
	}
	// Consume may have checkpointed the payload after this drive loaded history.
	rec, err := c.engine.store.GetSucceededStep(c.ctx, c.exec.ID, idx)
	if err != nil {
		return nil, c.stop(fmt.Errorf("load wait step: %w", err))
	}
	if rec != nil {
		if err := checkDeterminism(rec, webhookStepName, hash); err != nil {
			return nil, err
		}
		return rec.Output, nil
	}
	if err := c.ensureRunning(); err != nil {
		return nil, err
	}

	reg, err := c.engine.store.WebhookForStep(c.ctx, c.exec.ID, idx)
	if err != nil {
		return nil, c.stop(fmt.Errorf("load webhook registration: %w", err))
	}
	if reg != nil {
		if reg.InputHash != hash {
			return nil, checkDeterminism(&StepRecord{StepIndex: idx, StepName: reg.StepName, InputHash: reg.InputHash}, webhookStepName, hash)
		}
		if reg.Consumed {
			payload := reg.Payload
			if len(payload) == 0 {
				payload = json.RawMessage("null")
			}
			if err := c.checkpoint(idx, webhookStepName, hash, payload); err != nil {
				return nil, err
			}
			return payload, nil
		}
		if reg.ExpiredAt(c.engine.now()) {
			return nil, FatalCode(CodeWebhookTimeout, fmt.Errorf("webhook wait at step %d expired", idx))
		}
		return nil, c.suspendWebhook(c.engine.webhooks.park(c.ctx, c.exec.ID, reg.Token))
	}
	_, err = c.engine.webhooks.RegisterWait(c.ctx, c.exec.ID, idx, cfg.ttl)
	return nil, c.suspendWebhook(err)
}

// ensureRunning stops the workflow before a new side effect when the
// execution was cancelled or the drive lease was lost, and extends the lease.
func (c *Context) ensureRunning() error {
	exec, err := c.engine.store.GetExecution(c.ctx, c.exec.ID)
	if err != nil {
		return c.stop(fmt.Errorf("reload execution: %w", err))
	}
	if exec.Status != StatusRunning {
		return c.stop(errExecutionStopped)
	}
	return c.holdLease()
}

// holdLease renews the drive lease. Once another owner holds it the workflow
// stops with ErrExecutionBusy and that owner drives the execution.
func (c *Context) holdLease() error {
	if c.leaseKey == "" {
		return nil
	}
	held, err := c.engine.store.RenewLease(c.ctx, c.leaseKey, c.engine.owner, c.engine.leaseTTL)
	if err != nil {
		return c.stop(fmt.Errorf("renew lease: %w", err))
	}
	if !held {
		return c.stop(ErrExecutionBusy)
	}
	return nil
}

// checkUnrecorded guards primitives that do not go through the executor.
func (c *Context) checkUnrecorded(idx int, name, hash string) error {
	attempts, err := c.engine.store.StepAttempts(c.ctx, c.exec.ID, idx)
	if err != nil {
		return c.stop(fmt.Errorf("load step %d: %w", idx, err))
	}
	for i := range attempts {
		if err := checkDeterminism(&attempts[i], name, hash); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) checkpoint(idx int, name, hash string, output any) error {
	data, err := encodeOutput(output)
	if err != nil {
		return FatalCode(CodeStepFailed, err)
	}
	now := c.engine.now()
	rec := &StepRecord{
		ExecutionID: c.exec.ID,
		StepIndex:   idx,
		StepName:    name,
		InputHash:   hash,
		Attempt:     1,
		Status:      StepStatusSucceeded,
		Output:      data,
		StartedAt:   now,
		FinishedAt:  &now,
	}
	if err := c.engine.store.SaveStep(c.ctx, rec); err != nil && !errors.Is(err, ErrStepAlreadySucceeded) {
		return c.stop(fmt.Errorf("checkpoint %s: %w", name, err))
	}
	c.done[idx] = *rec
	return nil
}

func (c *Context) suspendSleep(fireAt time.Time) error {
	wake := fireAt
	_, err := c.engine.store.UpdateExecution(c.ctx, c.exec.ID, []ExecutionStatus{StatusRunning}, func(x *WorkflowExecution) error {
		x.Status = StatusSleeping
		x.WakeAt = &wake
		x.UpdatedAt = c.engine.now()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return c.stop(errExecutionStopped)
		}
		return c.stop(fmt.Errorf("suspend sleep: %w", err))
	}
	c.suspended = suspendSleep
	return c.stop(errSuspended)
}

// suspendWebhook halts the drive after the gateway parked the execution on a
// token; err is the outcome of that transition.
func (c *Context) suspendWebhook(err error) error {
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return c.stop(errExecutionStopped)
		}
		return c.stop(fmt.Errorf("suspend webhook: %w", err))
	}
	c.suspended = suspendWebhook
	return c.stop(errSuspended)
}

func (c *Context) stop(err error) error {
	if c.halt == nil {
		c.halt = err
	}
	return c.halt
}
