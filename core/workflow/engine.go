package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatflow/chatflow/core/infra/logging"
	"github.com/chatflow/chatflow/core/infra/metrics"
	"github.com/chatflow/chatflow/core/infra/schema"
	"github.com/chatflow/chatflow/core/providers"
)

const (
	engineComponent   = "workflow-engine"
	defaultLeaseTTL   = 10 * time.Minute
	executionLeaseKey = "exec:"
)

// Invoker routes a capability request to a healthy provider.
type Invoker interface {
	Invoke(ctx context.Context, capability providers.Capability, tenant string, req *providers.Request) (*providers.Response, error)
}

type definition struct {
	name   string
	fn     WorkflowFunc
	input  *schema.Schema
	policy RetryPolicy
}

// Engine drives workflow executions between suspension points. It holds no
// per-execution state in memory: every drive rebuilds the execution from the
// store and replays succeeded steps.
type Engine struct {
	store      Store
	executor   *Executor
	timers     *TimerService
	webhooks   *WebhookGateway
	providers  Invoker
	events     EventPublisher
	metrics    metrics.EngineMetrics
	now        func() time.Time
	owner      string
	leaseTTL   time.Duration
	webhookTTL time.Duration
	policy     RetryPolicy

	mu   sync.RWMutex
	defs map[string]*definition
}

// Option configures an Engine.
type Option func(*Engine)

// WithProviders injects the provider registry used by Context.Invoke.
func WithProviders(inv Invoker) Option {
	return func(e *Engine) { e.providers = inv }
}

// WithEvents sets the lifecycle event sink.
func WithEvents(pub EventPublisher) Option {
	return func(e *Engine) { e.events = pub }
}

// WithMetrics sets the metrics sink shared by the engine and its services.
func WithMetrics(m metrics.EngineMetrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithRetryPolicy sets the default step retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.policy = p.normalized() }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSleeper overrides how the executor waits between retries.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) {
		if s != nil {
			e.executor.sleep = s
		}
	}
}

// WithLeaseTTL bounds how long a crashed driver blocks an execution.
func WithLeaseTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.leaseTTL = d
		}
	}
}

// WithDefaultWebhookTTL sets the expiry used by WaitForWebhook without an
// explicit timeout. Zero means waits never expire.
func WithDefaultWebhookTTL(d time.Duration) Option {
	return func(e *Engine) { e.webhookTTL = d }
}

// WithOwner sets the lease owner id; defaults to host plus a random suffix.
func WithOwner(owner string) Option {
	return func(e *Engine) {
		if strings.TrimSpace(owner) != "" {
			e.owner = owner
		}
	}
}

// NewEngine constructs an engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		executor: NewExecutor(store, DefaultRetryPolicy()),
		timers:   NewTimerService(store),
		events:   nil,
		metrics:  metrics.Noop{},
		now:      func() time.Time { return time.Now().UTC() },
		owner:    defaultOwner(),
		leaseTTL: defaultLeaseTTL,
		policy:   DefaultRetryPolicy(),
		defs:     map[string]*definition{},
	}
	e.webhooks = newWebhookGateway(store, e)
	for _, opt := range opts {
		opt(e)
	}
	e.executor.policy = e.policy
	e.executor.now = e.now
	e.executor.metrics = e.metrics
	e.timers.now = e.now
	e.timers.metrics = e.metrics
	e.webhooks.now = e.now
	e.webhooks.metrics = e.metrics
	return e
}

// RegisterOption configures one workflow type.
type RegisterOption func(*definition) error

// WithInputSchema validates Start input against a JSON Schema document.
func WithInputSchema(doc []byte) RegisterOption {
	return func(d *definition) error {
		compiled, err := schema.Compile(d.name+"-input", doc)
		if err != nil {
			return fmt.Errorf("input schema for %s: %w", d.name, err)
		}
		d.input = compiled
		return nil
	}
}

// WithStepRetryPolicy overrides the retry policy for steps of this workflow.
func WithStepRetryPolicy(p RetryPolicy) RegisterOption {
	return func(d *definition) error {
		d.policy = p.normalized()
		return nil
	}
}

// Register binds a workflow type name to its function.
func (e *Engine) Register(workflowType string, fn WorkflowFunc, opts ...RegisterOption) error {
	workflowType = strings.TrimSpace(workflowType)
	if workflowType == "" || fn == nil {
		return fmt.Errorf("workflow type and function required")
	}
	def := &definition{name: workflowType, fn: fn, policy: e.policy}
	for _, opt := range opts {
		if err := opt(def); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.defs[workflowType]; ok {
		return fmt.Errorf("%w: %s", ErrWorkflowRegistered, workflowType)
	}
	e.defs[workflowType] = def
	return nil
}

// WorkflowTypes lists registered workflow names in sorted order.
func (e *Engine) WorkflowTypes() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.defs))
	for name := range e.defs {
		out = append(out, name)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (e *Engine) lookup(workflowType string) (*definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[workflowType]
	return def, ok
}

// StartOption configures one Start call.
type StartOption func(*startConfig)

type startConfig struct {
	tenant         string
	idempotencyKey string
}

// WithTenant scopes provider routing overrides to tenant.
func WithTenant(tenant string) StartOption {
	return func(c *startConfig) { c.tenant = strings.TrimSpace(tenant) }
}

// WithIdempotencyKey makes repeated starts with the same key return the
// execution created by the first one.
func WithIdempotencyKey(key string) StartOption {
	return func(c *startConfig) { c.idempotencyKey = strings.TrimSpace(key) }
}

// Start persists a new execution and drives it to its first suspension point
// or terminal state. The execution id is returned even when the drive fails;
// the failure is then visible through GetStatus.
func (e *Engine) Start(ctx context.Context, workflowType string, input any, opts ...StartOption) (string, error) {
	def, ok := e.lookup(workflowType)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWorkflowType, workflowType)
	}
	var cfg startConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	raw, err := encodeOutput(input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if def.input != nil {
		if err := def.input.Validate(raw); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	id := uuid.NewString()
	idemKey := ""
	if cfg.idempotencyKey != "" {
		idemKey = workflowType + ":" + cfg.idempotencyKey
		existing, err := e.claimIdempotencyKey(ctx, idemKey, id)
		if err != nil {
			return "", err
		}
		if existing != "" {
			logging.Info(engineComponent, "start deduplicated", "workflow_type", workflowType, "execution_id", existing)
			return existing, nil
		}
	}

	now := e.now()
	exec := &WorkflowExecution{
		ID:             id,
		WorkflowType:   workflowType,
		TenantID:       cfg.tenant,
		IdempotencyKey: cfg.idempotencyKey,
		Input:          raw,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		if idemKey != "" {
			if relErr := e.store.ReleaseIdempotencyKey(context.WithoutCancel(ctx), idemKey, id); relErr != nil {
				logging.Warn(engineComponent, "release idempotency key", "key", idemKey, "error", relErr)
			}
		}
		return "", fmt.Errorf("create execution: %w", err)
	}
	e.metrics.IncExecutionStarted(workflowType)
	logging.Info(engineComponent, "execution created", "execution_id", id, "workflow_type", workflowType, "tenant", cfg.tenant)

	if err := e.Resume(ctx, id); err != nil && !errors.Is(err, ErrExecutionBusy) {
		return id, err
	}
	return id, nil
}

// claimIdempotencyKey binds key to id and returns "" when this start owns it,
// or the id of the execution created by an earlier start. A key left bound to
// an execution that was never created is released and claimed again.
func (e *Engine) claimIdempotencyKey(ctx context.Context, key, id string) (string, error) {
	for attempt := 0; ; attempt++ {
		existing, claimed, err := e.store.ClaimIdempotencyKey(ctx, key, id)
		if err != nil {
			return "", fmt.Errorf("claim idempotency key: %w", err)
		}
		if claimed {
			return "", nil
		}
		_, err = e.store.GetExecution(ctx, existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrExecutionNotFound) {
			return "", fmt.Errorf("load deduplicated execution: %w", err)
		}
		if attempt > 0 {
			return "", fmt.Errorf("claim idempotency key: %s stays bound to missing execution %s", key, existing)
		}
		logging.Warn(engineComponent, "reclaiming idempotency key of missing execution", "key", key, "execution_id", existing)
		if err := e.store.ReleaseIdempotencyKey(ctx, key, existing); err != nil {
			return "", fmt.Errorf("release idempotency key: %w", err)
		}
	}
}

// Resume drives the execution if it is runnable. Completed or failed
// executions, and suspended ones whose wake-up has not arrived, are left
// untouched. ErrExecutionBusy means another driver holds the execution.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	key := executionLeaseKey + executionID
	for {
		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		ready, err := e.readyToRun(ctx, exec)
		if err != nil || !ready {
			return err
		}
		acquired, err := e.store.AcquireLease(ctx, key, e.owner, e.leaseTTL)
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		if !acquired {
			return ErrExecutionBusy
		}
		driveErr := e.driveLeased(ctx, executionID, key)
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), key, e.owner); err != nil {
			logging.Warn(engineComponent, "release lease", "execution_id", executionID, "error", err)
		}
		if driveErr != nil {
			return driveErr
		}
		// A webhook consumed or timer fired during the drive found the lease
		// held; loop so the wake-up is not lost.
	}
}

// readyToRun reports whether a drive would make progress.
func (e *Engine) readyToRun(ctx context.Context, exec *WorkflowExecution) (bool, error) {
	switch exec.Status {
	case StatusPending, StatusRunning:
		return true, nil
	case StatusSleeping:
		timer, err := e.store.GetTimer(ctx, exec.ID)
		if err != nil {
			return false, fmt.Errorf("load timer: %w", err)
		}
		return timer == nil || timer.Fired || timer.Due(e.now()), nil
	case StatusWaitingWebhook:
		if exec.WebhookToken == "" {
			return true, nil
		}
		reg, err := e.store.GetWebhook(ctx, exec.WebhookToken)
		if errors.Is(err, ErrWebhookNotFound) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("load webhook: %w", err)
		}
		return reg.Consumed || reg.ExpiredAt(e.now()), nil
	default:
		return false, nil
	}
}

func (e *Engine) driveLeased(ctx context.Context, executionID, key string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	ready, err := e.readyToRun(ctx, exec)
	if err != nil || !ready {
		return err
	}
	prev := exec.Status
	exec, err = e.store.UpdateExecution(ctx, executionID, activeStatuses, func(x *WorkflowExecution) error {
		if x.Status == StatusRunning {
			return nil
		}
		x.Status = StatusRunning
		x.WakeAt = nil
		x.WebhookToken = ""
		x.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return nil
		}
		return fmt.Errorf("mark running: %w", err)
	}
	switch prev {
	case StatusPending:
		e.publish(ctx, EventStarted, exec)
	case StatusSleeping, StatusWaitingWebhook:
		e.publish(ctx, EventResumed, exec)
	}
	return e.drive(ctx, exec, key)
}

func (e *Engine) drive(ctx context.Context, exec *WorkflowExecution, key string) error {
	def, ok := e.lookup(exec.WorkflowType)
	if !ok {
		return e.finish(ctx, exec, StatusFailed, nil, &FailureReason{
			Kind:    CodeUnknownWorkflowType,
			Message: fmt.Sprintf("workflow type %q is not registered", exec.WorkflowType),
		})
	}
	steps, err := e.store.ListSteps(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}
	done := make(map[int]StepRecord, len(steps))
	for _, rec := range steps {
		if rec.Status == StepStatusSucceeded {
			done[rec.StepIndex] = rec
		}
	}

	wctx := &Context{
		ctx:      ctx,
		engine:   e,
		exec:     exec,
		def:      def,
		leaseKey: key,
		done:     done,
	}
	logging.Debug(engineComponent, "driving execution", "execution_id", exec.ID, "replayable_steps", len(done))
	result, runErr := runWorkflow(wctx, def.fn, exec.Input)

	if wctx.halt != nil {
		switch {
		case errors.Is(wctx.halt, errSuspended):
			current, err := e.store.GetExecution(ctx, exec.ID)
			if err != nil {
				return err
			}
			e.metrics.IncSuspended(exec.WorkflowType, string(wctx.suspended))
			e.publish(ctx, EventSuspended, current)
			logging.Info(engineComponent, "execution suspended", "execution_id", exec.ID, "status", current.Status)
			return nil
		case errors.Is(wctx.halt, errExecutionStopped):
			logging.Info(engineComponent, "execution stopped externally", "execution_id", exec.ID)
			return nil
		case errors.Is(wctx.halt, ErrExecutionBusy):
			logging.Warn(engineComponent, "drive lease lost", "execution_id", exec.ID, "owner", e.owner)
			return ErrExecutionBusy
		default:
			logging.Error(engineComponent, "drive interrupted", "execution_id", exec.ID, "error", wctx.halt)
			return wctx.halt
		}
	}

	if err := wctx.holdLease(); err != nil {
		logging.Warn(engineComponent, "hold lease before finish", "execution_id", exec.ID, "error", err)
		return err
	}

	if runErr != nil {
		reason := &FailureReason{Kind: CodeWorkflowError, Message: runErr.Error()}
		var se *StepError
		if errors.As(runErr, &se) {
			reason = se.reason()
		}
		return e.finish(ctx, exec, StatusFailed, nil, reason)
	}
	data, err := encodeOutput(result)
	if err != nil {
		return e.finish(ctx, exec, StatusFailed, nil, &FailureReason{Kind: CodeWorkflowError, Message: fmt.Sprintf("encode result: %v", err)})
	}
	return e.finish(ctx, exec, StatusCompleted, data, nil)
}

func runWorkflow(wctx *Context, fn WorkflowFunc, input json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(engineComponent, "workflow panicked", "execution_id", wctx.exec.ID, "panic", r, "stack", string(debug.Stack()))
			err = FatalCode(CodePanic, fmt.Errorf("workflow panicked: %v", r))
		}
	}()
	return fn(wctx, cloneRaw(input))
}

// finish moves a running execution to a terminal state. A concurrent cancel
// wins; the drive's outcome is then discarded.
func (e *Engine) finish(ctx context.Context, exec *WorkflowExecution, status ExecutionStatus, result json.RawMessage, reason *FailureReason) error {
	updated, err := e.store.UpdateExecution(ctx, exec.ID, []ExecutionStatus{StatusRunning}, func(x *WorkflowExecution) error {
		x.Status = status
		x.Result = result
		x.Failure = reason
		x.WakeAt = nil
		x.WebhookToken = ""
		x.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return nil
		}
		return fmt.Errorf("finish execution: %w", err)
	}
	e.recordFinished(ctx, updated)
	return nil
}

func (e *Engine) recordFinished(ctx context.Context, exec *WorkflowExecution) {
	e.metrics.IncExecutionFinished(exec.WorkflowType, string(exec.Status))
	e.metrics.ObserveExecutionDuration(exec.WorkflowType, exec.UpdatedAt.Sub(exec.CreatedAt).Seconds())
	if exec.Status == StatusCompleted {
		logging.Info(engineComponent, "execution completed", "execution_id", exec.ID, "workflow_type", exec.WorkflowType)
		e.publish(ctx, EventCompleted, exec)
		return
	}
	kind, msg := "", ""
	if exec.Failure != nil {
		kind, msg = exec.Failure.Kind, exec.Failure.Message
	}
	logging.Error(engineComponent, "execution failed", "execution_id", exec.ID, "workflow_type", exec.WorkflowType, "kind", kind, "error", msg)
	e.publish(ctx, EventFailed, exec)
}

func (e *Engine) publish(ctx context.Context, typ EventType, exec *WorkflowExecution) {
	if e.events == nil || exec == nil {
		return
	}
	if err := e.events.Publish(ctx, newEvent(typ, exec, e.now())); err != nil {
		logging.Warn(engineComponent, "publish event", "type", typ, "execution_id", exec.ID, "error", err)
	}
}

// GetStatus returns a snapshot of the execution.
func (e *Engine) GetStatus(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	return e.store.GetExecution(ctx, executionID)
}

// ListSteps returns every recorded attempt of the execution ordered by index.
func (e *Engine) ListSteps(ctx context.Context, executionID string) ([]StepRecord, error) {
	if _, err := e.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.store.ListSteps(ctx, executionID)
}

// Cancel marks a non-terminal execution failed with a cancelled reason. A step
// already in flight runs to completion; the drive stops before the next one.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) (*WorkflowExecution, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by caller"
	}
	updated, err := e.store.UpdateExecution(ctx, executionID, activeStatuses, func(x *WorkflowExecution) error {
		x.Status = StatusFailed
		x.Failure = &FailureReason{Kind: CodeCancelled, Message: reason}
		x.WakeAt = nil
		x.WebhookToken = ""
		x.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.recordFinished(ctx, updated)
	return updated, nil
}

// expireWait fails the execution whose wait on reg timed out.
func (e *Engine) expireWait(ctx context.Context, reg WebhookRegistration) error {
	now := e.now()
	msg := fmt.Sprintf("webhook wait at step %d expired", reg.StepIndex)
	updated, err := e.store.UpdateExecution(ctx, reg.ExecutionID, []ExecutionStatus{StatusWaitingWebhook}, func(x *WorkflowExecution) error {
		if x.WebhookToken != reg.Token {
			return fmt.Errorf("%w: execution %s waits on another token", ErrInvalidState, x.ID)
		}
		x.Status = StatusFailed
		x.Failure = &FailureReason{Kind: CodeWebhookTimeout, Message: msg}
		x.WebhookToken = ""
		x.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return nil
		}
		return err
	}
	attempts, err := e.store.StepAttempts(ctx, reg.ExecutionID, reg.StepIndex)
	if err != nil {
		logging.Warn(engineComponent, "load expired wait step", "execution_id", reg.ExecutionID, "error", err)
	}
	rec := &StepRecord{
		ExecutionID: reg.ExecutionID,
		StepIndex:   reg.StepIndex,
		StepName:    reg.StepName,
		InputHash:   reg.InputHash,
		Attempt:     len(attempts) + 1,
		Status:      StepStatusFailed,
		Error:       &FailureReason{Kind: CodeWebhookTimeout, Message: msg},
		StartedAt:   reg.CreatedAt,
		FinishedAt:  &now,
	}
	if err := e.store.SaveStep(ctx, rec); err != nil {
		logging.Warn(engineComponent, "record expired wait", "execution_id", reg.ExecutionID, "error", err)
	}
	e.recordFinished(ctx, updated)
	return nil
}

// RecoverStale resumes active executions untouched for at least staleAfter,
// covering drives lost to a crash and wake-ups whose resume call failed.
func (e *Engine) RecoverStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	before := e.now().Add(-staleAfter)
	resumed := 0
	for _, status := range activeStatuses {
		ids, err := e.store.ListExecutions(ctx, status, before, limit)
		if err != nil {
			return resumed, fmt.Errorf("list %s executions: %w", status, err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return resumed, err
			}
			if err := e.Resume(ctx, id); err != nil {
				if !errors.Is(err, ErrExecutionBusy) {
					logging.Warn(engineComponent, "recover execution", "execution_id", id, "error", err)
				}
				continue
			}
			resumed++
		}
	}
	return resumed, nil
}

// Timers exposes the timer service for the poller.
func (e *Engine) Timers() *TimerService { return e.timers }

// Webhooks exposes the webhook gateway for the HTTP endpoint and the poller.
func (e *Engine) Webhooks() *WebhookGateway { return e.webhooks }

// Store returns the backing store.
func (e *Engine) Store() Store { return e.store }

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "engine"
	}
	return host + "-" + uuid.NewString()[:8]
}
