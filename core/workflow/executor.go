package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/chatflow/chatflow/core/infra/logging"
	"github.com/chatflow/chatflow/core/infra/metrics"
)

const executorComponent = "step-executor"

// RetryPolicy bounds Retryable re-invocation of a step.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns the delay after the given failed attempt (1-based):
// BaseDelay doubled per attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// StepFunc is the unit of work run by the executor. Its result is persisted as
// JSON; raw JSON results are stored verbatim.
type StepFunc func(ctx context.Context) (any, error)

// Sleeper waits between attempts; it must return early when ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Executor runs single steps with checkpointing, classification and retry.
type Executor struct {
	store   Store
	policy  RetryPolicy
	sleep   Sleeper
	now     func() time.Time
	metrics metrics.EngineMetrics
}

// NewExecutor constructs an executor over store.
func NewExecutor(store Store, policy RetryPolicy) *Executor {
	return &Executor{
		store:   store,
		policy:  policy.normalized(),
		sleep:   contextSleep,
		now:     func() time.Time { return time.Now().UTC() },
		metrics: metrics.Noop{},
	}
}

type stepMetaKey struct{}

type stepMeta struct {
	provider string
}

// annotateProvider records which provider served the running step.
func annotateProvider(ctx context.Context, provider string) {
	if meta, ok := ctx.Value(stepMetaKey{}).(*stepMeta); ok && meta != nil {
		meta.provider = provider
	}
}

// Execute runs fn as step stepIndex of the execution. A succeeded record is
// replayed without invoking fn; otherwise each attempt is recorded before
// invocation and updated with its classified outcome.
func (x *Executor) Execute(ctx context.Context, executionID string, stepIndex int, stepName, inputHash string, fn StepFunc) (json.RawMessage, error) {
	return x.execute(ctx, executionID, stepIndex, stepName, inputHash, x.policy, nil, fn)
}

// execute is Execute with a per-workflow policy. When guard is set it runs
// after every backoff sleep and its error aborts the step before the next
// attempt.
func (x *Executor) execute(ctx context.Context, executionID string, stepIndex int, stepName, inputHash string, policy RetryPolicy, guard func() error, fn StepFunc) (json.RawMessage, error) {
	policy = policy.normalized()
	done, err := x.store.GetSucceededStep(ctx, executionID, stepIndex)
	if err != nil {
		return nil, fmt.Errorf("load step %d: %w", stepIndex, err)
	}
	if done != nil {
		if err := checkDeterminism(done, stepName, inputHash); err != nil {
			return nil, err
		}
		x.metrics.IncStepAttempt(stepName, "replayed")
		return done.Output, nil
	}

	attempts, err := x.store.StepAttempts(ctx, executionID, stepIndex)
	if err != nil {
		return nil, fmt.Errorf("load step %d attempts: %w", stepIndex, err)
	}
	attempt := 0
	for i := range attempts {
		if err := checkDeterminism(&attempts[i], stepName, inputHash); err != nil {
			return nil, err
		}
		if attempts[i].Attempt > attempt {
			attempt = attempts[i].Attempt
		}
	}

	for {
		attempt++
		rec := &StepRecord{
			ExecutionID: executionID,
			StepIndex:   stepIndex,
			StepName:    stepName,
			InputHash:   inputHash,
			Attempt:     attempt,
			Status:      StepStatusRunning,
			StartedAt:   x.now(),
		}
		if err := x.store.SaveStep(ctx, rec); err != nil {
			if errors.Is(err, ErrStepAlreadySucceeded) {
				return x.replayWinner(ctx, executionID, stepIndex)
			}
			return nil, fmt.Errorf("record step %d attempt %d: %w", stepIndex, attempt, err)
		}

		meta := &stepMeta{}
		out, stepErr := invokeStep(context.WithValue(ctx, stepMetaKey{}, meta), fn)
		finished := x.now()
		rec.FinishedAt = &finished
		rec.Provider = meta.provider

		if stepErr == nil {
			data, err := encodeOutput(out)
			if err != nil {
				stepErr = FatalCode(CodeStepFailed, fmt.Errorf("encode output: %w", err))
			} else {
				rec.Status = StepStatusSucceeded
				rec.Output = data
				if err := x.store.SaveStep(ctx, rec); err != nil {
					if errors.Is(err, ErrStepAlreadySucceeded) {
						return x.replayWinner(ctx, executionID, stepIndex)
					}
					return nil, fmt.Errorf("record step %d success: %w", stepIndex, err)
				}
				x.metrics.IncStepAttempt(stepName, string(StepStatusSucceeded))
				return data, nil
			}
		}

		classified := Classify(stepErr)
		if ctxErr := ctx.Err(); ctxErr != nil && classified.Kind == KindRetryable {
			// The caller gave up; leave the attempt retryable for the next resume.
			rec.Status = StepStatusRetryable
			rec.Error = classified.reason()
			_ = x.store.SaveStep(context.WithoutCancel(ctx), rec)
			return nil, ctxErr
		}

		if classified.Kind == KindFatal {
			rec.Status = StepStatusFailed
			rec.Error = classified.reason()
			if err := x.store.SaveStep(ctx, rec); err != nil {
				return nil, fmt.Errorf("record step %d failure: %w", stepIndex, err)
			}
			x.metrics.IncStepAttempt(stepName, string(StepStatusFailed))
			logging.Error(executorComponent, "step failed",
				"execution_id", executionID, "step", stepName, "index", stepIndex, "attempt", attempt, "error", classified)
			return nil, classified
		}

		if attempt >= policy.MaxAttempts {
			exhausted := &StepError{
				Kind: KindFatal,
				Code: CodeRetriesExhausted,
				Err:  fmt.Errorf("step %s failed after %d attempts: %w", stepName, attempt, classified.Err),
			}
			rec.Status = StepStatusFailed
			rec.Error = exhausted.reason()
			if err := x.store.SaveStep(ctx, rec); err != nil {
				return nil, fmt.Errorf("record step %d failure: %w", stepIndex, err)
			}
			x.metrics.IncStepAttempt(stepName, string(StepStatusFailed))
			logging.Error(executorComponent, "retries exhausted",
				"execution_id", executionID, "step", stepName, "index", stepIndex, "attempts", attempt)
			return nil, exhausted
		}

		rec.Status = StepStatusRetryable
		rec.Error = classified.reason()
		if err := x.store.SaveStep(ctx, rec); err != nil {
			return nil, fmt.Errorf("record step %d retry: %w", stepIndex, err)
		}
		x.metrics.IncStepAttempt(stepName, string(StepStatusRetryable))

		delay := policy.Backoff(attempt)
		if classified.RetryAfter > delay {
			delay = classified.RetryAfter
		}
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
		logging.Info(executorComponent, "retrying step",
			"execution_id", executionID, "step", stepName, "index", stepIndex, "attempt", attempt, "delay", delay, "error", classified)
		if err := x.sleep(ctx, delay); err != nil {
			return nil, err
		}
		if guard != nil {
			if err := guard(); err != nil {
				return nil, err
			}
		}
	}
}

// replayWinner returns the output of a succeeded record written concurrently.
func (x *Executor) replayWinner(ctx context.Context, executionID string, stepIndex int) (json.RawMessage, error) {
	done, err := x.store.GetSucceededStep(ctx, executionID, stepIndex)
	if err != nil {
		return nil, err
	}
	if done == nil {
		return nil, fmt.Errorf("step %d: succeeded record vanished", stepIndex)
	}
	return done.Output, nil
}

func checkDeterminism(rec *StepRecord, stepName, inputHash string) error {
	if rec.StepName == stepName && rec.InputHash == inputHash {
		return nil
	}
	return &StepError{
		Kind: KindFatal,
		Code: CodeDeterminismViolation,
		Err: fmt.Errorf("%w: step %d recorded as %s/%s, replayed as %s/%s",
			ErrDeterminismViolation, rec.StepIndex, rec.StepName, shortHash(rec.InputHash), stepName, shortHash(inputHash)),
	}
}

func invokeStep(ctx context.Context, fn StepFunc) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(executorComponent, "step panicked", "panic", r, "stack", string(debug.Stack()))
			err = FatalCode(CodePanic, fmt.Errorf("step panicked: %v", r))
		}
	}()
	return fn(ctx)
}

func encodeOutput(out any) (json.RawMessage, error) {
	switch v := out.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid raw json output")
		}
		return cloneRaw(v), nil
	default:
		return json.Marshal(v)
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
