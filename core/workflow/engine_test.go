package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatflow/chatflow/core/providers"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

type testEngine struct {
	*Engine
	clock  *fakeClock
	store  *MemoryStore
	sleeps *sleepRecorder
}

func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore()
	sleeps := &sleepRecorder{}
	base := []Option{WithClock(clock.Now), WithSleeper(sleeps.sleep)}
	return &testEngine{
		Engine: NewEngine(store, append(base, opts...)...),
		clock:  clock,
		store:  store,
		sleeps: sleeps,
	}
}

func (te *testEngine) mustRegister(t *testing.T, name string, fn WorkflowFunc, opts ...RegisterOption) {
	t.Helper()
	if err := te.Register(name, fn, opts...); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func (te *testEngine) mustStart(t *testing.T, name string, input any, opts ...StartOption) string {
	t.Helper()
	id, err := te.Start(context.Background(), name, input, opts...)
	if err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	return id
}

func (te *testEngine) status(t *testing.T, id string) *WorkflowExecution {
	t.Helper()
	exec, err := te.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return exec
}

func (te *testEngine) wake(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	ids, err := te.Timers().PollDue(ctx, 10)
	if err != nil {
		t.Fatalf("poll due: %v", err)
	}
	for _, due := range ids {
		if err := te.Resume(ctx, due); err != nil {
			t.Fatalf("resume %s: %v", due, err)
		}
	}
}

func TestStartUnknownWorkflowType(t *testing.T) {
	te := newTestEngine(t)
	if _, err := te.Start(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownWorkflowType) {
		t.Fatalf("expected ErrUnknownWorkflowType, got %v", err)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	te := newTestEngine(t)
	fn := func(*Context, json.RawMessage) (any, error) { return nil, nil }
	te.mustRegister(t, "dup", fn)
	if err := te.Register("dup", fn); !errors.Is(err, ErrWorkflowRegistered) {
		t.Fatalf("expected ErrWorkflowRegistered, got %v", err)
	}
}

func TestStartValidatesInputSchema(t *testing.T) {
	te := newTestEngine(t)
	te.mustRegister(t, "typed", func(*Context, json.RawMessage) (any, error) { return nil, nil },
		WithInputSchema([]byte(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`)))
	if _, err := te.Start(context.Background(), "typed", map[string]any{"age": 3}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	id := te.mustStart(t, "typed", map[string]any{"name": "ada"})
	if got := te.status(t, id).Status; got != StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

func TestReplayDoesNotRerunCompletedSteps(t *testing.T) {
	te := newTestEngine(t)
	var calls [2]int32
	te.mustRegister(t, "replay", func(wctx *Context, input json.RawMessage) (any, error) {
		first, err := StepAs(wctx, "first", input, func(context.Context) (int, error) {
			return int(atomic.AddInt32(&calls[0], 1)) * 10, nil
		})
		if err != nil {
			return nil, err
		}
		if err := wctx.Sleep(time.Minute); err != nil {
			return nil, err
		}
		second, err := StepAs(wctx, "second", first, func(context.Context) (int, error) {
			atomic.AddInt32(&calls[1], 1)
			return first + 1, nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]int{"first": first, "second": second}, nil
	})

	id := te.mustStart(t, "replay", map[string]int{"n": 1})
	exec := te.status(t, id)
	if exec.Status != StatusSleeping || exec.WakeAt == nil || !exec.WakeAt.Equal(te.clock.Now().Add(time.Minute)) {
		t.Fatalf("expected sleeping until +1m, got %s %v", exec.Status, exec.WakeAt)
	}

	// Not due yet: resume is a no-op.
	if err := te.Resume(context.Background(), id); err != nil {
		t.Fatalf("early resume: %v", err)
	}
	if got := te.status(t, id).Status; got != StatusSleeping {
		t.Fatalf("early resume changed status to %s", got)
	}

	te.clock.Advance(time.Minute)
	te.wake(t, id)
	exec = te.status(t, id)
	if exec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%+v)", exec.Status, exec.Failure)
	}
	if string(exec.Result) != `{"first":10,"second":11}` {
		t.Fatalf("unexpected result %s", exec.Result)
	}
	if calls[0] != 1 || calls[1] != 1 {
		t.Fatalf("steps re-ran on replay: %v", calls)
	}
	steps, err := te.ListSteps(context.Background(), id)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 3 || steps[1].StepName != sleepStepName || steps[1].Status != StepStatusSucceeded {
		t.Fatalf("unexpected step log: %+v", steps)
	}
}

func TestRetryableStepAttemptsAreRecorded(t *testing.T) {
	te := newTestEngine(t)
	var calls int32
	te.mustRegister(t, "flaky", func(wctx *Context, _ json.RawMessage) (any, error) {
		return wctx.Step("call", nil, func(context.Context) (any, error) {
			if n := atomic.AddInt32(&calls, 1); n <= 2 {
				return nil, RetryAfter(fmt.Errorf("busy %d", n), 5*time.Second)
			}
			return "ok", nil
		})
	})
	id := te.mustStart(t, "flaky", nil)
	if got := te.status(t, id).Status; got != StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	steps, _ := te.ListSteps(context.Background(), id)
	if len(steps) != 3 {
		t.Fatalf("expected 3 attempts, got %+v", steps)
	}
	for i, rec := range steps {
		if rec.Attempt != i+1 {
			t.Fatalf("attempt numbering broken: %+v", steps)
		}
	}
	if steps[0].Status != StepStatusRetryable || steps[2].Status != StepStatusSucceeded {
		t.Fatalf("unexpected statuses: %+v", steps)
	}
	if len(te.sleeps.delays) != 2 || te.sleeps.delays[0] < 5*time.Second {
		t.Fatalf("retry delay ignored: %v", te.sleeps.delays)
	}
}

func TestRetryResumesFromRecordedAttempts(t *testing.T) {
	te := newTestEngine(t)
	te.mustRegister(t, "resumed", func(wctx *Context, _ json.RawMessage) (any, error) {
		return wctx.Step("call", "in", func(context.Context) (any, error) { return "ok", nil })
	})
	ctx := context.Background()
	hash, _ := HashInput("call", "in")
	now := te.clock.Now()
	exec := &WorkflowExecution{ID: "e-k", WorkflowType: "resumed", Status: StatusRunning, CreatedAt: now, UpdatedAt: now}
	if err := te.store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}
	for attempt := 1; attempt <= 2; attempt++ {
		rec := &StepRecord{ExecutionID: "e-k", StepIndex: 0, StepName: "call", InputHash: hash, Attempt: attempt, Status: StepStatusRetryable, StartedAt: now}
		if err := te.store.SaveStep(ctx, rec); err != nil {
			t.Fatalf("seed attempt: %v", err)
		}
	}
	if err := te.Resume(ctx, "e-k"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	done, _ := te.store.GetSucceededStep(ctx, "e-k", 0)
	if done == nil || done.Attempt != 3 {
		t.Fatalf("expected success recorded as attempt 3, got %+v", done)
	}
}

func TestRetriesExhausted(t *testing.T) {
	te := newTestEngine(t)
	te.mustRegister(t, "doomed", func(wctx *Context, _ json.RawMessage) (any, error) {
		return wctx.Step("call", nil, func(context.Context) (any, error) {
			return nil, Retryable(errors.New("still down"))
		})
	}, WithStepRetryPolicy(RetryPolicy{MaxAttempts: 2}))
	id := te.mustStart(t, "doomed", nil)
	exec := te.status(t, id)
	if exec.Status != StatusFailed || exec.Failure.Kind != CodeRetriesExhausted {
		t.Fatalf("expected retries_exhausted, got %s %+v", exec.Status, exec.Failure)
	}
	steps, _ := te.ListSteps(context.Background(), id)
	if len(steps) != 2 || steps[1].Status != StepStatusFailed {
		t.Fatalf("unexpected attempts: %+v", steps)
	}
}

func TestUnclassifiedStepErrorIsFatal(t *testing.T) {
	te := newTestEngine(t)
	te.mustRegister(t, "boom", func(wctx *Context, _ json.RawMessage) (any, error) {
		return wctx.Step("call", nil, func(context.Context) (any, error) {
			return nil, errors.New("boom")
		})
	})
	id := te.mustStart(t, "boom", nil)
	exec := te.status(t, id)
	if exec.Status != StatusFailed || exec.Failure.Kind != CodeUnclassified {
		t.Fatalf("expected unclassified failure, got %s %+v", exec.Status, exec.Failure)
	}
	if steps, _ := te.ListSteps(context.Background(), id); len(steps) != 1 {
		t.Fatalf("fatal step was retried: %+v", steps)
	}
}

func TestWorkflowPanicFailsExecution(t *testing.T) {
	te := newTestEngine(t)
	te.mustRegister(t, "panics", func(*Context, json.RawMessage) (any, error) {
		panic("unexpected")
	})
	id := te.mustStart(t, "panics", nil)
	if exec := te.status(t, id); exec.Status != StatusFailed || exec.Failure.Kind != CodePanic {
		t.Fatalf("expected panic failure, got %s %+v", exec.Status, exec.Failure)
	}
}

func TestDeterminismViolation(t *testing.T) {
	te := newTestEngine(t)
	name := "original"
	te.mustRegister(t, "drifting", func(wctx *Context, _ json.RawMessage) (any, error) {
		if _, err := wctx.Step(name, nil, func(context.Context) (any, error) { return 1, nil }); err != nil {
			return nil, err
		}
		if err := wctx.Sleep(time.Second); err != nil {
			return nil, err
		}
		return "done", nil
	})
	id := te.mustStart(t, "drifting", nil)
	name = "renamed"
	te.clock.Advance(time.Second)
	te.wake(t, id)
	exec := te.status(t, id)
	if exec.Status != StatusFailed || exec.Failure.Kind != CodeDeterminismViolation {
		t.Fatalf("expected determinism violation, got %s %+v", exec.Status, exec.Failure)
	}
}

func TestIdempotencyKeyDeduplicatesStart(t *testing.T) {
	te := newTestEngine(t)
	var runs int32
	te.mustRegister(t, "once", func(wctx *Context, _ json.RawMessage) (any, error) {
		return wctx.Step("count", nil, func(context.Context) (any, error) {
			return atomic.AddInt32(&runs, 1), nil
		})
	})
	a := te.mustStart(t, "once", nil, WithIdempotencyKey("order-7"), WithTenant("acme"))
	b := te.mustStart(t, "once", nil, WithIdempotencyKey("order-7"))
	if a != b {
		t.Fatalf("expected same execution, got %s and %s", a, b)
	}
	if runs != 1 {
		t.Fatalf("workflow ran %d times", runs)
	}
	if exec := te.status(t, a); exec.TenantID != "acme" || exec.IdempotencyKey != "order-7" {
		t.Fatalf("unexpected execution: %+v", exec)
	}
}

type failingCreateStore struct {
	*MemoryStore
	failures int
}

func (s *failingCreateStore) CreateExecution(ctx context.Context, exec *WorkflowExecution) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("redis down")
	}
	return s.MemoryStore.CreateExecution(ctx, exec)
}

func TestStartReleasesKeyWhenCreateFails(t *testing.T) {
	store := &failingCreateStore{MemoryStore: NewMemoryStore(), failures: 1}
	eng := NewEngine(store)
	if err := eng.Register("once", func(*Context, json.RawMessage) (any, error) { return "ok", nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	if id, err := eng.Start(ctx, "once", nil, WithIdempotencyKey("order-9")); err == nil {
		t.Fatalf("expected create failure, got id %s", id)
	}
	id, err := eng.Start(ctx, "once", nil, WithIdempotencyKey("order-9"))
	if err != nil {
		t.Fatalf("retry start: %v", err)
	}
	exec, err := eng.GetStatus(ctx, id)
	if err != nil || exec.Status != StatusCompleted {
		t.Fatalf("retried start must yield a real execution, got %+v err=%v", exec, err)
	}
	again, err := eng.Start(ctx, "once", nil, WithIdempotencyKey("order-9"))
	if err != nil || again != id {
		t.Fatalf("expected dedupe to %s, got %s err=%v", id, again, err)
	}
}

func TestStartReclaimsKeyOfMissingExecution(t *testing.T) {
	te := newTestEngine(t)
	te.mustRegister(t, "once", func(*Context, json.RawMessage) (any, error) { return "ok", nil })
	ctx := context.Background()
	// A crash between claiming the key and creating the execution.
	if _, claimed, err := te.store.ClaimIdempotencyKey(ctx, "once:order-3", "never-created"); err != nil || !claimed {
		t.Fatalf("seed key: %v %v", claimed, err)
	}
	id := te.mustStart(t, "once", nil, WithIdempotencyKey("order-3"))
	if id == "never-created" {
		t.Fatalf("start returned the id of a missing execution")
	}
	if got := te.status(t, id).Status; got != StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if bound, claimed, _ := te.store.ClaimIdempotencyKey(ctx, "once:order-3", "other"); claimed || bound != id {
		t.Fatalf("key should now be bound to %s, got %s claimed=%v", id, bound, claimed)
	}
}

func TestWorkflowTypesSorted(t *testing.T) {
	te := newTestEngine(t)
	fn := func(*Context, json.RawMessage) (any, error) { return nil, nil }
	for _, name := range []string{"zeta", "alpha", "mid"} {
		te.mustRegister(t, name, fn)
	}
	if got := fmt.Sprint(te.WorkflowTypes()); got != "[alpha mid zeta]" {
		t.Fatalf("workflow types = %s", got)
	}
}

func TestCancelSleepingExecution(t *testing.T) {
	te := newTestEngine(t)
	var after int32
	te.mustRegister(t, "sleeper", func(wctx *Context, _ json.RawMessage) (any, error) {
		if err := wctx.Sleep(time.Hour); err != nil {
			return nil, err
		}
		return wctx.Step("after", nil, func(context.Context) (any, error) {
			return atomic.AddInt32(&after, 1), nil
		})
	})
	id := te.mustStart(t, "sleeper", nil)
	exec, err := te.Cancel(context.Background(), id, "user request")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if exec.Status != StatusFailed || exec.Failure.Kind != CodeCancelled || exec.Failure.Message != "user request" {
		t.Fatalf("unexpected cancelled execution: %+v", exec)
	}
	te.clock.Advance(2 * time.Hour)
	te.wake(t, id)
	if got := te.status(t, id).Status; got != StatusFailed || after != 0 {
		t.Fatalf("cancelled execution resumed: %s after=%d", got, after)
	}
	if _, err := te.Cancel(context.Background(), id, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on terminal cancel, got %v", err)
	}
}

func TestCancelStopsBeforeNextStep(t *testing.T) {
	te := newTestEngine(t)
	var second int32
	te.mustRegister(t, "cancel-mid", func(wctx *Context, _ json.RawMessage) (any, error) {
		if _, err := wctx.Step("first", nil, func(context.Context) (any, error) {
			_, err := te.Cancel(context.Background(), wctx.ExecutionID(), "stop")
			return "in flight", err
		}); err != nil {
			return nil, err
		}
		return wctx.Step("second", nil, func(context.Context) (any, error) {
			return atomic.AddInt32(&second, 1), nil
		})
	})
	id := te.mustStart(t, "cancel-mid", nil)
	exec := te.status(t, id)
	if exec.Status != StatusFailed || exec.Failure.Kind != CodeCancelled {
		t.Fatalf("expected cancelled, got %s %+v", exec.Status, exec.Failure)
	}
	if second != 0 {
		t.Fatalf("step after cancel was invoked")
	}
	steps, _ := te.ListSteps(context.Background(), id)
	if len(steps) != 1 || steps[0].Status != StepStatusSucceeded {
		t.Fatalf("in-flight step should complete: %+v", steps)
	}
}

func waitingWorkflow(after *int32, opts ...WaitOption) WorkflowFunc {
	return func(wctx *Context, _ json.RawMessage) (any, error) {
		payload, err := wctx.WaitForWebhook(opts...)
		if err != nil {
			return nil, err
		}
		if _, err := wctx.Step("after", payload, func(context.Context) (any, error) {
			return atomic.AddInt32(after, 1), nil
		}); err != nil {
			return nil, err
		}
		return payload, nil
	}
}

func TestWebhookConsumedExactlyOnce(t *testing.T) {
	te := newTestEngine(t)
	var after int32
	te.mustRegister(t, "approval", waitingWorkflow(&after))
	id := te.mustStart(t, "approval", nil)
	exec := te.status(t, id)
	if exec.Status != StatusWaitingWebhook || len(exec.WebhookToken) < 40 {
		t.Fatalf("expected waiting with token, got %s %q", exec.Status, exec.WebhookToken)
	}

	var wg sync.WaitGroup
	var wins, consumed int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := te.Webhooks().Consume(context.Background(), exec.WebhookToken, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrWebhookAlreadyConsumed):
				atomic.AddInt32(&consumed, 1)
			default:
				t.Errorf("unexpected consume error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 || consumed != 9 {
		t.Fatalf("expected 1 winner and 9 rejections, got %d/%d", wins, consumed)
	}
	exec = te.status(t, id)
	if exec.Status != StatusCompleted || after != 1 {
		t.Fatalf("expected one completed resume, got %s after=%d", exec.Status, after)
	}
	if _, err := te.Webhooks().Consume(context.Background(), "unknown-token", nil); !errors.Is(err, ErrWebhookNotFound) {
		t.Fatalf("expected ErrWebhookNotFound, got %v", err)
	}
}

func TestRegisterWaitParksRunningExecution(t *testing.T) {
	te := newTestEngine(t)
	var after int32
	te.mustRegister(t, "approval", waitingWorkflow(&after, WithWebhookTimeout(time.Minute)))
	ctx := context.Background()
	now := te.clock.Now()
	if err := te.store.CreateExecution(ctx, &WorkflowExecution{ID: "w1", WorkflowType: "approval", Status: StatusRunning, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	token, err := te.Webhooks().RegisterWait(ctx, "w1", 0, time.Minute)
	if err != nil {
		t.Fatalf("register wait: %v", err)
	}
	exec := te.status(t, "w1")
	if exec.Status != StatusWaitingWebhook || exec.WebhookToken != token {
		t.Fatalf("expected waiting on %s, got %s %q", token, exec.Status, exec.WebhookToken)
	}
	reg, err := te.store.GetWebhook(ctx, token)
	if err != nil || reg.ExecutionID != "w1" || reg.StepIndex != 0 || reg.ExpiresAt == nil {
		t.Fatalf("unexpected registration %+v err=%v", reg, err)
	}
	if _, err := te.Webhooks().RegisterWait(ctx, "w1", 1, time.Minute); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for a non-running execution, got %v", err)
	}

	if _, err := te.Webhooks().Consume(ctx, token, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if exec := te.status(t, "w1"); exec.Status != StatusCompleted || after != 1 {
		t.Fatalf("expected resumed completion, got %s after=%d", exec.Status, after)
	}
}

func TestWebhookTimeoutFailsExecution(t *testing.T) {
	te := newTestEngine(t)
	var after int32
	te.mustRegister(t, "timed", waitingWorkflow(&after, WithWebhookTimeout(time.Minute)))
	id := te.mustStart(t, "timed", nil)
	token := te.status(t, id).WebhookToken

	ctx := context.Background()
	if ids, err := te.Webhooks().SweepExpired(ctx, 10); err != nil || len(ids) != 0 {
		t.Fatalf("swept early: %v %v", ids, err)
	}
	te.clock.Advance(2 * time.Minute)
	ids, err := te.Webhooks().SweepExpired(ctx, 10)
	if err != nil || len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected %s swept, got %v %v", id, ids, err)
	}
	exec := te.status(t, id)
	if exec.Status != StatusFailed || exec.Failure.Kind != CodeWebhookTimeout {
		t.Fatalf("expected webhook_timeout, got %s %+v", exec.Status, exec.Failure)
	}
	if _, err := te.Webhooks().Consume(ctx, token, json.RawMessage(`{}`)); !errors.Is(err, ErrWebhookExpired) {
		t.Fatalf("expected ErrWebhookExpired, got %v", err)
	}
	steps, _ := te.ListSteps(ctx, id)
	if len(steps) != 1 || steps[0].Status != StepStatusFailed || steps[0].Error.Kind != CodeWebhookTimeout {
		t.Fatalf("expected failed wait record, got %+v", steps)
	}
}

func TestLifecycleEvents(t *testing.T) {
	var mu sync.Mutex
	var got []EventType
	pub := EventPublisherFunc(func(_ context.Context, evt ExecutionEvent) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt.Type)
		return nil
	})
	failing := EventPublisherFunc(func(context.Context, ExecutionEvent) error { return errors.New("bus down") })
	te := newTestEngine(t, WithEvents(FanOut(pub, nil, failing)))
	var after int32
	te.mustRegister(t, "evented", waitingWorkflow(&after))
	id := te.mustStart(t, "evented", nil)
	if _, err := te.Webhooks().Consume(context.Background(), te.status(t, id).WebhookToken, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("consume: %v", err)
	}
	want := []EventType{EventStarted, EventSuspended, EventResumed, EventCompleted}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRecoverStaleExecution(t *testing.T) {
	te := newTestEngine(t)
	te.mustRegister(t, "simple", func(wctx *Context, _ json.RawMessage) (any, error) {
		return wctx.Step("only", nil, func(context.Context) (any, error) { return "ok", nil })
	})
	ctx := context.Background()
	old := te.clock.Now().Add(-time.Hour)
	if err := te.store.CreateExecution(ctx, &WorkflowExecution{ID: "stale", WorkflowType: "simple", Status: StatusRunning, CreatedAt: old, UpdatedAt: old}); err != nil {
		t.Fatalf("create: %v", err)
	}
	fresh := te.clock.Now()
	if err := te.store.CreateExecution(ctx, &WorkflowExecution{ID: "fresh", WorkflowType: "simple", Status: StatusRunning, CreatedAt: fresh, UpdatedAt: fresh}); err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err := te.RecoverStale(ctx, 10*time.Minute, 10)
	if err != nil || n != 1 {
		t.Fatalf("recover: %d %v", n, err)
	}
	if got := te.status(t, "stale").Status; got != StatusCompleted {
		t.Fatalf("stale execution not recovered: %s", got)
	}
	if got := te.status(t, "fresh").Status; got != StatusRunning {
		t.Fatalf("fresh execution touched: %s", got)
	}
}

func TestResumeBusyExecution(t *testing.T) {
	te := newTestEngine(t)
	te.mustRegister(t, "simple", func(*Context, json.RawMessage) (any, error) { return "ok", nil })
	ctx := context.Background()
	now := te.clock.Now()
	if err := te.store.CreateExecution(ctx, &WorkflowExecution{ID: "busy", WorkflowType: "simple", Status: StatusPending, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := te.store.AcquireLease(ctx, executionLeaseKey+"busy", "other-node", time.Minute); !ok {
		t.Fatalf("seed lease")
	}
	if err := te.Resume(ctx, "busy"); !errors.Is(err, ErrExecutionBusy) {
		t.Fatalf("expected ErrExecutionBusy, got %v", err)
	}
}

func TestLostLeaseStopsDrive(t *testing.T) {
	te := newTestEngine(t)
	var second int32
	te.mustRegister(t, "handoff", func(wctx *Context, _ json.RawMessage) (any, error) {
		if _, err := wctx.Step("one", nil, func(ctx context.Context) (any, error) {
			key := executionLeaseKey + wctx.ExecutionID()
			if err := te.store.ReleaseLease(ctx, key, te.owner); err != nil {
				return nil, Fatal(err)
			}
			if ok, err := te.store.AcquireLease(ctx, key, "other-replica", time.Minute); err != nil || !ok {
				return nil, Fatal(fmt.Errorf("hand lease over: acquired=%v err=%v", ok, err))
			}
			return "handed-over", nil
		}); err != nil {
			return nil, err
		}
		return wctx.Step("two", nil, func(context.Context) (any, error) {
			return atomic.AddInt32(&second, 1), nil
		})
	})
	id := te.mustStart(t, "handoff", nil)
	if second != 0 {
		t.Fatalf("step two ran %d times while another owner held the lease", second)
	}
	if got := te.status(t, id).Status; got != StatusRunning {
		t.Fatalf("execution should stay running for the new owner, got %s", got)
	}
	if err := te.Resume(context.Background(), id); !errors.Is(err, ErrExecutionBusy) {
		t.Fatalf("expected ErrExecutionBusy while other-replica holds the lease, got %v", err)
	}
}

func TestLeaseLostDuringRetryBackoff(t *testing.T) {
	var te *testEngine
	var execID string
	handOver := func(ctx context.Context, _ time.Duration) error {
		key := executionLeaseKey + execID
		if err := te.store.ReleaseLease(ctx, key, te.owner); err != nil {
			return err
		}
		_, err := te.store.AcquireLease(ctx, key, "other-replica", time.Minute)
		return err
	}
	te = newTestEngine(t, WithSleeper(handOver))
	var calls int32
	te.mustRegister(t, "flaky", func(wctx *Context, _ json.RawMessage) (any, error) {
		execID = wctx.ExecutionID()
		return wctx.Step("call", nil, func(context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, Retryable(errors.New("busy"))
		})
	})
	id := te.mustStart(t, "flaky", nil)
	if calls != 1 {
		t.Fatalf("step retried %d times after losing the lease", calls)
	}
	if got := te.status(t, id).Status; got != StatusRunning {
		t.Fatalf("expected running, got %s", got)
	}
	steps, _ := te.ListSteps(context.Background(), id)
	if len(steps) != 1 || steps[0].Status != StepStatusRetryable {
		t.Fatalf("expected one retryable attempt, got %+v", steps)
	}
}

type failingAdapter struct{ name string }

func (a failingAdapter) Name() string                           { return a.name }
func (a failingAdapter) Capabilities() []providers.Capability { return []providers.Capability{providers.CapabilityTextComplete} }
func (a failingAdapter) Invoke(context.Context, providers.Capability, *providers.Request) (*providers.Response, error) {
	return nil, providers.StatusError(a.name, 503, "overloaded", 0)
}

type echoAdapter struct{ name string }

func (a echoAdapter) Name() string                           { return a.name }
func (a echoAdapter) Capabilities() []providers.Capability { return []providers.Capability{providers.CapabilityTextComplete} }
func (a echoAdapter) Invoke(_ context.Context, _ providers.Capability, req *providers.Request) (*providers.Response, error) {
	return &providers.Response{Text: "echo: " + req.Prompt}, nil
}

func TestInvokeFailsOverAndRecordsProvider(t *testing.T) {
	reg := providers.NewRegistry(providers.BreakerConfig{})
	for _, a := range []providers.Adapter{failingAdapter{"primary"}, echoAdapter{"backup"}} {
		if err := reg.Register(a); err != nil {
			t.Fatalf("register %s: %v", a.Name(), err)
		}
	}
	reg.SetRoute(providers.CapabilityTextComplete, "primary", "backup")
	te := newTestEngine(t, WithProviders(reg))
	te.mustRegister(t, "llm", func(wctx *Context, _ json.RawMessage) (any, error) {
		resp, err := wctx.Invoke("ask", providers.CapabilityTextComplete, &providers.Request{Prompt: "hi"})
		if err != nil {
			return nil, err
		}
		return resp.Text, nil
	})
	id := te.mustStart(t, "llm", nil)
	exec := te.status(t, id)
	if exec.Status != StatusCompleted || string(exec.Result) != `"echo: hi"` {
		t.Fatalf("unexpected execution: %s %s", exec.Status, exec.Result)
	}
	steps, _ := te.ListSteps(context.Background(), id)
	if len(steps) != 1 || steps[0].Provider != "backup" {
		t.Fatalf("expected one attempt served by backup, got %+v", steps)
	}
}
