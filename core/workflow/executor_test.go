package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/chatflow/chatflow/core/providers"
)

func newTestExecutor(t *testing.T, policy RetryPolicy) (*Executor, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	x := NewExecutor(store, policy)
	x.sleep = func(context.Context, time.Duration) error { return nil }
	return x, store
}

func TestExecutorReplaysSucceededStep(t *testing.T) {
	x, _ := newTestExecutor(t, RetryPolicy{})
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (any, error) {
		calls++
		return map[string]int{"n": calls}, nil
	}
	first, err := x.Execute(ctx, "e1", 0, "count", "h1", fn)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	second, err := x.Execute(ctx, "e1", 0, "count", "h1", fn)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if calls != 1 || string(first) != string(second) || string(second) != `{"n":1}` {
		t.Fatalf("expected replayed output, calls=%d first=%s second=%s", calls, first, second)
	}
}

func TestExecutorDetectsMismatchedReplay(t *testing.T) {
	x, _ := newTestExecutor(t, RetryPolicy{})
	ctx := context.Background()
	ok := func(context.Context) (any, error) { return "ok", nil }
	if _, err := x.Execute(ctx, "e1", 0, "a", "h1", ok); err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, tc := range []struct{ name, hash string }{{"b", "h1"}, {"a", "h2"}} {
		_, err := x.Execute(ctx, "e1", 0, tc.name, tc.hash, ok)
		if !errors.Is(err, ErrDeterminismViolation) || FailureCode(err) != CodeDeterminismViolation {
			t.Fatalf("%s/%s: expected determinism violation, got %v", tc.name, tc.hash, err)
		}
	}
}

func TestExecutorFatalIsNotRetried(t *testing.T) {
	x, store := newTestExecutor(t, RetryPolicy{MaxAttempts: 5})
	calls := 0
	_, err := x.Execute(context.Background(), "e1", 0, "bad", "h", func(context.Context) (any, error) {
		calls++
		return nil, FatalCode("invalid_model_output", errors.New("not json"))
	})
	if !IsFatal(err) || FailureCode(err) != "invalid_model_output" {
		t.Fatalf("expected fatal invalid_model_output, got %v", err)
	}
	attempts, _ := store.StepAttempts(context.Background(), "e1", 0)
	if calls != 1 || len(attempts) != 1 || attempts[0].Error.Kind != "invalid_model_output" {
		t.Fatalf("unexpected attempts: calls=%d %+v", calls, attempts)
	}
}

func TestExecutorStepPanicIsFatal(t *testing.T) {
	x, _ := newTestExecutor(t, RetryPolicy{})
	_, err := x.Execute(context.Background(), "e1", 0, "panics", "h", func(context.Context) (any, error) {
		panic("nil map")
	})
	if FailureCode(err) != CodePanic || !IsFatal(err) {
		t.Fatalf("expected fatal panic, got %v", err)
	}
}

func TestExecutorRejectsInvalidRawOutput(t *testing.T) {
	x, _ := newTestExecutor(t, RetryPolicy{})
	_, err := x.Execute(context.Background(), "e1", 0, "raw", "h", func(context.Context) (any, error) {
		return json.RawMessage(`{"broken"`), nil
	})
	if !IsFatal(err) || FailureCode(err) != CodeStepFailed {
		t.Fatalf("expected step_failed, got %v", err)
	}
}

func TestExecutorCancelledContextLeavesAttemptRetryable(t *testing.T) {
	x, store := newTestExecutor(t, RetryPolicy{})
	ctx, cancel := context.WithCancel(context.Background())
	_, err := x.Execute(ctx, "e1", 0, "slow", "h", func(context.Context) (any, error) {
		cancel()
		return nil, Retryable(errors.New("interrupted"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	attempts, _ := store.StepAttempts(context.Background(), "e1", 0)
	if len(attempts) != 1 || attempts[0].Status != StepStatusRetryable {
		t.Fatalf("expected one retryable attempt, got %+v", attempts)
	}
}

func TestExecutorCapsRetryAfterHint(t *testing.T) {
	x, _ := newTestExecutor(t, RetryPolicy{})
	var delays []time.Duration
	x.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	policy := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Second}
	calls := 0
	_, err := x.execute(context.Background(), "e1", 0, "throttled", "h", policy, nil, func(context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, RetryAfter(errors.New("come back tomorrow"), 24*time.Hour)
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(delays) != 1 || delays[0] != time.Second {
		t.Fatalf("expected one delay capped at MaxDelay, got %v", delays)
	}
}

func TestExecutorGuardAbortsAfterBackoff(t *testing.T) {
	x, store := newTestExecutor(t, RetryPolicy{})
	lost := errors.New("lease lost")
	calls := 0
	_, err := x.execute(context.Background(), "e1", 0, "flaky", "h", RetryPolicy{MaxAttempts: 3}, func() error { return lost }, func(context.Context) (any, error) {
		calls++
		return nil, Retryable(errors.New("busy"))
	})
	if !errors.Is(err, lost) {
		t.Fatalf("expected guard error, got %v", err)
	}
	attempts, _ := store.StepAttempts(context.Background(), "e1", 0)
	if calls != 1 || len(attempts) != 1 || attempts[0].Status != StepStatusRetryable {
		t.Fatalf("expected a single retryable attempt, calls=%d %+v", calls, attempts)
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, d := range want {
		if got := p.Backoff(i + 1); got != d {
			t.Fatalf("Backoff(%d) = %s, want %s", i+1, got, d)
		}
	}
	if got := (RetryPolicy{}).Backoff(1); got != DefaultRetryPolicy().BaseDelay {
		t.Fatalf("zero policy should use defaults, got %s", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		kind  ErrorKind
		code  string
		delay time.Duration
	}{
		{"plain", errors.New("boom"), KindFatal, CodeUnclassified, 0},
		{"marked retryable", Retryable(errors.New("later")), KindRetryable, "", 0},
		{"wrapped fatal", fmt.Errorf("outer: %w", Fatal(errors.New("inner"))), KindFatal, CodeStepFailed, 0},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindRetryable, "timeout", 0},
		{"rate limited", providers.StatusError("openai", http.StatusTooManyRequests, "slow down", 3*time.Second), KindRetryable, "rate_limited", 3 * time.Second},
		{"bad request", providers.StatusError("openai", http.StatusBadRequest, "bad prompt", 0), KindFatal, "", 0},
	}
	for _, tc := range cases {
		got := Classify(tc.err)
		if got.Kind != tc.kind {
			t.Fatalf("%s: kind = %s, want %s", tc.name, got.Kind, tc.kind)
		}
		if tc.code != "" && got.Code != tc.code {
			t.Fatalf("%s: code = %q, want %q", tc.name, got.Code, tc.code)
		}
		if got.RetryAfter != tc.delay {
			t.Fatalf("%s: delay = %s, want %s", tc.name, got.RetryAfter, tc.delay)
		}
	}
	if Classify(nil) != nil {
		t.Fatalf("nil error should classify to nil")
	}
}

func TestHashInputStable(t *testing.T) {
	a, err := HashInput("step", map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, _ := HashInput("step", struct {
		A int `json:"a"`
		B int `json:"b"`
	}{1, 2})
	if a != b {
		t.Fatalf("equal inputs hashed differently")
	}
	c, _ := HashInput("other", map[string]any{"a": 1, "b": 2})
	if a == c {
		t.Fatalf("step name not part of hash")
	}
	if _, err := HashInput("step", make(chan int)); err == nil {
		t.Fatalf("expected unencodable input to fail")
	}
}
