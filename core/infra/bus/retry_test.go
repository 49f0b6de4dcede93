package bus

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestRetryAfterWrapsCause(t *testing.T) {
	cause := errors.New("redis down")
	err := fmt.Errorf("record failure: %w", RetryAfter(cause, 2*time.Second))

	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap")
	}
	delay, ok := RetryDelay(err)
	if !ok || delay != 2*time.Second {
		t.Fatalf("unexpected delay %s ok=%v", delay, ok)
	}
	if !strings.Contains(err.Error(), "redeliver in 2s") {
		t.Fatalf("unexpected message: %s", err)
	}
}

func TestRetryDelayPlainError(t *testing.T) {
	if delay, ok := RetryDelay(errors.New("no")); ok || delay != 0 {
		t.Fatalf("plain errors do not ask for redelivery")
	}
	if _, ok := RetryDelay(nil); ok {
		t.Fatalf("nil error does not ask for redelivery")
	}
}

func TestRetryAfterClampsNegativeDelay(t *testing.T) {
	err := RetryAfter(nil, -5*time.Second)
	if delay, ok := RetryDelay(err); !ok || delay != 0 {
		t.Fatalf("expected clamped delay, got %s ok=%v", delay, ok)
	}
	if err.Error() != "redeliver: redelivery requested" {
		t.Fatalf("unexpected message: %s", err)
	}
}
