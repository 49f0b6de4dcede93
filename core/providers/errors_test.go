package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestStatusErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
		code      string
	}{
		{http.StatusTooManyRequests, true, "rate_limited"},
		{http.StatusServiceUnavailable, true, "provider_unavailable"},
		{http.StatusBadRequest, false, "bad_request"},
		{http.StatusUnauthorized, false, "unauthorized"},
	}
	for _, tc := range cases {
		err := StatusError("vendor", tc.status, "", 0)
		if err.Retryable() != tc.transient || err.ErrorCode() != tc.code {
			t.Fatalf("status %d: got transient=%v code=%s", tc.status, err.Retryable(), err.ErrorCode())
		}
	}
}

func TestProviderErrorFormat(t *testing.T) {
	err := StatusError("ollama", http.StatusNotFound, "model 'llama3' not found", 0)
	if err.Error() != "ollama 404: model 'llama3' not found" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestTransportErrorPassesCancellation(t *testing.T) {
	if err := TransportError("p", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation passthrough")
	}
	var pe *ProviderError
	if err := TransportError("p", fmt.Errorf("dial tcp: refused")); !errors.As(err, &pe) || !pe.Retryable() {
		t.Fatalf("expected transient provider error, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := ParseRetryAfter("7", now); got != 7*time.Second {
		t.Fatalf("seconds form: %s", got)
	}
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	if got := ParseRetryAfter(date, now); got != 90*time.Second {
		t.Fatalf("date form: %s", got)
	}
	if got := ParseRetryAfter("soon", now); got != 0 {
		t.Fatalf("garbage form: %s", got)
	}
}
