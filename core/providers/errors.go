package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoHealthyProvider     = errors.New("no healthy provider")
	ErrUnsupportedCapability = errors.New("capability not supported")
	ErrProviderRegistered    = errors.New("provider already registered")
)

// NoHealthyProviderError is returned when every candidate for a capability is
// short-circuited. It is transient: a breaker cooldown will eventually admit
// a probe.
type NoHealthyProviderError struct {
	Capability Capability
	RetryIn    time.Duration
}

func (e *NoHealthyProviderError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("no healthy provider for %s (retry in %s)", e.Capability, e.RetryIn.Round(time.Millisecond))
	}
	return fmt.Sprintf("no healthy provider for %s", e.Capability)
}

func (e *NoHealthyProviderError) Unwrap() error             { return ErrNoHealthyProvider }
func (e *NoHealthyProviderError) Retryable() bool           { return true }
func (e *NoHealthyProviderError) ErrorCode() string         { return "no_healthy_provider" }
func (e *NoHealthyProviderError) RetryDelay() time.Duration { return e.RetryIn }

// ProviderError is a classified vendor failure.
type ProviderError struct {
	Provider   string
	StatusCode int
	Transient  bool
	RetryAfter time.Duration
	Code       string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := "<nil>"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %d: %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *ProviderError) Unwrap() error             { return e.Err }
func (e *ProviderError) Retryable() bool           { return e.Transient }
func (e *ProviderError) RetryDelay() time.Duration { return e.RetryAfter }

func (e *ProviderError) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return "unauthorized"
	case e.StatusCode >= 500:
		return "provider_unavailable"
	case e.StatusCode >= 400:
		return "bad_request"
	case e.Transient:
		return "provider_unavailable"
	}
	return ""
}

// StatusError classifies an HTTP status returned by a vendor.
func StatusError(provider string, status int, msg string, retryAfter time.Duration) *ProviderError {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Transient:  transientStatus(status),
		RetryAfter: retryAfter,
		Err:        errors.New(msg),
	}
}

// TransportError wraps a failure to reach the vendor at all. Cancellation by
// the caller is not the provider's fault and is passed through unwrapped.
func TransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &ProviderError{Provider: provider, Transient: true, Code: "provider_unavailable", Err: err}
}

func transientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// countsAsFailure decides whether err should move the breaker. Transient
// failures and rejected credentials do; a bad request does not.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient || pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden
	}
	type retryable interface{ Retryable() bool }
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	type retryable interface{ Retryable() bool }
	var r retryable
	return errors.As(err, &r) && r.Retryable()
}
