package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownWorkflowType    = errors.New("unknown workflow type")
	ErrWorkflowRegistered     = errors.New("workflow type already registered")
	ErrInvalidInput           = errors.New("invalid workflow input")
	ErrExecutionNotFound      = errors.New("execution not found")
	ErrInvalidState           = errors.New("invalid execution state")
	ErrExecutionBusy          = errors.New("execution is being driven elsewhere")
	ErrStepAlreadySucceeded   = errors.New("step already has a succeeded record")
	ErrWebhookNotFound        = errors.New("webhook token not found")
	ErrWebhookAlreadyConsumed = errors.New("webhook token already consumed")
	ErrWebhookExpired         = errors.New("webhook token expired")
	ErrDeterminismViolation   = errors.New("determinism violation")
)

// Failure kinds recorded on failed executions and step attempts.
const (
	CodeStepFailed           = "step_failed"
	CodeRetriesExhausted     = "retries_exhausted"
	CodeDeterminismViolation = "determinism_violation"
	CodeWebhookTimeout       = "webhook_timeout"
	CodeCancelled            = "cancelled"
	CodeWorkflowError        = "workflow_error"
	CodePanic                = "panic"
	CodeUnknownWorkflowType  = "unknown_workflow_type"
	CodeUnclassified         = "unclassified"
)

// ErrorKind drives retry-vs-halt at the step executor.
type ErrorKind string

const (
	KindFatal     ErrorKind = "fatal"
	KindRetryable ErrorKind = "retryable"
)

// StepError is a classified step failure.
type StepError struct {
	Kind       ErrorKind
	Code       string
	Err        error
	RetryAfter time.Duration
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	msg := "<nil>"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *StepError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable is read by Classify through the retryable interface.
func (e *StepError) Retryable() bool {
	return e != nil && e.Kind == KindRetryable
}

func (e *StepError) RetryDelay() time.Duration {
	if e == nil {
		return 0
	}
	return e.RetryAfter
}

func (e *StepError) reason() *FailureReason {
	code := e.Code
	if code == "" {
		code = string(e.Kind)
	}
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return &FailureReason{Kind: code, Message: msg}
}

// Fatal marks err as unrecoverable.
func Fatal(err error) error {
	return FatalCode(CodeStepFailed, err)
}

// FatalCode marks err as unrecoverable with a failure kind.
func FatalCode(code string, err error) error {
	if err == nil {
		err = errors.New(code)
	}
	return &StepError{Kind: KindFatal, Code: code, Err: err}
}

// Retryable marks err as transient.
func Retryable(err error) error {
	return RetryableCode("", err)
}

// RetryableCode marks err as transient with a failure kind such as "rate_limited".
func RetryableCode(code string, err error) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	return &StepError{Kind: KindRetryable, Code: code, Err: err}
}

// RetryAfter marks err as transient with a minimum delay before the next attempt.
// The executor never waits longer than the retry policy's MaxDelay.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	if delay < 0 {
		delay = 0
	}
	return &StepError{Kind: KindRetryable, Err: err, RetryAfter: delay}
}

// Classify resolves the classification of err. Steps classify their own
// failures; errors carrying a Retryable() bool method are honoured along with
// their ErrorCode() and RetryDelay(), and anything else is Fatal.
func Classify(err error) *StepError {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	out := &StepError{Kind: KindFatal, Code: CodeUnclassified, Err: err}
	type retryable interface{ Retryable() bool }
	var r retryable
	if errors.As(err, &r) && r.Retryable() {
		out.Kind = KindRetryable
		out.Code = ""
	}
	type coder interface{ ErrorCode() string }
	var c coder
	if errors.As(err, &c) && c.ErrorCode() != "" {
		out.Code = c.ErrorCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		out.Kind = KindRetryable
		out.Code = "timeout"
	}
	type retryDelayProvider interface{ RetryDelay() time.Duration }
	var rd retryDelayProvider
	if errors.As(err, &rd) {
		if d := rd.RetryDelay(); d > 0 {
			out.RetryAfter = d
		}
	}
	return out
}

// IsFatal reports whether err (or anything it wraps) is a fatal step failure.
func IsFatal(err error) bool {
	var se *StepError
	return errors.As(err, &se) && se.Kind == KindFatal
}

// FailureCode returns the failure kind carried by err, if any.
func FailureCode(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
