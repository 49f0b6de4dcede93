package bus

import (
	"errors"
	"fmt"
	"time"
)

// redeliverError asks a JetStream consumer to nak the message so it is
// delivered again after delay. Core NATS subscriptions only log it.
type redeliverError struct {
	err   error
	delay time.Duration
}

func (e *redeliverError) Error() string {
	if e.delay > 0 {
		return fmt.Sprintf("redeliver in %s: %v", e.delay, e.err)
	}
	return fmt.Sprintf("redeliver: %v", e.err)
}

func (e *redeliverError) Unwrap() error { return e.err }

// RetryAfter marks a handler error as transient. Negative delays are treated
// as zero.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("redelivery requested")
	}
	return &redeliverError{err: err, delay: max(delay, 0)}
}

// RetryDelay reports whether err asks for redelivery, and after how long.
func RetryDelay(err error) (time.Duration, bool) {
	var re *redeliverError
	if !errors.As(err, &re) {
		return 0, false
	}
	return re.delay, true
}
