package resilience

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	// ErrCircuitOpen is matched by every rejection from an open breaker.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrCancelled is returned when a retry loop stops because its context ended.
	ErrCancelled = errors.New("retry cancelled")
)

// OpenError is returned when a breaker rejects a call without attempting it.
type OpenError struct {
	Breaker  string
	OpenedAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Breaker)
}

// Is makes errors.Is(err, ErrCircuitOpen) match.
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// ExhaustedError is returned when a retry policy gives up.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempt(s): %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// TimeoutError marks an attempt that exceeded its call timeout.
type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call timed out after %s: %v", e.Timeout, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// retryable is implemented by provider errors that know whether a retry can help.
type retryable interface {
	IsRetryable() bool
}

// isRetryable reports whether err should be retried. Unknown errors are retried.
func isRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
