package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidAction is reported on ADDED when Add gets a nil action.
	ErrInvalidAction = errors.New("task action is nil")

	ErrPaused    = errors.New("queue paused per request")
	ErrStopped   = errors.New("queue stopped per request")
	ErrDestroyed = errors.New("queue destroyed")
)

// AbortError is the cancellation cause handed to an aborted action and the
// error recorded on aborted items.
type AbortError struct {
	Reason error
}

func (e *AbortError) Error() string {
	if e.Reason == nil {
		return "aborted"
	}
	return "aborted: " + e.Reason.Error()
}

func (e *AbortError) Unwrap() error { return e.Reason }

// IsAborted reports whether err carries an AbortError.
func IsAborted(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}

// AbortCause returns the abort error behind a cancelled context, or nil.
func AbortCause(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if c := context.Cause(ctx); c != nil && IsAborted(c) {
		return c
	}
	return nil
}

// PanicError wraps a recovered panic from an action.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// NoRetry marks an error as non-retryable.
//
// Actions can wrap validation errors or other permanent failures with NoRetry
// so the queue won't waste time retrying.
//
// Example:
//
//	return nil, task.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before retrying.
//
// This is useful when the downstream system returns a Retry-After value
// (e.g., HTTP 429). The queue uses the hint instead of its fixed delay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// RetryDelay returns the delay hint carried by err, if any.
func RetryDelay(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}
