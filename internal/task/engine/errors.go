package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled = errors.New("engine disabled")
	ErrStopped  = errors.New("engine stopped")
	// ErrCancelled is the cancel cause of runs cancelled through Cancel.
	ErrCancelled = errors.New("run cancelled")
	// ErrShutdown is the cancel cause of runs interrupted by Stop.
	ErrShutdown = errors.New("engine shutting down")
	ErrTimeout  = errors.New("run timed out")
)

// IsCancelCause reports whether err is one of the causes the engine uses to
// cancel a run on purpose.
func IsCancelCause(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, ErrShutdown)
}

// NoRetry marks an error as permanent: the attempt ends FailedFinal
// without spending the remaining attempts.
//
//	return engine.NoRetry(fmt.Errorf("unknown driver %q", name))
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

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before the next attempt. The engine
// honours it (bounded by RetryMaxDelay) instead of its own backoff.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("%v (retry after %s)", e.err, e.after) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
