// Package retry wraps fallible upstream calls with bounded retries and
// exponential backoff. Failures are classified: transient ones (network
// errors, 5xx, 429, timeouts) consume retry budget, everything else fails
// the call immediately. Exhaustion is reported to the caller as an Outcome,
// never raised past it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mbtatracker-data/internal/clock"
)

// FailureKind is the terminal classification of a failed execution.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureExhausted means every attempt hit a transient error.
	FailureExhausted
	// FailureNonRetryable means the last error was not worth retrying.
	FailureNonRetryable
	// FailureCancelled means the context was cancelled mid-execution.
	FailureCancelled
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureExhausted:
		return "exhausted"
	case FailureNonRetryable:
		return "non_retryable"
	case FailureCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome reports how an execution ended.
type Outcome struct {
	Attempts int
	Kind     FailureKind
	Err      error
}

func (o Outcome) OK() bool { return o.Kind == FailureNone }

// HTTPError carries an upstream status code so the executor can classify it.
// RetryAfter is populated from a 429 Retry-After header when present.
type HTTPError struct {
	StatusCode int
	Status     string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned %s", e.Status)
}

// permanentError marks an error as non-retryable regardless of its type.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the executor fails immediately without consuming
// retry budget. Used for decode failures and other malformed-response cases.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Executor runs operations under one retry policy. Safe for concurrent use.
type Executor struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	clock       clock.Clock
}

func NewExecutor(maxAttempts int, baseDelay, maxDelay time.Duration, clk clock.Clock) *Executor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Executor{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		clock:       clk,
	}
}

// Do runs op until it succeeds, fails permanently, or the attempt budget is
// spent. Backoff before attempt n (1-based) is baseDelay * 2^(n-2), capped
// at maxDelay; a 429 Retry-After extends the wait when it is longer.
// Backoff waits abort promptly on ctx cancellation.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) Outcome {
	var lastErr error

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := e.backoff(attempt-1, lastErr)
			select {
			case <-ctx.Done():
				return Outcome{Attempts: attempt, Kind: FailureCancelled, Err: ctx.Err()}
			case <-e.clock.After(wait):
			}
		}

		err := op(ctx)
		if err == nil {
			return Outcome{Attempts: attempt + 1, Kind: FailureNone}
		}
		if ctx.Err() != nil {
			return Outcome{Attempts: attempt + 1, Kind: FailureCancelled, Err: ctx.Err()}
		}
		if !Retryable(err) {
			return Outcome{Attempts: attempt + 1, Kind: FailureNonRetryable, Err: err}
		}
		lastErr = err
	}

	return Outcome{Attempts: e.maxAttempts, Kind: FailureExhausted, Err: lastErr}
}

func (e *Executor) backoff(exponent int, lastErr error) time.Duration {
	wait := e.baseDelay
	for i := 0; i < exponent; i++ {
		wait *= 2
		if wait >= e.maxDelay {
			wait = e.maxDelay
			break
		}
	}
	if wait > e.maxDelay {
		wait = e.maxDelay
	}
	var httpErr *HTTPError
	if errors.As(lastErr, &httpErr) && httpErr.RetryAfter > wait {
		wait = httpErr.RetryAfter
	}
	return wait
}

// Retryable reports whether err is a transient upstream failure.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return httpErr.StatusCode >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unclassified errors from the transport layer (connection resets,
	// DNS hiccups wrapped by url.Error) default to retryable.
	return true
}
