// Package retry wraps blocking calls in an explicit retry policy.
//
// A Policy bounds the number of attempts, spaces them with a backoff function
// and gives every attempt its own timeout. Expected transient conditions come
// back as a Result value instead of being thrown around as control flow.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mschirtzinger/tasksync/internal/types"
)

// Outcome classifies how a retried call ended.
type Outcome int

const (
	// Succeeded means an attempt returned nil.
	Succeeded Outcome = iota
	// Exhausted means every attempt failed with a retryable error.
	Exhausted
	// Failed means an attempt failed with a non-retryable error.
	Failed
	// Cancelled means the parent context ended between attempts.
	Cancelled
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result describes a retried call.
type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Outcome == Succeeded
}

// BackoffFunc returns the delay before the given retry (1-based).
type BackoffFunc func(retry int) time.Duration

// Exponential doubles base on every retry up to max.
func Exponential(base, max time.Duration) BackoffFunc {
	return func(retry int) time.Duration {
		if retry < 1 {
			retry = 1
		}
		d := base
		for i := 1; i < retry; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		if d > max {
			return max
		}
		return d
	}
}

// Policy configures retries.
type Policy struct {
	// MaxAttempts includes the first try. Values below 1 mean 1.
	MaxAttempts int

	// Backoff computes the pause before each retry. Nil means no pause.
	Backoff BackoffFunc

	// Timeout bounds each attempt. Zero means no per-attempt timeout.
	Timeout time.Duration

	// Sleep waits between attempts. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error

	// Logger receives one line per retry. Nil disables logging.
	Logger *log.Logger
}

// DefaultPolicy returns five attempts, 500ms..30s backoff and a 30s timeout.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: 5,
		Backoff:     Exponential(500*time.Millisecond, 30*time.Second),
		Timeout:     30 * time.Second,
	}
}

// Do runs fn until it succeeds, fails permanently, the attempts run out or
// ctx ends. Timeouts of individual attempts count as transient.
func (p *Policy) Do(ctx context.Context, name string, fn func(ctx context.Context) error) Result {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: Cancelled, Attempts: attempt - 1, Err: errors.Join(err, lastErr)}
		}

		err := p.attempt(ctx, fn)
		if err == nil {
			return Result{Outcome: Succeeded, Attempts: attempt}
		}
		lastErr = err

		if ctx.Err() != nil {
			return Result{Outcome: Cancelled, Attempts: attempt, Err: err}
		}
		if !types.IsRetryable(err) {
			return Result{Outcome: Failed, Attempts: attempt, Err: err}
		}
		if attempt == attempts {
			break
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		if p.Logger != nil {
			p.Logger.Printf("WARNING: %s attempt %d/%d failed: %v (retrying in %v)", name, attempt, attempts, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return Result{Outcome: Cancelled, Attempts: attempt, Err: errors.Join(err, lastErr)}
		}
	}

	return Result{
		Outcome:  Exhausted,
		Attempts: attempts,
		Err:      fmt.Errorf("%s: giving up after %d attempts: %w", name, attempts, lastErr),
	}
}

func (p *Policy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.Timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	err := fn(actx)
	if err != nil && actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return types.Transient(fmt.Errorf("attempt timed out after %v: %w", p.Timeout, err))
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
