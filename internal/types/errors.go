package types

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by sync components.
//
// Check them with errors.Is:
//
//	if errors.Is(err, types.ErrSourceUnavailable) {
//	    // abort or continue degraded
//	}
var (
	// ErrSourceUnavailable is returned when a source cannot be reached after
	// its own retry policy is exhausted.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrTransient marks a single-operation failure that may succeed on retry
	// (timeouts, rate limiting, server errors).
	ErrTransient = errors.New("transient operation error")

	// ErrPermanent marks a failure that will not succeed on retry.
	ErrPermanent = errors.New("permanent operation error")

	// ErrConflictAmbiguous is reserved for strict resolution policies.
	ErrConflictAmbiguous = errors.New("conflict is ambiguous")

	// ErrPlanInconsistent signals an internal invariant violation in a plan.
	ErrPlanInconsistent = errors.New("plan is inconsistent")

	// ErrAlreadySyncing is returned when a run is requested for an account
	// that already has one in flight.
	ErrAlreadySyncing = errors.New("already syncing")

	// ErrNoVersions is returned when the resolver is handed nothing.
	ErrNoVersions = errors.New("no versions to resolve")

	// ErrNotFound is returned by adapters when a task does not exist.
	ErrNotFound = errors.New("not found")
)

// SourceError wraps a failure of a whole source.
type SourceError struct {
	Source Source
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrSourceUnavailable, e.Source, e.Err)
}

// Unwrap lets errors.Is match both ErrSourceUnavailable and the cause.
func (e *SourceError) Unwrap() []error {
	return []error{ErrSourceUnavailable, e.Err}
}

// NewSourceError wraps err as a SourceError unless it already is one.
func NewSourceError(src Source, err error) error {
	var se *SourceError
	if errors.As(err, &se) {
		return err
	}
	return &SourceError{Source: src, Err: err}
}

// Transient wraps err so that IsRetryable reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Permanent wraps err so that IsRetryable reports false.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	// Per-attempt timeouts surface as deadline errors
	return errors.Is(err, context.DeadlineExceeded)
}

// IsFatal returns true if the error must abort the whole run.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrSourceUnavailable) || errors.Is(err, ErrPlanInconsistent)
}

// OperationError wraps the failure of one destination operation.
type OperationError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Transient reports whether the operation failed for a retryable reason.
func (e *OperationError) Transient() bool {
	return IsRetryable(e.Err)
}
