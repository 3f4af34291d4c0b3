package batch

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/eligibility-batch/pkg/dispatch"
)

var (
	// ErrAborted matches every *AbortError.
	ErrAborted = errors.New("batch aborted")

	// ErrCancelled is returned with a partial run when the context was
	// cancelled before every identifier started.
	ErrCancelled = dispatch.ErrCancelled
)

// AbortReason names why a batch stopped before dispatching.
type AbortReason string

const (
	ReasonDNSUnreachable   AbortReason = "dns_unreachable"
	ReasonSourceUnreadable AbortReason = "source_unreadable"
	ReasonNoIdentifiers    AbortReason = "no_identifiers"
)

// AbortError is a fatal batch error. No identifier was submitted.
type AbortError struct {
	Reason AbortReason
	Err    error
}

// Error implements the error interface.
func (e *AbortError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("batch aborted (%s)", e.Reason)
	}
	return fmt.Sprintf("batch aborted (%s): %v", e.Reason, e.Err)
}

// Unwrap returns the underlying error.
func (e *AbortError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrAborted.
func (e *AbortError) Is(target error) bool {
	return target == ErrAborted
}

// AbortReasonOf returns the abort reason carried by err, if any.
func AbortReasonOf(err error) (AbortReason, bool) {
	var abortErr *AbortError
	if errors.As(err, &abortErr) {
		return abortErr.Reason, true
	}
	return "", false
}

// PersistenceError reports a reporter that failed to record results. It
// never changes the results or the run outcome.
type PersistenceError struct {
	Reporter string
	Err      error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist results via %s: %v", e.Reporter, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}
