package client

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is recorded when all attempts for an identifier failed.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is recorded when the batch was cancelled between attempts.
	ErrContextCancelled = errors.New("context cancelled")
)

// FailureKind classifies a failed submission.
type FailureKind string

const (
	// FailureTimeout means the attempt exceeded its deadline.
	FailureTimeout FailureKind = "timeout"

	// FailureNetwork means the request never produced an HTTP response.
	FailureNetwork FailureKind = "network"

	// FailureHTTP means the endpoint answered with a non-2xx status.
	FailureHTTP FailureKind = "http"

	// FailureCancelled means no further attempt was started because the batch was cancelled.
	FailureCancelled FailureKind = "cancelled"
)

// SubmitError is the typed failure of a single submission attempt.
type SubmitError struct {
	Kind       FailureKind
	StatusCode int
	Body       []byte
	Err        error
}

// Error implements the error interface.
func (e *SubmitError) Error() string {
	if e.Kind == FailureHTTP {
		return fmt.Sprintf("eligibility %s error (status %d)", e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("eligibility %s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("eligibility %s error", e.Kind)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *SubmitError) Unwrap() error {
	return e.Err
}

// classifyTransportError decides between timeout and network failure for an
// error returned by the HTTP transport.
func classifyTransportError(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureNetwork
}

// shouldRetry reports whether a failure kind may be retried. Every submission
// failure is retried; only cancellation is terminal.
func shouldRetry(kind FailureKind) bool {
	switch kind {
	case FailureTimeout, FailureNetwork, FailureHTTP:
		return true
	default:
		return false
	}
}
