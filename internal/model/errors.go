package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel kinds surfaced to the HTTP layer. Wrap with %w so callers can
// classify with errors.Is.
var (
	// ErrQueueFull: the priority queue is at capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrScriptBlocked: the circuit breaker is open for this fingerprint.
	ErrScriptBlocked = errors.New("script temporarily blocked")

	// ErrBrowserUnavailable: browser pool acquire timed out.
	ErrBrowserUnavailable = errors.New("no browser available")

	// ErrNotFound: job or artifact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden: requesting identity does not own the artifact.
	ErrForbidden = errors.New("forbidden")

	// ErrUnauthorized: identity unknown or inactive.
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError rejects a submission before it reaches the queue.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("script validation failed: %s", strings.Join(e.Reasons, "; "))
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
