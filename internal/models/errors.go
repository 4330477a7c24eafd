package models

import (
	"context"
	"errors"
	"fmt"
)

// Error codes surfaced to clients in error events and used to pick the
// handling path at the gateway boundary.
const (
	CodeAuthFailure     = "auth_failure"
	CodeAccessDenied    = "access_denied"
	CodeNotFound        = "not_found"
	CodeRateLimited     = "rate_limited"
	CodeUpstream        = "upstream_unavailable"
	CodeTimeout         = "timeout"
	CodeValidation      = "validation_error"
	CodeInvalidFormat   = "invalid_format"
	CodeSessionInactive = "session_inactive"
)

var (
	// ErrAuthFailure rejects a handshake with a bad or missing credential
	ErrAuthFailure = errors.New("authentication failed")
	// ErrAccessDenied means a valid identity touched a session it does not own
	ErrAccessDenied = errors.New("access denied")
	// ErrNotFound means the referenced session or message does not exist
	ErrNotFound = errors.New("not found")
	// ErrRateLimited rejects a handshake or message past its budget
	ErrRateLimited = errors.New("rate limited")
	// ErrUpstreamUnavailable means the generation service or store is unreachable
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrTimeout means a job or stream exceeded its budget
	ErrTimeout = errors.New("timeout")
	// ErrSessionInactive rejects sends into paused or ended sessions
	ErrSessionInactive = errors.New("session is not active")
)

// ValidationError describes a malformed event payload or message shape
type ValidationError struct {
	Reason string
}

func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Reason
}

// CodeFor maps an error to its wire-level error code
func CodeFor(err error) string {
	var ve *ValidationError
	switch {
	case errors.Is(err, ErrAuthFailure):
		return CodeAuthFailure
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrUpstreamUnavailable):
		return CodeUpstream
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrSessionInactive):
		return CodeSessionInactive
	case errors.As(err, &ve):
		return CodeValidation
	default:
		return "internal_error"
	}
}

// RetryableError wraps an upstream failure the job pipeline should retry
func RetryableError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUpstreamUnavailable, err)
}
