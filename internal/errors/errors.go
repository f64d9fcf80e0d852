package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a gather error code.
type ErrorCode string

const (
	ErrConfig            ErrorCode = "CONFIG"             // bad configuration; fatal for the run
	ErrTransient         ErrorCode = "TRANSIENT"          // network timeout, 5xx, 429; retryable
	ErrPermanent         ErrorCode = "PERMANENT"          // other 4xx, malformed payload; skip item
	ErrSecurityViolation ErrorCode = "SECURITY_VIOLATION" // SSRF target, path escape, injection; drop item, never retry
	ErrStateCorruption   ErrorCode = "STATE_CORRUPTION"   // ledger failed integrity check; halt the run
	ErrLeaseHeld         ErrorCode = "LEASE_HELD"         // another run owns the key right now
	ErrInternal          ErrorCode = "INTERNAL"           // unexpected failure
)

// Error is a structured error with a code, a message, and optional details.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any

	// RetryAfterSeconds is set for transient errors when the upstream
	// supplied an explicit Retry-After hint.
	RetryAfterSeconds int

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewConfig creates a configuration error. Config errors abort the run
// before any item is processed.
func NewConfig(msg string) *Error {
	return &Error{Code: ErrConfig, Message: msg}
}

// NewConfigf creates a configuration error with a formatted message.
func NewConfigf(format string, args ...any) *Error {
	return &Error{Code: ErrConfig, Message: fmt.Sprintf(format, args...)}
}

// NewTransient creates a retryable error (timeouts, 5xx, rate limits).
func NewTransient(msg string, cause error) *Error {
	return &Error{Code: ErrTransient, Message: msg, cause: cause}
}

// NewRateLimited creates a transient error carrying an upstream Retry-After hint.
func NewRateLimited(msg string, retryAfterSeconds int) *Error {
	return &Error{Code: ErrTransient, Message: msg, RetryAfterSeconds: retryAfterSeconds}
}

// NewPermanent creates a non-retryable per-item error. The item is skipped
// and the run continues.
func NewPermanent(msg string, cause error) *Error {
	return &Error{Code: ErrPermanent, Message: msg, cause: cause}
}

// NewSecurityViolation creates a terminal security rejection for one item.
// Security violations are never retried and never written.
func NewSecurityViolation(msg string, details map[string]any) *Error {
	return &Error{Code: ErrSecurityViolation, Message: msg, Details: details}
}

// NewStateCorruption creates a fatal ledger-integrity error. The whole run
// halts rather than risking duplicate or lost-dedup writes.
func NewStateCorruption(msg string, cause error) *Error {
	return &Error{Code: ErrStateCorruption, Message: msg, cause: cause}
}

// NewLeaseHeld reports that another run currently owns the given key.
func NewLeaseHeld(key string) *Error {
	return &Error{
		Code:    ErrLeaseHeld,
		Message: fmt.Sprintf("key is being processed by another run: %s", key),
		Details: map[string]any{"key": key},
	}
}

// NewInternal wraps an unexpected failure.
func NewInternal(err error) *Error {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: ErrInternal, Message: msg, cause: err}
}

// Is checks if an error is, or wraps, a gather Error with the given
// code. Unwrapping matters for errors the HTTP client re-wraps in
// url.Error on their way out of redirect and dial hooks.
func Is(err error, code ErrorCode) bool {
	var gErr *Error
	if stderrors.As(err, &gErr) {
		return gErr.Code == code
	}
	return false
}

// CodeOf returns the error code, or ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var gErr *Error
	if stderrors.As(err, &gErr) {
		return gErr.Code
	}
	return ErrInternal
}

// RetryAfter returns the upstream Retry-After hint in seconds, or 0
// when the error carries none.
func RetryAfter(err error) int {
	var gErr *Error
	if stderrors.As(err, &gErr) {
		return gErr.RetryAfterSeconds
	}
	return 0
}

// Retryable reports whether the failure may be retried with backoff.
// Only transient errors qualify; security violations in particular are
// terminal no matter what.
func Retryable(err error) bool {
	return Is(err, ErrTransient)
}

// Fatal reports whether the error must abort the whole run instead of
// being demoted to a per-item skip.
func Fatal(err error) bool {
	return Is(err, ErrStateCorruption) || Is(err, ErrConfig)
}
