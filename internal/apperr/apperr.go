// Package apperr provides the typed error taxonomy shared by the engine, the
// gateway and the transports.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a machine-readable error category.
type Kind string

const (
	KindUnauthorized    Kind = "UNAUTHORIZED"
	KindForbidden       Kind = "FORBIDDEN"
	KindNotFound        Kind = "NOT_FOUND"
	KindInvalidInput    Kind = "INVALID_INPUT"
	KindConflict        Kind = "CONFLICT"
	KindRateLimited     Kind = "RATE_LIMITED"
	KindUnsupportedUndo Kind = "UNSUPPORTED_UNDO"
	KindStaleState      Kind = "STALE_STATE"
	KindInternal        Kind = "INTERNAL"
)

// Error is the domain error type carried across every layer.
type Error struct {
	Kind       Kind
	Message    string            // Human readable, safe to return to clients
	Reason     string            // Optional finer-grained machine code, e.g. "duplicate_combatant"
	Metadata   map[string]string // Extra context (field names, ids)
	RetryAfter time.Duration     // Only set for KindRateLimited
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Kind == KindInternal {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by kind (and reason when the target sets one).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// RetryAfterSeconds rounds the retry hint up to whole seconds.
func (e *Error) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	secs := int(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithReason creates an error carrying a reason code.
func WithReason(kind Kind, reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// Wrap creates an error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *Error {
	return Wrap(KindInternal, message, cause)
}

// RateLimited builds a rate-limit rejection with retry guidance.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    "too many requests, slow down",
		RetryAfter: retryAfter,
	}
}

// Invalid builds a validation error naming the offending field.
func Invalid(field, message string) *Error {
	return &Error{
		Kind:     KindInvalidInput,
		Message:  fmt.Sprintf("%s: %s", field, message),
		Metadata: map[string]string{"field": field},
	}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// As extracts the *Error from err, converting foreign errors to KindInternal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("internal error", err)
}

// Sentinels usable with errors.Is.
var (
	ErrUnauthorized    = &Error{Kind: KindUnauthorized}
	ErrForbidden       = &Error{Kind: KindForbidden}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrInvalidInput    = &Error{Kind: KindInvalidInput}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrUnsupportedUndo = &Error{Kind: KindUnsupportedUndo}
	ErrStaleState      = &Error{Kind: KindStaleState}
	ErrInternal        = &Error{Kind: KindInternal}
)
