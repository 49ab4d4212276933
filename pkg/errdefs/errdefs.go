package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the stable taxonomy surfaced at the API edge.
type Kind string

const (
	KindBadRequest         Kind = "bad_request"
	KindUnauthorized       Kind = "unauthorized"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindInvalidToken       Kind = "invalid_token"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindValidation         Kind = "validation_error"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindCapacityExceeded   Kind = "capacity_exceeded"
	KindInternal           Kind = "internal_error"
	KindUnavailable        Kind = "service_unavailable"
	KindBreakerOpen        Kind = "breaker_open"
)

// Error is the typed error carried across component boundaries. Only the HTTP
// edge translates it into a status code and response body.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetails attaches structured detail fields to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithCause attaches an underlying error for logging and unwrapping.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...any) *Error {
	return newError(KindBadRequest, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newError(KindUnauthorized, format, args...)
}

func InvalidCredentials(format string, args ...any) *Error {
	return newError(KindInvalidCredentials, format, args...)
}

func InvalidToken(format string, args ...any) *Error {
	return newError(KindInvalidToken, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newError(KindForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newError(KindConflict, format, args...)
}

func Validation(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

func QuotaExceeded(format string, args ...any) *Error {
	return newError(KindQuotaExceeded, format, args...)
}

func CapacityExceeded(format string, args ...any) *Error {
	return newError(KindCapacityExceeded, format, args...)
}

func Internal(format string, args ...any) *Error {
	return newError(KindInternal, format, args...)
}

func Unavailable(format string, args ...any) *Error {
	return newError(KindUnavailable, format, args...)
}

func BreakerOpen(format string, args ...any) *Error {
	return newError(KindBreakerOpen, format, args...)
}

// KindOf extracts the Kind from an error chain, defaulting to internal_error
// for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to its HTTP status code. Breaker trips surface as
// service unavailability to callers.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest, KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized, KindInvalidCredentials, KindInvalidToken:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindCapacityExceeded, KindUnavailable, KindBreakerOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
