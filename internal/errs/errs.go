// Package errs defines the error taxonomy shared by all server components.
// Handlers and the top-level error boundary inspect the kind of an error to
// choose a response status; components construct errors through the helpers
// here instead of bare fmt.Errorf so the kind survives wrapping.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and rendering.
type Kind int

const (
	// KindUnknown is any error not produced through this package.
	KindUnknown Kind = iota
	// KindValidation is a rejected state-mutating event; state is unchanged.
	KindValidation
	// KindNotFound is an unknown blob id, unmatched route or unknown account.
	KindNotFound
	// KindConflict is a duplicate route pattern or duplicate identifier.
	KindConflict
	// KindStorage is a filesystem failure on blob or log I/O.
	KindStorage
	// KindConfig is an unusable configuration, fatal to server start.
	KindConfig
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not-found"
	case KindConflict:
		return "conflict"
	case KindStorage:
		return "storage"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error is a classified error. Msg is safe to show to clients; Err carries
// the underlying cause, if any.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Validation builds a validation error.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFound builds a not-found error.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflict builds a conflict error.
func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Storage wraps a filesystem failure.
func Storage(msg string, err error) error {
	return &Error{Kind: KindStorage, Msg: msg, Err: err}
}

// Config builds a configuration error.
func Config(format string, args ...any) error {
	return &Error{Kind: KindConfig, Msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// Message returns the client-safe message for err. Foreign errors get a
// generic message so internal detail never leaks into a response body.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal server error"
}

// HTTPStatus maps an error kind to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindStorage, KindConfig:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
