// Package apperr defines the error taxonomy shared by the store, call
// registry, and controllers.
package apperr

import (
	"errors"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	// KindNotFound means a referenced job, call, or message does not exist.
	KindNotFound Kind = iota + 1
	// KindConflict means an invalid state transition was attempted, such as
	// joining while already in a call or mutating an ended call.
	KindConflict
	// KindValidation means the request was malformed, such as a scheduled
	// time in the past.
	KindValidation
	// KindTransient means a network or store failure that the caller may
	// retry.
	KindTransient
)

// Error is a classified error. It supports errors.Is against the exported
// sentinels and errors.As for direct inspection.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches against the kind sentinels so callers can write
// errors.Is(err, apperr.ErrConflict).
func (e *Error) Is(target error) bool {
	s, ok := target.(*Error)
	return ok && s.Kind == e.Kind && s.Msg == ""
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrValidation = &Error{Kind: KindValidation}
	ErrTransient  = &Error{Kind: KindTransient}
)

// NotFound returns a new not-found error.
func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

// Conflict returns a new conflict error.
func Conflict(msg string) error {
	return &Error{Kind: KindConflict, Msg: msg}
}

// Validation returns a new validation error.
func Validation(msg string) error {
	return &Error{Kind: KindValidation, Msg: msg}
}

// Transient wraps a retryable transport or store failure.
func Transient(msg string, err error) error {
	return &Error{Kind: KindTransient, Msg: msg, Err: pkgerrors.WithStack(err)}
}

// StatusCode maps an error to an HTTP status.
func StatusCode(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
