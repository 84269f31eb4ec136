// Package apierr defines the error kinds surfaced across the orchestration
// pipeline and their mapping onto HTTP status codes.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code names one of the error kinds from the error handling design.
type Code string

const (
	Validation            Code = "validation"
	ResourceExhausted      Code = "resource_exhausted"
	DriverFailure          Code = "driver_failure"
	DependencyUnavailable  Code = "dependency_unavailable"
	NotFound               Code = "not_found"
	Forbidden              Code = "forbidden"
	Conflict               Code = "conflict"
	Unauthenticated        Code = "unauthenticated"
)

// Error is a stable-coded, human-readable error that stages return instead
// of a bare error value whenever the caller needs to branch on kind.
type Error struct {
	Code    Code
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error around an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, err: err}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Code onto the status the frontend should return.
func HTTPStatus(code Code) int {
	switch code {
	case Validation:
		return http.StatusBadRequest
	case ResourceExhausted:
		return http.StatusConflict
	case DriverFailure:
		return http.StatusBadGateway
	case DependencyUnavailable:
		return http.StatusServiceUnavailable
	case NotFound:
		return http.StatusNotFound
	case Forbidden:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	case Unauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the substrate should requeue-with-requeue on
// this kind when it surfaces from an idempotent consumer stage.
func Retryable(code Code) bool {
	return code == DependencyUnavailable
}
