// Package apierr implements the four-taxon error model: validation,
// not-found, conflict, and service/internal errors, each carrying the
// harmony.* code the HTTP layer renders verbatim in the error body.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeNotFound   = "harmony.NotFoundError"
	CodeValidation = "harmony.RequestValidationError"
	CodeConflict   = "harmony.ConflictError"
	CodeService    = "harmony.ServiceError"
)

// Error is the taxonomy carrier. Status is the HTTP status a handler should
// return; Code is one of the harmony.* constants above; Err, if set, is the
// underlying cause (never rendered to the client).
type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("api error (%d)", e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// Description is what's safe to put in a client-facing error body: the
// underlying message with no stack frames or driver internals attached.
func (e *Error) Description() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Code
	}
	return e.Err.Error()
}

func NotFound(err error) *Error {
	return &Error{Status: http.StatusNotFound, Code: CodeNotFound, Err: err}
}

func Validation(err error) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeValidation, Err: err}
}

func Validationf(format string, args ...interface{}) *Error {
	return Validation(fmt.Errorf(format, args...))
}

func Conflict(err error) *Error {
	return &Error{Status: http.StatusConflict, Code: CodeConflict, Err: err}
}

func Service(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeService, Err: err}
}

// As wraps any error into the taxonomy, preserving an existing *Error
// unchanged and otherwise defaulting to ServiceError so driver/internal
// failures never leak past this boundary unmasked.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Service(err)
}
