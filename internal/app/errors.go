// Package app implements the task assignment and lifecycle operations shared
// by the HTTP server and the CLI.
package app

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a short machine-stable reason string surfaced to callers.
type ErrorCode string

const (
	CodeValidation   ErrorCode = "validation_error"
	CodeNotFound     ErrorCode = "not_found"
	CodeForbidden    ErrorCode = "forbidden"
	CodeConflict     ErrorCode = "conflict"
	CodeAgentBusy    ErrorCode = "agent_busy"
	CodeInvalidState ErrorCode = "invalid_state"
	CodeInternal     ErrorCode = "internal_error"
)

// Error is the structured operation error. ClaimedBy carries the current
// owner on claim conflicts so callers can decide whether to poll for other
// work.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	ClaimedBy string    `json:"claimed_by,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the error code to its response status. Conflicts caused by
// a concurrent actor are 409; static precondition failures are 400.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeInvalidState:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeConflict, CodeAgentBusy:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// AsError extracts a structured *Error, or nil if err is anything else.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

func validationErr(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundErr(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func forbiddenErr(format string, args ...any) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

func conflictErr(claimedBy, format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...), ClaimedBy: claimedBy}
}

func invalidStateErr(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidState, Message: fmt.Sprintf(format, args...)}
}

func internalErr(err error) *Error {
	return &Error{Code: CodeInternal, Message: err.Error()}
}
