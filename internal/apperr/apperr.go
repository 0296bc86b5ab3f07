// Package apperr carries machine-readable error codes to the HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeIdempotencyKeyRequired Code = "IDEMPOTENCY_KEY_REQUIRED"
	CodeIdempotencyPending     Code = "IDEMPOTENCY_PENDING"
	CodeIdempotencyConflict    Code = "IDEMPOTENCY_CONFLICT"
	CodeSafetyTripped          Code = "SAFETY_TRIPPED"
	CodeAlreadyRunning         Code = "ALREADY_RUNNING"
	CodeNotLeader              Code = "NOT_LEADER"
	CodeVenue                  Code = "VENUE_ERROR"
	CodeLegFailed              Code = "LEG_FAILED"
	CodeCompensationFailed     Code = "COMPENSATION_FAILED"
	CodeInternal               Code = "INTERNAL_ERROR"
)

var statusByCode = map[Code]int{
	CodeValidation:             http.StatusBadRequest,
	CodeIdempotencyKeyRequired: http.StatusBadRequest,
	CodeIdempotencyPending:     http.StatusConflict,
	CodeIdempotencyConflict:    http.StatusConflict,
	CodeSafetyTripped:          http.StatusLocked,
	CodeAlreadyRunning:         http.StatusConflict,
	CodeNotLeader:              http.StatusForbidden,
	CodeVenue:                  http.StatusBadGateway,
	CodeLegFailed:              http.StatusBadGateway,
	CodeCompensationFailed:     http.StatusBadGateway,
	CodeInternal:               http.StatusInternalServerError,
}

type Error struct {
	Code    Code
	Message string
	Status  int
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Status: StatusFor(code)}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

func StatusFor(code Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// From returns the *Error in err's chain, or wraps err as INTERNAL_ERROR.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(CodeInternal, "internal error", err)
}

// CodeOf returns the code carried by err, or empty.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

type Body struct {
	Error BodyError `json:"error"`
}

type BodyError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Body() Body {
	return Body{Error: BodyError{Code: e.Code, Message: e.Message}}
}
