package batch

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a batch or item does not exist.
var ErrNotFound = errors.New("not found")

// ErrForeignRef is returned when an object reference was not issued by the
// store asked to resolve it.
var ErrForeignRef = errors.New("reference not issued by this store")

// Code is a machine-readable error category surfaced to callers.
type Code string

// Admission and API error codes.
const (
	CodeValidation   Code = "validation_error"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeRateLimited  Code = "rate_limit_exceeded"
	CodeSystemBusy   Code = "system_busy"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeInternal     Code = "internal"
)

// Error is a structured, synchronous failure returned to admission callers.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error with optional details.
func NewError(code Code, msg string, details map[string]any) *Error {
	return &Error{Code: code, Message: msg, Details: details}
}

// Internal wraps an unexpected failure.
func Internal(msg string, err error) *Error {
	return &Error{Code: CodeInternal, Message: msg, Err: err}
}

// CodeOf extracts the Code from err, mapping ErrNotFound and unknown errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	if errors.Is(err, ErrNotFound) {
		return CodeNotFound
	}
	if errors.Is(err, ErrInvalidTransition) {
		return CodeConflict
	}
	return CodeInternal
}
