// Package apierr defines the closed error taxonomy used to translate
// internal failures into caller-visible behavior.
package apierr

import (
	"errors"
	"fmt"
)

// Code is one of the closed error taxonomy entries.
type Code string

const (
	InvalidInput      Code = "invalid_input"
	AuthRequired      Code = "auth_required"
	Forbidden         Code = "forbidden"
	NotFound          Code = "not_found"
	Conflict          Code = "conflict"
	CapacityExhausted Code = "capacity_exhausted"
	Transient         Code = "transient"
	PhaseFailure      Code = "phase_failure"
	Fatal             Code = "fatal"
)

// Error wraps a cause with a Code and caller-facing Message.
type Error struct {
	Code    Code
	Message string
	Phase   string // set when Code == PhaseFailure
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error wrapping cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WrapPhase constructs a PhaseFailure Error naming the failing phase.
func WrapPhase(phase, message string, cause error) *Error {
	return &Error{Code: PhaseFailure, Message: message, Phase: phase, Cause: cause}
}

// CodeOf extracts the Code from err, defaulting to Fatal when err does not
// wrap an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Fatal
}

// IsRetryable reports whether err should be retried with backoff before
// being promoted to a terminal failure.
func IsRetryable(err error) bool {
	return CodeOf(err) == Transient
}
