package runbook

import (
	"errors"
	"fmt"

	"github.com/opsforge/opsforge/pkg/stores"
)

// ErrorKind classifies a framework error for handling and reporting.
type ErrorKind string

const (
	// KindValidation indicates a malformed request. No state change occurs.
	KindValidation ErrorKind = "validation"

	// KindNotFound indicates an unknown runbook, execution, or policy.
	KindNotFound ErrorKind = "not_found"

	// KindNoEngineRegistered indicates a trigger for a runbook with no
	// registered engine. Fatal per trigger; no ledger row is created.
	KindNoEngineRegistered ErrorKind = "no_engine_registered"

	// KindNoApplicablePolicy indicates the caller's role resolves to no
	// enabled approval policy. An authorization failure.
	KindNoApplicablePolicy ErrorKind = "no_applicable_policy"

	// KindRateLimitExceeded indicates the 24h auto-approval cap is reached.
	// Retryable once the window rolls over.
	KindRateLimitExceeded ErrorKind = "rate_limit_exceeded"

	// KindStateConflict indicates a transition attempted out of the wrong
	// status. The error names the execution's actual status.
	KindStateConflict ErrorKind = "state_conflict"

	// KindEngineFailure indicates the engine raised. Captured and stored as
	// a terminal "failed" status, never retried automatically.
	KindEngineFailure ErrorKind = "engine_failure"

	// KindPermissionDenied indicates the authorization provider refused the
	// caller.
	KindPermissionDenied ErrorKind = "permission_denied"
)

// Error is a classified framework error with context.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Runbook is the runbook name involved, if applicable.
	Runbook string `json:"runbook,omitempty"`

	// ExecutionID is the execution involved, if applicable.
	ExecutionID string `json:"execution_id,omitempty"`

	// CurrentStatus carries the execution's actual status for state
	// conflicts.
	CurrentStatus stores.ExecutionStatus `json:"current_status,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Runbook != "" {
		msg += fmt.Sprintf(" (runbook=%s)", e.Runbook)
	}
	if e.ExecutionID != "" {
		msg += fmt.Sprintf(" (execution=%s)", e.ExecutionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Retryable reports whether the caller may retry the same request later.
// Only rate-limit refusals are retryable; an engine failure requires a
// human re-trigger.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimitExceeded
}

// NewError creates a classified error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithRunbook adds runbook context to the error.
func (e *Error) WithRunbook(name string) *Error {
	e.Runbook = name
	return e
}

// WithExecution adds execution context to the error.
func (e *Error) WithExecution(id string) *Error {
	e.ExecutionID = id
	return e
}

// WithStatus records the execution's actual status on a state conflict.
func (e *Error) WithStatus(status stores.ExecutionStatus) *Error {
	e.CurrentStatus = status
	return e
}

// KindOf extracts the classification of an error, or empty if it is not a
// framework error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsStateConflict reports whether err is a state conflict.
func IsStateConflict(err error) bool {
	return KindOf(err) == KindStateConflict
}

// IsRateLimitExceeded reports whether err is a rate-limit refusal.
func IsRateLimitExceeded(err error) bool {
	return KindOf(err) == KindRateLimitExceeded
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsNoApplicablePolicy reports whether err is a policy-resolution failure.
func IsNoApplicablePolicy(err error) bool {
	return KindOf(err) == KindNoApplicablePolicy
}

// IsNoEngineRegistered reports whether err is a missing-engine failure.
func IsNoEngineRegistered(err error) bool {
	return KindOf(err) == KindNoEngineRegistered
}

// IsPermissionDenied reports whether err is an authorization refusal.
func IsPermissionDenied(err error) bool {
	return KindOf(err) == KindPermissionDenied
}
