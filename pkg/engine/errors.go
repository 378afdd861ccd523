package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry,
	// such as a domain that has not reached its target state within the wait budget.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates the domain is in a state that does not allow
	// the requested operation.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error: contract violations,
	// invalid input, unreachable lifecycle states.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the domain or node path that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	case e.Operation != "":
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is reports whether target has the same class and code.
// This lets the package-level sentinels below be used with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// CodeOf returns the code of the first EngineError in the chain, or "".
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeShapeMismatch  = "SHAPE_MISMATCH"
	ErrCodeUnreachable    = "UNREACHABLE"
	ErrCodeEffectorFailed = "EFFECTOR_FAILED"
	ErrCodeInvalidState   = "INVALID_STATE"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeParse          = "PARSE_ERROR"
	ErrCodePolicyDenied   = "POLICY_DENIED"
	ErrCodeConnection     = "CONNECTION_ERROR"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. Only Class and Code take part in the comparison.
var (
	ErrShapeMismatch  = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeShapeMismatch}
	ErrUnreachable    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnreachable}
	ErrEffectorFailed = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeEffectorFailed}
	ErrTimeout        = &EngineError{Class: ErrorClassTransient, Code: ErrCodeTimeout}
	ErrInvalidState   = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidState}
	ErrPolicyDenied   = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied}
	ErrConnection     = &EngineError{Class: ErrorClassTransient, Code: ErrCodeConnection}
)
