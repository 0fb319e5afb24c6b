package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeBudgetExceeded    = "BUDGET_EXCEEDED"
	ErrCodeDeterminism       = "DETERMINISM_VIOLATION"
	ErrCodeLockingRules      = "LOCKING_RULES_VIOLATION"
	ErrCodeTaskFailed        = "TASK_FAILED"
	ErrCodeEntityOperation   = "ENTITY_APPLICATION_ERROR"
	ErrCodeEntityState       = "ENTITY_STATE_ERROR"
	ErrCodeEntityInternal    = "ENTITY_INTERNAL_ERROR"
	ErrCodeInvalidAccess     = "INVALID_ACCESS"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeHTTPTransport     = "HTTP_TRANSPORT_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// DurableError is the structured error type for all replaykit operations.
type DurableError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Target  string         `json:"target,omitempty"`
	Cause   error          `json:"-"`
}

func (e *DurableError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Target, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DurableError) Unwrap() error {
	return e.Cause
}

// Is matches another *DurableError by code, so sentinel-style comparisons work:
//
//	errors.Is(err, &schema.DurableError{Code: schema.ErrCodeLockingRules})
func (e *DurableError) Is(target error) bool {
	t, ok := target.(*DurableError)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// NewError creates a new DurableError.
func NewError(code, message string) *DurableError {
	return &DurableError{Code: code, Message: message}
}

// NewErrorf creates a new DurableError with a formatted message.
func NewErrorf(code, format string, args ...any) *DurableError {
	return &DurableError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTarget attaches the name of the function or entity the error relates to.
func (e *DurableError) WithTarget(target string) *DurableError {
	e.Target = target
	return e
}

// WithCause attaches an underlying cause.
func (e *DurableError) WithCause(err error) *DurableError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *DurableError) WithDetails(details map[string]any) *DurableError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error class can succeed on a later attempt.
// Rule violations and budget errors are permanent for the current episode.
func (e *DurableError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeBudgetExceeded, ErrCodeDeterminism,
		ErrCodeLockingRules, ErrCodeInvalidAccess, ErrCodeCancelled,
		ErrCodeNotFound, ErrCodeInvalidTransition:
		return false
	default:
		return true
	}
}

// CodeOf returns the DurableError code found in err's chain, or "".
func CodeOf(err error) string {
	var de *DurableError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// HasCode reports whether err carries a DurableError with the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}
