package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	// Definition errors.
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeDuplicateTask       = "DUPLICATE_TASK"
	ErrCodeUnknownDependency   = "UNKNOWN_DEPENDENCY"
	ErrCodeCycleDetected       = "CYCLE_DETECTED"
	ErrCodeExecutorUnavailable = "EXECUTOR_UNAVAILABLE"

	// Resolution errors.
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodeExpression          = "EXPRESSION_ERROR"
	ErrCodeSecret              = "SECRET_ERROR"

	// Task execution errors.
	ErrCodeExecution      = "EXECUTION_ERROR"
	ErrCodeTimeout        = "TIMEOUT_ERROR"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"
	ErrCodeTaskFailed     = "TASK_FAILED"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeNonRetryable   = "NON_RETRYABLE"
	ErrCodeCancelled      = "CANCELLED"

	// Orchestration errors.
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeAlreadyResolved   = "ALREADY_RESOLVED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"

	// Infrastructure errors.
	ErrCodeStore = "STORE_ERROR"
	ErrCodeQueue = "QUEUE_ERROR"
	ErrCodeVault = "VAULT_ERROR"
)

// nonRetryableCodes never benefit from another attempt.
var nonRetryableCodes = map[string]bool{
	ErrCodeValidation:          true,
	ErrCodeDuplicateTask:       true,
	ErrCodeUnknownDependency:   true,
	ErrCodeCycleDetected:       true,
	ErrCodeExecutorUnavailable: true,
	ErrCodeNonRetryable:        true,
	ErrCodeCancelled:           true,
	ErrCodeNotFound:            true,
	ErrCodeConflict:            true,
	ErrCodeAlreadyResolved:     true,
	ErrCodeForbidden:           true,
	ErrCodeInvalidTransition:   true,
}

// FlowError is the structured error type for all taskflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Task    string         `json:"task,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.Task != "" {
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.Task, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a task attempt failing with this error may be retried.
func (e *FlowError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches a task name to the error.
func (e *FlowError) WithTask(name string) *FlowError {
	e.Task = name
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the first FlowError in err's chain, or "".
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HasCode reports whether err carries the given FlowError code.
func HasCode(err error, code string) bool {
	return ErrorCode(err) == code
}
