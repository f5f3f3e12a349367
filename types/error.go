package types

import "fmt"

// ErrorCode classifies an error across the framework.
type ErrorCode string

// Validation error codes. These reject a workflow at submission and are
// never queued.
const (
	ErrCodeValidation        ErrorCode = "VALIDATION"
	ErrCodeCycle             ErrorCode = "CYCLE"
	ErrCodeUnknownDependency ErrorCode = "UNKNOWN_DEPENDENCY"
	ErrCodeSelfDependency    ErrorCode = "SELF_DEPENDENCY"
)

// Execution error codes.
const (
	ErrCodeExecution           ErrorCode = "EXECUTION"
	ErrCodeTimeout             ErrorCode = "TIMEOUT"
	ErrCodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeResourceExhausted   ErrorCode = "RESOURCE_EXHAUSTED"
	ErrCodeCancelled           ErrorCode = "CANCELLED"
	ErrCodeWorkerUnavailable   ErrorCode = "WORKER_UNAVAILABLE"
	ErrCodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeInternal            ErrorCode = "INTERNAL"
)

// Error is the structured error carried through the scheduler. Code selects
// retry and routing behavior; Retryable marks errors subject to the task's
// retry policy.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithTaskID attaches the task the error belongs to.
func (e *Error) WithTaskID(id string) *Error {
	e.TaskID = id
	return e
}

// WithRetryable marks the error as subject to retry policy.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks whether the error is marked retryable. Timeouts are
// always policy-retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable || e.Code == ErrCodeTimeout
	}
	return false
}

// GetErrorCode extracts the error code from an error, or "" for plain errors.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
