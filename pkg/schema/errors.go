package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDuplicateNode     = "DUPLICATE_NODE"
	ErrCodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeTaskExecution     = "TASK_EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeRunFailed         = "RUN_FAILED"
)

// Sentinels for errors.Is. A FlowError matches a sentinel when the codes are equal.
var (
	ErrValidation        = &FlowError{Code: ErrCodeValidation, Message: "validation failed"}
	ErrDuplicateNode     = &FlowError{Code: ErrCodeDuplicateNode, Message: "duplicate node id"}
	ErrUnknownDependency = &FlowError{Code: ErrCodeUnknownDependency, Message: "unknown dependency"}
	ErrCyclicDependency  = &FlowError{Code: ErrCodeCycleDetected, Message: "cyclic dependency"}
	ErrTaskExecution     = &FlowError{Code: ErrCodeTaskExecution, Message: "task execution failed"}
	ErrTimeout           = &FlowError{Code: ErrCodeTimeout, Message: "node timed out"}
	ErrCancelled         = &FlowError{Code: ErrCodeCancelled, Message: "run cancelled"}
	ErrNotFound          = &FlowError{Code: ErrCodeNotFound, Message: "not found"}
	ErrRunFailed         = &FlowError{Code: ErrCodeRunFailed, Message: "run failed"}
)

// FlowError is the structured error type for every flowrun operation.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a FlowError with the same code.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable reports whether an operation failing with this error may be attempted again.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTaskExecution, ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
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
