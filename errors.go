package dagrun

import "fmt"

// Error codes for specific failure types
const (
	ErrCodeCyclicDependency  = "CYCLIC_DEPENDENCY"
	ErrCodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	ErrCodeDuplicateTaskKey  = "DUPLICATE_TASK_KEY"
	ErrCodeTaskType          = "TASK_TYPE_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeAttemptFailed     = "ATTEMPT_FAILED"
	ErrCodePermanentFailure  = "PERMANENT_FAILURE"
	ErrCodeRunCancelled      = "RUN_CANCELLED"
	ErrCodeTimeout           = "EXECUTION_TIMEOUT"
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// WorkflowError is the coded error type used across the runtime. Stage names
// the phase that produced the error (e.g. "validation", "execution").
type WorkflowError struct {
	Code    string // machine-readable code (e.g. ErrCodeCyclicDependency)
	Stage   string // phase where the error occurred
	Message string // human-readable message
	Cause   error  // underlying error, if any
}

// Error implements the error interface.
func (e *WorkflowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause, allowing for error chaining.
func (e *WorkflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new WorkflowError.
func NewError(code, stage, message string, cause error) *WorkflowError {
	return &WorkflowError{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// IsWorkflowError reports whether err is a *WorkflowError.
func IsWorkflowError(err error) bool {
	_, ok := err.(*WorkflowError)
	return ok
}

// Specific error constructors

// NewCyclicDependencyError is raised at validation time when the dependency
// relation contains a cycle; key names a task on the cycle.
func NewCyclicDependencyError(key string) *WorkflowError {
	return NewError(ErrCodeCyclicDependency, "validation",
		fmt.Sprintf("dependency cycle detected through task '%s'", key), nil)
}

// NewUnknownDependencyError is raised when a task references a dependency key
// that does not exist in the definition.
func NewUnknownDependencyError(taskKey, depKey string) *WorkflowError {
	return NewError(ErrCodeUnknownDependency, "validation",
		fmt.Sprintf("task '%s' depends on unknown task '%s'", taskKey, depKey), nil)
}

// NewDuplicateTaskKeyError is raised when two tasks share the same key.
func NewDuplicateTaskKeyError(key string) *WorkflowError {
	return NewError(ErrCodeDuplicateTaskKey, "validation",
		fmt.Sprintf("duplicate task key '%s'", key), nil)
}

// NewTaskTypeError is raised when a task names a type with no registered
// runner. Unknown types are rejected at validation, never at dispatch.
func NewTaskTypeError(taskKey, taskType string) *WorkflowError {
	return NewError(ErrCodeTaskType, "validation",
		fmt.Sprintf("task '%s' uses unregistered task type '%s'", taskKey, taskType), nil)
}

// NewValidationError wraps a generic definition problem found before any task
// executes.
func NewValidationError(message string, cause error) *WorkflowError {
	return NewError(ErrCodeValidation, "validation", message, cause)
}

// NewAttemptError records a single recoverable attempt failure.
func NewAttemptError(taskKey string, attempt int, cause error) *WorkflowError {
	return NewError(ErrCodeAttemptFailed, "execution",
		fmt.Sprintf("attempt %d of task '%s' failed", attempt, taskKey), cause)
}

// NewPermanentFailureError records a task failure after retries were
// exhausted. The last attempt's error is retained as the cause.
func NewPermanentFailureError(taskKey string, attempts int, cause error) *WorkflowError {
	return NewError(ErrCodePermanentFailure, "execution",
		fmt.Sprintf("task '%s' failed permanently after %d attempt(s)", taskKey, attempts), cause)
}

// NewTimeoutError records an attempt that exceeded its configured timeout.
func NewTimeoutError(taskKey string, cause error) *WorkflowError {
	return NewError(ErrCodeTimeout, "execution",
		fmt.Sprintf("task '%s' timed out", taskKey), cause)
}

// NewRunCancelledError records a cooperative run-level cancellation.
func NewRunCancelledError(runID string, cause error) *WorkflowError {
	return NewError(ErrCodeRunCancelled, "execution",
		fmt.Sprintf("run '%s' cancelled", runID), cause)
}

// NewConfigurationError reports an invalid engine or component configuration.
func NewConfigurationError(message string, cause error) *WorkflowError {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

// NewStoreError reports a report-store operation failure.
func NewStoreError(operation string, cause error) *WorkflowError {
	return NewError(ErrCodeStore, "persistence",
		fmt.Sprintf("report store operation '%s' failed", operation), cause)
}

// NewInternalError reports a scheduler invariant violation. These are defects,
// not run-level failures.
func NewInternalError(stage, message string, cause error) *WorkflowError {
	return NewError(ErrCodeInternal, stage, message, cause)
}
