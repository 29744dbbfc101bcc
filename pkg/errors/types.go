package errors

import (
	"fmt"
	"time"
)

// Kind identifies an error category in the coordinator taxonomy.
// Kinds are stable strings: they appear in workflow.failed payloads and in
// persisted trace events, so renaming one is a wire-format change.
type Kind string

const (
	KindValidation Kind = "ValidationError"
	KindMapping    Kind = "MappingError"
	KindTransient  Kind = "ActionTransientError"
	KindFatal      Kind = "ActionFatalError"
	KindCondition  Kind = "ConditionFailed"
	KindMergeType  Kind = "MergeTypeError"
	KindTimeout    Kind = "TimedOut"
	KindCancelled  Kind = "Cancelled"
	KindInternal   Kind = "InternalInvariantError"
)

// ValidationError reports a schema or definition validation failure.
// Use this for task input/output schema mismatches and malformed definitions.
type ValidationError struct {
	// Field identifies which field or path failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Kind implements Classifier.
func (e *ValidationError) Kind() Kind { return KindValidation }

// IsRetryable implements Classifier.
func (e *ValidationError) IsRetryable() bool { return false }

// MappingError reports an invalid JSONPath or a write to a protected scope.
type MappingError struct {
	// Path is the JSONPath that failed
	Path string

	// Message explains what went wrong
	Message string
}

// Error implements the error interface.
func (e *MappingError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("mapping error at %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("mapping error: %s", e.Message)
}

// Kind implements Classifier.
func (e *MappingError) Kind() Kind { return KindMapping }

// IsRetryable implements Classifier.
func (e *MappingError) IsRetryable() bool { return false }

// ActionError reports a failure from the action executor. Transient errors
// are subject to step retry policy; fatal errors go straight to onFailure
// handling.
type ActionError struct {
	// ActionRef identifies the action that failed
	ActionRef string

	// Reason is the executor-supplied failure description
	Reason string

	// Transient marks the error as retryable
	Transient bool

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	class := "fatal"
	if e.Transient {
		class = "transient"
	}
	if e.ActionRef != "" {
		return fmt.Sprintf("action %s failed (%s): %s", e.ActionRef, class, e.Reason)
	}
	return fmt.Sprintf("action failed (%s): %s", class, e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ActionError) Unwrap() error { return e.Cause }

// Kind implements Classifier.
func (e *ActionError) Kind() Kind {
	if e.Transient {
		return KindTransient
	}
	return KindFatal
}

// IsRetryable implements Classifier.
func (e *ActionError) IsRetryable() bool { return e.Transient }

// ConditionFailedError reports a step condition that resolved to the fail
// outcome.
type ConditionFailedError struct {
	// StepRef identifies the step whose condition failed
	StepRef string

	// Expression is the condition expression text
	Expression string
}

// Error implements the error interface.
func (e *ConditionFailedError) Error() string {
	return fmt.Sprintf("step %s condition directed failure: %s", e.StepRef, e.Expression)
}

// Kind implements Classifier.
func (e *ConditionFailedError) Kind() Kind { return KindCondition }

// IsRetryable implements Classifier.
func (e *ConditionFailedError) IsRetryable() bool { return false }

// MergeTypeError reports a synchronization merge applied to incompatible
// value types (for example sum over a string).
type MergeTypeError struct {
	// Strategy is the merge strategy that failed
	Strategy string

	// Target is the merge target path
	Target string

	// Message explains the type mismatch
	Message string
}

// Error implements the error interface.
func (e *MergeTypeError) Error() string {
	return fmt.Sprintf("merge %s into %s: %s", e.Strategy, e.Target, e.Message)
}

// Kind implements Classifier.
func (e *MergeTypeError) Kind() Kind { return KindMergeType }

// IsRetryable implements Classifier.
func (e *MergeTypeError) IsRetryable() bool { return false }

// TimeoutError reports an exceeded task or action deadline.
type TimeoutError struct {
	// Scope describes what timed out ("task", "action")
	Scope string

	// Limit is the configured deadline
	Limit time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded deadline of %s", e.Scope, e.Limit)
}

// Kind implements Classifier.
func (e *TimeoutError) Kind() Kind { return KindTimeout }

// IsRetryable implements Classifier.
func (e *TimeoutError) IsRetryable() bool { return false }

// CancelledError reports an externally cancelled run.
type CancelledError struct {
	// RunID is the cancelled run
	RunID string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("run %s cancelled", e.RunID)
}

// Kind implements Classifier.
func (e *CancelledError) Kind() Kind { return KindCancelled }

// IsRetryable implements Classifier.
func (e *CancelledError) IsRetryable() bool { return false }

// InternalError reports an impossible state: a coordinator bug, not a user
// error. The run fails and the message is surfaced with the stack in the
// trace stream.
type InternalError struct {
	// Message describes the violated invariant
	Message string

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	return fmt.Sprintf("internal invariant violated: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InternalError) Unwrap() error { return e.Cause }

// Kind implements Classifier.
func (e *InternalError) Kind() Kind { return KindInternal }

// IsRetryable implements Classifier.
func (e *InternalError) IsRetryable() bool { return false }

// Internalf builds an InternalError from a format string.
func Internalf(format string, args ...any) *InternalError {
	return &InternalError{Message: fmt.Sprintf(format, args...)}
}
