package core

import (
	"fmt"
)

// FailureKind classifies why a step halted the flow.
type FailureKind int

const (
	KindNone                  FailureKind = iota
	KindElementNotFound                   // No locator resolved within the timeout
	KindActionFailed                      // Element rejected the action (includes stayed-disabled)
	KindPostConditionTimeout              // Action succeeded but the expected state never appeared
	KindUnexpectedTargetState             // Error marker visible or target-level fault
	KindCancelled                         // Caller's context ended the run
)

// String returns the string representation of FailureKind
func (k FailureKind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindElementNotFound:
		return "ElementNotFound"
	case KindActionFailed:
		return "ActionFailed"
	case KindPostConditionTimeout:
		return "PostConditionTimeout"
	case KindUnexpectedTargetState:
		return "UnexpectedTargetState"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ParseFailureKind converts the String form back to a FailureKind.
func ParseFailureKind(s string) FailureKind {
	for k := KindNone; k <= KindCancelled; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindNone
}

// Retryable reports whether another attempt of the step may succeed.
// Error states and cancellation are final.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindElementNotFound, KindActionFailed, KindPostConditionTimeout:
		return true
	default:
		return false
	}
}

// Category maps the kind onto the coarse reporting category.
func (k FailureKind) Category() ErrorCategory {
	switch k {
	case KindElementNotFound:
		return ErrCategoryAssertion
	case KindPostConditionTimeout:
		return ErrCategoryTimeout
	case KindActionFailed:
		return ErrCategoryTarget
	case KindUnexpectedTargetState:
		return ErrCategoryApp
	case KindCancelled:
		return ErrCategoryCancelled
	default:
		return ErrCategoryNone
	}
}

// ExecutionError represents a structured error with category and details
type ExecutionError struct {
	Category ErrorCategory
	Kind     FailureKind
	Code     string                 // Machine-readable code: element_not_found, post_condition_timeout, etc.
	Message  string                 // Human-readable message
	Details  map[string]interface{} // Additional context
	Cause    error                  // Underlying error
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is matches any ExecutionError with the same code, so copies made by the
// With* helpers still satisfy errors.Is against the predefined values.
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

func (e *ExecutionError) clone() *ExecutionError {
	c := *e
	return &c
}

// WithCause returns a copy of the error with the given cause
func (e *ExecutionError) WithCause(cause error) *ExecutionError {
	c := e.clone()
	c.Cause = cause
	return c
}

// WithMessage returns a copy of the error with a custom message
func (e *ExecutionError) WithMessage(msg string) *ExecutionError {
	c := e.clone()
	c.Message = msg
	return c
}

// WithMessagef is WithMessage with formatting.
func (e *ExecutionError) WithMessagef(format string, args ...interface{}) *ExecutionError {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithDetails returns a copy of the error with additional details
func (e *ExecutionError) WithDetails(details map[string]interface{}) *ExecutionError {
	merged := make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	c := e.clone()
	c.Details = merged
	return c
}

// Predefined errors
var (
	// Step failures, one per FailureKind
	ErrElementNotFound = &ExecutionError{
		Category: ErrCategoryAssertion,
		Kind:     KindElementNotFound,
		Code:     "element_not_found",
		Message:  "element not found",
	}
	ErrActionFailed = &ExecutionError{
		Category: ErrCategoryTarget,
		Kind:     KindActionFailed,
		Code:     "action_failed",
		Message:  "action failed",
	}
	ErrPostConditionTimeout = &ExecutionError{
		Category: ErrCategoryTimeout,
		Kind:     KindPostConditionTimeout,
		Code:     "post_condition_timeout",
		Message:  "post-condition not met before timeout",
	}
	ErrUnexpectedTargetState = &ExecutionError{
		Category: ErrCategoryApp,
		Kind:     KindUnexpectedTargetState,
		Code:     "unexpected_target_state",
		Message:  "target is in an unexpected state",
	}
	ErrCancelled = &ExecutionError{
		Category: ErrCategoryCancelled,
		Kind:     KindCancelled,
		Code:     "cancelled",
		Message:  "run cancelled",
	}

	// Caller errors, returned instead of a result
	ErrInvalidFlow = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "invalid_flow",
		Message:  "invalid flow",
	}
	ErrTargetBusy = &ExecutionError{
		Category: ErrCategoryTarget,
		Code:     "target_busy",
		Message:  "target is already running a flow",
	}
	ErrAlreadyRun = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "already_run",
		Message:  "sequencer has already run; create a new one per flow",
	}

	// Target errors
	ErrTargetUnavailable = &ExecutionError{
		Category: ErrCategoryTarget,
		Code:     "target_unavailable",
		Message:  "could not start browser target",
	}
	ErrNavigationFailed = &ExecutionError{
		Category: ErrCategoryTarget,
		Code:     "navigation_failed",
		Message:  "navigation failed",
	}

	// Config errors
	ErrInvalidConfig = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "invalid_config",
		Message:  "invalid configuration",
	}
)

// ErrorForKind returns the predefined error for a failure kind.
func ErrorForKind(k FailureKind) *ExecutionError {
	switch k {
	case KindElementNotFound:
		return ErrElementNotFound
	case KindActionFailed:
		return ErrActionFailed
	case KindPostConditionTimeout:
		return ErrPostConditionTimeout
	case KindUnexpectedTargetState:
		return ErrUnexpectedTargetState
	case KindCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// MissReason says why a locator did not resolve to a usable element.
type MissReason string

// Miss reasons reported by targets.
const (
	MissAbsent    MissReason = "absent"    // Nothing matched
	MissAmbiguous MissReason = "ambiguous" // More than one visible, enabled match
	MissHidden    MissReason = "hidden"    // Matches exist but none is visible
	MissDisabled  MissReason = "disabled"  // A visible match exists but is disabled
)

// LocateMiss is returned by Target.Locate when the locator does not resolve
// to exactly one visible, enabled element. Any other error from Locate is a
// target fault.
type LocateMiss struct {
	Reason  MissReason
	Matches int
}

func (m *LocateMiss) Error() string {
	switch m.Reason {
	case MissAmbiguous:
		return fmt.Sprintf("locator is ambiguous (%d matches)", m.Matches)
	case MissHidden:
		return fmt.Sprintf("element is not visible (%d matches)", m.Matches)
	case MissDisabled:
		return "element is disabled"
	default:
		return "no element matches"
	}
}
