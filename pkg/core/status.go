package core

import "fmt"

// StepStatus represents the execution status of a step
type StepStatus int

const (
	StatusPending StepStatus = iota // Not yet started
	StatusRunning                   // Currently executing
	StatusPassed                    // Post-condition confirmed
	StatusFailed                    // Halted the flow
	StatusSkipped                   // Never reached because an earlier step failed
)

// String returns the string representation of StepStatus
func (s StepStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the status is a final state
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsSuccess returns true if the status indicates success
func (s StepStatus) IsSuccess() bool {
	return s == StatusPassed
}

// ErrorCategory classifies the type of error for better debugging and reporting
type ErrorCategory int

const (
	ErrCategoryNone      ErrorCategory = iota // No error
	ErrCategoryAssertion                      // Element not found, expected state never appeared
	ErrCategoryTimeout                        // Operation timed out
	ErrCategoryTarget                         // Browser/page connection lost or action rejected
	ErrCategoryApp                            // Application under test shows an error state
	ErrCategoryConfig                         // Invalid flow or configuration
	ErrCategoryCancelled                      // Caller cancelled the run
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNone:
		return "none"
	case ErrCategoryAssertion:
		return "assertion"
	case ErrCategoryTimeout:
		return "timeout"
	case ErrCategoryTarget:
		return "target"
	case ErrCategoryApp:
		return "app"
	case ErrCategoryConfig:
		return "config"
	case ErrCategoryCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Phase is the coarse position of a flow in its lifecycle.
type Phase int

const (
	PhasePending Phase = iota
	PhaseRunning
	PhaseCompleted
	PhaseFailed
)

// String returns the string representation of Phase
func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "Pending"
	case PhaseRunning:
		return "Running"
	case PhaseCompleted:
		return "Completed"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// FlowState is the sequencer's state: Pending -> Running(i) -> Completed | Failed(i).
// StepIndex is meaningful for Running and Failed, and -1 otherwise.
type FlowState struct {
	Phase     Phase `json:"phase"`
	StepIndex int   `json:"stepIndex"`
}

// Pending is the state before the first step starts.
func Pending() FlowState { return FlowState{Phase: PhasePending, StepIndex: -1} }

// Running is the state while step i executes.
func Running(i int) FlowState { return FlowState{Phase: PhaseRunning, StepIndex: i} }

// Completed is the state after every step passed.
func Completed() FlowState { return FlowState{Phase: PhaseCompleted, StepIndex: -1} }

// FailedAt is the state after step i halted the flow.
func FailedAt(i int) FlowState { return FlowState{Phase: PhaseFailed, StepIndex: i} }

// IsTerminal returns true for Completed and Failed.
func (s FlowState) IsTerminal() bool { return s.Phase == PhaseCompleted || s.Phase == PhaseFailed }

// String renders the state as Pending, Running(2), Completed or Failed(3).
func (s FlowState) String() string {
	switch s.Phase {
	case PhaseRunning, PhaseFailed:
		return fmt.Sprintf("%s(%d)", s.Phase, s.StepIndex)
	default:
		return s.Phase.String()
	}
}

// Status maps the state onto the report status vocabulary.
func (s FlowState) Status() StepStatus {
	switch s.Phase {
	case PhaseRunning:
		return StatusRunning
	case PhaseCompleted:
		return StatusPassed
	case PhaseFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// CanTransition reports whether moving from s to next is allowed.
// Terminal states never move again; Running may only advance forward.
func (s FlowState) CanTransition(next FlowState) bool {
	switch s.Phase {
	case PhasePending:
		return next.Phase == PhaseRunning
	case PhaseRunning:
		switch next.Phase {
		case PhaseRunning:
			return next.StepIndex > s.StepIndex
		case PhaseCompleted:
			return true
		case PhaseFailed:
			return next.StepIndex == s.StepIndex
		}
	}
	return false
}
