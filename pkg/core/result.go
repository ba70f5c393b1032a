package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// StepResult captures the outcome of executing a single step
type StepResult struct {
	// Identity
	Index       int    `json:"index"`  // 0-based position in flow
	StepID      string `json:"stepId"` // Step.ID
	Description string `json:"description"`
	Action      string `json:"action"` // click, fill, selectOption, waitFor

	// Status
	Status StepStatus  `json:"status"`
	Kind   FailureKind `json:"kind,omitempty"`

	// Timing
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`

	// Output
	LocatorIndex int          `json:"locatorIndex"`      // Which descriptor resolved, -1 if none
	Element      *ElementInfo `json:"element,omitempty"` // Element acted on

	// Error Details
	Error   string                 `json:"error,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`

	// Retry Tracking
	Attempts      int      `json:"attempts"`                // Attempts made (1-based)
	AttemptErrors []string `json:"attemptErrors,omitempty"` // Errors from earlier attempts
	Flaky         bool     `json:"flaky,omitempty"`         // True if passed after retry
}

func (s StepResult) clone() StepResult {
	c := s
	if s.Element != nil {
		e := *s.Element
		c.Element = &e
	}
	if s.Details != nil {
		c.Details = make(map[string]interface{}, len(s.Details))
		for k, v := range s.Details {
			c.Details[k] = v
		}
	}
	c.AttemptErrors = append([]string(nil), s.AttemptErrors...)
	return c
}

// StepFailure identifies the step that halted a flow.
type StepFailure struct {
	Index   int                    `json:"index"`
	StepID  string                 `json:"stepId"`
	Kind    FailureKind            `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (f *StepFailure) Error() string {
	return fmt.Sprintf("step %d (%s): %s: %s", f.Index, f.StepID, f.Kind, f.Message)
}

func (f *StepFailure) clone() *StepFailure {
	if f == nil {
		return nil
	}
	c := *f
	if f.Details != nil {
		c.Details = make(map[string]interface{}, len(f.Details))
		for k, v := range f.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// MarshalText encodes the kind by name.
func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *FailureKind) UnmarshalText(b []byte) error {
	*k = ParseFailureKind(string(b))
	return nil
}

// FlowResult is the immutable outcome of one flow run. It is produced by a
// FlowRecorder and passed by value; every accessor returns a copy.
type FlowResult struct {
	name       string
	state      FlowState
	startTime  time.Time
	duration   time.Duration
	steps      []StepResult
	completed  []string
	failure    *StepFailure
	artifacts  []Attachment
	diagnostic *Diagnostic
	platform   *PlatformInfo
}

// Name returns the flow name.
func (r FlowResult) Name() string { return r.name }

// State returns the final state.
func (r FlowResult) State() FlowState { return r.state }

// Status maps the final state onto a StepStatus.
func (r FlowResult) Status() StepStatus { return r.state.Status() }

// Success returns true if every step passed.
func (r FlowResult) Success() bool { return r.state.Phase == PhaseCompleted }

// StartTime returns when the run began.
func (r FlowResult) StartTime() time.Time { return r.startTime }

// Duration returns the wall-clock duration of the run.
func (r FlowResult) Duration() time.Duration { return r.duration }

// CompletedSteps returns the IDs of the steps that passed, in order.
func (r FlowResult) CompletedSteps() []string {
	return append([]string(nil), r.completed...)
}

// Failure returns the failing step, or nil if the flow completed.
func (r FlowResult) Failure() *StepFailure { return r.failure.clone() }

// Steps returns the per-step results for every step that started.
func (r FlowResult) Steps() []StepResult {
	out := make([]StepResult, len(r.steps))
	for i, s := range r.steps {
		out[i] = s.clone()
	}
	return out
}

// Artifacts returns the diagnostic attachments captured on halt.
func (r FlowResult) Artifacts() []Attachment {
	out := make([]Attachment, len(r.artifacts))
	for i, a := range r.artifacts {
		out[i] = a
		out[i].Body = append([]byte(nil), a.Body...)
	}
	return out
}

// Diagnostic returns a copy of the final diagnostic, or nil if none was captured.
func (r FlowResult) Diagnostic() *Diagnostic {
	if r.diagnostic == nil {
		return nil
	}
	d := *r.diagnostic
	d.Screenshot = append([]byte(nil), r.diagnostic.Screenshot...)
	d.Console = append([]LogEntry(nil), r.diagnostic.Console...)
	return &d
}

// Platform returns the target's platform info, or nil.
func (r FlowResult) Platform() *PlatformInfo {
	if r.platform == nil {
		return nil
	}
	p := *r.platform
	return &p
}

type flowResultJSON struct {
	Name           string        `json:"name"`
	State          string        `json:"state"`
	Status         string        `json:"status"`
	StartTime      time.Time     `json:"startTime"`
	Duration       int64         `json:"durationMs"`
	CompletedSteps []string      `json:"completedSteps"`
	Failure        *StepFailure  `json:"failure,omitempty"`
	Steps          []StepResult  `json:"steps"`
	Artifacts      []Attachment  `json:"artifacts,omitempty"`
	Diagnostic     *Diagnostic   `json:"diagnostic,omitempty"`
	Platform       *PlatformInfo `json:"platform,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r FlowResult) MarshalJSON() ([]byte, error) {
	completed := r.completed
	if completed == nil {
		completed = []string{}
	}
	steps := r.steps
	if steps == nil {
		steps = []StepResult{}
	}
	return json.Marshal(flowResultJSON{
		Name:           r.name,
		State:          r.state.String(),
		Status:         r.state.Status().String(),
		StartTime:      r.startTime,
		Duration:       r.duration.Milliseconds(),
		CompletedSteps: completed,
		Failure:        r.failure,
		Steps:          steps,
		Artifacts:      r.artifacts,
		Diagnostic:     r.diagnostic,
		Platform:       r.platform,
	})
}

// FlowRecorder accumulates step outcomes during a run and produces the
// final FlowResult. It is safe for concurrent use.
type FlowRecorder struct {
	mu         sync.Mutex
	name       string
	startTime  time.Time
	steps      []StepResult
	completed  []string
	failure    *StepFailure
	diagnostic *Diagnostic
	platform   *PlatformInfo
}

// NewFlowRecorder starts recording a run.
func NewFlowRecorder(name string, start time.Time) *FlowRecorder {
	return &FlowRecorder{name: name, startTime: start}
}

// SetPlatform records the target's platform info.
func (r *FlowRecorder) SetPlatform(p *PlatformInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platform = p
}

// Record appends a step result. Passed steps are added to the completed list.
func (r *FlowRecorder) Record(s StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, s.clone())
	if s.Status == StatusPassed {
		r.completed = append(r.completed, s.StepID)
	}
}

// Fail marks the step that halted the flow. Only the first call counts.
func (r *FlowRecorder) Fail(f StepFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure == nil {
		r.failure = f.clone()
	}
}

// SetDiagnostic attaches the final diagnostic.
func (r *FlowRecorder) SetDiagnostic(d *Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diagnostic = d
}

// Finish produces the immutable result. The recorder keeps no reference to
// the slices it hands out.
func (r *FlowRecorder) Finish(state FlowState, end time.Time) FlowResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	steps := make([]StepResult, len(r.steps))
	for i, s := range r.steps {
		steps[i] = s.clone()
	}

	var diag *Diagnostic
	if r.diagnostic != nil {
		d := *r.diagnostic
		diag = &d
	}
	var platform *PlatformInfo
	if r.platform != nil {
		p := *r.platform
		platform = &p
	}

	return FlowResult{
		name:       r.name,
		state:      state,
		startTime:  r.startTime,
		duration:   end.Sub(r.startTime),
		steps:      steps,
		completed:  append([]string(nil), r.completed...),
		failure:    r.failure.clone(),
		artifacts:  diag.Attachments(),
		diagnostic: diag,
		platform:   platform,
	}
}

// SuiteResult captures the complete outcome of executing multiple flows
type SuiteResult struct {
	// Identity
	Name  string `json:"name"`
	RunID string `json:"runId"`

	// Timing
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`

	// Results
	Flows []FlowResult `json:"flows"`

	// Summary
	TotalFlows   int `json:"totalFlows"`
	PassedFlows  int `json:"passedFlows"`
	FailedFlows  int `json:"failedFlows"`
	SkippedFlows int `json:"skippedFlows"`
	FlakyFlows   int `json:"flakyFlows,omitempty"` // Flows with steps that passed after retry
}

// ComputeSummary calculates flow counts from the Flows slice
func (s *SuiteResult) ComputeSummary() {
	s.TotalFlows = len(s.Flows)
	s.PassedFlows = 0
	s.FailedFlows = 0
	s.SkippedFlows = 0
	s.FlakyFlows = 0

	for _, flow := range s.Flows {
		switch flow.Status() {
		case StatusPassed:
			s.PassedFlows++
		case StatusFailed:
			s.FailedFlows++
		default:
			s.SkippedFlows++
		}
		for _, step := range flow.steps {
			if step.Flaky {
				s.FlakyFlows++
				break
			}
		}
	}
}
