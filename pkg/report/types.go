// Package report provides JSON-based run reporting with real-time updates.
//
// Architecture:
//   - report.json: Main index file (small, frequently updated, mutex-protected)
//   - flows/flow-XXX.json: Per-flow detail files (no lock needed)
//   - assets/flow-XXX/: Per-flow diagnostics (screenshot, DOM, console, page.md)
//   - report.md / report.html: Human-readable summary rendered from the JSON
//
// The index file serves as single source of truth for status and change tracking.
// Consumers poll report.json and only fetch changed flow details as needed.
package report

import "time"

// Version is the report schema version.
const Version = "1.0.0"

// Status represents the execution status.
type Status string

// Status values.
const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// IsTerminal returns true if the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusPassed || s == StatusFailed || s == StatusSkipped
}

// ============================================================================
// INDEX (report.json)
// ============================================================================

// Index is the main report file that binds everything together.
// It contains minimal info for efficient polling and change detection.
type Index struct {
	Version     string      `json:"version"`
	RunID       string      `json:"runId,omitempty"`
	UpdateSeq   uint64      `json:"updateSeq"`
	Status      Status      `json:"status"`
	StartTime   time.Time   `json:"startTime"`
	EndTime     *time.Time  `json:"endTime,omitempty"`
	LastUpdated time.Time   `json:"lastUpdated"`
	Target      Target      `json:"target"`
	CI          *CI         `json:"ci,omitempty"`
	Runner      RunnerInfo  `json:"wizardRunner"`
	Summary     Summary     `json:"summary"`
	Flows       []FlowEntry `json:"flows"`
}

// Target describes the browser (or mock) the flows ran against.
type Target struct {
	Platform       string `json:"platform"` // chrome, mock
	BrowserVersion string `json:"browserVersion,omitempty"`
	UserAgent      string `json:"userAgent,omitempty"`
	Headless       bool   `json:"headless"`
	ViewportWidth  int    `json:"viewportWidth,omitempty"`
	ViewportHeight int    `json:"viewportHeight,omitempty"`
	Workers        int    `json:"workers,omitempty"`
}

// CI contains CI/CD build information.
type CI struct {
	Provider      string `json:"provider,omitempty"`
	BuildID       string `json:"buildId,omitempty"`
	BuildURL      string `json:"buildUrl,omitempty"`
	Branch        string `json:"branch,omitempty"`
	Commit        string `json:"commit,omitempty"`
	CommitMessage string `json:"commitMessage,omitempty"`
}

// RunnerInfo contains wizard-runner information.
type RunnerInfo struct {
	Version string `json:"version"`
	Driver  string `json:"driver"` // chrome, mock
}

// Summary contains aggregated counts.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Running int `json:"running"`
	Pending int `json:"pending"`
	Flaky   int `json:"flaky,omitempty"`
}

// FlowEntry is the index entry for a flow (minimal info).
type FlowEntry struct {
	Index       int         `json:"index"`      // Original position
	ID          string      `json:"id"`         // Unique flow ID
	Name        string      `json:"name"`       // Display name
	SourceFile  string      `json:"sourceFile"` // Path to YAML file
	DataFile    string      `json:"dataFile"`   // Path to flow detail JSON
	AssetsDir   string      `json:"assetsDir"`  // Path to assets directory
	Status      Status      `json:"status"`
	State       string      `json:"state,omitempty"` // Pending, Running(2), Completed, Failed(3)
	UpdateSeq   uint64      `json:"updateSeq"`
	StartTime   *time.Time  `json:"startTime,omitempty"`
	EndTime     *time.Time  `json:"endTime,omitempty"`
	Duration    *int64      `json:"duration,omitempty"` // milliseconds
	LastUpdated *time.Time  `json:"lastUpdated,omitempty"`
	Steps       StepSummary `json:"steps"`
	Flaky       bool        `json:"flaky,omitempty"`
	WorkerID    int         `json:"workerId,omitempty"`
	Error       *string     `json:"error,omitempty"`
}

// StepSummary contains step counts for a flow.
type StepSummary struct {
	Total   int  `json:"total"`
	Passed  int  `json:"passed"`
	Failed  int  `json:"failed"`
	Skipped int  `json:"skipped"`
	Running int  `json:"running"`
	Pending int  `json:"pending"`
	Current *int `json:"current,omitempty"` // Currently running step index
}

// ============================================================================
// FLOW DETAIL (flows/flow-XXX.json)
// ============================================================================

// FlowDetail contains full flow execution details.
type FlowDetail struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	SourceFile     string        `json:"sourceFile"`
	URL            string        `json:"url,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
	Target         *Target       `json:"target,omitempty"` // Target that ran this flow (for multi-worker runs)
	StartTime      time.Time     `json:"startTime"`
	EndTime        *time.Time    `json:"endTime,omitempty"`
	Duration       *int64        `json:"duration,omitempty"` // milliseconds
	State          string        `json:"state,omitempty"`
	CompletedSteps []string      `json:"completedSteps,omitempty"`
	Failure        *Failure      `json:"failure,omitempty"`
	Steps          []Step        `json:"steps"`
	Artifacts      FlowArtifacts `json:"artifacts"`
}

// Failure identifies the step that halted the flow.
type Failure struct {
	StepIndex int    `json:"stepIndex"`
	StepID    string `json:"stepId"`
	Kind      string `json:"kind"` // ElementNotFound, ActionFailed, PostConditionTimeout, ...
	Message   string `json:"message"`
}

// Step represents a single step execution.
type Step struct {
	ID            string      `json:"id"` // Step ID from the flow file
	Index         int         `json:"index"`
	Action        string      `json:"action"`
	Label         string      `json:"label,omitempty"`
	Description   string      `json:"description,omitempty"`
	Status        Status      `json:"status"`
	StartTime     *time.Time  `json:"startTime,omitempty"`
	EndTime       *time.Time  `json:"endTime,omitempty"`
	Duration      *int64      `json:"duration,omitempty"` // milliseconds
	Params        *StepParams `json:"params,omitempty"`
	Element       *Element    `json:"element,omitempty"`
	Error         *Error      `json:"error,omitempty"`
	Attempts      int         `json:"attempts,omitempty"`
	AttemptErrors []string    `json:"attemptErrors,omitempty"`
	Flaky         bool        `json:"flaky,omitempty"`
}

// StepParams contains the step's declared inputs.
type StepParams struct {
	Locators []Selector `json:"locators,omitempty"`
	Text     string     `json:"text,omitempty"`
	Option   string     `json:"option,omitempty"`
	Until    string     `json:"until,omitempty"`
	Timeout  int        `json:"timeout,omitempty"`
	Retries  *int       `json:"retries,omitempty"`
}

// Selector represents one element locator.
type Selector struct {
	Type  string `json:"type"` // testId, role, text, css, attributes, combined
	Value string `json:"value"`
}

// Element contains information about the element the step acted on.
type Element struct {
	Found        bool    `json:"found"`
	LocatorIndex int     `json:"locatorIndex"`
	Tag          string  `json:"tag,omitempty"`
	Role         string  `json:"role,omitempty"`
	Name         string  `json:"name,omitempty"`
	TestID       string  `json:"testId,omitempty"`
	Bounds       *Bounds `json:"bounds,omitempty"`
}

// Bounds represents element bounds.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Error contains error details.
type Error struct {
	Type       string `json:"type"` // assertion, timeout, target, app, cancelled
	Kind       string `json:"kind"` // failure kind
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ============================================================================
// ARTIFACTS (paths only, never inline data)
// ============================================================================

// FlowArtifacts contains the paths of the diagnostics captured when the flow ended.
type FlowArtifacts struct {
	URL         string `json:"url,omitempty"`   // Page URL at capture time
	Title       string `json:"title,omitempty"` // Page title at capture time
	Screenshot  string `json:"screenshot,omitempty"`
	DOM         string `json:"dom,omitempty"`
	Console     string `json:"console,omitempty"`
	Page        string `json:"page,omitempty"` // Markdown rendering of the DOM
	Suggestions string `json:"suggestions,omitempty"`
}

// ============================================================================
// UPDATE TYPES
// ============================================================================

// FlowUpdate contains the fields to update in index for a flow.
type FlowUpdate struct {
	Status    Status
	State     string
	StartTime *time.Time
	EndTime   *time.Time
	Duration  *int64
	Steps     StepSummary
	Flaky     bool
	Error     *string
}
