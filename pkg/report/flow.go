package report

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/devicelab-dev/wizard-runner/pkg/logger"
)

// FlowWriter writes updates for a single flow.
// Each flow goroutine has its own FlowWriter - no locking needed.
type FlowWriter struct {
	flow      *FlowDetail
	path      string
	assetsDir string
	index     *IndexWriter
}

// StepOutcome is what a finished step reports back to the writer.
type StepOutcome struct {
	Status        Status
	Element       *Element
	Error         *Error
	Attempts      int
	AttemptErrors []string
	Flaky         bool
}

// FlowOutcome is the final state of a flow.
type FlowOutcome struct {
	Status         Status
	State          string // Completed, Failed(3)
	CompletedSteps []string
	Failure        *Failure
}

// NewFlowWriter creates a new FlowWriter for a flow.
func NewFlowWriter(flowDetail *FlowDetail, outputDir string, index *IndexWriter) *FlowWriter {
	flowPath := filepath.Join(outputDir, "flows", flowDetail.ID+".json")
	assetsDir := filepath.Join(outputDir, "assets", flowDetail.ID)

	if err := ensureDir(assetsDir); err != nil {
		logger.Warn("create assets dir %s: %v", assetsDir, err)
	}

	return &FlowWriter{
		flow:      flowDetail,
		path:      flowPath,
		assetsDir: assetsDir,
		index:     index,
	}
}

// Start marks the flow as started.
func (w *FlowWriter) Start() {
	now := time.Now()
	w.flow.StartTime = now
	w.flow.State = "Pending"

	w.flush()
	w.updateIndex(StatusRunning, &now, nil, nil, nil)
}

// SetTarget records the target that runs this flow.
func (w *FlowWriter) SetTarget(t Target) {
	w.flow.Target = &t
	w.flush()
}

// StepStart marks a step as started.
func (w *FlowWriter) StepStart(stepIndex int) {
	if stepIndex < 0 || stepIndex >= len(w.flow.Steps) {
		return
	}

	now := time.Now()
	step := &w.flow.Steps[stepIndex]
	step.Status = StatusRunning
	step.StartTime = &now
	w.flow.State = runningState(stepIndex)

	w.flush()
	w.updateIndexProgress()
}

// StepAttempt records that a step started another attempt.
func (w *FlowWriter) StepAttempt(stepIndex, attempt int) {
	if stepIndex < 0 || stepIndex >= len(w.flow.Steps) {
		return
	}
	w.flow.Steps[stepIndex].Attempts = attempt
	w.flush()
}

// StepEnd marks a step as complete.
func (w *FlowWriter) StepEnd(stepIndex int, out StepOutcome) {
	if stepIndex < 0 || stepIndex >= len(w.flow.Steps) {
		return
	}

	now := time.Now()
	step := &w.flow.Steps[stepIndex]
	step.Status = out.Status
	step.EndTime = &now

	if step.StartTime != nil {
		duration := now.Sub(*step.StartTime).Milliseconds()
		step.Duration = &duration
	}

	step.Element = out.Element
	step.Error = out.Error
	step.Attempts = out.Attempts
	step.AttemptErrors = out.AttemptErrors
	step.Flaky = out.Flaky

	w.flush()
	w.updateIndexProgress()
}

// End marks the flow as complete.
func (w *FlowWriter) End(out FlowOutcome) {
	now := time.Now()
	w.flow.EndTime = &now
	w.flow.State = out.State
	w.flow.CompletedSteps = out.CompletedSteps
	w.flow.Failure = out.Failure

	var duration int64
	if !w.flow.StartTime.IsZero() {
		duration = now.Sub(w.flow.StartTime).Milliseconds()
		w.flow.Duration = &duration
	}

	w.flush()

	var errMsg *string
	if out.Failure != nil {
		msg := out.Failure.Kind + ": " + out.Failure.Message
		errMsg = &msg
	}
	w.updateIndex(out.Status, nil, &now, &duration, errMsg)
}

// SetFlowArtifacts sets flow-level artifacts (diagnostic paths).
func (w *FlowWriter) SetFlowArtifacts(artifacts FlowArtifacts) {
	w.flow.Artifacts = artifacts
	w.flush()
}

// SetSuggestion attaches a "did you mean" hint to a failed step.
func (w *FlowWriter) SetSuggestion(stepIndex int, suggestion string) {
	if stepIndex < 0 || stepIndex >= len(w.flow.Steps) {
		return
	}
	if step := &w.flow.Steps[stepIndex]; step.Error != nil {
		step.Error.Suggestion = suggestion
		w.flush()
	}
}

// SaveAsset writes a diagnostic file into the flow's assets directory and
// returns its path relative to the report root.
func (w *FlowWriter) SaveAsset(filename string, data []byte) (string, error) {
	absPath := filepath.Join(w.assetsDir, filename)

	if err := os.WriteFile(absPath, data, 0o644); err != nil {
		return "", err
	}

	// Return relative path for JSON
	return filepath.Join("assets", w.flow.ID, filename), nil
}

// GetFlowDetail returns the current flow detail (for reading).
func (w *FlowWriter) GetFlowDetail() *FlowDetail {
	return w.flow
}

// flush writes the flow detail to disk.
func (w *FlowWriter) flush() {
	if err := atomicWriteJSON(w.path, w.flow); err != nil {
		logger.Warn("write flow %s: %v", w.flow.ID, err)
	}
}

// updateIndex updates the index with current flow state.
func (w *FlowWriter) updateIndex(status Status, startTime, endTime *time.Time, duration *int64, errMsg *string) {
	w.index.UpdateFlow(w.flow.ID, &FlowUpdate{
		Status:    status,
		State:     w.flow.State,
		StartTime: startTime,
		EndTime:   endTime,
		Duration:  duration,
		Steps:     w.stepSummary(),
		Flaky:     w.flaky(),
		Error:     errMsg,
	})
}

// updateIndexProgress updates the index with progress only.
func (w *FlowWriter) updateIndexProgress() {
	w.index.UpdateFlow(w.flow.ID, &FlowUpdate{
		Status: StatusRunning,
		State:  w.flow.State,
		Steps:  w.stepSummary(),
		Flaky:  w.flaky(),
	})
}

func (w *FlowWriter) stepSummary() StepSummary {
	return summarizeSteps(w.flow.Steps)
}

func (w *FlowWriter) flaky() bool {
	for _, s := range w.flow.Steps {
		if s.Flaky {
			return true
		}
	}
	return false
}

// SkipRemainingSteps marks all pending steps as skipped.
// Called when a step fails and the rest will never run.
func (w *FlowWriter) SkipRemainingSteps(fromIndex int) {
	for i := fromIndex; i < len(w.flow.Steps); i++ {
		if w.flow.Steps[i].Status == StatusPending {
			w.flow.Steps[i].Status = StatusSkipped
		}
	}
	w.flush()
}

func runningState(i int) string {
	return "Running(" + strconv.Itoa(i) + ")"
}
