// Package executor drives targets through flows and connects them to reports.
package executor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/devicelab-dev/wizard-runner/pkg/core"
	"github.com/devicelab-dev/wizard-runner/pkg/flow"
	"github.com/devicelab-dev/wizard-runner/pkg/logger"
	"github.com/devicelab-dev/wizard-runner/pkg/report"
)

// DefaultSuggestionLimit is the number of "did you mean" candidates kept per failure.
const DefaultSuggestionLimit = 3

// RunnerConfig configures the test runner.
type RunnerConfig struct {
	OutputDir  string              // Report output directory
	RunID      string              // Generated when empty
	StopOnFail bool                // Skip remaining flows after the first failure
	Artifacts  core.ArtifactConfig // Which diagnostics to write
	HTML       report.HTMLConfig   // Live HTML summary options

	// Target info for reports, merged with what the target reports itself
	Target report.Target
	CI     *report.CI

	// Runner metadata
	RunnerVersion string
	DriverName    string

	// Variables applied after each flow's env, so they win
	Env map[string]string

	// Sequencer defaults; a flow's own timeout and retries take precedence
	PollInterval     time.Duration
	DefaultTimeoutMs int
	DefaultRetries   int
	ErrorMarkers     []string
	Clock            Clock

	SuggestionLimit int

	// Live progress callbacks
	OnFlowStart    func(flowIdx, totalFlows int, name, file string)
	OnStepComplete func(idx int, desc string, passed bool, durationMs int64, err string)
	OnFlowEnd      func(name string, passed bool, durationMs int64)
}

// RunResult contains the outcome of a test run.
type RunResult struct {
	RunID        string
	Status       report.Status
	TotalFlows   int
	PassedFlows  int
	FailedFlows  int
	SkippedFlows int
	FlakyFlows   int
	Duration     int64 // Total duration in milliseconds
	FlowResults  []FlowResult
}

// FlowResult contains the outcome of a single flow execution.
type FlowResult struct {
	ID             string
	Name           string
	SourceFile     string
	Status         report.Status
	State          string // Pending, Completed, Failed(3)
	Duration       int64
	Error          string
	Kind           string // Failure kind of the halting step
	FailedStep     int    // -1 unless a step halted the flow
	CompletedSteps []string
	Flaky          bool
	WorkerID       int
	StepsTotal     int
	StepsPassed    int
	StepsFailed    int
	StepsSkipped   int

	// Result is the sequencer's result, nil when no step ran.
	Result *core.FlowResult
}

// Runner runs flows one after another on a single target.
type Runner struct {
	config RunnerConfig
	target core.Target
}

// New creates a new Runner.
func New(target core.Target, cfg RunnerConfig) *Runner {
	return &Runner{
		config: withDefaults(cfg),
		target: target,
	}
}

func withDefaults(cfg RunnerConfig) RunnerConfig {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.SuggestionLimit <= 0 {
		cfg.SuggestionLimit = DefaultSuggestionLimit
	}
	return cfg
}

// Run executes all flows and generates reports.
func (r *Runner) Run(ctx context.Context, flows []flow.Flow) (*RunResult, error) {
	index, flowDetails, indexWriter, err := startReport(r.config, flows)
	if err != nil {
		return nil, err
	}
	defer indexWriter.Close()

	if info := r.target.Info(); info != nil {
		indexWriter.SetTarget(platformToTarget(info))
	}
	indexWriter.Start()
	logger.Info("run %s started: %d flows", index.RunID, len(flows))

	results := make([]FlowResult, len(flows))
	stopped := false
	for i := range flows {
		if stopped || ctx.Err() != nil {
			reason := "run stopped"
			if ctx.Err() != nil {
				reason = "run cancelled"
			}
			results[i] = skipFlow(r.config, &flowDetails[i], indexWriter, reason)
			continue
		}

		results[i] = r.executeFlow(ctx, flows[i], &flowDetails[i], indexWriter, i, len(flows), 0)
		if r.config.StopOnFail && results[i].Status == report.StatusFailed {
			stopped = true
		}
	}

	indexWriter.End()

	var total int64
	for _, fr := range results {
		total += fr.Duration
	}
	result := buildRunResult(r.config.RunID, results, total)
	logger.Info("run %s finished: %s (%d passed, %d failed, %d skipped)",
		result.RunID, result.Status, result.PassedFlows, result.FailedFlows, result.SkippedFlows)
	return result, nil
}

// executeFlow runs a single flow.
func (r *Runner) executeFlow(ctx context.Context, f flow.Flow, detail *report.FlowDetail, indexWriter *report.IndexWriter, flowIdx, totalFlows, workerID int) FlowResult {
	fr := &FlowRunner{
		ctx:         ctx,
		flow:        f,
		detail:      detail,
		target:      r.target,
		config:      r.config,
		indexWriter: indexWriter,
		flowIdx:     flowIdx,
		totalFlows:  totalFlows,
		workerID:    workerID,
	}
	return fr.Run()
}

// startReport builds and writes the report skeleton and opens the index writer.
func startReport(cfg RunnerConfig, flows []flow.Flow) (*report.Index, []report.FlowDetail, *report.IndexWriter, error) {
	if cfg.OutputDir == "" {
		return nil, nil, nil, core.ErrInvalidConfig.WithMessage("output directory is required")
	}

	index, flowDetails, err := report.BuildSkeleton(flows, report.BuilderConfig{
		OutputDir:     cfg.OutputDir,
		RunID:         cfg.RunID,
		Target:        cfg.Target,
		CI:            cfg.CI,
		RunnerVersion: cfg.RunnerVersion,
		DriverName:    cfg.DriverName,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	if err := report.WriteSkeleton(cfg.OutputDir, index, flowDetails); err != nil {
		return nil, nil, nil, err
	}

	indexWriter := report.NewIndexWriter(cfg.OutputDir, index)
	indexWriter.SetHTMLConfig(cfg.HTML)
	return index, flowDetails, indexWriter, nil
}

// skipFlow records a flow that never started.
func skipFlow(cfg RunnerConfig, detail *report.FlowDetail, indexWriter *report.IndexWriter, reason string) FlowResult {
	fw := report.NewFlowWriter(detail, cfg.OutputDir, indexWriter)
	fw.SkipRemainingSteps(0)
	fw.End(report.FlowOutcome{Status: report.StatusSkipped, State: core.Pending().String()})

	return FlowResult{
		ID:           detail.ID,
		Name:         detail.Name,
		SourceFile:   detail.SourceFile,
		Status:       report.StatusSkipped,
		State:        core.Pending().String(),
		Error:        reason,
		FailedStep:   -1,
		StepsTotal:   len(detail.Steps),
		StepsSkipped: len(detail.Steps),
	}
}

// buildRunResult aggregates flow results into a run result.
func buildRunResult(runID string, flowResults []FlowResult, durationMs int64) *RunResult {
	result := &RunResult{
		RunID:       runID,
		TotalFlows:  len(flowResults),
		FlowResults: flowResults,
		Duration:    durationMs,
	}

	for _, fr := range flowResults {
		switch fr.Status {
		case report.StatusPassed:
			result.PassedFlows++
		case report.StatusFailed:
			result.FailedFlows++
		case report.StatusSkipped:
			result.SkippedFlows++
		}
		if fr.Flaky {
			result.FlakyFlows++
		}
	}

	// Skipped flows alone do not fail a run
	if result.FailedFlows > 0 {
		result.Status = report.StatusFailed
	} else {
		result.Status = report.StatusPassed
	}

	return result
}

// Suite converts the run into a core.SuiteResult over the flows that ran.
func (r *RunResult) Suite(name string, start time.Time) core.SuiteResult {
	suite := core.SuiteResult{
		Name:      name,
		RunID:     r.RunID,
		StartTime: start,
		Duration:  time.Duration(r.Duration) * time.Millisecond,
	}
	for _, fr := range r.FlowResults {
		if fr.Result != nil {
			suite.Flows = append(suite.Flows, *fr.Result)
		}
	}
	suite.ComputeSummary()
	return suite
}
