package executor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	"github.com/devicelab-dev/wizard-runner/pkg/core"
	"github.com/devicelab-dev/wizard-runner/pkg/flow"
	"github.com/devicelab-dev/wizard-runner/pkg/jsengine"
	"github.com/devicelab-dev/wizard-runner/pkg/logger"
	"github.com/devicelab-dev/wizard-runner/pkg/report"
)

// Failure kinds for flows that halt before their first step.
const (
	KindInvalidFlow      = "InvalidFlow"
	KindNavigationFailed = "NavigationFailed"
)

// Asset file names inside a flow's assets directory.
var assetFiles = map[string]string{
	core.AttachmentScreenshot:  "screenshot.png",
	core.AttachmentDOM:         "dom.html",
	core.AttachmentConsole:     "console.json",
	core.AttachmentPage:        "page.md",
	core.AttachmentSuggestions: "suggestions.json",
}

// FlowRunner executes a single flow on one target and streams its progress
// into the report.
type FlowRunner struct {
	ctx         context.Context
	flow        flow.Flow
	detail      *report.FlowDetail
	target      core.Target
	config      RunnerConfig
	indexWriter *report.IndexWriter
	flowWriter  *report.FlowWriter
	script      *ScriptEngine
	flowIdx     int // Current flow index (0-based)
	totalFlows  int // Total number of flows
	workerID    int // 0 for the sequential runner
}

// Run executes the flow and returns the result.
func (fr *FlowRunner) Run() FlowResult {
	flowStart := time.Now()

	fr.flowWriter = report.NewFlowWriter(fr.detail, fr.config.OutputDir, fr.indexWriter)
	if fr.workerID > 0 {
		fr.indexWriter.AssignWorker(fr.detail.ID, fr.workerID)
	}

	fr.script = NewScriptEngine()
	defer fr.script.Close()
	fr.script.ImportSystemEnv()

	platform := ""
	info := fr.target.Info()
	if info != nil {
		platform = info.Platform
	}
	fr.script.SetInfo(jsengine.Info{Platform: platform, Flow: fr.detail.Name, RunID: fr.config.RunID})

	flowName := fr.detail.Name
	if fr.config.OnFlowStart != nil {
		fr.config.OnFlowStart(fr.flowIdx, fr.totalFlows, flowName, filepath.Base(fr.flow.SourcePath))
	}

	fr.flowWriter.Start()
	if info != nil {
		fr.flowWriter.SetTarget(platformToTarget(info))
	}

	steps, url, err := fr.prepare()
	if err != nil {
		return fr.haltBeforeStart(flowStart, KindInvalidFlow, err)
	}

	if url != "" {
		if err := fr.navigate(url); err != nil {
			return fr.haltBeforeStart(flowStart, KindNavigationFailed, err)
		}
	}

	seq := NewSequencer(fr.target, fr.sequencerConfig(steps))
	res, err := seq.Run(fr.ctx, steps)
	if err != nil {
		return fr.haltBeforeStart(flowStart, KindInvalidFlow, err)
	}

	return fr.finish(flowStart, steps, res)
}

// prepare expands variables in the flow's steps and URL. Flow env is applied
// first, then the runner's env.
func (fr *FlowRunner) prepare() ([]flow.Step, string, error) {
	if err := fr.script.SetVariables(fr.flow.Config.Env); err != nil {
		return nil, "", err
	}
	if err := fr.script.SetVariables(fr.config.Env); err != nil {
		return nil, "", err
	}

	steps, err := fr.script.ExpandSteps(fr.flow.Steps)
	if err != nil {
		return nil, "", err
	}
	url, err := fr.script.ExpandVariables(fr.flow.Config.URL)
	if err != nil {
		return nil, "", err
	}
	return steps, url, nil
}

func (fr *FlowRunner) navigate(url string) error {
	nav, ok := fr.target.(core.Navigator)
	if !ok {
		return core.ErrNavigationFailed.WithMessagef("target cannot open %s", url)
	}
	if r, ok := fr.target.(core.StateResetter); ok {
		if err := r.ResetState(fr.ctx); err != nil {
			logger.Warn("flow %s: reset target state: %v", fr.detail.ID, err)
		}
	}
	logger.Debug("flow %s: navigating to %s", fr.detail.ID, url)
	if err := nav.Navigate(fr.ctx, url); err != nil {
		return core.ErrNavigationFailed.WithCause(err)
	}
	return nil
}

func (fr *FlowRunner) sequencerConfig(steps []flow.Step) SequencerConfig {
	timeout := fr.config.DefaultTimeoutMs
	if fr.flow.Config.Timeout > 0 {
		timeout = fr.flow.Config.Timeout
	}
	retries := fr.config.DefaultRetries
	if fr.flow.Config.Retries != nil {
		retries = *fr.flow.Config.Retries
	}
	markers := append(append([]string(nil), fr.config.ErrorMarkers...), fr.flow.Config.ErrorMarkers...)

	return SequencerConfig{
		Name:             fr.detail.Name,
		PollInterval:     fr.config.PollInterval,
		DefaultTimeoutMs: timeout,
		DefaultRetries:   retries,
		ErrorMarkers:     markers,
		Clock:            fr.config.Clock,
		Observer: StepObserver{
			OnStepStart: func(idx int, step flow.Step) {
				fr.flowWriter.StepStart(idx)
			},
			OnAttempt: func(idx int, attempt int) {
				if attempt > 1 {
					fr.flowWriter.StepAttempt(idx, attempt)
				}
			},
			OnStepEnd: func(idx int, res core.StepResult) {
				fr.flowWriter.StepEnd(idx, report.StepOutcome{
					Status:        toReportStatus(res.Status),
					Element:       stepResultToElement(res),
					Error:         stepResultToError(res),
					Attempts:      res.Attempts,
					AttemptErrors: res.AttemptErrors,
					Flaky:         res.Flaky,
				})
				if fr.config.OnStepComplete != nil {
					desc := res.Description
					if idx < len(steps) {
						desc = steps[idx].Describe()
					}
					fr.config.OnStepComplete(idx, desc, res.Status == core.StatusPassed, res.Duration.Milliseconds(), res.Error)
				}
			},
		},
	}
}

// finish writes diagnostics and the final flow state.
func (fr *FlowRunner) finish(flowStart time.Time, steps []flow.Step, res core.FlowResult) FlowResult {
	fr.flowWriter.SkipRemainingSteps(0)

	if fr.config.Artifacts.ShouldCapture(res.Status()) {
		fr.saveArtifacts(steps, res)
	}

	status := toReportStatus(res.Status())
	fr.flowWriter.End(report.FlowOutcome{
		Status:         status,
		State:          res.State().String(),
		CompletedSteps: res.CompletedSteps(),
		Failure:        failureToReport(res.Failure()),
	})

	result := fr.result(flowStart, status, res.State().String())
	result.CompletedSteps = res.CompletedSteps()
	result.Result = &res
	if f := res.Failure(); f != nil {
		result.FailedStep = f.Index
		result.Kind = f.Kind.String()
		result.Error = f.Message
	}

	fr.notifyEnd(result)
	return result
}

// haltBeforeStart fails a flow that could not reach its first step.
func (fr *FlowRunner) haltBeforeStart(flowStart time.Time, kind string, err error) FlowResult {
	logger.Warn("flow %s halted before start: %s: %v", fr.detail.ID, kind, err)

	state := core.PhaseFailed.String()
	fr.flowWriter.SkipRemainingSteps(0)
	fr.flowWriter.End(report.FlowOutcome{
		Status:  report.StatusFailed,
		State:   state,
		Failure: &report.Failure{StepIndex: -1, Kind: kind, Message: err.Error()},
	})

	result := fr.result(flowStart, report.StatusFailed, state)
	result.Kind = kind
	result.Error = err.Error()
	fr.notifyEnd(result)
	return result
}

func (fr *FlowRunner) result(flowStart time.Time, status report.Status, state string) FlowResult {
	result := FlowResult{
		ID:         fr.detail.ID,
		Name:       fr.detail.Name,
		SourceFile: fr.detail.SourceFile,
		Status:     status,
		State:      state,
		Duration:   time.Since(flowStart).Milliseconds(),
		FailedStep: -1,
		WorkerID:   fr.workerID,
		StepsTotal: len(fr.detail.Steps),
	}
	for _, s := range fr.detail.Steps {
		switch s.Status {
		case report.StatusPassed:
			result.StepsPassed++
		case report.StatusFailed:
			result.StepsFailed++
		case report.StatusSkipped:
			result.StepsSkipped++
		}
		if s.Flaky {
			result.Flaky = true
		}
	}
	return result
}

func (fr *FlowRunner) notifyEnd(result FlowResult) {
	if fr.config.OnFlowEnd != nil {
		fr.config.OnFlowEnd(result.Name, result.Status == report.StatusPassed, result.Duration)
	}
}

// saveArtifacts writes the final diagnostic, the page snapshot and, for
// locator failures, the candidate list into the flow's assets.
func (fr *FlowRunner) saveArtifacts(steps []flow.Step, res core.FlowResult) {
	diag := res.Diagnostic()
	if diag == nil {
		return
	}

	atts := res.Artifacts()
	if diag.DOM != "" {
		if md, err := report.PageMarkdown(diag.DOM, diag.URL); err != nil {
			logger.Warn("flow %s: page snapshot: %v", fr.detail.ID, err)
		} else {
			atts = append(atts, core.Attachment{Name: core.AttachmentPage, ContentType: core.ContentTypeMarkdown, Body: []byte(md)})
		}
	}

	failure := res.Failure()
	var suggestion string
	if failure != nil && diag.DOM != "" && failure.Index < len(steps) {
		switch failure.Kind {
		case core.KindElementNotFound, core.KindActionFailed:
			cands := fr.suggest(diag.DOM, steps[failure.Index].Locators)
			if len(cands) > 0 {
				suggestion = report.FormatSuggestion(cands)
				if data, err := json.MarshalIndent(cands, "", "  "); err == nil {
					atts = append(atts, core.Attachment{Name: core.AttachmentSuggestions, ContentType: core.ContentTypeJSON, Body: data})
				}
			}
		}
	}

	artifacts := report.FlowArtifacts{URL: diag.URL, Title: diag.Title}
	for _, a := range fr.config.Artifacts.Filter(atts) {
		filename, ok := assetFiles[a.Name]
		if !ok {
			continue
		}
		path, err := fr.flowWriter.SaveAsset(filename, a.Body)
		if err != nil {
			logger.Warn("flow %s: save %s: %v", fr.detail.ID, filename, err)
			continue
		}
		switch a.Name {
		case core.AttachmentScreenshot:
			artifacts.Screenshot = path
		case core.AttachmentDOM:
			artifacts.DOM = path
		case core.AttachmentConsole:
			artifacts.Console = path
		case core.AttachmentPage:
			artifacts.Page = path
		case core.AttachmentSuggestions:
			artifacts.Suggestions = path
		}
	}
	fr.flowWriter.SetFlowArtifacts(artifacts)

	if suggestion != "" {
		fr.flowWriter.SetSuggestion(failure.Index, suggestion)
	}
}

// suggest collects candidates for every locator of the failing step, best
// first, without duplicates.
func (fr *FlowRunner) suggest(dom string, locators []flow.Locator) []report.Candidate {
	limit := fr.config.SuggestionLimit
	seen := make(map[string]bool)
	var out []report.Candidate
	for _, loc := range locators {
		cands, err := report.Suggest(dom, loc, limit)
		if err != nil {
			logger.Warn("flow %s: suggestions: %v", fr.detail.ID, err)
			return out
		}
		for _, c := range cands {
			if seen[c.Locator] {
				continue
			}
			seen[c.Locator] = true
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
