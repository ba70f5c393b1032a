package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devicelab-dev/wizard-runner/pkg/core"
	"github.com/devicelab-dev/wizard-runner/pkg/driver/mock"
	"github.com/devicelab-dev/wizard-runner/pkg/flow"
	"github.com/devicelab-dev/wizard-runner/pkg/report"
)

// fakeTarget implements core.Target with overridable behavior. It cannot
// navigate.
type fakeTarget struct {
	locateFunc  func(loc flow.Locator) (*core.Element, error)
	performFunc func(el *core.Element, action flow.Action) error
	observeFunc func(cond flow.Condition) (bool, error)
}

func (f *fakeTarget) Locate(ctx context.Context, loc flow.Locator) (*core.Element, error) {
	if f.locateFunc != nil {
		return f.locateFunc(loc)
	}
	return &core.Element{Handle: "el", Info: core.ElementInfo{Tag: "button", Visible: true, Enabled: true}}, nil
}

func (f *fakeTarget) Perform(ctx context.Context, el *core.Element, action flow.Action) error {
	if f.performFunc != nil {
		return f.performFunc(el, action)
	}
	return nil
}

func (f *fakeTarget) Observe(ctx context.Context, cond flow.Condition) (bool, error) {
	if f.observeFunc != nil {
		return f.observeFunc(cond)
	}
	return true, nil
}

func (f *fakeTarget) CaptureDiagnostic(ctx context.Context) (*core.Diagnostic, error) {
	return &core.Diagnostic{URL: "about:blank", DOM: "<html></html>", Screenshot: []byte{0x89, 0x50, 0x4E, 0x47}}, nil
}

func (f *fakeTarget) Info() *core.PlatformInfo {
	return &core.PlatformInfo{Platform: "fake", Headless: true}
}

func wizardConfig(t *testing.T, clock Clock) RunnerConfig {
	t.Helper()
	return RunnerConfig{
		OutputDir:     t.TempDir(),
		RunID:         "run-test",
		Artifacts:     core.DefaultArtifactConfig(),
		RunnerVersion: "0.0.0-test",
		DriverName:    "mock",
		Clock:         clock,
	}
}

func readReport(t *testing.T, dir string) (*report.Index, []report.FlowDetail) {
	t.Helper()
	index, flows, err := report.ReadReport(dir)
	if err != nil {
		t.Fatalf("ReadReport() error = %v", err)
	}
	return index, flows
}

func TestRunner_Run_WizardPasses(t *testing.T) {
	clock := mock.NewStepClock(t0)
	page := mock.NewWizard(mock.WizardOptions{}, mock.WithClock(clock))
	cfg := wizardConfig(t, clock)

	var started, ended []string
	var stepsDone int
	cfg.OnFlowStart = func(flowIdx, totalFlows int, name, file string) {
		started = append(started, name+"@"+file)
	}
	cfg.OnStepComplete = func(idx int, desc string, passed bool, durationMs int64, err string) {
		if !passed {
			t.Errorf("step %d (%s) failed: %s", idx, desc, err)
		}
		stepsDone++
	}
	cfg.OnFlowEnd = func(name string, passed bool, durationMs int64) {
		if passed {
			ended = append(ended, name)
		}
	}

	result, err := New(page, cfg).Run(context.Background(), []flow.Flow{*loadWizard(t)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Status != report.StatusPassed || result.PassedFlows != 1 || result.TotalFlows != 1 {
		t.Errorf("result = %+v", result)
	}
	if result.RunID != "run-test" {
		t.Errorf("RunID = %q", result.RunID)
	}
	fr := result.FlowResults[0]
	if fr.State != "Completed" || fr.StepsPassed != 5 || fr.FailedStep != -1 || len(fr.CompletedSteps) != 5 {
		t.Errorf("FlowResult = %+v", fr)
	}
	if fr.Result == nil || !fr.Result.Success() {
		t.Errorf("Result = %v", fr.Result)
	}
	if len(started) != 1 || started[0] != "Project setup@wizard.yaml" {
		t.Errorf("OnFlowStart = %v", started)
	}
	if stepsDone != 5 || len(ended) != 1 {
		t.Errorf("callbacks: %d steps, ended %v", stepsDone, ended)
	}

	index, flows := readReport(t, cfg.OutputDir)
	if index.Status != report.StatusPassed || index.Summary.Passed != 1 {
		t.Errorf("index = %s %+v", index.Status, index.Summary)
	}
	if index.Target.Platform != "mock" {
		t.Errorf("Target = %+v", index.Target)
	}
	detail := flows[0]
	if detail.State != "Completed" || len(detail.CompletedSteps) != 5 {
		t.Errorf("detail state = %s, completed %v", detail.State, detail.CompletedSteps)
	}
	for _, s := range detail.Steps {
		if s.Status != report.StatusPassed || s.Attempts < 1 {
			t.Errorf("step %s = %s after %d attempts", s.ID, s.Status, s.Attempts)
		}
	}
	if detail.Steps[0].Element == nil || detail.Steps[0].Element.TestID != "region-select" {
		t.Errorf("step 0 element = %+v", detail.Steps[0].Element)
	}
	// Diagnostics are only kept for failures by default
	if detail.Artifacts.Screenshot != "" {
		t.Errorf("Artifacts = %+v, want none", detail.Artifacts)
	}
}

func TestRunner_Run_FailureWritesDiagnostics(t *testing.T) {
	clock := mock.NewStepClock(t0)
	page := mock.NewWizard(mock.WizardOptions{StuckOnTier: true}, mock.WithClock(clock))
	cfg := wizardConfig(t, clock)

	result, err := New(page, cfg).Run(context.Background(), []flow.Flow{*loadWizard(t)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Status != report.StatusFailed || result.FailedFlows != 1 {
		t.Fatalf("result = %+v", result)
	}
	fr := result.FlowResults[0]
	if fr.FailedStep != 3 || fr.Kind != "ActionFailed" || fr.State != "Failed(3)" {
		t.Errorf("FlowResult = %+v", fr)
	}
	if fr.StepsPassed != 3 || fr.StepsFailed != 1 || fr.StepsSkipped != 1 {
		t.Errorf("step counts = %d/%d/%d", fr.StepsPassed, fr.StepsFailed, fr.StepsSkipped)
	}

	index, flows := readReport(t, cfg.OutputDir)
	if index.Flows[0].Error == nil || !strings.HasPrefix(*index.Flows[0].Error, "ActionFailed: ") {
		t.Errorf("index error = %v", index.Flows[0].Error)
	}

	detail := flows[0]
	if detail.Failure == nil || detail.Failure.StepIndex != 3 || detail.Failure.StepID != "advanceToReview" {
		t.Fatalf("Failure = %+v", detail.Failure)
	}
	if detail.Steps[4].Status != report.StatusSkipped {
		t.Errorf("step 4 = %s, want skipped", detail.Steps[4].Status)
	}

	failed := detail.Steps[3]
	if failed.Error == nil || failed.Error.Kind != "ActionFailed" {
		t.Fatalf("step 3 error = %+v", failed.Error)
	}
	if !strings.Contains(failed.Error.Suggestion, "testId=advance") {
		t.Errorf("Suggestion = %q", failed.Error.Suggestion)
	}

	a := detail.Artifacts
	if a.URL != mock.WizardURL {
		t.Errorf("Artifacts.URL = %q", a.URL)
	}
	for name, rel := range map[string]string{
		"screenshot":  a.Screenshot,
		"dom":         a.DOM,
		"page":        a.Page,
		"suggestions": a.Suggestions,
	} {
		if rel == "" {
			t.Errorf("%s not recorded", name)
			continue
		}
		if _, err := os.Stat(filepath.Join(cfg.OutputDir, rel)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}

	pageMD, err := os.ReadFile(filepath.Join(cfg.OutputDir, a.Page))
	if err == nil && !strings.Contains(string(pageMD), "Choose a tier") {
		t.Errorf("page.md = %q", pageMD)
	}
}

func TestRunner_Run_ArtifactsFiltered(t *testing.T) {
	clock := mock.NewStepClock(t0)
	page := mock.NewWizard(mock.WizardOptions{StuckOnTier: true}, mock.WithClock(clock))
	cfg := wizardConfig(t, clock)
	cfg.Artifacts = core.ArtifactConfig{CaptureOnFailure: true, Screenshot: true}

	if _, err := New(page, cfg).Run(context.Background(), []flow.Flow{*loadWizard(t)}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	_, flows := readReport(t, cfg.OutputDir)
	a := flows[0].Artifacts
	if a.Screenshot == "" {
		t.Error("screenshot missing")
	}
	if a.DOM != "" || a.Page != "" || a.Console != "" {
		t.Errorf("Artifacts = %+v, want screenshot only", a)
	}
}

func TestRunner_Run_StopOnFail(t *testing.T) {
	clock := mock.NewStepClock(t0)
	page := mock.NewWizard(mock.WizardOptions{FailRegion: "EUA"}, mock.WithClock(clock))
	cfg := wizardConfig(t, clock)
	cfg.StopOnFail = true

	wizard := *loadWizard(t)
	result, err := New(page, cfg).Run(context.Background(), []flow.Flow{wizard, wizard})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.FailedFlows != 1 || result.SkippedFlows != 1 || result.Status != report.StatusFailed {
		t.Fatalf("result = %+v", result)
	}
	first := result.FlowResults[0]
	if first.Kind != "UnexpectedTargetState" || first.FailedStep != 0 {
		t.Errorf("first = %+v", first)
	}
	second := result.FlowResults[1]
	if second.Status != report.StatusSkipped || second.Error != "run stopped" || second.StepsSkipped != 5 {
		t.Errorf("second = %+v", second)
	}

	index, flows := readReport(t, cfg.OutputDir)
	if index.Summary.Skipped != 1 || index.Summary.Failed != 1 {
		t.Errorf("Summary = %+v", index.Summary)
	}
	for _, s := range flows[1].Steps {
		if s.Status != report.StatusSkipped {
			t.Errorf("skipped flow step %s = %s", s.ID, s.Status)
		}
	}
}

func TestRunner_Run_ContextCancelled(t *testing.T) {
	clock := mock.NewStepClock(t0)
	page := mock.NewWizard(mock.WizardOptions{}, mock.WithClock(clock))
	cfg := wizardConfig(t, clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := New(page, cfg).Run(ctx, []flow.Flow{*loadWizard(t)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.SkippedFlows != 1 || result.FlowResults[0].Error != "run cancelled" {
		t.Errorf("result = %+v", result.FlowResults[0])
	}
	if result.Status != report.StatusPassed {
		t.Errorf("Status = %s, skipped flows alone should not fail the run", result.Status)
	}
	if len(page.Actions()) != 0 {
		t.Errorf("Actions() = %v, want none", page.Actions())
	}
}

func TestRunner_Run_NavigationFailed(t *testing.T) {
	page := mock.New()
	page.InjectFault(errors.New("connection refused"))
	cfg := wizardConfig(t, nil)

	result, err := New(page, cfg).Run(context.Background(), []flow.Flow{*loadWizard(t)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	fr := result.FlowResults[0]
	if fr.Status != report.StatusFailed || fr.Kind != KindNavigationFailed || fr.State != "Failed" {
		t.Errorf("FlowResult = %+v", fr)
	}
	if !strings.Contains(fr.Error, "connection refused") {
		t.Errorf("Error = %q", fr.Error)
	}
	if fr.StepsSkipped != 5 || fr.Result != nil {
		t.Errorf("FlowResult = %+v", fr)
	}

	_, flows := readReport(t, cfg.OutputDir)
	if f := flows[0].Failure; f == nil || f.StepIndex != -1 || f.Kind != KindNavigationFailed {
		t.Errorf("Failure = %+v", f)
	}
}

func TestRunner_Run_TargetCannotNavigate(t *testing.T) {
	cfg := wizardConfig(t, nil)
	f := flow.Flow{
		SourcePath: "open.yaml",
		Config:     flow.Config{URL: "https://console.example.test"},
		Steps:      []flow.Step{clickStep("go", "Go", flow.Condition{})},
	}

	result, err := New(&fakeTarget{}, cfg).Run(context.Background(), []flow.Flow{f})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fr := result.FlowResults[0]; fr.Kind != KindNavigationFailed || !strings.Contains(fr.Error, "cannot open") {
		t.Errorf("FlowResult = %+v", fr)
	}
}

func TestRunner_Run_InvalidExpression(t *testing.T) {
	cfg := wizardConfig(t, nil)
	f := flow.Flow{
		SourcePath: "broken.yaml",
		Steps:      []flow.Step{clickStep("go", "${broken.value}", flow.Condition{})},
	}

	result, err := New(&fakeTarget{}, cfg).Run(context.Background(), []flow.Flow{f})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	fr := result.FlowResults[0]
	if fr.Kind != KindInvalidFlow || !strings.Contains(fr.Error, "step go") {
		t.Errorf("FlowResult = %+v", fr)
	}
}

func TestRunner_Run_EnvOverridesFlow(t *testing.T) {
	clock := mock.NewStepClock(t0)
	page := mock.NewWizard(mock.WizardOptions{}, mock.WithClock(clock))
	cfg := wizardConfig(t, clock)
	cfg.Env = map[string]string{"REGION": "EUA"}

	var descs []string
	cfg.OnStepComplete = func(idx int, desc string, passed bool, durationMs int64, err string) {
		descs = append(descs, desc)
	}

	f := flow.Flow{
		SourcePath: "region.yaml",
		Config:     flow.Config{Name: "Region", URL: mock.WizardURL, Env: map[string]string{"REGION": "US"}},
		Steps: []flow.Step{{
			ID:            "selectRegion",
			Locators:      []flow.Locator{{TestID: "region-select"}},
			Action:        flow.Action{Type: flow.ActionSelectOption, Option: "${REGION}"},
			PostCondition: flow.Condition{Text: "Region: ${REGION}"},
		}},
	}

	result, err := New(page, cfg).Run(context.Background(), []flow.Flow{f})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Status != report.StatusPassed {
		t.Fatalf("result = %+v", result.FlowResults[0])
	}
	if len(descs) != 1 || !strings.Contains(descs[0], `"EUA"`) {
		t.Errorf("descriptions = %v", descs)
	}
}

func TestRunner_Run_RequiresOutputDir(t *testing.T) {
	_, err := New(&fakeTarget{}, RunnerConfig{}).Run(context.Background(), nil)
	if !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("Run() error = %v, want ErrInvalidConfig", err)
	}
}

func TestRunner_GeneratesRunID(t *testing.T) {
	r := New(&fakeTarget{}, RunnerConfig{})
	if len(r.config.RunID) != 36 {
		t.Errorf("RunID = %q, want a UUID", r.config.RunID)
	}
	if r.config.SuggestionLimit != DefaultSuggestionLimit {
		t.Errorf("SuggestionLimit = %d", r.config.SuggestionLimit)
	}
}

// realButtonPage has buttons that show "<label> done" shortly after a click,
// on the real clock. Clicking again is harmless, so any number of flows can
// run against it.
func realButtonPage(labels ...string) *mock.Page {
	p := mock.New()
	for _, label := range labels {
		label := label
		p.AddElement(mock.Element{ID: label, Role: "button", Name: label})
		p.On(label, func(p *mock.Page, el *mock.Element, a flow.Action) error {
			p.After(5*time.Millisecond, func(p *mock.Page) { p.ShowText(label + " done") })
			return nil
		})
	}
	return p
}

func TestParallelRunner_Run(t *testing.T) {
	var cleanups atomic.Int32
	workers := make([]TargetWorker, 2)
	for i := range workers {
		workers[i] = TargetWorker{
			ID:      i + 1,
			Target:  realButtonPage("Start"),
			Cleanup: func() { cleanups.Add(1) },
		}
	}

	flows := make([]flow.Flow, 4)
	for i := range flows {
		flows[i] = flow.Flow{
			SourcePath: filepath.Join("flows", "start.yaml"),
			Config:     flow.Config{Timeout: 2000},
			Steps:      []flow.Step{clickStep("start", "^Start$", flow.Condition{Text: "Start done"})},
		}
	}

	cfg := wizardConfig(t, nil)
	cfg.PollInterval = 2 * time.Millisecond

	var mu sync.Mutex
	var ended int
	cfg.OnFlowEnd = func(name string, passed bool, durationMs int64) {
		mu.Lock()
		defer mu.Unlock()
		ended++
	}

	result, err := NewParallelRunner(workers, cfg).Run(context.Background(), flows)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.PassedFlows != 4 || result.Status != report.StatusPassed {
		t.Errorf("result = %+v", result)
	}
	for _, fr := range result.FlowResults {
		if fr.WorkerID != 1 && fr.WorkerID != 2 {
			t.Errorf("%s ran on worker %d", fr.ID, fr.WorkerID)
		}
	}
	if got := cleanups.Load(); got != 2 {
		t.Errorf("cleanups = %d, want 2", got)
	}
	if ended != 4 {
		t.Errorf("OnFlowEnd called %d times", ended)
	}

	index, _ := readReport(t, cfg.OutputDir)
	if index.Target.Workers != 2 || index.Status != report.StatusPassed {
		t.Errorf("index = %s, target %+v", index.Status, index.Target)
	}
	for _, e := range index.Flows {
		if e.WorkerID == 0 {
			t.Errorf("%s has no worker", e.ID)
		}
	}
}

func TestParallelRunner_NoWorkers(t *testing.T) {
	if _, err := NewParallelRunner(nil, RunnerConfig{OutputDir: t.TempDir()}).Run(context.Background(), nil); err == nil {
		t.Error("expected error with no workers")
	}
}

func TestBuildRunResult(t *testing.T) {
	tests := []struct {
		name     string
		statuses []report.Status
		want     report.Status
	}{
		{"all passed", []report.Status{report.StatusPassed, report.StatusPassed}, report.StatusPassed},
		{"one failed", []report.Status{report.StatusPassed, report.StatusFailed}, report.StatusFailed},
		{"skipped only", []report.Status{report.StatusSkipped}, report.StatusPassed},
		{"empty", nil, report.StatusPassed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flows := make([]FlowResult, len(tt.statuses))
			for i, s := range tt.statuses {
				flows[i] = FlowResult{Status: s, Flaky: i == 0}
			}
			got := buildRunResult("r", flows, 42)
			if got.Status != tt.want {
				t.Errorf("Status = %s, want %s", got.Status, tt.want)
			}
			if got.Duration != 42 || got.TotalFlows != len(flows) {
				t.Errorf("result = %+v", got)
			}
			if len(flows) > 0 && got.FlakyFlows != 1 {
				t.Errorf("FlakyFlows = %d, want 1", got.FlakyFlows)
			}
		})
	}
}

func TestStepResultToElement(t *testing.T) {
	if stepResultToElement(core.StepResult{}) != nil {
		t.Error("expected nil without element")
	}

	el := stepResultToElement(core.StepResult{
		LocatorIndex: 1,
		Element: &core.ElementInfo{
			Tag: "button", Role: "button", Name: "Next", TestID: "advance",
			Bounds: core.Bounds{X: 10, Y: 20, Width: 80, Height: 30},
		},
	})
	if el == nil || !el.Found || el.LocatorIndex != 1 || el.TestID != "advance" {
		t.Fatalf("element = %+v", el)
	}
	if el.Bounds == nil || el.Bounds.Width != 80 {
		t.Errorf("Bounds = %+v", el.Bounds)
	}
}

func TestStepResultToError(t *testing.T) {
	if stepResultToError(core.StepResult{Status: core.StatusPassed}) != nil {
		t.Error("expected nil for passed step")
	}

	got := stepResultToError(core.StepResult{
		Status:  core.StatusFailed,
		Kind:    core.KindPostConditionTimeout,
		Error:   "post-condition not met before timeout",
		Details: map[string]interface{}{"timeoutMs": 2000, "condition": `text "Review"`},
	})
	if got.Kind != "PostConditionTimeout" || got.Type != core.KindPostConditionTimeout.Category().String() {
		t.Errorf("error = %+v", got)
	}
	if got.Details != `condition=text "Review"; timeoutMs=2000` {
		t.Errorf("Details = %q", got.Details)
	}
}

func TestPlatformToTarget(t *testing.T) {
	if got := platformToTarget(nil); got != (report.Target{}) {
		t.Errorf("platformToTarget(nil) = %+v", got)
	}
	got := platformToTarget(&core.PlatformInfo{Platform: "chrome", BrowserVersion: "HeadlessChrome/126.0", Headless: true, ViewportWidth: 1280, ViewportHeight: 800})
	if got.Platform != "chrome" || got.ViewportHeight != 800 || !got.Headless {
		t.Errorf("platformToTarget() = %+v", got)
	}
}
