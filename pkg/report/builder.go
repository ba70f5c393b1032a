package report

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/devicelab-dev/wizard-runner/pkg/flow"
)

// BuilderConfig contains configuration for building the report skeleton.
type BuilderConfig struct {
	OutputDir     string // Base output directory for reports
	RunID         string // Unique run identifier
	Target        Target // Browser information known before the run
	CI            *CI    // CI/CD information (optional)
	RunnerVersion string // wizard-runner version
	DriverName    string // Driver name (chrome, mock)
}

// BuildSkeleton creates the initial report structure from parsed flows.
// All flows and steps are set to "pending" status.
// This should be called after validation, before execution starts.
func BuildSkeleton(flows []flow.Flow, cfg BuilderConfig) (*Index, []FlowDetail, error) {
	now := time.Now()

	index := &Index{
		Version:     Version,
		RunID:       cfg.RunID,
		UpdateSeq:   0,
		Status:      StatusPending,
		StartTime:   now,
		LastUpdated: now,
		Target:      cfg.Target,
		CI:          cfg.CI,
		Runner: RunnerInfo{
			Version: cfg.RunnerVersion,
			Driver:  cfg.DriverName,
		},
		Summary: Summary{
			Total:   len(flows),
			Pending: len(flows),
		},
		Flows: make([]FlowEntry, len(flows)),
	}

	flowDetails := make([]FlowDetail, len(flows))

	for i := range flows {
		f := &flows[i]
		flowID := fmt.Sprintf("flow-%03d", i)
		flowName := f.DisplayName()
		steps := buildSteps(f.Steps)

		index.Flows[i] = FlowEntry{
			Index:      i,
			ID:         flowID,
			Name:       flowName,
			SourceFile: f.SourcePath,
			DataFile:   filepath.Join("flows", flowID+".json"),
			AssetsDir:  filepath.Join("assets", flowID),
			Status:     StatusPending,
			State:      "Pending",
			Steps: StepSummary{
				Total:   len(steps),
				Pending: len(steps),
			},
		}

		flowDetails[i] = FlowDetail{
			ID:         flowID,
			Name:       flowName,
			SourceFile: f.SourcePath,
			URL:        f.Config.URL,
			Tags:       f.Config.Tags,
			State:      "Pending",
			Steps:      steps,
		}
	}

	return index, flowDetails, nil
}

// buildSteps creates Step entries from flow steps.
func buildSteps(steps []flow.Step) []Step {
	out := make([]Step, len(steps))
	for i, step := range steps {
		out[i] = Step{
			ID:          step.ID,
			Index:       i,
			Action:      string(step.Action.Type),
			Label:       step.Label,
			Description: step.Describe(),
			Status:      StatusPending,
			Params:      extractParams(step),
		}
	}
	return out
}

// extractParams extracts the declared inputs of a step.
func extractParams(step flow.Step) *StepParams {
	params := &StepParams{
		Text:    step.Action.Text,
		Option:  step.Action.Option,
		Until:   step.PostCondition.Describe(),
		Timeout: step.TimeoutMs,
		Retries: step.Retries,
	}
	for _, loc := range step.Locators {
		if sel := convertSelector(loc); sel != nil {
			params.Locators = append(params.Locators, *sel)
		}
	}
	return params
}

// convertSelector converts a flow.Locator to a report Selector. A locator
// with a single criterion keeps that criterion's name as its type.
func convertSelector(loc flow.Locator) *Selector {
	if loc.IsEmpty() {
		return nil
	}

	var criteria []Selector
	if loc.TestID != "" {
		criteria = append(criteria, Selector{Type: "testId", Value: loc.TestID})
	}
	if loc.Role != "" {
		criteria = append(criteria, Selector{Type: "role", Value: loc.Role})
	}
	if loc.Text != "" {
		criteria = append(criteria, Selector{Type: "text", Value: loc.Text})
	}
	if loc.CSS != "" {
		criteria = append(criteria, Selector{Type: "css", Value: loc.CSS})
	}
	if len(loc.Attributes) > 0 {
		keys := make([]string, 0, len(loc.Attributes))
		for k := range loc.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, loc.Attributes[k]))
		}
		criteria = append(criteria, Selector{Type: "attributes", Value: strings.Join(parts, ",")})
	}

	if len(criteria) == 1 {
		return &criteria[0]
	}
	return &Selector{Type: "combined", Value: loc.Describe()}
}

// WriteSkeleton writes the initial skeleton to disk.
// Creates report.json, all flow detail files, and report.html with pending status.
func WriteSkeleton(outputDir string, index *Index, flowDetails []FlowDetail) error {
	if err := ensureDir(filepath.Join(outputDir, "flows")); err != nil {
		return fmt.Errorf("create flows dir: %w", err)
	}
	if err := ensureDir(filepath.Join(outputDir, "assets")); err != nil {
		return fmt.Errorf("create assets dir: %w", err)
	}

	for _, fd := range flowDetails {
		flowPath := filepath.Join(outputDir, "flows", fd.ID+".json")
		if err := atomicWriteJSON(flowPath, fd); err != nil {
			return fmt.Errorf("write flow %s: %w", fd.ID, err)
		}

		assetsPath := filepath.Join(outputDir, "assets", fd.ID)
		if err := ensureDir(assetsPath); err != nil {
			return fmt.Errorf("create assets dir for %s: %w", fd.ID, err)
		}
	}

	indexPath := filepath.Join(outputDir, "report.json")
	if err := atomicWriteJSON(indexPath, index); err != nil {
		return fmt.Errorf("write index: %w", err)
	}

	// Generate HTML report (for live viewing)
	if err := GenerateHTML(outputDir, HTMLConfig{
		Title:     "Wizard Run Report",
		ReportDir: outputDir,
	}); err != nil {
		return fmt.Errorf("generate html: %w", err)
	}

	return nil
}
