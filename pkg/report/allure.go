package report

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/devicelab-dev/wizard-runner/pkg/logger"
)

// Allure result schema types.

// AllureResult represents a single test result in Allure format.
type AllureResult struct {
	UUID          string              `json:"uuid"`
	HistoryID     string              `json:"historyId"`
	FullName      string              `json:"fullName"`
	Name          string              `json:"name"`
	Status        string              `json:"status"`
	Stage         string              `json:"stage"`
	Start         int64               `json:"start"`
	Stop          int64               `json:"stop"`
	Labels        []AllureLabel       `json:"labels"`
	StatusDetails AllureStatusDetails `json:"statusDetails"`
	Steps         []AllureStep        `json:"steps"`
	Attachments   []AllureAttachment  `json:"attachments"`
}

// AllureStep represents a step within a test result.
type AllureStep struct {
	Name          string              `json:"name"`
	Status        string              `json:"status"`
	Stage         string              `json:"stage"`
	Start         int64               `json:"start"`
	Stop          int64               `json:"stop"`
	StatusDetails AllureStatusDetails `json:"statusDetails"`
	Steps         []AllureStep        `json:"steps"`
	Attachments   []AllureAttachment  `json:"attachments"`
}

// AllureAttachment represents a file attachment.
type AllureAttachment struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Type   string `json:"type"`
}

// AllureLabel represents a label on a test result.
type AllureLabel struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AllureStatusDetails holds failure message and trace.
type AllureStatusDetails struct {
	Message string `json:"message"`
	Trace   string `json:"trace"`
	Flaky   bool   `json:"flaky,omitempty"`
}

// AllureCategory defines a failure category with regex matching.
type AllureCategory struct {
	Name            string   `json:"name"`
	MatchedStatuses []string `json:"matchedStatuses"`
	MessageRegex    string   `json:"messageRegex"`
}

// GenerateAllure generates Allure-compatible report files in <reportDir>/allure-results/.
func GenerateAllure(reportDir string) error {
	index, flows, err := ReadReport(reportDir)
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}

	allureDir := filepath.Join(reportDir, "allure-results")
	if err := os.MkdirAll(allureDir, 0o755); err != nil {
		return fmt.Errorf("create allure-results dir: %w", err)
	}

	for i, entry := range index.Flows {
		var detail *FlowDetail
		if i < len(flows) {
			detail = &flows[i]
		}

		result := buildAllureResult(&entry, detail, index)

		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal allure result for %s: %w", entry.ID, err)
		}

		resultPath := filepath.Join(allureDir, entry.ID+"-result.json")
		if err := os.WriteFile(resultPath, data, 0o644); err != nil {
			return fmt.Errorf("write allure result %s: %w", entry.ID, err)
		}
	}

	copyAllureAttachments(reportDir, allureDir, flows)

	if err := writeAllureCategories(allureDir); err != nil {
		return err
	}
	return writeAllureEnvironment(allureDir, index)
}

// buildAllureResult builds an AllureResult from a flow entry and its detail.
func buildAllureResult(entry *FlowEntry, detail *FlowDetail, index *Index) AllureResult {
	var startMs, stopMs int64
	if entry.StartTime != nil {
		startMs = entry.StartTime.UnixMilli()
	}
	if entry.EndTime != nil {
		stopMs = entry.EndTime.UnixMilli()
	} else if entry.StartTime != nil && entry.Duration != nil {
		stopMs = startMs + *entry.Duration
	}

	labels := []AllureLabel{
		{Name: "suite", Value: entry.Name},
		{Name: "parentSuite", Value: filepath.Base(entry.SourceFile)},
		{Name: "framework", Value: "wizard-runner"},
		{Name: "severity", Value: "normal"},
	}
	if index.Target.Platform != "" {
		labels = append(labels, AllureLabel{Name: "host", Value: index.Target.Platform})
	}
	if entry.WorkerID > 0 {
		labels = append(labels, AllureLabel{Name: "thread", Value: fmt.Sprintf("worker-%d", entry.WorkerID)})
	}

	details := AllureStatusDetails{Flaky: entry.Flaky}
	if entry.Error != nil {
		details.Message = *entry.Error
	}

	steps := []AllureStep{}
	attachments := []AllureAttachment{}
	if detail != nil {
		for _, tag := range detail.Tags {
			labels = append(labels, AllureLabel{Name: "tag", Value: tag})
		}
		for _, st := range detail.Steps {
			steps = append(steps, buildAllureStep(st))
		}
		attachments = collectAttachments(detail)
		if detail.Failure != nil && details.Trace == "" {
			details.Trace = fmt.Sprintf("state: %s\ncompleted: %s", detail.State, strings.Join(detail.CompletedSteps, ", "))
		}
	}

	return AllureResult{
		UUID:          entry.ID,
		HistoryID:     fnv32aHash(entry.Name + ":" + entry.SourceFile),
		FullName:      entry.Name,
		Name:          entry.Name,
		Status:        mapAllureStatus(entry.Status),
		Stage:         "finished",
		Start:         startMs,
		Stop:          stopMs,
		Labels:        labels,
		StatusDetails: details,
		Steps:         steps,
		Attachments:   attachments,
	}
}

func buildAllureStep(st Step) AllureStep {
	name := st.ID
	if st.Description != "" {
		name = st.ID + ": " + st.Description
	}

	var startMs, stopMs int64
	if st.StartTime != nil {
		startMs = st.StartTime.UnixMilli()
	}
	if st.EndTime != nil {
		stopMs = st.EndTime.UnixMilli()
	} else if st.StartTime != nil && st.Duration != nil {
		stopMs = startMs + *st.Duration
	}

	details := AllureStatusDetails{Flaky: st.Flaky}
	if st.Error != nil {
		details.Message = st.Error.Kind + ": " + st.Error.Message
		var trace []string
		if st.Error.Details != "" {
			trace = append(trace, st.Error.Details)
		}
		if st.Error.Suggestion != "" {
			trace = append(trace, st.Error.Suggestion)
		}
		trace = append(trace, st.AttemptErrors...)
		details.Trace = strings.Join(trace, "\n")
	}

	return AllureStep{
		Name:          name,
		Status:        mapAllureStatus(st.Status),
		Stage:         "finished",
		Start:         startMs,
		Stop:          stopMs,
		StatusDetails: details,
		Steps:         []AllureStep{},
		Attachments:   []AllureAttachment{},
	}
}

// collectAttachments lists the flow's diagnostic files. Sources are flat
// names because Allure expects attachments beside the result files.
func collectAttachments(fd *FlowDetail) []AllureAttachment {
	var out []AllureAttachment
	for _, a := range []struct{ name, path, mime string }{
		{"Screenshot", fd.Artifacts.Screenshot, "image/png"},
		{"DOM", fd.Artifacts.DOM, "text/html"},
		{"Console", fd.Artifacts.Console, "application/json"},
		{"Page", fd.Artifacts.Page, "text/markdown"},
		{"Suggestions", fd.Artifacts.Suggestions, "application/json"},
	} {
		if a.path == "" {
			continue
		}
		out = append(out, AllureAttachment{
			Name:   a.name,
			Source: allureSource(fd.ID, a.path),
			Type:   a.mime,
		})
	}
	return out
}

func allureSource(flowID, path string) string {
	return flowID + "-" + filepath.Base(path)
}

// copyAllureAttachments copies diagnostic files from assets subdirs into allure-results/ flat.
func copyAllureAttachments(reportDir, allureDir string, flows []FlowDetail) {
	for i := range flows {
		for _, a := range collectAttachments(&flows[i]) {
			src := filepath.Join(reportDir, "assets", flows[i].ID, strings.TrimPrefix(a.Source, flows[i].ID+"-"))
			copyFile(src, filepath.Join(allureDir, a.Source))
		}
	}
}

// copyFile copies a single file from src to dst. A missing source is ignored.
func copyFile(src, dst string) {
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		logger.Warn("failed to copy %s to %s: %v", src, dst, err)
	}
}

// mapAllureStatus maps report Status to Allure status string.
func mapAllureStatus(s Status) string {
	switch s {
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

// fnv32aHash returns a hex-encoded FNV-32a hash of the input string.
func fnv32aHash(s string) string {
	h := fnv.New32a()
	h.Write([]byte(s))
	return fmt.Sprintf("%08x", h.Sum32())
}

// writeAllureCategories writes categories.json, one category per failure kind.
func writeAllureCategories(allureDir string) error {
	categories := []AllureCategory{
		{Name: "Element Not Found", MatchedStatuses: []string{"failed"}, MessageRegex: "ElementNotFound:.*"},
		{Name: "Action Failed", MatchedStatuses: []string{"failed"}, MessageRegex: "ActionFailed:.*"},
		{Name: "Post-condition Timeout", MatchedStatuses: []string{"failed"}, MessageRegex: "PostConditionTimeout:.*"},
		{Name: "Unexpected Page State", MatchedStatuses: []string{"failed"}, MessageRegex: "UnexpectedTargetState:.*"},
		{Name: "Cancelled", MatchedStatuses: []string{"failed", "skipped"}, MessageRegex: "Cancelled:.*"},
		{Name: "Interrupted", MatchedStatuses: []string{"failed"}, MessageRegex: "(?i)flow (interrupted|detail missing).*"},
	}

	data, err := json.MarshalIndent(categories, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}

	path := filepath.Join(allureDir, "categories.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write categories.json: %w", err)
	}

	return nil
}

// writeAllureEnvironment writes environment.properties with target/runner metadata.
func writeAllureEnvironment(allureDir string, index *Index) error {
	var b strings.Builder
	b.WriteString("framework=wizard-runner\n")

	if index.RunID != "" {
		b.WriteString(fmt.Sprintf("run.id=%s\n", index.RunID))
	}
	if index.Target.Platform != "" {
		b.WriteString(fmt.Sprintf("target.platform=%s\n", index.Target.Platform))
	}
	if index.Target.BrowserVersion != "" {
		b.WriteString(fmt.Sprintf("target.browserVersion=%s\n", index.Target.BrowserVersion))
	}
	b.WriteString(fmt.Sprintf("target.headless=%t\n", index.Target.Headless))
	if index.Runner.Version != "" {
		b.WriteString(fmt.Sprintf("runner.version=%s\n", index.Runner.Version))
	}
	if index.Runner.Driver != "" {
		b.WriteString(fmt.Sprintf("runner.driver=%s\n", index.Runner.Driver))
	}

	path := filepath.Join(allureDir, "environment.properties")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write environment.properties: %w", err)
	}

	return nil
}
