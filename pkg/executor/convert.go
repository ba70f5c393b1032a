package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/devicelab-dev/wizard-runner/pkg/core"
	"github.com/devicelab-dev/wizard-runner/pkg/report"
)

// stepResultToElement converts the element a step acted on to report.Element.
func stepResultToElement(r core.StepResult) *report.Element {
	if r.Element == nil {
		return nil
	}

	el := r.Element
	return &report.Element{
		Found:        true,
		LocatorIndex: r.LocatorIndex,
		Tag:          el.Tag,
		Role:         el.Role,
		Name:         el.Name,
		TestID:       el.TestID,
		Bounds: &report.Bounds{
			X:      el.Bounds.X,
			Y:      el.Bounds.Y,
			Width:  el.Bounds.Width,
			Height: el.Bounds.Height,
		},
	}
}

// stepResultToError converts a failed step to report.Error.
func stepResultToError(r core.StepResult) *report.Error {
	if r.Status != core.StatusFailed {
		return nil
	}

	return &report.Error{
		Type:    r.Kind.Category().String(),
		Kind:    r.Kind.String(),
		Message: r.Error,
		Details: formatDetails(r.Details),
	}
}

// formatDetails renders details as "k=v; k=v" in key order.
func formatDetails(details map[string]interface{}) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, details[k])
	}
	return strings.Join(parts, "; ")
}

func toReportStatus(s core.StepStatus) report.Status {
	switch s {
	case core.StatusPassed:
		return report.StatusPassed
	case core.StatusFailed:
		return report.StatusFailed
	case core.StatusSkipped:
		return report.StatusSkipped
	case core.StatusRunning:
		return report.StatusRunning
	default:
		return report.StatusPending
	}
}

func failureToReport(f *core.StepFailure) *report.Failure {
	if f == nil {
		return nil
	}
	return &report.Failure{
		StepIndex: f.Index,
		StepID:    f.StepID,
		Kind:      f.Kind.String(),
		Message:   f.Message,
	}
}

func platformToTarget(p *core.PlatformInfo) report.Target {
	if p == nil {
		return report.Target{}
	}
	return report.Target{
		Platform:       p.Platform,
		BrowserVersion: p.BrowserVersion,
		UserAgent:      p.UserAgent,
		Headless:       p.Headless,
		ViewportWidth:  p.ViewportWidth,
		ViewportHeight: p.ViewportHeight,
	}
}
