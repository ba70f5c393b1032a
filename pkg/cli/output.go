package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/devicelab-dev/wizard-runner/pkg/executor"
	"github.com/devicelab-dev/wizard-runner/pkg/report"
	"github.com/devicelab-dev/wizard-runner/pkg/store"
)

// out is where command output goes.
var out io.Writer = os.Stdout

// Slow step threshold in milliseconds (5 seconds)
const slowThresholdMs = 5000

// colorsEnabled determines if ANSI colors should be used
var colorsEnabled = true

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	infoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	boldStyle = lipgloss.NewStyle().Bold(true)
)

func init() {
	// Respect NO_COLOR environment variable
	if os.Getenv("NO_COLOR") != "" {
		colorsEnabled = false
		return
	}
	// Check if stdout is a terminal
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			colorsEnabled = false
		}
	}
}

// paint renders s with style when colors are enabled.
func paint(style lipgloss.Style, s string) string {
	if !colorsEnabled {
		return s
	}
	return style.Render(s)
}

func statusLabel(s report.Status) string {
	switch s {
	case report.StatusPassed:
		return paint(passStyle, "✓ PASS")
	case report.StatusFailed:
		return paint(failStyle, "✗ FAIL")
	case report.StatusSkipped:
		return paint(infoStyle, "- SKIP")
	default:
		return paint(dimStyle, strings.ToUpper(string(s)))
	}
}

// ============================================
// Live progress callbacks
// ============================================

func onFlowStart(flowIdx, totalFlows int, name, file string) {
	fmt.Fprintf(out, "\n  %s %s (%s)\n",
		paint(infoStyle, fmt.Sprintf("[%d/%d]", flowIdx+1, totalFlows)), paint(boldStyle, name), file)
	fmt.Fprintln(out, strings.Repeat("─", 60))
}

func onStepComplete(idx int, desc string, passed bool, durationMs int64, errMsg string) {
	durStr := formatDuration(durationMs)
	if !passed {
		fmt.Fprintf(out, "    %s %s (%s)\n", paint(failStyle, "✗"), desc, durStr)
		if errMsg != "" {
			fmt.Fprintf(out, "      %s %s\n", paint(dimStyle, "╰─"), errMsg)
		}
		return
	}
	if durationMs >= slowThresholdMs {
		fmt.Fprintf(out, "    %s %s %s\n", paint(warnStyle, "⚠"), desc, paint(warnStyle, "("+durStr+")"))
		return
	}
	fmt.Fprintf(out, "    %s %s (%s)\n", paint(passStyle, "✓"), desc, durStr)
}

func onFlowEnd(name string, passed bool, durationMs int64) {
	symbol := paint(passStyle, "✓")
	if !passed {
		symbol = paint(failStyle, "✗")
	}
	fmt.Fprintf(out, "%s %s %s\n", symbol, name, paint(dimStyle, formatDuration(durationMs)))
}

// ============================================
// Summaries
// ============================================

func printSummary(result *executor.RunResult) {
	totalSteps, passedSteps, failedSteps, skippedSteps := 0, 0, 0, 0
	for _, fr := range result.FlowResults {
		totalSteps += fr.StepsTotal
		passedSteps += fr.StepsPassed
		failedSteps += fr.StepsFailed
		skippedSteps += fr.StepsSkipped
	}

	fmt.Fprintln(out)
	if passedSteps > 0 {
		fmt.Fprintf(out, "  %s (%s)\n", paint(passStyle, fmt.Sprintf("%d steps passing", passedSteps)), formatDuration(result.Duration))
	}
	if failedSteps > 0 {
		fmt.Fprintf(out, "  %s\n", paint(failStyle, fmt.Sprintf("%d steps failing", failedSteps)))
	}
	if skippedSteps > 0 {
		fmt.Fprintf(out, "  %s\n", paint(infoStyle, fmt.Sprintf("%d steps skipped", skippedSteps)))
	}
	fmt.Fprintln(out)

	tableWidth := 100
	fmt.Fprintln(out, strings.Repeat("═", tableWidth))
	fmt.Fprintf(out, "  %-38s %-8s %-12s %5s %5s %5s %10s\n", "Flow", "Status", "State", "Steps", "Pass", "Fail", "Duration")
	fmt.Fprintln(out, strings.Repeat("─", tableWidth))

	for _, fr := range result.FlowResults {
		name := truncate(fr.Name, 38)
		fmt.Fprintf(out, "  %-38s %s %-12s %5d %5d %5d %10s\n",
			name, padRight(statusLabel(fr.Status), 6, 8), truncate(fr.State, 12),
			fr.StepsTotal, fr.StepsPassed, fr.StepsFailed, formatDuration(fr.Duration))
		if fr.Status == report.StatusFailed && fr.Error != "" {
			kind := fr.Kind
			if kind == "" {
				kind = "Error"
			}
			fmt.Fprintf(out, "    %s %s: %s\n", paint(dimStyle, "╰─"), kind, fr.Error)
		}
	}

	fmt.Fprintln(out, strings.Repeat("─", tableWidth))
	total := fmt.Sprintf("%d/%d", result.PassedFlows, result.TotalFlows)
	totalStyle := passStyle
	if result.FailedFlows > 0 {
		totalStyle = failStyle
	}
	fmt.Fprintf(out, "  %s %s %-12s %5d %5d %5d %10s\n",
		padRight(paint(boldStyle, "TOTAL"), 5, 38), padRight(paint(totalStyle, total), len(total), 8), "",
		totalSteps, passedSteps, failedSteps, formatDuration(result.Duration))
	fmt.Fprintln(out, strings.Repeat("═", tableWidth))

	if result.FlakyFlows > 0 {
		fmt.Fprintf(out, "  %s\n", paint(warnStyle, fmt.Sprintf("%d flaky flow(s): passed after retrying a step", result.FlakyFlows)))
	}
}

func printReports(outputDir string, htmlGenerated, allureGenerated bool) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Reports:")
	if htmlGenerated {
		fmt.Fprintf(out, "    HTML:   %s\n", filepath.Join(outputDir, "report.html"))
	}
	fmt.Fprintf(out, "    JSON:   %s\n", filepath.Join(outputDir, "report.json"))
	if allureGenerated {
		fmt.Fprintf(out, "    Allure: %s\n", filepath.Join(outputDir, "allure-results"))
	}
	fmt.Fprintln(out)
}

func printRuns(runs []store.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "  No runs recorded")
		return
	}
	fmt.Fprintf(out, "  %-36s %-8s %-20s %-8s %7s %10s\n", "Run", "Source", "Started", "Status", "Passed", "Duration")
	fmt.Fprintln(out, "  "+strings.Repeat("─", 94))
	for _, r := range runs {
		fmt.Fprintf(out, "  %-36s %-8s %-20s %s %7s %10s\n",
			r.ID, r.Source, r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			padRight(statusLabel(report.Status(r.Status)), 6, 8),
			fmt.Sprintf("%d/%d", r.Passed, r.Total), formatDuration(r.DurationMs))
	}
}

func printFlowHistory(name string, flows []store.FlowRecord) {
	fmt.Fprintf(out, "  %s\n", paint(boldStyle, name))
	if len(flows) == 0 {
		fmt.Fprintln(out, "  No results recorded")
		return
	}
	for _, f := range flows {
		line := fmt.Sprintf("  %-20s %s %-12s %10s",
			f.StartedAt.Local().Format("2006-01-02 15:04:05"), padRight(statusLabel(report.Status(f.Status)), 6, 8),
			f.State, formatDuration(f.DurationMs))
		if f.Kind != "" {
			line += "  " + paint(dimStyle, f.Kind)
		}
		fmt.Fprintln(out, line)
	}
}

func printStats(stats []store.FlowStats) {
	if len(stats) == 0 {
		fmt.Fprintln(out, "  No runs recorded")
		return
	}
	fmt.Fprintf(out, "  %-38s %5s %5s %5s %6s %9s  %s\n", "Flow", "Runs", "Pass", "Fail", "Flaky", "Pass rate", "Last")
	fmt.Fprintln(out, "  "+strings.Repeat("─", 90))
	for _, s := range stats {
		rate := fmt.Sprintf("%.0f%%", s.PassRate()*100)
		rateStyle := passStyle
		if s.PassRate() < 1 {
			rateStyle = warnStyle
		}
		if s.PassRate() < 0.8 {
			rateStyle = failStyle
		}
		fmt.Fprintf(out, "  %-38s %5d %5d %5d %6d %s  %s\n",
			truncate(s.FlowName, 38), s.Runs, s.Passed, s.Failed, s.Flaky,
			padLeft(paint(rateStyle, rate), len(rate), 9), statusLabel(report.Status(s.LastStatus)))
	}
}

// ============================================
// Formatting helpers
// ============================================

// formatDuration formats milliseconds to a human-readable string.
// Shows milliseconds for values < 1s, seconds otherwise.
func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
	mins := ms / 60000
	secs := (ms % 60000) / 1000
	return fmt.Sprintf("%dm %ds", mins, secs)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// padRight pads a rendered string whose visible width is visible to width.
func padRight(rendered string, visible, width int) string {
	if visible >= width {
		return rendered
	}
	return rendered + strings.Repeat(" ", width-visible)
}

func padLeft(rendered string, visible, width int) string {
	if visible >= width {
		return rendered
	}
	return strings.Repeat(" ", width-visible) + rendered
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
