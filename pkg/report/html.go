package report

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
)

// HTMLConfig contains configuration for HTML report generation.
type HTMLConfig struct {
	OutputPath  string // Output HTML file path (default: <ReportDir>/report.html)
	EmbedAssets bool   // Embed screenshots as base64 instead of linking them
	Title       string // Report title
	ReportDir   string // Report directory (for resolving relative asset paths)
}

// GenerateHTML renders the report as Markdown (report.md) and converts it to
// a standalone HTML page. While the run is in progress the page refreshes
// itself so it can be watched from file://.
func GenerateHTML(reportDir string, cfg HTMLConfig) error {
	index, flows, err := ReadReport(reportDir)
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}

	if cfg.ReportDir == "" {
		cfg.ReportDir = reportDir
	}
	if cfg.Title == "" {
		cfg.Title = "Wizard Run Report"
	}
	outputPath := cfg.OutputPath
	if outputPath == "" {
		outputPath = filepath.Join(reportDir, "report.html")
	}

	markdown := BuildMarkdown(index, flows, cfg)
	mdPath := strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + ".md"
	if err := os.WriteFile(mdPath, []byte(markdown), 0o644); err != nil {
		return fmt.Errorf("write markdown: %w", err)
	}

	body, err := renderMarkdown(markdown)
	if err != nil {
		return fmt.Errorf("render markdown: %w", err)
	}

	page, err := renderHTML(HTMLData{
		Title:   cfg.Title,
		Status:  string(index.Status),
		Body:    template.HTML(body),
		Refresh: !index.Status.IsTerminal(),
	})
	if err != nil {
		return fmt.Errorf("render html: %w", err)
	}

	return os.WriteFile(outputPath, []byte(page), 0o644)
}

// HTMLData is the data passed to the page template.
type HTMLData struct {
	Title   string
	Status  string
	Body    template.HTML
	Refresh bool
}

// BuildMarkdown renders the index and flow details as a Markdown document.
func BuildMarkdown(index *Index, flows []FlowDetail, cfg HTMLConfig) string {
	var b strings.Builder

	title := cfg.Title
	if title == "" {
		title = "Wizard Run Report"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	fmt.Fprintf(&b, "**Status:** %s", strings.ToUpper(string(index.Status)))
	if index.RunID != "" {
		fmt.Fprintf(&b, " | **Run:** `%s`", index.RunID)
	}
	if !index.StartTime.IsZero() {
		fmt.Fprintf(&b, " | **Started:** %s", index.StartTime.Format(time.RFC3339))
	}
	if index.EndTime != nil && !index.StartTime.IsZero() {
		d := index.EndTime.Sub(index.StartTime).Milliseconds()
		fmt.Fprintf(&b, " | **Duration:** %s", formatDuration(&d))
	}
	b.WriteString("\n\n")

	if t := index.Target; t.Platform != "" {
		fmt.Fprintf(&b, "**Target:** %s", t.Platform)
		if t.BrowserVersion != "" {
			fmt.Fprintf(&b, " %s", t.BrowserVersion)
		}
		if t.Headless {
			b.WriteString(" (headless)")
		}
		if t.ViewportWidth > 0 {
			fmt.Fprintf(&b, ", %dx%d", t.ViewportWidth, t.ViewportHeight)
		}
		if t.Workers > 1 {
			fmt.Fprintf(&b, ", %d workers", t.Workers)
		}
		if index.Runner.Version != "" {
			fmt.Fprintf(&b, " | **wizard-runner** %s", index.Runner.Version)
		}
		b.WriteString("\n\n")
	}

	s := index.Summary
	b.WriteString("## Summary\n\n")
	b.WriteString("| Total | Passed | Failed | Skipped | Running | Pending | Flaky |\n")
	b.WriteString("|---:|---:|---:|---:|---:|---:|---:|\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %d | %d | %d | %d |\n\n",
		s.Total, s.Passed, s.Failed, s.Skipped, s.Running, s.Pending, s.Flaky)

	if len(index.Flows) == 0 {
		b.WriteString("_No flows._\n")
		return b.String()
	}

	b.WriteString("## Flows\n\n")
	b.WriteString("| # | Flow | Status | State | Steps | Duration |\n")
	b.WriteString("|---:|---|---|---|---|---:|\n")
	for _, f := range index.Flows {
		name := f.Name
		if f.Flaky {
			name += " (flaky)"
		}
		fmt.Fprintf(&b, "| %d | %s | %s | %s | %d/%d | %s |\n",
			f.Index+1, cell(name), statusBadge(f.Status), cell(f.State),
			f.Steps.Passed, f.Steps.Total, formatDuration(f.Duration))
	}
	b.WriteString("\n")

	for i := range flows {
		writeFlowMarkdown(&b, &flows[i], cfg)
	}
	return b.String()
}

func writeFlowMarkdown(b *strings.Builder, fd *FlowDetail, cfg HTMLConfig) {
	fmt.Fprintf(b, "## %s\n\n", fd.Name)

	if fd.SourceFile != "" {
		fmt.Fprintf(b, "- **Source:** `%s`\n", fd.SourceFile)
	}
	if fd.URL != "" {
		fmt.Fprintf(b, "- **URL:** %s\n", fd.URL)
	}
	if len(fd.Tags) > 0 {
		fmt.Fprintf(b, "- **Tags:** %s\n", strings.Join(fd.Tags, ", "))
	}
	if fd.State != "" {
		fmt.Fprintf(b, "- **State:** %s\n", fd.State)
	}
	if len(fd.CompletedSteps) > 0 {
		fmt.Fprintf(b, "- **Completed:** %s\n", strings.Join(fd.CompletedSteps, " → "))
	}
	if fd.Duration != nil {
		fmt.Fprintf(b, "- **Duration:** %s\n", formatDuration(fd.Duration))
	}
	b.WriteString("\n")

	if fd.Failure != nil {
		fmt.Fprintf(b, "> **%s** at step %d (`%s`): %s\n", fd.Failure.Kind, fd.Failure.StepIndex, fd.Failure.StepID, oneLine(fd.Failure.Message))
		if fd.Failure.StepIndex >= 0 && fd.Failure.StepIndex < len(fd.Steps) {
			if e := fd.Steps[fd.Failure.StepIndex].Error; e != nil && e.Suggestion != "" {
				fmt.Fprintf(b, ">\n> %s\n", oneLine(e.Suggestion))
			}
		}
		b.WriteString("\n")
	}

	if len(fd.Steps) > 0 {
		b.WriteString("| # | Step | Action | Description | Status | Attempts | Duration |\n")
		b.WriteString("|---:|---|---|---|---|---:|---:|\n")
		for _, st := range fd.Steps {
			attempts := "-"
			if st.Attempts > 0 {
				attempts = fmt.Sprintf("%d", st.Attempts)
				if st.Flaky {
					attempts += " (flaky)"
				}
			}
			fmt.Fprintf(b, "| %d | `%s` | %s | %s | %s | %s | %s |\n",
				st.Index, cell(st.ID), st.Action, cell(st.Description), statusBadge(st.Status), attempts, formatDuration(st.Duration))
		}
		b.WriteString("\n")
	}

	a := fd.Artifacts
	if a.Screenshot == "" && a.DOM == "" && a.Console == "" && a.Page == "" && a.Suggestions == "" {
		return
	}
	b.WriteString("### Diagnostics\n\n")
	if a.URL != "" {
		fmt.Fprintf(b, "Captured at %s", a.URL)
		if a.Title != "" {
			fmt.Fprintf(b, " (%s)", cell(a.Title))
		}
		b.WriteString("\n\n")
	}
	var links []string
	for _, l := range []struct{ name, path string }{
		{"DOM", a.DOM},
		{"Console", a.Console},
		{"Page text", a.Page},
		{"Suggestions", a.Suggestions},
	} {
		if l.path != "" {
			links = append(links, fmt.Sprintf("[%s](%s)", l.name, filepath.ToSlash(l.path)))
		}
	}
	if len(links) > 0 {
		b.WriteString(strings.Join(links, " | ") + "\n\n")
	}
	if a.Screenshot != "" {
		src := filepath.ToSlash(a.Screenshot)
		if cfg.EmbedAssets {
			if data := loadAsBase64(filepath.Join(cfg.ReportDir, a.Screenshot)); data != "" {
				src = data
			}
		}
		fmt.Fprintf(b, "![screenshot of %s](%s)\n\n", cell(fd.Name), src)
	}
}

// renderMarkdown converts Markdown to HTML with GitHub-style tables.
func renderMarkdown(markdown string) (string, error) {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.Table,
			extension.Strikethrough,
			extension.Linkify,
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
	)
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func statusBadge(s Status) string {
	switch s {
	case StatusPassed:
		return "✅ passed"
	case StatusFailed:
		return "❌ failed"
	case StatusSkipped:
		return "~~skipped~~"
	case StatusRunning:
		return "⏳ running"
	default:
		return string(s)
	}
}

// cell makes text safe inside a Markdown table cell.
func cell(s string) string {
	return strings.ReplaceAll(oneLine(s), "|", `\|`)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// formatDuration formats milliseconds for display.
func formatDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	d := *ms
	switch {
	case d < 1000:
		return fmt.Sprintf("%dms", d)
	case d < 60000:
		return fmt.Sprintf("%.1fs", float64(d)/1000)
	default:
		return fmt.Sprintf("%dm %ds", d/60000, (d%60000)/1000)
	}
}

// loadAsBase64 loads a PNG and returns it as a data URI, or "" on error.
func loadAsBase64(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}

func renderHTML(data HTMLData) (string, error) {
	tmpl, err := template.New("report").Parse(htmlTemplate)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
{{if .Refresh}}<meta http-equiv="refresh" content="2">{{end}}
<title>{{.Title}}</title>
<style>
  :root { --pass: #1a7f37; --fail: #cf222e; --muted: #57606a; --border: #d0d7de; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Helvetica, Arial, sans-serif;
         max-width: 1100px; margin: 2rem auto; padding: 0 1rem; color: #1f2328; line-height: 1.5; }
  body.status-passed h1 { color: var(--pass); }
  body.status-failed h1 { color: var(--fail); }
  h2 { border-bottom: 1px solid var(--border); padding-bottom: .3rem; margin-top: 2rem; }
  table { border-collapse: collapse; width: 100%; margin: 1rem 0; font-size: 14px; }
  th, td { border: 1px solid var(--border); padding: 6px 10px; text-align: left; vertical-align: top; }
  th { background: #f6f8fa; }
  tr:nth-child(even) td { background: #fbfbfc; }
  code { background: #eff1f3; padding: 1px 5px; border-radius: 4px; font-size: 90%; }
  blockquote { border-left: 4px solid var(--fail); margin: 1rem 0; padding: .5rem 1rem; background: #fff5f5; }
  img { max-width: 100%; border: 1px solid var(--border); border-radius: 6px; }
  del { color: var(--muted); }
</style>
</head>
<body class="status-{{.Status}}">
{{.Body}}
</body>
</html>
`
