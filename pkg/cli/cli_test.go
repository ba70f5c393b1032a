package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/wizard-runner/pkg/config"
	"github.com/devicelab-dev/wizard-runner/pkg/core"
	"github.com/devicelab-dev/wizard-runner/pkg/report"
)

const setupFlow = `name: Project setup
url: https://console.example.test/setup
tags: [smoke]
errorMarkers:
  - "Error:"
---
- id: selectRegion
  selectOption:
    locate: {role: combobox, text: Region}
    option: EUA
  until: "Region: EUA"
- id: advance
  click: {role: button, text: "^Next$"}
  until:
    visible: {testId: tier-select}
- id: confirm
  click: {role: button, text: Confirm}
  until: Setup complete
`

const brokenFlow = `- id: one
  click: {text: Next}
- id: one
  click: {text: Back}
`

// newTestApp returns an app that writes to a buffer, keeps its home in a
// temp dir and never calls os.Exit.
func newTestApp(t *testing.T) (*cli.App, *bytes.Buffer) {
	t.Helper()

	t.Setenv("WIZARD_RUNNER_HOME", t.TempDir())
	config.ResetHome()
	t.Cleanup(config.ResetHome)

	var buf bytes.Buffer
	prevOut, prevColors := out, colorsEnabled
	out, colorsEnabled = &buf, false
	t.Cleanup(func() { out, colorsEnabled = prevOut, prevColors })

	app := NewApp()
	app.Writer = &buf
	app.ErrWriter = &buf
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app, &buf
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestResolveOutputDir_Default(t *testing.T) {
	dir, err := resolveOutputDir("", false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(dir, "reports/") {
		t.Errorf("expected dir to start with reports/, got %s", dir)
	}
	// Should have timestamp subfolder
	parts := strings.Split(dir, "/")
	if len(parts) != 2 {
		t.Errorf("expected reports/<timestamp>, got %s", dir)
	}
}

func TestResolveOutputDir_CustomOutput(t *testing.T) {
	dir, err := resolveOutputDir("./my-reports", true, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(dir, "my-reports/") {
		t.Errorf("expected dir to start with my-reports/, got %s", dir)
	}
}

func TestResolveOutputDir_Flatten(t *testing.T) {
	dir, err := resolveOutputDir("./my-reports", true, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dir != "my-reports" {
		t.Errorf("expected my-reports, got %s", dir)
	}
}

func TestResolveOutputDir_FlattenWithoutOutput(t *testing.T) {
	_, err := resolveOutputDir("reports", false, true)
	if err == nil {
		t.Error("expected error when flatten is used without output")
	}
}

func TestParseEnvVars_Valid(t *testing.T) {
	env := parseEnvVars([]string{"REGION=EUA", "TIER=Prod"})

	if env["REGION"] != "EUA" {
		t.Errorf("REGION = %q, want EUA", env["REGION"])
	}
	if env["TIER"] != "Prod" {
		t.Errorf("TIER = %q, want Prod", env["TIER"])
	}
}

func TestParseEnvVars_ValueWithEquals(t *testing.T) {
	env := parseEnvVars([]string{"QUERY=a=b"})
	if env["QUERY"] != "a=b" {
		t.Errorf("QUERY = %q, want a=b", env["QUERY"])
	}
}

func TestParseEnvVars_InvalidFormat(t *testing.T) {
	env := parseEnvVars([]string{"NOVALUE"})
	if len(env) != 0 {
		t.Errorf("expected empty map, got %v", env)
	}
}

func TestMergeEnv(t *testing.T) {
	merged := mergeEnv(map[string]string{"A": "1", "B": "2"}, map[string]string{"B": "3"})
	if merged["A"] != "1" || merged["B"] != "3" {
		t.Errorf("unexpected merge result: %v", merged)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{0, "0ms"},
		{999, "999ms"},
		{1000, "1.0s"},
		{1500, "1.5s"},
		{59999, "60.0s"},
		{60000, "1m 0s"},
		{125000, "2m 5s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.ms); got != tt.want {
			t.Errorf("formatDuration(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("a very long flow name", 10); got != "a very ..." {
		t.Errorf("truncate = %q", got)
	}
}

func TestDetectCI(t *testing.T) {
	for _, name := range []string{"GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL"} {
		t.Setenv(name, "")
	}
	if ci := detectCI(); ci != nil {
		t.Fatalf("expected no CI, got %+v", ci)
	}

	t.Setenv("GITHUB_ACTIONS", "true")
	t.Setenv("GITHUB_RUN_ID", "42")
	t.Setenv("GITHUB_SERVER_URL", "https://github.com")
	t.Setenv("GITHUB_REPOSITORY", "acme/console")
	t.Setenv("GITHUB_SHA", "abc123")

	ci := detectCI()
	if ci == nil {
		t.Fatal("expected CI info")
	}
	if ci.Provider != "github-actions" {
		t.Errorf("Provider = %q", ci.Provider)
	}
	if ci.BuildURL != "https://github.com/acme/console/actions/runs/42" {
		t.Errorf("BuildURL = %q", ci.BuildURL)
	}
	if ci.Commit != "abc123" {
		t.Errorf("Commit = %q", ci.Commit)
	}
}

func TestGlobalFlags(t *testing.T) {
	names := make(map[string]bool)
	for _, f := range GlobalFlags {
		for _, n := range f.Names() {
			names[n] = true
		}
	}
	for _, want := range []string{"config", "target", "headless", "no-sandbox", "remote-url", "verbose", "log-format", "no-ansi"} {
		if !names[want] {
			t.Errorf("missing global flag %q", want)
		}
	}
}

func TestTargetKind_Unknown(t *testing.T) {
	app, _ := newTestApp(t)
	err := app.Run([]string{"wizard-runner", "--target", "safari", "test", t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "unknown target") {
		t.Fatalf("expected unknown target error, got %v", err)
	}
}

func TestTestCommand_NoArgs(t *testing.T) {
	app, _ := newTestApp(t)
	t.Chdir(t.TempDir())

	err := app.Run([]string{"wizard-runner", "--target", "mock", "test"})
	if err == nil {
		t.Fatal("expected error without flows")
	}
}

func TestTestCommand_FlattenWithoutOutput(t *testing.T) {
	app, _ := newTestApp(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "setup.yaml", setupFlow)

	err := app.Run([]string{"wizard-runner", "--target", "mock", "test", "--flatten", path})
	if err == nil || !strings.Contains(err.Error(), "--flatten requires --output") {
		t.Fatalf("expected flatten error, got %v", err)
	}
}

func TestTestCommand_ChromeUnavailable(t *testing.T) {
	app, buf := newTestApp(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "setup.yaml", setupFlow)
	cfgPath := writeFile(t, dir, "wizard-runner.yaml",
		"browser:\n  execPath: "+filepath.Join(dir, "no-such-chrome")+"\n")

	err := app.Run([]string{"wizard-runner", "--config", cfgPath, "test",
		"--output", filepath.Join(dir, "out"), "--flatten", "--no-history", path})
	if !errors.Is(err, core.ErrTargetUnavailable) {
		t.Fatalf("err = %v, want target unavailable\n%s", err, buf.String())
	}
}

func TestTestCommand_DryRun(t *testing.T) {
	app, buf := newTestApp(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "setup.yaml", setupFlow)
	outDir := filepath.Join(dir, "out")

	err := app.Run([]string{"wizard-runner", "--target", "mock", "test",
		"--output", outDir, "--flatten", "--no-history", "-e", "REGION=EUA", path})
	if err != nil {
		t.Fatalf("test command failed: %v\n%s", err, buf.String())
	}

	output := buf.String()
	if !strings.Contains(output, "Project setup") {
		t.Errorf("expected flow name in output:\n%s", output)
	}
	if !strings.Contains(output, "3 steps passing") {
		t.Errorf("expected 3 passing steps:\n%s", output)
	}

	index, err := report.ReadIndex(filepath.Join(outDir, "report.json"))
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if index.Status != report.StatusPassed {
		t.Errorf("run status = %s, want passed", index.Status)
	}
	if index.Runner.Driver != TargetMock {
		t.Errorf("driver = %q, want mock", index.Runner.Driver)
	}
	if len(index.Flows) != 1 || index.Flows[0].State != "Completed" {
		t.Errorf("unexpected flows: %+v", index.Flows)
	}
	if _, err := os.Stat(filepath.Join(outDir, "report.html")); err != nil {
		t.Errorf("expected report.html: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "wizard-runner.log")); err != nil {
		t.Errorf("expected run log: %v", err)
	}
}

func TestTestCommand_TagFilterLeavesNothing(t *testing.T) {
	app, _ := newTestApp(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "setup.yaml", setupFlow)

	err := app.Run([]string{"wizard-runner", "--target", "mock", "test",
		"--output", filepath.Join(dir, "out"), "--exclude-tags", "smoke", path})
	if err == nil || !strings.Contains(err.Error(), "no flows to run") {
		t.Fatalf("expected no flows error, got %v", err)
	}
}

func TestTestCommand_InvalidFlow(t *testing.T) {
	app, buf := newTestApp(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "broken.yaml", brokenFlow)

	err := app.Run([]string{"wizard-runner", "--target", "mock", "test",
		"--output", filepath.Join(dir, "out"), path})
	if err == nil || !strings.Contains(err.Error(), "validation failed") {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(buf.String(), `duplicate step id "one"`) {
		t.Errorf("expected duplicate id in output:\n%s", buf.String())
	}
}

func TestValidateCommand(t *testing.T) {
	app, buf := newTestApp(t)
	dir := t.TempDir()
	writeFile(t, dir, "setup.yaml", setupFlow)

	if err := app.Run([]string{"wizard-runner", "validate", dir}); err != nil {
		t.Fatalf("validate failed: %v\n%s", err, buf.String())
	}
	if !strings.Contains(buf.String(), "1 flow(s) valid") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestValidateCommand_Errors(t *testing.T) {
	app, buf := newTestApp(t)
	dir := t.TempDir()
	writeFile(t, dir, "setup.yaml", setupFlow)
	writeFile(t, dir, "broken.yaml", brokenFlow)

	err := app.Run([]string{"wizard-runner", "validate", dir})
	if exitCode(err) != 1 {
		t.Fatalf("expected exit code 1, got %v", err)
	}
	if !strings.Contains(buf.String(), "1 error(s)") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestHistoryCommand_AfterRun(t *testing.T) {
	app, buf := newTestApp(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "setup.yaml", setupFlow)

	err := app.Run([]string{"wizard-runner", "--target", "mock", "test",
		"--output", filepath.Join(dir, "out"), "--flatten", path})
	if err != nil {
		t.Fatalf("test command failed: %v\n%s", err, buf.String())
	}

	buf.Reset()
	if err := rerunApp(app).Run([]string{"wizard-runner", "history", "--stats"}); err != nil {
		t.Fatalf("history failed: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, "Project setup") || !strings.Contains(output, "100%") {
		t.Errorf("unexpected stats output:\n%s", output)
	}

	buf.Reset()
	if err := rerunApp(app).Run([]string{"wizard-runner", "history"}); err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(buf.String(), "cli") || !strings.Contains(buf.String(), "1/1") {
		t.Errorf("unexpected runs output:\n%s", buf.String())
	}
}

func TestInspectCommand_MockWizard(t *testing.T) {
	app, buf := newTestApp(t)

	if err := app.Run([]string{"wizard-runner", "--target", "mock", "inspect"}); err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, "Project setup") {
		t.Errorf("expected page title:\n%s", output)
	}
	if !strings.Contains(output, "testId=region-select") {
		t.Errorf("expected region locator:\n%s", output)
	}
}

func TestInspectCommand_RequiresURL(t *testing.T) {
	app, _ := newTestApp(t)
	if err := app.Run([]string{"wizard-runner", "inspect"}); err == nil {
		t.Fatal("expected error without URL")
	}
}

func TestReportCommand_Regenerate(t *testing.T) {
	app, buf := newTestApp(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "setup.yaml", setupFlow)
	outDir := filepath.Join(dir, "out")

	if err := app.Run([]string{"wizard-runner", "--target", "mock", "test",
		"--output", outDir, "--flatten", "--no-history", path}); err != nil {
		t.Fatalf("test command failed: %v\n%s", err, buf.String())
	}
	if err := os.Remove(filepath.Join(outDir, "report.html")); err != nil {
		t.Fatal(err)
	}

	if err := rerunApp(app).Run([]string{"wizard-runner", "report", "--allure", outDir}); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "report.html")); err != nil {
		t.Errorf("expected report.html to be regenerated: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "allure-results")); err != nil {
		t.Errorf("expected allure-results: %v", err)
	}
}

// rerunApp builds a fresh app sharing the writers of an existing test app.
func rerunApp(prev *cli.App) *cli.App {
	app := NewApp()
	app.Writer = prev.Writer
	app.ErrWriter = prev.ErrWriter
	app.ExitErrHandler = prev.ExitErrHandler
	return app
}
