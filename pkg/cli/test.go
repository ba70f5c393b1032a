package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/wizard-runner/pkg/config"
	"github.com/devicelab-dev/wizard-runner/pkg/core"
	"github.com/devicelab-dev/wizard-runner/pkg/driver/browser"
	"github.com/devicelab-dev/wizard-runner/pkg/driver/mock"
	"github.com/devicelab-dev/wizard-runner/pkg/executor"
	"github.com/devicelab-dev/wizard-runner/pkg/flow"
	"github.com/devicelab-dev/wizard-runner/pkg/logger"
	"github.com/devicelab-dev/wizard-runner/pkg/report"
	"github.com/devicelab-dev/wizard-runner/pkg/store"
	"github.com/devicelab-dev/wizard-runner/pkg/validator"
)

var testCommand = &cli.Command{
	Name:      "test",
	Usage:     "Run wizard flows",
	ArgsUsage: "<flow-file-or-folder>...",
	Description: `Run one or more wizard flow files against Chrome.

Without arguments the flows matched by the "flows" patterns of
wizard-runner.yaml in the current directory are run.

Reports are generated in the output directory:
  - Default: <report.outputDir>/<timestamp>/
  - With --output: <output>/<timestamp>/
  - With --output and --flatten: <output>/ (no timestamp subfolder)

Examples:
  wizard-runner test onboarding.yaml
  wizard-runner test flows/ -e REGION=EUA -e TIER=Prod
  wizard-runner test flows/ --include-tags smoke --workers 3
  wizard-runner --target mock test flows/   # dry run without a browser
  wizard-runner test flows/ --output ./my-reports --flatten`,
	Flags: []cli.Flag{
		// Environment variables
		&cli.StringSliceFlag{
			Name:    "env",
			Aliases: []string{"e"},
			Usage:   "Environment variables (KEY=VALUE)",
		},

		// Tag filtering
		&cli.StringSliceFlag{
			Name:  "include-tags",
			Usage: "Only include flows with these tags",
		},
		&cli.StringSliceFlag{
			Name:  "exclude-tags",
			Usage: "Exclude flows with these tags",
		},

		// Output directory
		&cli.StringFlag{
			Name:  "output",
			Usage: "Output directory for reports (default: report.outputDir)",
		},
		&cli.BoolFlag{
			Name:  "flatten",
			Usage: "Don't create timestamp subfolder (requires --output)",
		},

		// Execution
		&cli.IntFlag{
			Name:  "workers",
			Usage: "Run flows in parallel on N browser instances",
		},
		&cli.BoolFlag{
			Name:  "stop-on-fail",
			Usage: "Skip remaining flows after the first failure",
		},
		&cli.IntFlag{
			Name:  "timeout",
			Usage: "Default step timeout in ms",
		},
		&cli.IntFlag{
			Name:  "retries",
			Usage: "Default extra attempts per step",
		},

		// Reports
		&cli.BoolFlag{
			Name:  "allure",
			Usage: "Also write allure-results",
		},
		&cli.BoolFlag{
			Name:  "no-history",
			Usage: "Don't record this run in the history database",
		},
	},
	Action: runTest,
}

// RunConfig is a fully resolved test run.
type RunConfig struct {
	Config    *config.Config
	Target    string
	Flows     []flow.Flow
	OutputDir string
	RunID     string
	Env       map[string]string
}

func runTest(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	kind, err := targetKind(c)
	if err != nil {
		return err
	}
	applyTestFlags(c, cfg)

	base := c.String("output")
	if base == "" {
		base = cfg.Report.OutputDir
	}
	outputDir, err := resolveOutputDir(base, c.String("output") != "", c.Bool("flatten"))
	if err != nil {
		return err
	}

	flows, err := collectFlows(cfg, c.Args().Slice())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := logger.InitWithConfig(logger.Config{
		Path:    filepath.Join(outputDir, "wizard-runner.log"),
		Format:  cfg.Log.Format,
		Debug:   true,
		Verbose: cfg.Log.Verbose,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize logger: %v\n", err)
	}
	defer logger.Close()

	env := mergeEnv(cfg.Env, parseEnvVars(c.StringSlice("env")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	result, err := executeTest(ctx, &RunConfig{
		Config:    cfg,
		Target:    kind,
		Flows:     flows,
		OutputDir: outputDir,
		Env:       env,
	}, true)
	if err != nil {
		return err
	}

	printSummary(result)
	htmlOK, allureOK := writeReports(outputDir, cfg)
	printReports(outputDir, htmlOK, allureOK)

	if cfg.History.Enabled && !c.Bool("no-history") {
		if err := recordHistory(cfg, result, store.RunMeta{Source: store.SourceCLI, StartedAt: started, ReportDir: outputDir}); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	if result.Status != report.StatusPassed {
		return cli.Exit("", 1)
	}
	return nil
}

// applyTestFlags copies test command flags over the loaded config.
func applyTestFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("include-tags") {
		cfg.IncludeTags = c.StringSlice("include-tags")
	}
	if c.IsSet("exclude-tags") {
		cfg.ExcludeTags = c.StringSlice("exclude-tags")
	}
	if c.IsSet("workers") {
		cfg.Execution.Workers = c.Int("workers")
	}
	if c.IsSet("stop-on-fail") {
		cfg.Execution.StopOnFail = c.Bool("stop-on-fail")
	}
	if c.IsSet("timeout") {
		cfg.Execution.TimeoutMs = c.Int("timeout")
	}
	if c.IsSet("retries") {
		cfg.Execution.Retries = c.Int("retries")
	}
	if c.IsSet("allure") {
		cfg.Report.Allure = c.Bool("allure")
	}
}

// collectFlows validates every flow upfront. With no paths the current
// directory is searched with the configured patterns.
func collectFlows(cfg *config.Config, paths []string) ([]flow.Flow, error) {
	if len(paths) == 0 {
		if len(cfg.Flows) == 0 {
			return nil, fmt.Errorf("at least one flow file or folder is required")
		}
		paths = []string{"."}
	}

	result := validator.New(cfg.IncludeTags, cfg.ExcludeTags).WithPatterns(cfg.Flows).Validate(paths...)
	if !result.IsValid() {
		printValidation(result)
		return nil, fmt.Errorf("validation failed: %d error(s)", len(result.Errors))
	}
	if len(result.Flows) == 0 {
		return nil, fmt.Errorf("no flows to run")
	}

	flows := make([]flow.Flow, len(result.Flows))
	for i, f := range result.Flows {
		flows[i] = *f
	}
	return flows, nil
}

// executeTest opens the targets, runs every flow and closes the targets.
func executeTest(ctx context.Context, rc *RunConfig, live bool) (*executor.RunResult, error) {
	cfg := rc.Config
	logger.Info("=== Test execution started ===")
	logger.Info("Output directory: %s", rc.OutputDir)
	logger.Info("Target: %s", rc.Target)

	workers := cfg.Execution.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(rc.Flows) {
		workers = len(rc.Flows)
	}

	targets, err := openTargets(ctx, rc.Target, cfg.Browser, rc.Flows, workers)
	if err != nil {
		return nil, err
	}

	runnerCfg := executor.RunnerConfig{
		OutputDir:  rc.OutputDir,
		RunID:      rc.RunID,
		StopOnFail: cfg.Execution.StopOnFail,
		Artifacts:  cfg.Artifacts,
		HTML: report.HTMLConfig{
			Title:       cfg.Report.Title,
			EmbedAssets: cfg.Report.EmbedAssets,
		},
		Target: report.Target{
			Platform: rc.Target,
			Headless: cfg.Browser.Headless,
		},
		CI:               detectCI(),
		RunnerVersion:    Version,
		DriverName:       rc.Target,
		Env:              rc.Env,
		PollInterval:     cfg.Execution.PollInterval,
		DefaultTimeoutMs: cfg.Execution.TimeoutMs,
		DefaultRetries:   cfg.Execution.Retries,
		ErrorMarkers:     cfg.Execution.ErrorMarkers,
	}
	if live {
		runnerCfg.OnFlowStart = onFlowStart
		runnerCfg.OnStepComplete = onStepComplete
		runnerCfg.OnFlowEnd = onFlowEnd
	}

	if len(targets) == 1 {
		defer closeTargets(targets)
		return executor.New(targets[0].Target, runnerCfg).Run(ctx, rc.Flows)
	}
	// Each worker closes its own target when the queue drains
	return executor.NewParallelRunner(targets, runnerCfg).Run(ctx, rc.Flows)
}

// openTargets starts n targets of the given kind.
func openTargets(ctx context.Context, kind string, bc config.BrowserConfig, flows []flow.Flow, n int) ([]executor.TargetWorker, error) {
	var dryRun *flow.Flow
	if kind == TargetMock {
		dryRun = combinedFlow(flows)
	}

	var workers []executor.TargetWorker
	for i := 0; i < n; i++ {
		id := strconv.Itoa(i)
		var target core.Target
		var cleanup func()

		switch kind {
		case TargetMock:
			target = mock.DryRun(dryRun, mock.WithTargetID(id))
		default:
			fmt.Fprintf(out, "  Starting Chrome (worker %d)...\n", i)
			drv, err := browser.New(ctx, browser.FromConfig(bc, id))
			if err != nil {
				closeTargets(workers)
				return nil, core.ErrTargetUnavailable.WithCause(err)
			}
			target = drv
			cleanup = drv.Close
		}
		workers = append(workers, executor.TargetWorker{ID: i, Target: target, Cleanup: cleanup})
	}
	return workers, nil
}

func closeTargets(workers []executor.TargetWorker) {
	for _, w := range workers {
		if w.Cleanup != nil {
			w.Cleanup()
		}
	}
}

// combinedFlow joins every step so one dry-run page accepts them all.
func combinedFlow(flows []flow.Flow) *flow.Flow {
	combined := &flow.Flow{}
	for _, f := range flows {
		combined.Steps = append(combined.Steps, f.Steps...)
	}
	return combined
}

// writeReports renders the HTML report and, when enabled, Allure results.
func writeReports(outputDir string, cfg *config.Config) (htmlOK, allureOK bool) {
	htmlCfg := report.HTMLConfig{
		Title:       cfg.Report.Title,
		EmbedAssets: cfg.Report.EmbedAssets,
	}
	if err := report.GenerateHTML(outputDir, htmlCfg); err != nil {
		logger.Warn("failed to generate HTML report: %v", err)
		fmt.Fprintf(os.Stderr, "Warning: failed to generate HTML report: %v\n", err)
	} else {
		htmlOK = true
	}

	if cfg.Report.Allure {
		if err := report.GenerateAllure(outputDir); err != nil {
			logger.Warn("failed to generate Allure results: %v", err)
			fmt.Fprintf(os.Stderr, "Warning: failed to generate Allure results: %v\n", err)
		} else {
			allureOK = true
		}
	}
	return htmlOK, allureOK
}

// recordHistory stores the run and prunes old runs.
func recordHistory(cfg *config.Config, result *executor.RunResult, meta store.RunMeta) error {
	s, err := store.Open(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer s.Close()

	if err := s.RecordRun(result, meta); err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	if _, err := s.Prune(cfg.History.Keep); err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	return nil
}

// resolveOutputDir determines the output directory based on flags.
// flattenAllowed is false when --flatten was given without --output.
func resolveOutputDir(baseDir string, flattenAllowed, flatten bool) (string, error) {
	if flatten && !flattenAllowed {
		return "", fmt.Errorf("--flatten requires --output to be specified")
	}
	if baseDir == "" {
		baseDir = "./reports"
	}

	if flatten {
		return filepath.Clean(baseDir), nil
	}

	// Create timestamp-based subfolder
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return filepath.Join(baseDir, timestamp), nil
}

func parseEnvVars(envs []string) map[string]string {
	result := make(map[string]string)
	for _, e := range envs {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) == 2 {
			result[parts[0]] = parts[1]
		}
	}
	return result
}

// mergeEnv returns base overlaid with override.
func mergeEnv(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// detectCI reads build information from well-known CI environment variables.
func detectCI() *report.CI {
	switch {
	case os.Getenv("GITHUB_ACTIONS") == "true":
		ci := &report.CI{
			Provider: "github-actions",
			BuildID:  os.Getenv("GITHUB_RUN_ID"),
			Branch:   os.Getenv("GITHUB_REF_NAME"),
			Commit:   os.Getenv("GITHUB_SHA"),
		}
		if server, repo := os.Getenv("GITHUB_SERVER_URL"), os.Getenv("GITHUB_REPOSITORY"); server != "" && repo != "" && ci.BuildID != "" {
			ci.BuildURL = server + "/" + repo + "/actions/runs/" + ci.BuildID
		}
		return ci
	case os.Getenv("GITLAB_CI") == "true":
		return &report.CI{
			Provider:      "gitlab",
			BuildID:       os.Getenv("CI_PIPELINE_ID"),
			BuildURL:      os.Getenv("CI_PIPELINE_URL"),
			Branch:        os.Getenv("CI_COMMIT_REF_NAME"),
			Commit:        os.Getenv("CI_COMMIT_SHA"),
			CommitMessage: os.Getenv("CI_COMMIT_MESSAGE"),
		}
	case os.Getenv("JENKINS_URL") != "":
		return &report.CI{
			Provider: "jenkins",
			BuildID:  os.Getenv("BUILD_NUMBER"),
			BuildURL: os.Getenv("BUILD_URL"),
			Branch:   os.Getenv("GIT_BRANCH"),
			Commit:   os.Getenv("GIT_COMMIT"),
		}
	}
	return nil
}

// exitCode extracts the exit code of a command error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}
