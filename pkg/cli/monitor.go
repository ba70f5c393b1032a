package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/wizard-runner/pkg/config"
	"github.com/devicelab-dev/wizard-runner/pkg/executor"
	"github.com/devicelab-dev/wizard-runner/pkg/logger"
	"github.com/devicelab-dev/wizard-runner/pkg/monitor"
	"github.com/devicelab-dev/wizard-runner/pkg/report"
	"github.com/devicelab-dev/wizard-runner/pkg/store"
)

var monitorCommand = &cli.Command{
	Name:      "monitor",
	Usage:     "Run flows on a schedule and record every run",
	ArgsUsage: "<flow-file-or-folder>...",
	Description: `Runs the flows on a cron schedule (monitor.schedule, default "@every 15m")
until interrupted. Each run writes its report to <report.outputDir>/<run-id>
and is recorded in the history database.

Examples:
  wizard-runner monitor flows/
  wizard-runner monitor flows/ --schedule "*/5 * * * *" --run-now`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "schedule",
			Usage: `Cron spec or descriptor, e.g. "@every 10m"`,
		},
		&cli.BoolFlag{
			Name:  "run-now",
			Usage: "Run once immediately instead of waiting for the first tick",
		},
		&cli.StringSliceFlag{
			Name:    "env",
			Aliases: []string{"e"},
			Usage:   "Environment variables (KEY=VALUE)",
		},
	},
	Action: runMonitor,
}

func runMonitor(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	kind, err := targetKind(c)
	if err != nil {
		return err
	}
	if c.IsSet("schedule") {
		cfg.Monitor.Schedule = c.String("schedule")
	}
	paths := c.Args().Slice()

	// Fail fast on broken flows; each run validates again to pick up edits
	if _, err := collectFlows(cfg, paths); err != nil {
		return err
	}

	if err := logger.InitWithConfig(logger.Config{
		Path:    filepath.Join(cfg.Report.OutputDir, "monitor.log"),
		Format:  cfg.Log.Format,
		Debug:   true,
		Verbose: cfg.Log.Verbose,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize logger: %v\n", err)
	}
	defer logger.Close()

	history, err := store.Open(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer history.Close()

	env := mergeEnv(cfg.Env, parseEnvVars(c.StringSlice("env")))
	reportDir := func(runID string) string { return filepath.Join(cfg.Report.OutputDir, runID) }

	m, err := monitor.New(monitor.Config{
		Schedule:   cfg.Monitor.Schedule,
		Keep:       cfg.History.Keep,
		RunOnStart: c.Bool("run-now"),
		ReportDir:  reportDir,
		OnRun:      printMonitorRun,
	}, monitoredRun(cfg, kind, paths, env, reportDir), history)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m.Start(ctx)
	fmt.Fprintf(out, "  Monitoring %s, next run at %s (Ctrl+C to stop)\n", cfg.Monitor.Schedule, formatTime(m.Next()))
	<-ctx.Done()
	m.Stop()

	st := m.Status()
	fmt.Fprintf(out, "\n  %d run(s), %d with failures\n", st.Runs, st.Failures)
	return nil
}

// monitoredRun builds the RunFunc: validate, run into a per-run report
// directory and render its HTML.
func monitoredRun(cfg *config.Config, kind string, paths []string, env map[string]string, reportDir func(string) string) monitor.RunFunc {
	return func(ctx context.Context, runID string) (*executor.RunResult, error) {
		flows, err := collectFlows(cfg, paths)
		if err != nil {
			return nil, err
		}
		dir := reportDir(runID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}

		result, err := executeTest(ctx, &RunConfig{
			Config:    cfg,
			Target:    kind,
			Flows:     flows,
			OutputDir: dir,
			RunID:     runID,
			Env:       env,
		}, false)
		if err != nil {
			return nil, err
		}
		writeReports(dir, cfg)
		return result, nil
	}
}

func printMonitorRun(res *executor.RunResult, err error) {
	if err != nil {
		fmt.Fprintf(out, "  %s run failed: %v\n", paint(failStyle, "✗"), err)
		return
	}
	if res == nil {
		return
	}
	fmt.Fprintf(out, "  %s run %s: %d/%d flows passed (%s)\n",
		statusLabel(res.Status), res.RunID, res.PassedFlows, res.TotalFlows, formatDuration(res.Duration))
	for _, fr := range res.FlowResults {
		if fr.Status == report.StatusFailed {
			fmt.Fprintf(out, "      %s %s: %s\n", paint(dimStyle, "╰─"), fr.Name, fr.Error)
		}
	}
}
