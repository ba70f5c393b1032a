package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/wizard-runner/pkg/store"
)

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "Show recorded runs and per-flow pass rates",
	ArgsUsage: "[run-id]",
	Description: `Without arguments lists the most recent runs. With a run ID shows the
flows of that run.

Examples:
  wizard-runner history
  wizard-runner history --flow "Project setup"
  wizard-runner history --stats
  wizard-runner history --json 20260301-090000
  wizard-runner history --prune 50`,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Number of runs or results to show",
			Value: 20,
		},
		&cli.StringFlag{
			Name:  "flow",
			Usage: "Show the results of one flow by name",
		},
		&cli.BoolFlag{
			Name:  "stats",
			Usage: "Show pass rates per flow",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "With a run ID, print the stored step-level result as JSON",
		},
		&cli.IntFlag{
			Name:  "prune",
			Usage: "Delete all but the N most recent runs",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		s, err := store.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer s.Close()

		switch {
		case c.IsSet("prune"):
			removed, err := s.Prune(c.Int("prune"))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "  Removed %d run(s)\n", removed)
			return nil

		case c.Bool("stats"):
			stats, err := s.Stats()
			if err != nil {
				return err
			}
			printStats(stats)
			return nil

		case c.String("flow") != "":
			flows, err := s.FlowHistory(c.String("flow"), c.Int("limit"))
			if err != nil {
				return err
			}
			printFlowHistory(c.String("flow"), flows)
			return nil

		case c.NArg() > 0:
			run, flows, err := s.Run(c.Args().First())
			if err != nil {
				return err
			}
			if c.Bool("json") {
				if len(run.Suite) == 0 {
					return fmt.Errorf("run %s has no stored result", run.ID)
				}
				fmt.Fprintln(out, string(run.Suite))
				return nil
			}
			printRun(run, flows)
			return nil
		}

		runs, err := s.Recent(c.Int("limit"))
		if err != nil {
			return err
		}
		printRuns(runs)
		return nil
	},
}

func printRun(run store.RunRecord, flows []store.FlowRecord) {
	fmt.Fprintf(out, "  Run:     %s\n", run.ID)
	fmt.Fprintf(out, "  Source:  %s\n", run.Source)
	fmt.Fprintf(out, "  Started: %s\n", formatTime(run.StartedAt))
	fmt.Fprintf(out, "  Status:  %s (%d/%d passed, %s)\n", run.Status, run.Passed, run.Total, formatDuration(run.DurationMs))
	if run.ReportDir != "" {
		fmt.Fprintf(out, "  Report:  %s\n", run.ReportDir)
	}
	fmt.Fprintln(out)
	for _, f := range flows {
		fmt.Fprintf(out, "  %-38s %-8s %-12s %10s\n", truncate(f.FlowName, 38), f.Status, f.State, formatDuration(f.DurationMs))
		if f.Error != "" {
			fmt.Fprintf(out, "    %s %s: %s\n", paint(dimStyle, "╰─"), f.Kind, f.Error)
		}
	}
}
