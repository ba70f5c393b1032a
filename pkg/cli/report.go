package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/wizard-runner/pkg/report"
)

var reportCommand = &cli.Command{
	Name:      "report",
	Usage:     "Regenerate, repair or follow a report directory",
	ArgsUsage: "<report-dir>",
	Description: `Examples:
  wizard-runner report reports/2026-05-01_12-00-00
  wizard-runner report --recover reports/latest   # after the runner was killed
  wizard-runner report --watch 1s reports/latest  # follow a run in progress`,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "recover",
			Usage: "Close out flows left running by an interrupted run",
		},
		&cli.BoolFlag{
			Name:  "html",
			Usage: "Regenerate report.html",
			Value: true,
		},
		&cli.BoolFlag{
			Name:  "allure",
			Usage: "Regenerate allure-results",
		},
		&cli.StringFlag{
			Name:  "title",
			Usage: "HTML report title",
		},
		&cli.DurationFlag{
			Name:  "watch",
			Usage: "Print flow updates at this interval until the run ends",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("exactly one report directory is required")
		}
		dir := c.Args().First()

		if interval := c.Duration("watch"); interval > 0 {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := watchReport(ctx, dir, interval); err != nil {
				return err
			}
		}

		if c.Bool("recover") {
			if err := report.Recover(dir); err != nil {
				return fmt.Errorf("recover report: %w", err)
			}
			fmt.Fprintf(out, "  Recovered %s\n", dir)
		}
		if c.Bool("html") {
			if err := report.GenerateHTML(dir, report.HTMLConfig{Title: c.String("title")}); err != nil {
				return fmt.Errorf("generate HTML: %w", err)
			}
		}
		if c.Bool("allure") {
			if err := report.GenerateAllure(dir); err != nil {
				return fmt.Errorf("generate Allure: %w", err)
			}
		}
		printReports(dir, c.Bool("html"), c.Bool("allure"))
		return nil
	},
}

// watchReport prints changed flows until the run reaches a terminal status.
func watchReport(ctx context.Context, dir string, interval time.Duration) error {
	consumer := report.NewConsumer(dir)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		changed, index, err := consumer.Poll()
		if err != nil {
			return err
		}
		printIndexChanges(index, changed)
		if index.Status.IsTerminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printIndexChanges(index *report.Index, changed []string) {
	if len(changed) == 0 {
		return
	}
	want := make(map[string]bool, len(changed))
	for _, id := range changed {
		want[id] = true
	}
	for _, f := range index.Flows {
		if !want[f.ID] {
			continue
		}
		line := fmt.Sprintf("  %s %-38s %-12s", padRight(statusLabel(f.Status), 6, 8), truncate(f.Name, 38), f.State)
		if f.Duration != nil {
			line += " " + formatDuration(*f.Duration)
		}
		fmt.Fprintln(out, line)
	}
	s := index.Summary
	fmt.Fprintf(out, "  %s\n", paint(dimStyle, fmt.Sprintf("%d/%d done: %d passed, %d failed, %d running",
		s.Passed+s.Failed+s.Skipped, s.Total, s.Passed, s.Failed, s.Running)))
}
