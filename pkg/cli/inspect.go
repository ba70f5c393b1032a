package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/wizard-runner/pkg/core"
	"github.com/devicelab-dev/wizard-runner/pkg/driver/browser"
	"github.com/devicelab-dev/wizard-runner/pkg/driver/mock"
	"github.com/devicelab-dev/wizard-runner/pkg/flow"
	"github.com/devicelab-dev/wizard-runner/pkg/report"
)

var inspectCommand = &cli.Command{
	Name:      "inspect",
	Usage:     "Open a page and list the locators its interactive elements answer to",
	ArgsUsage: "<url>",
	Description: `Opens the page, captures it and prints every named interactive element
with a locator that selects it. With a locator flag the elements are ranked
by how closely they match it instead.

Examples:
  wizard-runner inspect https://console.example.com/setup
  wizard-runner inspect https://console.example.com/setup --text "^Next$" --role button
  wizard-runner --target mock inspect   # the built-in demo wizard`,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "text", Usage: "Locator text pattern"},
		&cli.StringFlag{Name: "role", Usage: "Locator role"},
		&cli.StringFlag{Name: "testid", Usage: "Locator test ID"},
		&cli.StringFlag{Name: "css", Usage: "Locator CSS selector"},
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Candidates to show when ranking against a locator",
			Value: 5,
		},
		&cli.DurationFlag{
			Name:  "wait",
			Usage: "Wait after loading before capturing",
		},
		&cli.BoolFlag{
			Name:  "markdown",
			Usage: "Also print the page as Markdown",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Page load timeout",
			Value: 30 * time.Second,
		},
	},
	Action: runInspect,
}

func runInspect(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	kind, err := targetKind(c)
	if err != nil {
		return err
	}

	pageURL := c.Args().First()
	if pageURL == "" {
		if kind != TargetMock {
			return fmt.Errorf("a page URL is required")
		}
		pageURL = mock.WizardURL
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	var target interface {
		core.Target
		core.Navigator
	}
	if kind == TargetMock {
		target = mock.NewWizard(mock.WizardOptions{})
	} else {
		drv, err := browser.New(ctx, browser.FromConfig(cfg.Browser, "inspect"))
		if err != nil {
			return core.ErrTargetUnavailable.WithCause(err)
		}
		defer drv.Close()
		target = drv
	}

	if err := target.Navigate(ctx, pageURL); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if wait := c.Duration("wait"); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	diag, err := target.CaptureDiagnostic(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "  %s\n", paint(boldStyle, diag.Title))
	fmt.Fprintf(out, "  %s\n\n", paint(dimStyle, diag.URL))

	loc := flow.Locator{
		Text:   c.String("text"),
		Role:   c.String("role"),
		TestID: c.String("testid"),
		CSS:    c.String("css"),
	}
	if err := printCandidates(diag.DOM, loc, c.Int("limit")); err != nil {
		return err
	}
	printConsole(diag.Console)

	if c.Bool("markdown") {
		md, err := report.PageMarkdown(diag.DOM, diag.URL)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, md)
	}
	return nil
}

func printCandidates(dom string, loc flow.Locator, limit int) error {
	var cands []report.Candidate
	var err error
	if loc.IsEmpty() {
		cands, err = report.Interactive(dom)
	} else {
		cands, err = report.Suggest(dom, loc, limit)
	}
	if err != nil {
		return err
	}
	if len(cands) == 0 {
		fmt.Fprintln(out, "  No matching elements")
		return nil
	}

	for _, cand := range cands {
		var flags string
		if cand.Hidden {
			flags += " hidden"
		}
		if cand.Disabled {
			flags += " disabled"
		}
		line := fmt.Sprintf("  %-10s %-28s %s", cand.Tag, truncate(cand.Name, 28), paint(infoStyle, cand.Locator))
		if flags != "" {
			line += paint(warnStyle, flags)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func printConsole(entries []core.LogEntry) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Console:")
	for _, e := range entries {
		level := e.Level
		switch level {
		case "error":
			level = paint(failStyle, level)
		case "warn":
			level = paint(warnStyle, level)
		}
		fmt.Fprintf(out, "    [%s] %s\n", level, e.Message)
	}
}
