// Package cli provides the command-line interface for wizard-runner.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/wizard-runner/pkg/config"
)

// Version is set at build time.
var Version = "dev"

// Target kinds selectable with --target.
const (
	TargetChrome = "chrome"
	TargetMock   = "mock"
)

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Usage:   "Path to wizard-runner.yaml (default: searched in the flow directory and home)",
		EnvVars: []string{"WIZARD_RUNNER_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "target",
		Usage: "Target to drive (chrome, mock)",
		Value: TargetChrome,
	},
	&cli.BoolFlag{
		Name:  "headless",
		Usage: "Run Chrome headless (overrides browser.headless)",
	},
	&cli.BoolFlag{
		Name:  "no-sandbox",
		Usage: "Disable the Chrome sandbox (containers)",
	},
	&cli.StringFlag{
		Name:  "remote-url",
		Usage: "DevTools websocket URL of a running Chrome",
	},
	&cli.BoolFlag{
		Name:  "verbose",
		Usage: "Mirror the log to stderr",
	},
	&cli.StringFlag{
		Name:  "log-format",
		Usage: "Log format (human, json)",
	},
	&cli.BoolFlag{
		Name:  "no-ansi",
		Usage: "Disable ANSI colors",
	},
}

// NewApp builds the CLI application.
func NewApp() *cli.App {
	return &cli.App{
		Name:    "wizard-runner",
		Usage:   "Drive multi-step web wizards from YAML flows",
		Version: Version,
		Description: `wizard-runner executes wizard flow files against a Chrome page: each step
locates an element, acts on it and waits for the page to settle.

Examples:
  wizard-runner test onboarding.yaml
  wizard-runner test flows/ -e REGION=EUA --workers 2
  wizard-runner validate flows/
  wizard-runner monitor flows/ --schedule "@every 10m"`,
		Flags: GlobalFlags,
		Before: func(c *cli.Context) error {
			if c.Bool("no-ansi") {
				colorsEnabled = false
			}
			return nil
		},
		Commands: []*cli.Command{
			testCommand,
			validateCommand,
			historyCommand,
			monitorCommand,
			inspectCommand,
			reportCommand,
		},
	}
}

// Execute runs the CLI.
func Execute() {
	if err := NewApp().Run(os.Args); err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

// isSet reports whether a flag was given on this command or a parent.
func isSet(c *cli.Context, name string) bool {
	for _, ctx := range c.Lineage() {
		if ctx != nil && ctx.IsSet(name) {
			return true
		}
	}
	return false
}

// loadConfig reads the workspace configuration and applies global flags.
// The flow directory searched for wizard-runner.yaml is the first argument
// when it is a directory, or the directory of the first flow file.
func loadConfig(c *cli.Context) (*config.Config, error) {
	dir := "."
	if c.NArg() > 0 {
		first := c.Args().First()
		if info, err := os.Stat(first); err == nil && info.IsDir() {
			dir = first
		} else {
			dir = filepath.Dir(first)
		}
	}

	if err := config.EnsureHome(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	cfg, err := config.NewLoader().Load(c.String("config"), dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if isSet(c, "headless") {
		cfg.Browser.Headless = c.Bool("headless")
	}
	if isSet(c, "no-sandbox") {
		cfg.Browser.NoSandbox = c.Bool("no-sandbox")
	}
	if isSet(c, "remote-url") {
		cfg.Browser.RemoteURL = c.String("remote-url")
	}
	if isSet(c, "verbose") {
		cfg.Log.Verbose = c.Bool("verbose")
	}
	if isSet(c, "log-format") {
		cfg.Log.Format = c.String("log-format")
	}
	return cfg, nil
}

func targetKind(c *cli.Context) (string, error) {
	switch kind := c.String("target"); kind {
	case TargetChrome, TargetMock:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown target %q (want %s or %s)", kind, TargetChrome, TargetMock)
	}
}
