package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/wizard-runner/pkg/validator"
)

var validateCommand = &cli.Command{
	Name:      "validate",
	Usage:     "Parse and validate flow files without running them",
	ArgsUsage: "<flow-file-or-folder>...",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "include-tags",
			Usage: "Only include flows with these tags",
		},
		&cli.StringSliceFlag{
			Name:  "exclude-tags",
			Usage: "Exclude flows with these tags",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if c.IsSet("include-tags") {
			cfg.IncludeTags = c.StringSlice("include-tags")
		}
		if c.IsSet("exclude-tags") {
			cfg.ExcludeTags = c.StringSlice("exclude-tags")
		}

		paths := c.Args().Slice()
		if len(paths) == 0 {
			paths = []string{"."}
		}

		result := validator.New(cfg.IncludeTags, cfg.ExcludeTags).WithPatterns(cfg.Flows).Validate(paths...)
		printValidation(result)
		if !result.IsValid() {
			return cli.Exit("", 1)
		}
		return nil
	},
}

func printValidation(result *validator.Result) {
	for i, file := range result.Files {
		f := result.Flows[i]
		fmt.Fprintf(out, "  %s %s %s\n", paint(passStyle, "✓"), file,
			paint(dimStyle, fmt.Sprintf("(%s, %d steps)", f.DisplayName(), len(f.Steps))))
	}
	for _, file := range result.Filtered {
		fmt.Fprintf(out, "  %s %s %s\n", paint(infoStyle, "-"), file, paint(dimStyle, "(filtered by tags)"))
	}
	for _, err := range result.Errors {
		fmt.Fprintf(out, "  %s %v\n", paint(failStyle, "✗"), err)
	}

	fmt.Fprintln(out)
	if result.IsValid() {
		fmt.Fprintf(out, "  %s\n", paint(passStyle, fmt.Sprintf("%d flow(s) valid", len(result.Files))))
		return
	}
	fmt.Fprintf(out, "  %s\n", paint(failStyle, fmt.Sprintf("%d error(s)", len(result.Errors))))
}
