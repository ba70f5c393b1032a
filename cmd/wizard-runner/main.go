// Command wizard-runner drives multi-step web wizards from YAML flow files.
package main

import "github.com/devicelab-dev/wizard-runner/pkg/cli"

func main() {
	cli.Execute()
}
