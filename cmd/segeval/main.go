// Package main is the entry point for the segeval CLI.
//
// The binary evaluates pretrained semantic-segmentation models. All
// functionality is delegated to the internal/cli package, which defines
// the cobra commands.
//
// Build-time variables (version, commit, date) are injected via ldflags
// during the release process and default to development values otherwise.
package main

import (
	"github.com/mizuno-lab/segeval/internal/cli"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	rootCmd := cli.NewRootCommand()
	cli.Execute(rootCmd)
}
