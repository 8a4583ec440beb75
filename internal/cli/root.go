// Package cli implements the cobra-based commands for segeval.
//
// This file defines the root command, the logger lifecycle, and the
// error-to-exit-code translation. The test command (the evaluation
// orchestrator) lives in test.go.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mizuno-lab/segeval/internal/model"
)

// verbose raises the log level to Debug. Bound to the persistent
// --verbose flag so every subcommand inherits it.
var verbose bool

// logger is the process-wide structured logger, built in the root
// command's PersistentPreRunE and synced in PersistentPostRun.
var logger = zap.NewNop()

// Version, Commit, and Date are set at build time via ldflags and injected
// from the main package.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates and configures the root cobra command. The root
// command performs no action itself; functionality lives in subcommands.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "segeval",
		Short: "Evaluation driver for pretrained semantic-segmentation models",
		Long: `segeval loads a run configuration, builds a dataset and a model through
the model-zoo registries, restores checkpoint weights, runs single- or
multi-process inference, and dispatches the outputs to the requested
sinks (raw dump, formatter, evaluator, visualization).`,

		// Errors are formatted by Execute; keep cobra quiet.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := zap.NewProductionConfig()
			if verbose {
				cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			l, err := cfg.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			logger = l
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(NewTestCommand())

	return rootCmd
}

// Execute runs the root command and translates errors into process exit
// codes. CLIError values carry their own code; anything else exits 1.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		var cliErr *model.CLIError
		if errors.As(err, &cliErr) {
			os.Exit(int(cliErr.Code))
		}
		os.Exit(int(model.ExitGeneralError))
	}
}
