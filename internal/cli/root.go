// Package cli implements the orthorun command tree.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	LogFormat string // "json" | "text"
}

// ValidLogFormats defines the allowed log formats.
var ValidLogFormats = []string{"json", "text"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "orthorun",
		Short: "Parallel alignment and orthology orchestrator",
		Long: `orthorun builds sequence databases, runs complete and essential directed
alignments between proteome pairs and infers ortholog tables, all through a
bounded worker pool, and writes a timing report for every finished job.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidLogFormats, opts.LogFormat) {
				return NewExitError(ExitUsage, fmt.Sprintf("invalid log format %q: must be one of %v", opts.LogFormat, ValidLogFormats))
			}
			slog.SetDefault(NewLogger(opts, cmd.ErrOrStderr()))
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "json", "log format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewPlanCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// NewLogger builds the process logger. JSON logs go to stdout, text logs to
// errOut so they stay apart from command output.
func NewLogger(opts *RootOptions, errOut io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(errOut, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
}
