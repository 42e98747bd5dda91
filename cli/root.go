// Package cli provides the command-line interface for postpulse.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/use-agent/postpulse/config"
	"github.com/use-agent/postpulse/models"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// Exit codes returned by Execute.
const (
	ExitOK          = 0
	ExitFatal       = 1
	ExitInterrupted = 130
)

// errInterrupted marks a run stopped by SIGINT or SIGTERM.
var errInterrupted = errors.New("interrupted")

// globalOptions are the flags shared by every command.
type globalOptions struct {
	logLevel  string
	logFormat string
}

// apply overrides the logging config with the flags that were set.
func (g *globalOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	if flagChanged(cmd, "log-level") {
		cfg.Log.Level = g.logLevel
	}
	if flagChanged(cmd, "log-format") {
		cfg.Log.Format = g.logFormat
	}
}

func newRootCmd(stdout, stderr io.Writer, deps runDeps) *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:           "postpulse",
		Short:         "Collect engagement metrics for a list of posts",
		Long:          "postpulse signs into X with one browser session, visits every post in a CSV of links and writes impressions, likes, comments, replies and post dates to an output CSV, with failed lookups in a second CSV.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn, error (env POSTPULSE_LOG_LEVEL)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "log format: text or json (env POSTPULSE_LOG_FORMAT)")

	root.AddCommand(
		newRunCmd(g, deps),
		newHistoryCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "postpulse %s (%s)\n", Version, Commit)
			},
		},
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr, browserDeps())
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer, deps runDeps) int {
	root := newRootCmd(stdout, stderr, deps)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errInterrupted) {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return exitCode(err)
}

// exitCode maps a command error to the process exit code. Per-post failures
// are recorded in the failed CSV and never abort the run.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errInterrupted), errors.Is(err, context.Canceled):
		return ExitInterrupted
	case !models.KindOf(err).Fatal():
		return ExitOK
	default:
		return ExitFatal
	}
}

func flagChanged(cmd *cobra.Command, name string) bool {
	f := cmd.Flags().Lookup(name)
	return f != nil && f.Changed
}
