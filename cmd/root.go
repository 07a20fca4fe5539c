// Package cmd defines the fetchgate CLI commands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "fetchgate",
		Short: "Concurrency and anti-detection control for browser-driven fetching.",
		Long: `fetchgate drives a pool of browser execution contexts against a list of
target URLs. It bounds concurrency, paces attempts with randomized delays,
rotates identities between attempts, detects challenge pages and retries
with exponential backoff.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.AddCommand(newRunCmd(&cfgFile))
	return cmd
}

// Execute runs the CLI until completion or SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
