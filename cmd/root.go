// Package cmd is the botwall command line: the HTTP server plus the operator
// and crawler-side helpers.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "botwall",
		Short: "Pay-per-crawl admission gateway",
		Long: `botwall verifies signed crawler requests, charges a per-request price
against prepaid credits and records every admission decision.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newSignCmd())
	cmd.AddCommand(newTokenCmd())

	return cmd
}

// Execute runs the root command until it returns or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
