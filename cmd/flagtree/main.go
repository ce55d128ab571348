// Package main is the entry point for the flagtree server.
//
// Running flagtree with no subcommand is the same as "flagtree serve".
// The other subcommands apply database migrations and print the flag
// catalog.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("flagtree failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	serve := newServeCommand()

	root := &cobra.Command{
		Use:   "flagtree",
		Short: "Serve typed, hierarchically scoped flags",
		Long: `flagtree serves a catalog of typed flags whose values can be overridden
per scope. Scopes form a tree ("world", "world/nether"); a scope without a
local override inherits its nearest ancestor's value, and the root holds the
defaults.

Configuration is read from the environment (DATABASE_URL, HTTP_ADDR,
GRPC_ADDR, API_TOKEN_HASH, ...). Without a subcommand flagtree runs "serve".`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}

	root.AddCommand(serve, newMigrateCommand(), newFlagsCommand())
	return root
}
