package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"shelfd/internal/daemon"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader, err := root.load()
			if err != nil {
				return err
			}
			d, err := daemon.New(loader, daemon.WithVersion(version))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(contextOr(cmd.Context()), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}
}

// contextOr returns ctx, or a background context when cobra was run
// without one.
func contextOr(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
