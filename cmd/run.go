package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCmd(sess *session) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs a collector instance until interrupted",
		Long: `Registers an instance lease, seeds the configured strategies, starts
the worker pool and serves the operator API. SIGINT or SIGTERM releases held
units and expires the lease before exiting.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := sess.app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run collector: %w", err)
			}
			sess.logger.Info("collector stopped")
			return nil
		},
	}
}
