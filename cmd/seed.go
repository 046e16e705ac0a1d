package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/repo-collector/internal/scheduler"
)

func newSeedCmd(sess *session) *cobra.Command {
	var epoch string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Inserts root units for every configured strategy",
		Long: `Seeds one root unit per host strategy for the given epoch. Seeding is
idempotent: an epoch that already has a root unit is left alone.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sched, err := sess.app.Scheduler()
			if err != nil {
				return err
			}
			created, err := sched.SeedAll(cmd.Context(), epoch)
			if err != nil {
				return fmt.Errorf("seed epoch %s: %w", epoch, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d root units for epoch %s\n", created, epoch)
			return nil
		},
	}
	cmd.Flags().StringVar(&epoch, "epoch", scheduler.InitialEpoch, "epoch label for the root units")
	return cmd
}
