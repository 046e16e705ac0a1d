package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/repo-collector/internal/app"
	pgstore "github.com/JakeFAU/repo-collector/internal/storage/postgres"
)

func newMigrateCmd(sess *session) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:         "migrate",
		Short:       "Applies the ledger schema",
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			db := sess.cfg.Database
			switch db.Driver {
			case "postgres":
				if err := pgstore.Migrate(cmd.Context(), db.DSN, down); err != nil {
					return err
				}
			case "sqlite", "mysql":
				if down {
					return fmt.Errorf("migrate --down is only supported for postgres")
				}
				store, err := app.OpenStore(cmd.Context(), db, sess.logger)
				if err != nil {
					return err
				}
				if err := store.Close(); err != nil {
					return fmt.Errorf("close ledger: %w", err)
				}
			default:
				return fmt.Errorf("database driver %q has no schema to migrate", db.Driver)
			}
			direction := "up"
			if down {
				direction = "down"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s ledger %s\n", db.Driver, direction)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the latest migration")
	return cmd
}
