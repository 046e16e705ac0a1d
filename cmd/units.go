package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

func newUnitsCmd(sess *session) *cobra.Command {
	var (
		status string
		host   string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "units",
		Short: "Lists work units, failed ones by default",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := crawler.UnitStatus(status)
			if !st.Valid() {
				return fmt.Errorf("invalid status %q", status)
			}
			units, err := sess.app.Store().ListUnits(cmd.Context(), crawler.UnitFilter{
				Status: st,
				Host:   host,
				Limit:  limit,
			})
			if err != nil {
				return fmt.Errorf("list units: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, u := range units {
				if err := enc.Encode(u); err != nil {
					return fmt.Errorf("write unit: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", string(crawler.UnitFailed), "pending, claimed, done or failed")
	cmd.Flags().StringVar(&host, "host", "", "only units of this host")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of units")
	return cmd
}
