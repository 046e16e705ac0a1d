package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/repo-collector/internal/replay"
)

func newReplayCmd(sess *session) *cobra.Command {
	var (
		unitID string
		host   string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-parses archived responses and compares them to stored records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			verifier, err := sess.app.Verifier()
			if err != nil {
				return err
			}
			var reports []replay.Report
			if unitID != "" {
				report, err := verifier.VerifyID(cmd.Context(), unitID)
				if err != nil {
					return err
				}
				reports = append(reports, report)
			} else {
				reports, err = verifier.VerifyDone(cmd.Context(), host, limit)
				if err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			failed := 0
			for _, r := range reports {
				if !r.OK() {
					failed++
				}
				if err := enc.Encode(r); err != nil {
					return fmt.Errorf("write report: %w", err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d units diverge from their archived responses", failed, len(reports))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&unitID, "unit", "", "verify a single unit")
	cmd.Flags().StringVar(&host, "host", "", "only units of this host")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of units")
	return cmd
}
