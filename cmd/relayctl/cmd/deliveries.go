package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaypoint/relaypoint/internal/store"
)

// deliveriesCmd represents the deliveries command
var deliveriesCmd = &cobra.Command{
	Use:   "deliveries",
	Short: "Inspect the delivery log",
	Long: `List recent delivery attempts, newest first.

Example:
  relayctl deliveries --action order.created --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		action, _ := cmd.Flags().GetString("action")
		limit, _ := cmd.Flags().GetInt("limit")

		return withStore(func(ctx context.Context, st *store.Store) error {
			rows, err := st.RecentDeliveries(ctx, action, limit)
			if err != nil {
				return fmt.Errorf("failed to list deliveries: %w", err)
			}

			if outputJSON {
				printOutput(rows)
				return nil
			}

			if len(rows) == 0 {
				fmt.Println("No deliveries found")
				return nil
			}
			for _, d := range rows {
				status := "failed"
				if d.Success {
					status = "delivered"
				}
				fmt.Printf("%s  %-10s attempt=%d %s %s", d.CreatedAt.Format("2006-01-02 15:04:05"), status, d.Attempt, d.Action, d.URL)
				if d.Status > 0 {
					fmt.Printf(" http=%d", d.Status)
				}
				if d.LastError != "" {
					fmt.Printf(" err=%q", d.LastError)
				}
				fmt.Println()
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(deliveriesCmd)

	deliveriesCmd.Flags().String("action", "", "filter by action identifier")
	deliveriesCmd.Flags().Int("limit", 50, "maximum rows to return")
}
