package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaypoint/relaypoint/internal/endpoint"
	"github.com/relaypoint/relaypoint/internal/store"
)

// endpointsCmd represents the endpoints command
var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Manage the endpoint registry",
}

var endpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered endpoints for a delivery class",
	RunE: func(cmd *cobra.Command, args []string) error {
		class, _ := cmd.Flags().GetString("class")

		return withStore(func(ctx context.Context, st *store.Store) error {
			endpoints, err := st.Endpoints(ctx, class)
			if err != nil {
				return fmt.Errorf("failed to list endpoints: %w", err)
			}

			if outputJSON {
				printOutput(endpoints)
				return nil
			}

			if len(endpoints) == 0 {
				fmt.Printf("No endpoints registered for class %s\n", class)
				return nil
			}
			fmt.Printf("Endpoints for class %s:\n", class)
			for _, ep := range endpoints {
				fmt.Printf("  %s (%d headers)\n", ep.URL, len(ep.Headers))
			}
			return nil
		})
	},
}

var endpointsAddCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Register an endpoint for a delivery class",
	Long: `Register an endpoint, or update its headers if the URL is already
registered for the class.

Example:
  relayctl endpoints add http://localhost:8081/hook --class default --header X-Tenant=acme`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := args[0]
		class, _ := cmd.Flags().GetString("class")
		headerKVs, _ := cmd.Flags().GetStringArray("header")

		headers, err := parseHeaders(headerKVs)
		if err != nil {
			return err
		}

		return withStore(func(ctx context.Context, st *store.Store) error {
			if err := st.AddEndpoint(ctx, class, endpoint.Endpoint{URL: url, Headers: headers}); err != nil {
				return fmt.Errorf("failed to add endpoint: %w", err)
			}
			fmt.Printf("Registered endpoint %s for class %s\n", url, class)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(endpointsCmd)
	endpointsCmd.AddCommand(endpointsListCmd)
	endpointsCmd.AddCommand(endpointsAddCmd)

	endpointsListCmd.Flags().String("class", "default", "delivery class")
	endpointsAddCmd.Flags().String("class", "default", "delivery class")
	endpointsAddCmd.Flags().StringArray("header", nil, "header key=value (repeatable)")
}
