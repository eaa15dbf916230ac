package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relaypoint/relaypoint/internal/endpoint"
	"github.com/relaypoint/relaypoint/internal/fanout"
	"github.com/relaypoint/relaypoint/internal/queue"
)

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish [action]",
	Short: "Publish a fan-out task",
	Long: `Publish a fresh fan-out task for an action. Endpoints can be given
inline with --endpoint; without any, the worker expands the task from the
endpoint registry for the delivery class.

Example:
  relayctl publish order.created --class default --context '{"order_id": 42}' \
    --endpoint http://localhost:8081/hook`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action := args[0]

		class, _ := cmd.Flags().GetString("class")
		contextJSON, _ := cmd.Flags().GetString("context")
		urls, _ := cmd.Flags().GetStringArray("endpoint")
		headerKVs, _ := cmd.Flags().GetStringArray("header")

		var contextData map[string]any
		if contextJSON != "" {
			if err := json.Unmarshal([]byte(contextJSON), &contextData); err != nil {
				return fmt.Errorf("invalid context JSON: %w", err)
			}
		}

		headers, err := parseHeaders(headerKVs)
		if err != nil {
			return err
		}

		endpoints := make([]endpoint.Endpoint, 0, len(urls))
		for _, u := range urls {
			endpoints = append(endpoints, endpoint.Endpoint{URL: u, Headers: headers})
		}

		task := fanout.Continuation{
			ActionID:           action,
			ClassID:            class,
			RemainingEndpoints: endpoints,
			Context:            contextData,
		}

		return withScheduler(func(ctx context.Context, sched *queue.Scheduler) error {
			if err := sched.Enqueue(ctx, task); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			fmt.Printf("Published fan-out task for action %s (%d inline endpoints)\n", action, len(endpoints))
			return nil
		})
	},
}

// parseHeaders turns repeated key=value flags into a header map
func parseHeaders(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q (expected key=value)", kv)
		}
		headers[k] = v
	}
	return headers, nil
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().String("class", "default", "delivery class")
	publishCmd.Flags().String("context", "", "delivery context as JSON")
	publishCmd.Flags().StringArray("endpoint", nil, "endpoint URL (repeatable)")
	publishCmd.Flags().StringArray("header", nil, "header key=value applied to inline endpoints (repeatable)")
}
