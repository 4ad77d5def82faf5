package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
)

type attemptsResponse struct {
	EndpointID string             `json:"endpoint_id"`
	Attempts   []delivery.Attempt `json:"attempts"`
}

func attemptsPath(endpointID, eventType string, failed bool, limit int) string {
	q := url.Values{}
	if eventType != "" {
		q.Set("event_type", eventType)
	}
	if failed {
		q.Set("failed", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	p := "/v1/endpoints/" + url.PathEscape(endpointID) + "/attempts"
	if len(q) > 0 {
		p += "?" + q.Encode()
	}
	return p
}

// attemptsCmd represents the attempts command
var attemptsCmd = &cobra.Command{
	Use:   "attempts [endpoint-id]",
	Short: "List delivery attempts for an endpoint",
	Long: `List recorded delivery attempts of an endpoint, newest first.

Example:
  harborctl attempts ep_123 --failed --limit 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType, _ := cmd.Flags().GetString("event-type")
		failed, _ := cmd.Flags().GetBool("failed")
		limit, _ := cmd.Flags().GetInt("limit")

		var resp attemptsResponse
		path := attemptsPath(args[0], eventType, failed, limit)
		if err := newAPIClient().do(context.Background(), http.MethodGet, path, nil, nil, &resp); err != nil {
			return fmt.Errorf("failed to list attempts: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		if len(resp.Attempts) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No attempts for endpoint %s\n", args[0])
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ATTEMPTED AT\tEVENT\tSTATUS\tSUCCESS\tID")
		for _, a := range resp.Attempts {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%s\n",
				a.AttemptedAt.Format(delivery.TimestampFormat), a.EventType, a.StatusCode, a.Success, a.ID)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(attemptsCmd)

	attemptsCmd.Flags().String("event-type", "", "only attempts of this event type")
	attemptsCmd.Flags().Bool("failed", false, "only failed attempts")
	attemptsCmd.Flags().Int("limit", 0, "maximum attempts to return (server default when 0)")
}
