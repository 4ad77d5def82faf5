package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

type dispatchRequest struct {
	OrganizationID string          `json:"organizationId"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	EndpointID     string          `json:"endpointId,omitempty"`
}

type triggerResponse struct {
	Success bool `json:"success"`
}

// buildDispatchBody validates the payload locally: the server would treat a
// missing or null payload as a sweep request.
func buildDispatchBody(org, eventType string, payload []byte, endpointID string) ([]byte, error) {
	payload = bytes.TrimSpace(payload)
	if !json.Valid(payload) {
		return nil, errors.New("payload is not valid JSON")
	}
	if bytes.Equal(payload, []byte("null")) {
		return nil, errors.New("payload must not be null")
	}
	if org == "" || eventType == "" {
		return nil, errors.New("organization id and event type are required")
	}
	return json.Marshal(dispatchRequest{OrganizationID: org, EventType: eventType, Payload: payload, EndpointID: endpointID})
}

// dispatchCmd represents the dispatch command
var dispatchCmd = &cobra.Command{
	Use:   "dispatch [organization-id] [event-type] [payload-json]",
	Short: "Dispatch an event to its endpoints",
	Long: `Dispatch an event to every active endpoint of the organization subscribed
to the event type, or to one endpoint with --endpoint. The payload can be
inline JSON, @file, or - for stdin.

Example:
  harborctl dispatch org_123 call.completed '{"callId":"c_789","duration":42}'`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readBody(cmd, args[2])
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		endpointID, _ := cmd.Flags().GetString("endpoint")
		body, err := buildDispatchBody(args[0], args[1], payload, endpointID)
		if err != nil {
			return err
		}

		var resp triggerResponse
		if err := newAPIClient().do(context.Background(), http.MethodPost, "/v1/dispatch", nil, body, &resp); err != nil {
			return fmt.Errorf("failed to dispatch event: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Dispatched %s for %s\n", args[1], args[0])
		}
		return nil
	},
}

// sweepCmd represents the sweep command
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retry sweep",
	Long: `Ask the ingest server to re-drive recent failed deliveries. The request
waits until every retry has settled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var header http.Header
		if scheduler, _ := cmd.Flags().GetString("scheduler-header"); scheduler != "" {
			value, _ := cmd.Flags().GetString("scheduler-value")
			header = http.Header{}
			header.Set(scheduler, value)
		}

		var resp triggerResponse
		if err := newAPIClient().do(context.Background(), http.MethodPost, "/v1/dispatch", header, nil, &resp); err != nil {
			return fmt.Errorf("failed to run sweep: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Retry sweep completed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(sweepCmd)

	dispatchCmd.Flags().String("endpoint", "", "deliver only to this endpoint id")
	sweepCmd.Flags().String("scheduler-header", "", "authenticate as the scheduler with this header")
	sweepCmd.Flags().String("scheduler-value", "true", "value sent in the scheduler header")
}
