package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish platform events",
}

var eventPublishCmd = &cobra.Command{
	Use:   "publish [tenant-id] [event-type] [data-json]",
	Short: "Publish an event and fan it out to subscribed endpoints",
	Long: `Publish a platform event. The data argument is a JSON object carried
opaquely to every subscribed endpoint.

Example:
  hookctl event publish acme payment.settled '{"paymentId":"p_123","amount":950}'`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data map[string]any
		if err := json.Unmarshal([]byte(args[2]), &data); err != nil {
			return fmt.Errorf("invalid data JSON: %w", err)
		}

		body := map[string]any{
			"clientId":  args[0],
			"eventType": args[1],
			"createdAt": time.Now().UTC().Format(time.RFC3339),
			"data":      data,
		}

		var resp struct {
			EventID string `json:"eventId"`
			Queued  int    `json:"queued"`
		}
		if err := doRequest("POST", "/v1/events", body, &resp); err != nil {
			return err
		}
		if !outputJSON {
			fmt.Printf("Queued %d deliveries\n", resp.Queued)
		}
		return nil
	},
}

func init() {
	eventCmd.AddCommand(eventPublishCmd)
	rootCmd.AddCommand(eventCmd)
}
