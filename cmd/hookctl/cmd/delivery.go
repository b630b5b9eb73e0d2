package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/payintelli/hookd/internal/delivery"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect webhook deliveries",
}

var deliveryStatusCmd = &cobra.Command{
	Use:   "status [delivery-id]",
	Short: "Show a delivery record and its audit trail",
	Long: `Show the current state of a delivery and every attempt made for it.

Example:
  hookctl delivery status 42`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		var rec delivery.Record
		if err := doRequest("GET", "/v1/deliveries/"+id, nil, &rec); err != nil {
			return err
		}
		if outputJSON {
			// doRequest already printed the raw response; fetch attempts too.
			return doRequest("GET", "/v1/deliveries/"+id+"/attempts", nil, nil)
		}

		fmt.Printf("Delivery %d:\n", rec.ID)
		fmt.Printf("  Endpoint:  %d\n", rec.EndpointID)
		fmt.Printf("  Event:     %s\n", rec.EventType)
		fmt.Printf("  Status:    %s\n", rec.Status)
		if rec.FailureReason != "" {
			fmt.Printf("  Reason:    %s\n", rec.FailureReason)
		}
		fmt.Printf("  Attempts:  %d\n", rec.AttemptCount)
		if rec.ResponseStatus != nil {
			fmt.Printf("  Last HTTP: %d\n", *rec.ResponseStatus)
		}
		if rec.NextRetryAt != nil {
			fmt.Printf("  Next try:  %s\n", rec.NextRetryAt)
		}
		if rec.DeliveredAt != nil {
			fmt.Printf("  Delivered: %s\n", rec.DeliveredAt)
		}

		var attempts struct {
			Attempts []delivery.AuditEntry `json:"attempts"`
		}
		if err := doRequest("GET", "/v1/deliveries/"+id+"/attempts", nil, &attempts); err != nil {
			return err
		}
		fmt.Println("\nAudit trail:")
		if len(attempts.Attempts) == 0 {
			fmt.Println("  No attempts recorded")
			return nil
		}
		for _, a := range attempts.Attempts {
			line := fmt.Sprintf("  #%d %s %s", a.AttemptNumber, a.Status, a.LoggedAt.Format("2006-01-02 15:04:05"))
			if a.ResponseStatus != nil {
				line += fmt.Sprintf(" http=%d", *a.ResponseStatus)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	deliveryCmd.AddCommand(deliveryStatusCmd)
	rootCmd.AddCommand(deliveryCmd)
}
