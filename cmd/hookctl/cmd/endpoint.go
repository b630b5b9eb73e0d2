package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/payintelli/hookd/internal/directory"
)

// endpointCmd represents the endpoint command
var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage webhook endpoints",
}

var endpointListCmd = &cobra.Command{
	Use:   "list [tenant-id]",
	Short: "List a tenant's registered endpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Endpoints []directory.Endpoint `json:"endpoints"`
		}
		if err := doRequest("GET", "/v1/endpoints?tenant_id="+args[0], nil, &resp); err != nil {
			return err
		}
		if outputJSON {
			return nil
		}

		if len(resp.Endpoints) == 0 {
			fmt.Println("No endpoints registered")
			return nil
		}
		for _, ep := range resp.Endpoints {
			state := "active"
			if !ep.IsActive {
				state = "inactive"
			}
			fmt.Printf("%d  %s  [%s]  events=%s\n",
				ep.ID, ep.URL, state, strings.Join(ep.SubscribedEventTypes, ","))
		}
		return nil
	},
}

var (
	endpointEvents    []string
	endpointSecret    string
	endpointCreatedBy string
	endpointNotes     string
)

var endpointCreateCmd = &cobra.Command{
	Use:   "create [tenant-id] [url]",
	Short: "Register a new webhook endpoint",
	Long: `Register a new webhook endpoint for a tenant.

Without --event the endpoint subscribes to all event types. If no
--secret is given, one is generated server-side and printed once.

Example:
  hookctl endpoint create acme https://hooks.acme.com/receive --event payment.completed`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"tenantId":             args[0],
			"url":                  args[1],
			"subscribedEventTypes": endpointEvents,
			"secret":               endpointSecret,
			"createdBy":            endpointCreatedBy,
			"notes":                endpointNotes,
		}

		var ep directory.Endpoint
		if err := doRequest("POST", "/v1/endpoints", body, &ep); err != nil {
			return err
		}
		if outputJSON {
			return nil
		}

		fmt.Printf("Created endpoint %d for tenant %s\n", ep.ID, ep.TenantID)
		fmt.Printf("  URL:    %s\n", ep.URL)
		fmt.Printf("  Events: %s\n", strings.Join(ep.SubscribedEventTypes, ","))
		fmt.Printf("  Secret: %s\n", ep.Secret)
		fmt.Println("\nStore the secret now; it is not shown again.")
		return nil
	},
}

func init() {
	endpointCreateCmd.Flags().StringSliceVar(&endpointEvents, "event", nil, "event type to subscribe to (repeatable)")
	endpointCreateCmd.Flags().StringVar(&endpointSecret, "secret", "", "signing secret (generated if omitted)")
	endpointCreateCmd.Flags().StringVar(&endpointCreatedBy, "created-by", "", "operator recorded on the registration")
	endpointCreateCmd.Flags().StringVar(&endpointNotes, "notes", "", "free-form notes")

	endpointCmd.AddCommand(endpointListCmd)
	endpointCmd.AddCommand(endpointCreateCmd)
	rootCmd.AddCommand(endpointCmd)
}
