package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check connectivity to the API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Message string `json:"message"`
		}
		if err := doRequest("GET", "/v1/ping", nil, &resp); err != nil {
			return err
		}
		if outputJSON {
			return nil
		}
		fmt.Printf("Server responded: %s\n", resp.Message)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
