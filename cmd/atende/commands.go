package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs <client-id>",
	Short: "Show recent audit logs for a client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/admin/clients/%s/logs?limit=%d", args[0], limit))
		if err != nil {
			return err
		}

		var result struct {
			Logs []struct {
				Log       string    `json:"log"`
				Type      string    `json:"type"`
				Timestamp time.Time `json:"timestamp"`
			} `json:"logs"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Logs) == 0 {
			printWarning("No audit logs for %s", args[0])
			return nil
		}
		for _, l := range result.Logs {
			fmt.Printf("  %s  %s  %s\n", l.Timestamp.Format("2006-01-02 15:04:05"), colorize(colorBold, l.Type), l.Log)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().Int("limit", 20, "maximum number of log entries")
}
