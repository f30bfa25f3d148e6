package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries",
	Short: "List sent messages, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		deliveries, err := client.ListDeliveries(cmd.Context(), limit, offset)
		if err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}

		if len(deliveries) == 0 {
			cmd.Println("No deliveries found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "SENT AT\tTO\tSUBJECT\tMESSAGE ID")
		for _, d := range deliveries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				d.SentAt.Format(time.RFC3339),
				d.ToEmail,
				truncate(d.Subject, 40),
				d.MessageID,
			)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(deliveriesCmd)

	deliveriesCmd.Flags().IntP("limit", "l", 50, "Number of deliveries to show")
	deliveriesCmd.Flags().IntP("offset", "o", 0, "Offset for pagination")
}
