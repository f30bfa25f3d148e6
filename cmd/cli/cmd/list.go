package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mail jobs",
	Long: `List your mail jobs, active ones first: processing, pending, failed, then completed,
newest first within each status.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		filter, _ := cmd.Flags().GetString("filter")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		resp, err := client.ListJobs(cmd.Context(), filter, limit, offset)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}

		if len(resp.Jobs) == 0 {
			if offset > 0 {
				cmd.Println("No more jobs found.")
			} else {
				cmd.Println("No jobs found.")
			}
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "JOB ID\tSTATUS\tTO\tSUBJECT\tRETRIES\tCREATED\tERROR")
		for _, j := range resp.Jobs {
			errMsg := ""
			if j.ErrorMessage != nil {
				errMsg = truncate(*j.ErrorMessage, 50)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				j.ID,
				j.Status,
				j.ToEmail,
				truncate(j.Subject, 40),
				j.RetryCount,
				j.CreatedAt.Format(time.RFC3339),
				errMsg,
			)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringP("filter", "f", "all", "Status filter: all, pending, processing, completed, failed")
	listCmd.Flags().IntP("limit", "l", 50, "Number of jobs to show")
	listCmd.Flags().IntP("offset", "o", 0, "Offset for pagination")
}
