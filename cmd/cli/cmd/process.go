package cmd

import (
	"fmt"

	"bulkmail/pkg/api"

	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Send the next eligible mail",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		res, err := client.ProcessOne(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to process job: %w", err)
		}

		if !res.Processed {
			cmd.Println("Queue is empty, nothing to send.")
			return nil
		}
		printRunResult(cmd, *res)
		return nil
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Send a batch of mails over one SMTP connection",
	Long: `Send up to --size mails, pausing briefly between sends. The server caps the size
and stops early when the queue is empty or the mail server is unreachable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		size, _ := cmd.Flags().GetInt("size")
		if size < 0 {
			return fmt.Errorf("--size must not be negative")
		}

		res, err := client.ProcessBatch(cmd.Context(), size)
		if err != nil {
			return fmt.Errorf("batch failed: %w", err)
		}

		for _, r := range res.Results {
			printRunResult(cmd, r)
		}
		cmd.Println("──────────────────────────────")
		cmd.Printf("Sent: %s%d%s  Retrying: %s%d%s  Failed: %s%d%s\n",
			colorGreen, res.Sent, colorReset, colorYellow, res.Retried, colorReset, colorRed, res.Failed, colorReset)
		if res.TransportDown {
			cmd.Printf("%sMail server unreachable, batch stopped early.%s\n", colorYellow, colorReset)
		} else if res.NoMore {
			cmd.Println("Queue drained.")
		}
		cmd.Println()
		printStats(cmd, res.Stats)
		return nil
	},
}

func printRunResult(cmd *cobra.Command, r api.RunResultResponse) {
	switch {
	case r.Sent:
		cmd.Printf("%s %s %s\n", statusIcon("completed"), r.Recipient, colorDim+r.JobID+colorReset)
	case r.WillRetry:
		cmd.Printf("%s %s %s: %s (retry %s)\n", statusIcon("pending"), r.Recipient, colorDim+r.JobID+colorReset,
			r.Error, formatTimeWithRelative(r.RetryAfter))
	default:
		cmd.Printf("%s %s %s: %s%s%s\n", statusIcon("failed"), r.Recipient, colorDim+r.JobID+colorReset,
			colorRed, r.Error, colorReset)
	}
}

func init() {
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().IntP("size", "s", 0, "Number of mails to send (0 uses the server default)")
}
