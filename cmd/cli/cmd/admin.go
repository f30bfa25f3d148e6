package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Reset every failed job to pending",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		n, err := client.RetryFailed(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to retry jobs: %w", err)
		}
		cmd.Printf("%d failed job(s) queued again.\n", n)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [job_id]",
	Short: "Reset one failed job to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := uuid.Parse(args[0]); err != nil {
			return fmt.Errorf("invalid job id %q", args[0])
		}

		client, err := newClient()
		if err != nil {
			return err
		}

		if err := client.RetryJob(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to retry job: %w", err)
		}
		cmd.Printf("Job %s queued again.\n", args[0])
		return nil
	},
}

var clearFailedCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Delete every failed job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		n, err := client.ClearFailed(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to clear jobs: %w", err)
		}
		cmd.Printf("%d failed job(s) deleted.\n", n)
		return nil
	},
}

var recoverStaleCmd = &cobra.Command{
	Use:   "recover-stale",
	Short: "Release jobs whose worker lock expired",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		n, err := client.RecoverStale(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to recover jobs: %w", err)
		}
		cmd.Printf("%d stale job(s) returned to pending.\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(retryFailedCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(clearFailedCmd)
	rootCmd.AddCommand(recoverStaleCmd)
}
