package cmd

import (
	"fmt"
	"time"

	"bulkmail/pkg/api"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counters",
	Long:  `Show how many of your jobs are pending, processing, completed and failed.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		stats, err := client.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to fetch status: %w", err)
		}

		printStats(cmd, *stats)
		return nil
	},
}

func printStats(cmd *cobra.Command, s api.StatsResponse) {
	cmd.Printf("%sQueue Status%s\n", colorBold, colorReset)
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sPending:%s     %s\n", colorDim, colorReset, colorizeCount("pending", s.Pending))
	cmd.Printf("%sProcessing:%s  %s\n", colorDim, colorReset, colorizeCount("processing", s.Processing))
	cmd.Printf("%sCompleted:%s   %s\n", colorDim, colorReset, colorizeCount("completed", s.Completed))
	cmd.Printf("%sFailed:%s      %s\n", colorDim, colorReset, colorizeCount("failed", s.Failed))
	cmd.Printf("%sTotal:%s       %d\n", colorDim, colorReset, s.Total)
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "completed":
		return colorGreen + "✓" + colorReset
	case "failed":
		return colorRed + "✗" + colorReset
	case "processing":
		return colorYellow + "⏳" + colorReset
	case "pending":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func statusColor(status string) string {
	switch status {
	case "completed":
		return colorGreen
	case "failed":
		return colorRed
	case "processing":
		return colorYellow
	case "pending":
		return colorCyan
	default:
		return ""
	}
}

func colorizeCount(status string, n int64) string {
	if n == 0 {
		return "0"
	}
	return fmt.Sprintf("%s%d%s", statusColor(status), n, colorReset)
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	d := time.Since(*t)
	if d < 0 {
		return fmt.Sprintf("%s %s(in %s)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relativeDuration(-d), colorReset)
	}
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relativeDuration(d), colorReset)
}

func relativeDuration(duration time.Duration) string {
	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
