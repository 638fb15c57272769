package cli

import (
	"fmt"
	"strings"

	"promptforge/internal/db"

	"github.com/spf13/cobra"
)

var (
	listStatus string
	listLimit  int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status: starting, running, completed, failed")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum rows (0 = all)")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	if listStatus != "" && !validStatusFilter(listStatus) {
		return fmt.Errorf("invalid --status %q (expected one of: starting, running, completed, failed)", listStatus)
	}
	if listLimit < 0 {
		return fmt.Errorf("invalid --limit %d; expected >= 0", listLimit)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, err := store.ListJobs(cmd.Context(), listStatus, listLimit)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(jobs)
		return nil
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found. Run 'promptforge create' to launch one.")
		return nil
	}

	fmt.Printf("%-10s %-10s %-5s %-28s %-20s %-10s %s\n", "JOB", "STATUS", "PROG", "NAME", "PROMPT", "RESULT", "UPDATED")
	fmt.Println(strings.Repeat("-", 110))

	active, failed, completed := 0, 0, 0
	for _, j := range jobs {
		result := j.Improvement
		if j.Status == db.StatusFailed {
			result = "failed"
		}
		fmt.Printf("%-10s %-10s %4d%% %-28s %-20s %-10s %s\n",
			db.ShortID(j.ID), j.Status, j.Progress,
			truncate(j.Name, 28), truncate(j.PromptName, 20),
			truncate(result, 10), j.UpdatedAt)

		switch {
		case db.IsActiveStatus(j.Status):
			active++
		case j.Status == db.StatusFailed:
			failed++
		case j.Status == db.StatusCompleted:
			completed++
		}
	}
	fmt.Printf("Total: %d jobs (%d active, %d completed, %d failed)\n", len(jobs), active, completed, failed)
	return nil
}

func validStatusFilter(status string) bool {
	switch status {
	case db.StatusStarting, db.StatusRunning, db.StatusCompleted, db.StatusFailed:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
