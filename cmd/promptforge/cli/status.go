package cli

import (
	"fmt"
	"strings"

	"promptforge/internal/daemon"
	"promptforge/internal/db"

	"github.com/spf13/cobra"
)

type statusOutput struct {
	Running   bool           `json:"running"`
	PID       int            `json:"pid,omitempty"`
	JobCounts map[string]int `json:"job_counts"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and job counts",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running := daemon.IsRunning(cfg.Daemon.PIDFile)
	pid := 0
	if running {
		pid, _ = daemon.ReadPID(cfg.Daemon.PIDFile)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.CountJobsByStatus(cmd.Context())
	if err != nil {
		return fmt.Errorf("count jobs: %w", err)
	}

	if jsonOut {
		printJSON(statusOutput{Running: running, PID: pid, JobCounts: counts})
		return nil
	}

	if running {
		fmt.Printf("Daemon: running (PID %d)\n", pid)
	} else {
		fmt.Println("Daemon: stopped")
	}

	active := counts[db.StatusStarting] + counts[db.StatusRunning]
	parts := make([]string, 0, 4)
	for _, status := range []string{db.StatusStarting, db.StatusRunning, db.StatusCompleted, db.StatusFailed} {
		if counts[status] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[status], status))
		}
	}
	if len(parts) == 0 {
		fmt.Println("Jobs:   none")
		return nil
	}
	fmt.Printf("Jobs:   %s (%d active)\n", strings.Join(parts, " · "), active)
	return nil
}
