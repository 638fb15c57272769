package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"promptforge/internal/cost"
	"promptforge/internal/db"
	"promptforge/internal/runner"

	"github.com/spf13/cobra"
)

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Show a job's log stream, candidates and cost summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep polling for new log entries")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	jobID, err := resolveJob(store, args[0])
	if err != nil {
		return err
	}
	job, err := store.GetJob(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	logs, err := store.ListLogs(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	candidates, err := store.ListCandidates(cmd.Context(), jobID)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(map[string]any{
			"job":        job,
			"logs":       logs,
			"candidates": candidates,
		})
		return nil
	}

	fmt.Printf("Job: %s  Status: %s  Progress: %d%%\n", job.ID, job.Status, job.Progress)
	fmt.Printf("Prompt: %s  Dataset: %s  Metric: %s\n", job.PromptName, job.DatasetName, job.MetricName)
	if job.Improvement != "" {
		fmt.Printf("Improvement: %s\n", job.Improvement)
	}
	if job.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", job.ErrorMessage)
	}
	fmt.Println()

	for _, entry := range logs {
		printLogEntry(entry)
	}

	if len(candidates) > 0 {
		fmt.Println("\n=== Candidates ===")
		for _, c := range candidates {
			score := ""
			if c.Score != nil {
				score = fmt.Sprintf(" (score %.3f)", *c.Score)
			}
			fmt.Printf("\n--- %s%s ---\n", c.Label, score)
			content := c.Content
			if len(content) > 500 {
				content = content[:500] + "\n... (truncated)"
			}
			fmt.Println(strings.TrimSpace(content))
		}
	}

	if job.InputTokens > 0 || job.OutputTokens > 0 {
		mode := "balanced"
		if jc, err := runner.ParseJobConfig(job.ConfigJSON); err == nil {
			mode = jc.ModelMode
		}
		estCost := cost.Calculate(mode, job.InputTokens, job.OutputTokens)
		fmt.Println("\n=== Cost Summary ===")
		fmt.Printf("Input: %d tokens  Output: %d tokens\n", job.InputTokens, job.OutputTokens)
		fmt.Printf("Estimated cost: %s (%s @ %s)\n", cost.FormatUSD(estCost), mode, cost.FormatRate(mode))
	}

	if logsFollow && !db.IsTerminalStatus(job.Status) {
		lastID := int64(0)
		if len(logs) > 0 {
			lastID = logs[len(logs)-1].ID
		}
		return followLogs(cmd.Context(), store, jobID, lastID)
	}
	return nil
}

// followLogs polls the store for new log rows until the job reaches a
// terminal status or the user interrupts.
func followLogs(ctx context.Context, store *db.Store, jobID string, lastID int64) error {
	fmt.Println("\n--- Following (Ctrl+C to stop) ---")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	for {
		logs, err := store.ListLogs(ctx, jobID)
		if err != nil {
			return err
		}
		for _, entry := range logs {
			if entry.ID > lastID {
				printLogEntry(entry)
				lastID = entry.ID
			}
		}

		job, err := store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if db.IsTerminalStatus(job.Status) {
			fmt.Printf("\nJob reached status: %s\n", job.Status)
			return nil
		}

		select {
		case <-ctx.Done():
			fmt.Println("\nStopped following.")
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func printLogEntry(entry db.LogEntry) {
	fmt.Printf("%s [%s] %s\n", entry.CreatedAt, strings.ToUpper(entry.Level), entry.Message)
}
