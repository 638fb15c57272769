package cli

import (
	"fmt"
	"strings"

	"promptforge/internal/orchestrator"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <job-id>",
	Short: "Show the full snapshot of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
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

	orch := orchestrator.New(store, cfg, nil, nil, nil)
	snap, err := orch.Snapshot(cmd.Context(), jobID)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(map[string]any{
			"job":        snap.Job,
			"logs":       snap.Logs,
			"candidates": snap.Candidates,
			"artifacts":  snap.Artifacts,
		})
		return nil
	}

	job := snap.Job
	fmt.Printf("Job:      %s\n", job.ID)
	fmt.Printf("Name:     %s\n", job.Name)
	fmt.Printf("Status:   %s  Progress: %d%%", job.Status, job.Progress)
	if job.CurrentStep != "" {
		fmt.Printf("  (%s)", job.CurrentStep)
	}
	fmt.Println()
	fmt.Printf("Prompt:   %s\n", job.PromptName)
	fmt.Printf("Dataset:  %s\n", job.DatasetName)
	fmt.Printf("Metric:   %s\n", job.MetricName)
	if job.ParentJobID != "" {
		fmt.Printf("Parent:   %s\n", job.ParentJobID)
	}
	if job.Improvement != "" {
		fmt.Printf("Improvement: %s\n", job.Improvement)
	}
	if job.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", job.ErrorMessage)
	}
	fmt.Printf("Created:  %s  Updated: %s\n", job.CreatedAt, job.UpdatedAt)
	if job.StartedAt != "" {
		fmt.Printf("Started:  %s", job.StartedAt)
		if job.CompletedAt != "" {
			fmt.Printf("  Completed: %s", job.CompletedAt)
		}
		fmt.Println()
	}
	fmt.Printf("Logs: %d  Candidates: %d  Artifacts: %d\n", len(snap.Logs), len(snap.Candidates), len(snap.Artifacts))

	if len(snap.Artifacts) > 0 {
		fmt.Println("\n=== Artifacts ===")
		for _, a := range snap.Artifacts {
			score := ""
			if a.Score != nil {
				score = fmt.Sprintf(" (score %.3f)", *a.Score)
			}
			fmt.Printf("\n--- %s #%d%s ---\n", a.Kind, a.Position, score)
			content := a.Content
			if len(content) > 500 {
				content = content[:500] + "\n... (truncated)"
			}
			fmt.Println(strings.TrimSpace(content))
		}
	}
	return nil
}
