package cli

import (
	"fmt"

	"promptforge/internal/db"
	"promptforge/internal/launcher"
	"promptforge/internal/orchestrator"

	"github.com/spf13/cobra"
)

var continueCmd = &cobra.Command{
	Use:   "continue <job-id>",
	Short: "Chain a new job from a completed job's optimized prompt",
	Args:  cobra.ExactArgs(1),
	RunE:  runContinue,
}

func init() {
	rootCmd.AddCommand(continueCmd)
}

func runContinue(cmd *cobra.Command, args []string) error {
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

	orch := orchestrator.New(store, cfg, launcher.New(store, cfg), nil, nil)
	newID, err := orch.ContinueFrom(cmd.Context(), jobID)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(map[string]any{"parent_job_id": jobID, "new_job_id": newID})
		return nil
	}
	fmt.Printf("Job %s continued as %s.\n", db.ShortID(jobID), db.ShortID(newID))
	return nil
}
