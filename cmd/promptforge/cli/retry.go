package cli

import (
	"fmt"

	"promptforge/internal/db"
	"promptforge/internal/launcher"
	"promptforge/internal/orchestrator"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Reset a failed job and run it again",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

func init() {
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
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
	if err := orch.Retry(cmd.Context(), jobID); err != nil {
		return err
	}

	if jsonOut {
		printJSON(map[string]any{"job_id": jobID, "status": db.StatusStarting})
		return nil
	}
	fmt.Printf("Job %s relaunched.\n", db.ShortID(jobID))
	return nil
}
