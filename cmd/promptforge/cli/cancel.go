package cli

import (
	"fmt"

	"promptforge/internal/db"
	"promptforge/internal/orchestrator"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of an active job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
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
	if err := orch.Cancel(cmd.Context(), jobID); err != nil {
		return err
	}

	if jsonOut {
		printJSON(map[string]any{"job_id": jobID, "cancel_requested": true})
		return nil
	}
	fmt.Printf("Cancellation requested for job %s.\n", db.ShortID(jobID))
	return nil
}
