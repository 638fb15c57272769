package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"promptforge/internal/db"
	"promptforge/internal/orchestrator"

	"github.com/spf13/cobra"
)

var deleteYes bool

var deleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job with its logs, candidates and run directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "skip confirmation prompt")
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
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

	if !deleteYes {
		fmt.Printf("Delete job %s and all its data? [y/N] ", db.ShortID(jobID))
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	orch := orchestrator.New(store, cfg, nil, nil, nil)
	deleted, err := orch.Delete(cmd.Context(), jobID)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(map[string]any{"job_id": jobID, "deleted": deleted})
		return nil
	}
	if deleted {
		fmt.Printf("Job %s deleted.\n", db.ShortID(jobID))
	} else {
		fmt.Printf("Job %s was already gone.\n", db.ShortID(jobID))
	}
	return nil
}
