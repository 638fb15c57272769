package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"promptforge/internal/db"
	"promptforge/internal/launcher"
	"promptforge/internal/optimizer"
	"promptforge/internal/orchestrator"
	"promptforge/internal/runner"

	"github.com/spf13/cobra"
)

var (
	createName        string
	createPromptID    string
	createDatasetID   string
	createMetricID    string
	createSystemFile  string
	createUserFile    string
	createPromptName  string
	createDatasetFile string
	createMetricName  string
	createMode        string
	createRateLimit   int
	createRecordLimit int
	createTrainSplit  float64
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create and launch an optimization job",
	Long: `Create and launch an optimization job.

References can be existing IDs (--prompt-id, --dataset-id, --metric-id) or
created inline from files (--system-prompt-file, --dataset-file, --metric).`,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createName, "name", "", "job name (required)")
	createCmd.Flags().StringVar(&createPromptID, "prompt-id", "", "existing prompt ID")
	createCmd.Flags().StringVar(&createDatasetID, "dataset-id", "", "existing dataset ID")
	createCmd.Flags().StringVar(&createMetricID, "metric-id", "", "existing metric ID")
	createCmd.Flags().StringVar(&createSystemFile, "system-prompt-file", "", "file with the system prompt text")
	createCmd.Flags().StringVar(&createUserFile, "user-prompt-file", "", "file with the user prompt text")
	createCmd.Flags().StringVar(&createPromptName, "prompt-name", "", "name for an inline-created prompt (default: system prompt file base name)")
	createCmd.Flags().StringVar(&createDatasetFile, "dataset-file", "", "JSON file with [{input, output}, ...] records")
	createCmd.Flags().StringVar(&createMetricName, "metric", "", "metric name to create or reuse")
	createCmd.Flags().StringVar(&createMode, "mode", "", "model mode: fast, balanced or quality")
	createCmd.Flags().IntVar(&createRateLimit, "rate-limit", 0, "optimizer requests per minute")
	createCmd.Flags().IntVar(&createRecordLimit, "record-limit", 0, "cap on dataset records used")
	createCmd.Flags().Float64Var(&createTrainSplit, "train-split", 0, "train fraction (0..1 exclusive)")
	_ = createCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()

	promptID := createPromptID
	if promptID == "" {
		if createSystemFile == "" {
			return fmt.Errorf("either --prompt-id or --system-prompt-file is required")
		}
		systemText, err := os.ReadFile(createSystemFile)
		if err != nil {
			return fmt.Errorf("read system prompt: %w", err)
		}
		userText := ""
		if createUserFile != "" {
			raw, err := os.ReadFile(createUserFile)
			if err != nil {
				return fmt.Errorf("read user prompt: %w", err)
			}
			userText = string(raw)
		}
		name := createPromptName
		if name == "" {
			name = baseName(createSystemFile)
		}
		prompt, err := store.CreatePrompt(ctx, name, string(systemText), userText)
		if err != nil {
			return fmt.Errorf("create prompt: %w", err)
		}
		promptID = prompt.ID
	}

	datasetID := createDatasetID
	if datasetID == "" {
		if createDatasetFile == "" {
			return fmt.Errorf("either --dataset-id or --dataset-file is required")
		}
		raw, err := os.ReadFile(createDatasetFile)
		if err != nil {
			return fmt.Errorf("read dataset: %w", err)
		}
		var records []optimizer.Example
		if err := json.Unmarshal(raw, &records); err != nil {
			return fmt.Errorf("parse dataset %s: %w", createDatasetFile, err)
		}
		if len(records) == 0 {
			return fmt.Errorf("dataset %s is empty", createDatasetFile)
		}
		dataset, err := store.CreateDataset(ctx, baseName(createDatasetFile), string(raw), len(records))
		if err != nil {
			return fmt.Errorf("create dataset: %w", err)
		}
		datasetID = dataset.ID
	}

	metricID := createMetricID
	if metricID == "" {
		if createMetricName == "" {
			return fmt.Errorf("either --metric-id or --metric is required")
		}
		metric, err := store.CreateMetric(ctx, createMetricName, "")
		if err != nil {
			return fmt.Errorf("create metric: %w", err)
		}
		metricID = metric.ID
	}

	jc := runner.DefaultJobConfig(cfg)
	if createMode != "" {
		jc.ModelMode = createMode
	}
	if createRateLimit > 0 {
		jc.RateLimit = createRateLimit
	}
	if createRecordLimit > 0 {
		jc.RecordLimit = createRecordLimit
	}
	if createTrainSplit > 0 {
		jc.TrainSplit = createTrainSplit
	}
	configJSON, err := jc.Encode()
	if err != nil {
		return err
	}

	orch := orchestrator.New(store, cfg, launcher.New(store, cfg), nil, nil)
	job, err := orch.CreateJob(ctx, orchestrator.CreateParams{
		Name:       createName,
		PromptID:   promptID,
		DatasetID:  datasetID,
		MetricID:   metricID,
		ConfigJSON: configJSON,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(map[string]any{"job_id": job.ID, "status": job.Status})
		return nil
	}
	fmt.Printf("Job %s created (%s).\n", db.ShortID(job.ID), job.Name)
	return nil
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
