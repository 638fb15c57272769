package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"promptforge/internal/db"
	"promptforge/internal/optimizer"
	"promptforge/internal/runner"

	"github.com/spf13/cobra"
)

var (
	workerJobID   string
	workerDBPath  string
	workerDataDir string
)

// workerCmd is the hidden entrypoint the launcher re-execs. The job
// outcome is signaled through the store, never the exit code; a non-zero
// exit means only that the store itself was unreachable.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	Short:  "Run one optimization job (internal)",
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerJobID, "job", "", "job ID to run")
	workerCmd.Flags().StringVar(&workerDBPath, "db", "", "database path")
	workerCmd.Flags().StringVar(&workerDataDir, "data-dir", "", "data directory")
	_ = workerCmd.MarkFlagRequired("job")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The launcher pins the paths so daemon and worker can never diverge.
	if workerDBPath != "" {
		cfg.DBPath = workerDBPath
	}
	if workerDataDir != "" {
		cfg.DataDir = workerDataDir
	}

	// Stdout/stderr are redirected to the job's worker.log by the launcher.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &optimizer.Client{
		Command:    cfg.Optimizer.Command,
		EventsPath: filepath.Join(cfg.RunDir(workerJobID), "events.jsonl"),
	}

	if err := runner.New(store, client, cfg).Run(ctx, workerJobID); err != nil {
		// Already persisted on the job; log for the worker.log trail only.
		slog.Error("job run failed", "job", db.ShortID(workerJobID), "err", err)
	}
	return nil
}
