package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"promptforge/internal/config"
	"promptforge/internal/db"
)

func newTestEnv(t *testing.T) (*db.Store, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	store, err := db.Open(filepath.Join(dir, "promptforge.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	cfg := &config.Config{
		DBPath:  filepath.Join(dir, "promptforge.db"),
		DataDir: dir,
	}
	return store, cfg
}

func seedJob(t *testing.T, store *db.Store) db.Job {
	t.Helper()
	ctx := context.Background()
	prompt, err := store.CreatePrompt(ctx, "p", "system", "")
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}
	dataset, err := store.CreateDataset(ctx, "d", `[{"input":"a","output":"b"},{"input":"c","output":"d"}]`, 2)
	if err != nil {
		t.Fatalf("create dataset: %v", err)
	}
	metric, err := store.CreateMetric(ctx, "m", "")
	if err != nil {
		t.Fatalf("create metric: %v", err)
	}
	job, err := store.CreateJob(ctx, db.CreateJobParams{
		Name: "spawn test", PromptID: prompt.ID, DatasetID: dataset.ID, MetricID: metric.ID,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

// stubWorker writes a fake worker binary that records its argv and exits.
func stubWorker(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-worker")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write stub worker: %v", err)
	}
	return path
}

func TestStart_SpawnsWorkerWithJobArgs(t *testing.T) {
	t.Parallel()
	store, cfg := newTestEnv(t)
	job := seedJob(t, store)

	argsFile := filepath.Join(t.TempDir(), "args")
	l := New(store, cfg)
	l.Binary = stubWorker(t, `echo "$@" > `+argsFile+`
echo "worker output"`)

	h, err := l.Start(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.PID <= 0 {
		t.Errorf("handle pid = %d", h.PID)
	}
	if err := h.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	argv, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read argv: %v", err)
	}
	for _, want := range []string{"worker", "--job " + job.ID, "--db " + cfg.DBPath, "--data-dir " + cfg.DataDir} {
		if !strings.Contains(string(argv), want) {
			t.Errorf("argv missing %q: %s", want, argv)
		}
	}

	// PID was recorded for liveness probes.
	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.WorkerPID != h.PID {
		t.Errorf("recorded pid = %d, want %d", got.WorkerPID, h.PID)
	}

	// Output landed in the run directory log.
	logBody, err := os.ReadFile(filepath.Join(cfg.RunDir(job.ID), "worker.log"))
	if err != nil {
		t.Fatalf("read worker log: %v", err)
	}
	if !strings.Contains(string(logBody), "worker output") {
		t.Errorf("worker log = %q", logBody)
	}
}

func TestStart_SpawnFailureFailsJob(t *testing.T) {
	t.Parallel()
	store, cfg := newTestEnv(t)
	job := seedJob(t, store)

	l := New(store, cfg)
	l.Binary = filepath.Join(t.TempDir(), "does-not-exist")

	_, err := l.Start(context.Background(), job.ID)
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("err = %v, want ErrSpawn", err)
	}

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != db.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "spawn worker:") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}

	logs, err := store.ListLogs(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Level != db.LevelError {
		t.Errorf("logs = %+v, want one error entry", logs)
	}
}

func TestStartDetached_ReturnsBeforeWorkerExits(t *testing.T) {
	t.Parallel()
	store, cfg := newTestEnv(t)
	job := seedJob(t, store)

	doneFile := filepath.Join(t.TempDir(), "done")
	l := New(store, cfg)
	l.Binary = stubWorker(t, `sleep 0.3
touch `+doneFile)

	start := time.Now()
	if err := l.StartDetached(job.ID); err != nil {
		t.Fatalf("start detached: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("StartDetached blocked for %v", elapsed)
	}

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.WorkerPID <= 0 {
		t.Errorf("recorded pid = %d", got.WorkerPID)
	}

	// The detached worker keeps running and finishes on its own.
	deadline := time.After(5 * time.Second)
	for {
		if _, err := os.Stat(doneFile); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("detached worker never finished")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestHandle_SignalTerminatesWorker(t *testing.T) {
	t.Parallel()
	store, cfg := newTestEnv(t)
	job := seedJob(t, store)

	l := New(store, cfg)
	l.Binary = stubWorker(t, `sleep 30`)

	h, err := l.Start(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case <-h.Done():
		if h.Wait() == nil {
			t.Errorf("expected non-nil exit error after kill")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not exit after kill")
	}
}
