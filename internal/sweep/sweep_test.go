package sweep

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"promptforge/internal/db"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "promptforge.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedRunningJob(t *testing.T, store *db.Store, pid int) db.Job {
	t.Helper()
	ctx := context.Background()
	prompt, err := store.CreatePrompt(ctx, "p", "system", "")
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}
	dataset, err := store.CreateDataset(ctx, "d", `[{"input":"a","output":"b"}]`, 1)
	if err != nil {
		t.Fatalf("create dataset: %v", err)
	}
	metric, err := store.CreateMetric(ctx, "m", "")
	if err != nil {
		t.Fatalf("create metric: %v", err)
	}
	job, err := store.CreateJob(ctx, db.CreateJobParams{
		Name: "sweepable", PromptID: prompt.ID, DatasetID: dataset.ID, MetricID: metric.ID,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	if _, err := store.ClaimJob(ctx, job.ID); err != nil {
		t.Fatalf("claim job: %v", err)
	}
	ten := 10
	if err := store.TransitionStatus(ctx, job.ID, db.StatusStarting, db.StatusRunning, db.StatusUpdate{Progress: &ten}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if pid > 0 {
		if err := store.RecordWorkerPID(ctx, job.ID, pid); err != nil {
			t.Fatalf("record pid: %v", err)
		}
	}
	return job
}

func backdate(t *testing.T, store *db.Store, jobID string, age time.Duration) {
	t.Helper()
	stamp := time.Now().Add(-age).UTC().Format("2006-01-02T15:04:05Z")
	if _, err := store.Writer.Exec(`UPDATE jobs SET updated_at = ? WHERE id = ?`, stamp, jobID); err != nil {
		t.Fatalf("backdate job: %v", err)
	}
}

func TestSweep_DeadPIDIsOrphaned(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	job := seedRunningJob(t, store, 4242)

	s := New(store, nil, time.Hour)
	s.pidAlive = func(pid int) bool { return false }

	swept, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != db.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.Progress != 0 {
		t.Errorf("progress = %d, want 0", got.Progress)
	}
	if got.ErrorMessage != "worker presumed dead (no liveness signal)" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}

	events, err := store.ListNotificationEvents(context.Background(), db.NotificationStatusPending, 10)
	if err != nil {
		t.Fatalf("list notification events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != db.NotificationEventFailed {
		t.Errorf("notification events = %+v", events)
	}
}

func TestSweep_LiveWorkerLeftAlone(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	job := seedRunningJob(t, store, 4242)

	s := New(store, nil, time.Hour)
	s.pidAlive = func(pid int) bool { return true }

	swept, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 0 {
		t.Errorf("swept = %d, want 0", swept)
	}

	got, _ := store.GetJob(context.Background(), job.ID)
	if got.Status != db.StatusRunning {
		t.Errorf("status = %q, live job must stay running", got.Status)
	}
}

func TestSweep_StaleLivenessDeadline(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	job := seedRunningJob(t, store, 4242)
	backdate(t, store, job.ID, time.Hour)

	// PID still answers (a zombie would), but the row has gone quiet.
	s := New(store, nil, 5*time.Minute)
	s.pidAlive = func(pid int) bool { return true }

	swept, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}

	got, _ := store.GetJob(context.Background(), job.ID)
	if got.Status != db.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestSweep_UnlaunchedJobNotSwept(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	prompt, _ := store.CreatePrompt(ctx, "p", "system", "")
	dataset, _ := store.CreateDataset(ctx, "d", `[{"input":"a","output":"b"}]`, 1)
	metric, _ := store.CreateMetric(ctx, "m", "")
	job, err := store.CreateJob(ctx, db.CreateJobParams{
		Name: "queued", PromptID: prompt.ID, DatasetID: dataset.ID, MetricID: metric.ID,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	backdate(t, store, job.ID, time.Hour)

	// Never launched: the pool will claim it eventually, not the sweeper.
	s := New(store, nil, 5*time.Minute)
	s.pidAlive = func(pid int) bool { return false }

	swept, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 0 {
		t.Errorf("swept = %d, want 0", swept)
	}

	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != db.StatusStarting {
		t.Errorf("status = %q, want starting", got.Status)
	}
}
