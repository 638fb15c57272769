package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"promptforge/internal/config"
	"promptforge/internal/db"
	"promptforge/internal/metrics"
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

func seedJob(t *testing.T, store *db.Store) db.Job {
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
		Name: "supervised", PromptID: prompt.ID, DatasetID: dataset.ID, MetricID: metric.ID,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

// fakeHandle simulates a spawned worker process.
type fakeHandle struct {
	mu      sync.Mutex
	done    chan struct{}
	signals []os.Signal
	killed  bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{})}
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Wait() error           { <-h.done; return nil }

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, sig)
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.killed {
		h.killed = true
		close(h.done)
	}
	return nil
}

func (h *fakeHandle) exit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.killed {
		h.killed = true
		close(h.done)
	}
}

func (h *fakeHandle) gotSignal(want os.Signal) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.signals {
		if s == want {
			return true
		}
	}
	return false
}

func testPool(store *db.Store, l Launcher) *Pool {
	cfg := &config.Config{}
	p := NewPool(1, store, cfg, l, metrics.NewRecorder(), nil)
	p.pollInterval = 10 * time.Millisecond
	p.cancelPoll = 10 * time.Millisecond
	p.killGrace = 50 * time.Millisecond
	return p
}

func waitForStatus(t *testing.T, store *db.Store, jobID, want string) db.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := store.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == want {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job never reached %s, stuck at %s (%s)", want, job.Status, job.ErrorMessage)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPool_ClaimsAndSupervisesToCompletion(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	job := seedJob(t, store)

	launcher := LauncherFunc(func(ctx context.Context, jobID string) (Handle, error) {
		h := newFakeHandle()
		go func() {
			// Play a well-behaved worker: claim the status machine,
			// finish, exit.
			ten := 10
			_ = store.TransitionStatus(context.Background(), jobID, db.StatusStarting, db.StatusRunning, db.StatusUpdate{Progress: &ten})
			imp := "+5.0%"
			_ = store.TransitionStatus(context.Background(), jobID, db.StatusRunning, db.StatusCompleted, db.StatusUpdate{Improvement: &imp})
			h.exit()
		}()
		return h, nil
	})

	p := testPool(store, launcher)
	p.Start(context.Background())
	defer p.Stop()

	got := waitForStatus(t, store, job.ID, db.StatusCompleted)
	if got.LaunchedAt == "" {
		t.Errorf("claim did not stamp launched_at")
	}
}

func TestPool_CrashWithoutTerminalStatus(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	job := seedJob(t, store)

	launcher := LauncherFunc(func(ctx context.Context, jobID string) (Handle, error) {
		h := newFakeHandle()
		go func() {
			ten := 10
			_ = store.TransitionStatus(context.Background(), jobID, db.StatusStarting, db.StatusRunning, db.StatusUpdate{Progress: &ten})
			// Die without writing a terminal status.
			h.exit()
		}()
		return h, nil
	})

	p := testPool(store, launcher)
	p.Start(context.Background())
	defer p.Stop()

	got := waitForStatus(t, store, job.ID, db.StatusFailed)
	if got.ErrorMessage != "worker exited unexpectedly" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if got.Progress != 0 {
		t.Errorf("progress = %d, want 0", got.Progress)
	}
}

func TestPool_RelaysCancellationAsSIGTERM(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	job := seedJob(t, store)

	var handleMu sync.Mutex
	var handle *fakeHandle
	launcher := LauncherFunc(func(ctx context.Context, jobID string) (Handle, error) {
		h := newFakeHandle()
		handleMu.Lock()
		handle = h
		handleMu.Unlock()
		ten := 10
		_ = store.TransitionStatus(context.Background(), jobID, db.StatusStarting, db.StatusRunning, db.StatusUpdate{Progress: &ten})
		return h, nil
	})

	p := testPool(store, launcher)
	p.Start(context.Background())
	defer p.Stop()

	waitForStatus(t, store, job.ID, db.StatusRunning)
	if err := store.RequestCancel(context.Background(), job.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		handleMu.Lock()
		h := handle
		handleMu.Unlock()
		if h != nil && h.gotSignal(syscall.SIGTERM) {
			// Worker acknowledges the signal by failing the job and exiting.
			msg := "cancelled by user"
			_ = store.TransitionStatus(context.Background(), job.ID, db.StatusRunning, db.StatusFailed, db.StatusUpdate{ErrorMessage: &msg})
			h.exit()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("cancellation was never relayed to the worker")
		case <-time.After(10 * time.Millisecond):
		}
	}

	got := waitForStatus(t, store, job.ID, db.StatusFailed)
	if got.ErrorMessage != "cancelled by user" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestPool_KillsWorkerPastDeadline(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	job := seedJob(t, store)

	launcher := LauncherFunc(func(ctx context.Context, jobID string) (Handle, error) {
		h := newFakeHandle()
		ten := 10
		_ = store.TransitionStatus(context.Background(), jobID, db.StatusStarting, db.StatusRunning, db.StatusUpdate{Progress: &ten})
		// Never exits on its own; only Kill closes it.
		return h, nil
	})

	p := testPool(store, launcher)
	p.deadline = 50 * time.Millisecond
	p.Start(context.Background())
	defer p.Stop()

	got := waitForStatus(t, store, job.ID, db.StatusFailed)
	if !strings.Contains(got.ErrorMessage, "timed out") {
		t.Errorf("error message = %q, want timeout wording", got.ErrorMessage)
	}
}
