// Package launcher spawns worker processes. The worker is this same
// binary re-executed with the hidden worker subcommand, so a promptforge
// install is a single file and the daemon and its workers can never skew
// versions.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"promptforge/internal/config"
	"promptforge/internal/db"
)

// ErrSpawn reports that the worker process could not be started. The job
// has already been marked failed by the time this is returned.
var ErrSpawn = errors.New("spawn worker failed")

// Launcher builds and starts worker invocations:
//
//	<self> worker --job <id> --db <path> --data-dir <dir>
//
// with stdout/stderr appended to <run-dir>/worker.log.
type Launcher struct {
	store *db.Store
	cfg   *config.Config

	// Binary overrides the executable for tests; empty means self.
	Binary string
}

func New(store *db.Store, cfg *config.Config) *Launcher {
	return &Launcher{store: store, cfg: cfg}
}

// Handle is a live attached worker process. The supervisor, not Start,
// watches it.
type Handle struct {
	JobID string
	PID   int

	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// Done closes when the worker process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process exits and returns its exit error.
func (h *Handle) Wait() error {
	<-h.done
	return h.waitErr
}

// Signal delivers sig to the worker process.
func (h *Handle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

// Kill force-terminates the worker process.
func (h *Handle) Kill() error {
	return h.cmd.Process.Kill()
}

// Start spawns an attached worker for the job and records its PID. Spawn
// failure flips the job to failed with a diagnostic log before ErrSpawn
// is returned, so a broken binary never leaves a job stuck in starting.
func (l *Launcher) Start(ctx context.Context, jobID string) (*Handle, error) {
	cmd, logFile, err := l.command(jobID)
	if err != nil {
		return nil, l.failSpawn(ctx, jobID, err)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, l.failSpawn(ctx, jobID, err)
	}

	h := &Handle{JobID: jobID, PID: cmd.Process.Pid, cmd: cmd, done: make(chan struct{})}
	if err := l.store.RecordWorkerPID(ctx, jobID, h.PID); err != nil {
		slog.Warn("record worker pid failed", "job", db.ShortID(jobID), "err", err)
	}

	go func() {
		h.waitErr = cmd.Wait()
		logFile.Close()
		close(h.done)
	}()

	slog.Info("worker spawned", "job", db.ShortID(jobID), "pid", h.PID)
	return h, nil
}

// StartDetached spawns a fire-and-forget worker in its own session and
// returns as soon as the process is running. Nothing supervises it; the
// sweeper catches workers that die without a terminal status.
func (l *Launcher) StartDetached(jobID string) error {
	cmd, logFile, err := l.command(jobID)
	if err != nil {
		return l.failSpawn(context.Background(), jobID, err)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return l.failSpawn(context.Background(), jobID, err)
	}

	pid := cmd.Process.Pid
	if err := l.store.RecordWorkerPID(context.Background(), jobID, pid); err != nil {
		slog.Warn("record worker pid failed", "job", db.ShortID(jobID), "err", err)
	}

	// Reap in the background so the worker never zombies while this
	// process is still alive.
	go func() {
		_ = cmd.Wait()
		logFile.Close()
	}()

	slog.Info("worker spawned detached", "job", db.ShortID(jobID), "pid", pid)
	return nil
}

func (l *Launcher) command(jobID string) (*exec.Cmd, *os.File, error) {
	binary := l.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve executable: %w", err)
		}
		binary = exe
	}

	runDir := l.cfg.RunDir(jobID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create run dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(runDir, "worker.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open worker log: %w", err)
	}

	cmd := exec.Command(binary, "worker",
		"--job", jobID,
		"--db", l.cfg.DBPath,
		"--data-dir", l.cfg.DataDir)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	return cmd, logFile, nil
}

// failSpawn records the spawn failure on the job before surfacing ErrSpawn.
func (l *Launcher) failSpawn(ctx context.Context, jobID string, cause error) error {
	msg := fmt.Sprintf("spawn worker: %v", cause)
	if err := l.store.AppendLog(ctx, jobID, db.LevelError, msg, nil); err != nil {
		slog.Warn("append spawn failure log failed", "job", db.ShortID(jobID), "err", err)
	}
	if err := l.store.TransitionStatus(ctx, jobID, db.StatusStarting, db.StatusFailed,
		db.StatusUpdate{ErrorMessage: &msg}); err != nil {
		slog.Warn("mark job failed after spawn failure", "job", db.ShortID(jobID), "err", err)
	}
	if _, err := l.store.EnqueueNotificationEvent(ctx, jobID, db.NotificationEventFailed); err != nil {
		slog.Warn("enqueue spawn failure notification failed", "job", db.ShortID(jobID), "err", err)
	}
	return fmt.Errorf("%w: %v", ErrSpawn, cause)
}
