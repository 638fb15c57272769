// Package sweep finds and fails orphaned jobs: rows stuck in starting or
// running whose worker process died without writing a terminal status.
// Detached workers have no supervisor, so the sweeper is their only
// safety net; for supervised workers it is a second line of defense after
// a daemon crash.
package sweep

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"promptforge/internal/db"
	"promptforge/internal/metrics"
)

const orphanMessage = "worker presumed dead (no liveness signal)"

// Sweeper periodically scans launched active jobs for dead workers.
type Sweeper struct {
	store           *db.Store
	rec             *metrics.Recorder
	livenessTimeout time.Duration

	// pidAlive is swapped in tests.
	pidAlive func(pid int) bool
}

func New(store *db.Store, rec *metrics.Recorder, livenessTimeout time.Duration) *Sweeper {
	return &Sweeper{
		store:           store,
		rec:             rec,
		livenessTimeout: livenessTimeout,
		pidAlive:        pidAlive,
	}
}

// Run sweeps on the given interval until the context ends. One pass runs
// immediately on start so a restarted daemon recovers orphans without
// waiting a full interval.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if n, err := s.Sweep(ctx); err != nil {
		slog.Warn("startup sweep finished with errors", "swept", n, "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				slog.Warn("sweep finished with errors", "swept", n, "err", err)
			}
		}
	}
}

// Sweep scans once and fails every orphan it finds. A job is orphaned when
// its recorded worker PID is gone, or when updated_at is older than the
// liveness deadline — a live worker touches the row at least every ticker
// interval. Per-job errors are aggregated so one bad row never hides the
// rest of the scan.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	jobs, err := s.store.ListLaunchedActiveJobs(ctx)
	if err != nil {
		return 0, err
	}

	var errs *multierror.Error
	swept := 0
	now := time.Now()

	for _, job := range jobs {
		if !s.orphaned(job, now) {
			continue
		}
		slog.Info("sweeping orphaned job", "job", db.ShortID(job.ID),
			"status", job.Status, "pid", job.WorkerPID)

		if err := s.fail(ctx, job); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		swept++
		if s.rec != nil {
			s.rec.JobSwept()
		}
	}
	return swept, errs.ErrorOrNil()
}

func (s *Sweeper) orphaned(job db.Job, now time.Time) bool {
	if job.WorkerPID > 0 && !s.pidAlive(job.WorkerPID) {
		return true
	}
	updated, err := time.Parse(time.RFC3339, job.UpdatedAt)
	if err != nil {
		return false
	}
	return now.Sub(updated) > s.livenessTimeout
}

func (s *Sweeper) fail(ctx context.Context, job db.Job) error {
	if err := s.store.AppendLog(ctx, job.ID, db.LevelError, orphanMessage, nil); err != nil {
		slog.Warn("append orphan log failed", "job", db.ShortID(job.ID), "err", err)
	}
	msg := orphanMessage
	if err := s.store.TransitionStatus(ctx, job.ID, job.Status, db.StatusFailed,
		db.StatusUpdate{ErrorMessage: &msg}); err != nil {
		return err
	}
	if _, err := s.store.EnqueueNotificationEvent(ctx, job.ID, db.NotificationEventFailed); err != nil {
		slog.Warn("enqueue orphan notification failed", "job", db.ShortID(job.ID), "err", err)
	}
	return nil
}

// pidAlive probes a process with signal 0. A zombie still answers, but the
// liveness deadline catches those.
func pidAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}
