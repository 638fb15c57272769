// Package supervisor runs the daemon-side worker pool. Each pool slot
// claims a launchable job, spawns a worker process through the launcher
// and supervises it until exit: deadline enforcement, cancellation relay
// and crash detection. The worker owns the job's status writes; the
// supervisor only steps in when the process misbehaves.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"promptforge/internal/config"
	"promptforge/internal/db"
	"promptforge/internal/metrics"
	"promptforge/internal/optimizer"
)

const (
	defaultPollInterval = 5 * time.Second
	cancelPollInterval  = 250 * time.Millisecond
	defaultKillGrace    = 10 * time.Second
	deadlineMargin      = time.Minute
)

// Handle is the supervised view of a spawned worker process.
type Handle interface {
	Done() <-chan struct{}
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// Launcher spawns an attached worker for a claimed job.
type Launcher interface {
	Start(ctx context.Context, jobID string) (Handle, error)
}

// LauncherFunc adapts a spawn function to the Launcher interface.
type LauncherFunc func(ctx context.Context, jobID string) (Handle, error)

func (f LauncherFunc) Start(ctx context.Context, jobID string) (Handle, error) {
	return f(ctx, jobID)
}

// Pool manages N supervision slots fed by a launch channel and a poll
// ticker.
type Pool struct {
	n        int
	store    *db.Store
	cfg      *config.Config
	launcher Launcher
	rec      *metrics.Recorder
	jobCh    <-chan string

	wg     sync.WaitGroup
	cancel context.CancelFunc

	// Test overrides.
	pollInterval time.Duration
	cancelPoll   time.Duration
	killGrace    time.Duration
	deadline     time.Duration
}

func NewPool(n int, store *db.Store, cfg *config.Config, l Launcher, rec *metrics.Recorder, jobCh <-chan string) *Pool {
	return &Pool{
		n:            n,
		store:        store,
		cfg:          cfg,
		launcher:     l,
		rec:          rec,
		jobCh:        jobCh,
		pollInterval: defaultPollInterval,
		cancelPoll:   cancelPollInterval,
		killGrace:    defaultKillGrace,
	}
}

func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go p.slot(ctx, i)
	}
}

func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) slot(ctx context.Context, id int) {
	defer p.wg.Done()
	slog.Debug("supervisor slot started", "slot", id)

	poll := time.NewTicker(p.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("supervisor slot stopping", "slot", id)
			return
		case hintedJobID, ok := <-p.jobCh:
			if !ok {
				return
			}
			p.processNext(ctx, id, hintedJobID)
		case <-poll.C:
			p.processNext(ctx, id, "")
		}
	}
}

// processNext claims one launchable job and supervises its worker to
// completion. The hinted ID is just a wake-up: the claim CAS decides who
// actually runs the job.
func (p *Pool) processNext(ctx context.Context, slotID int, hintedJobID string) {
	defer func() {
		if v := recover(); v != nil {
			slog.Error("supervisor slot panic", "slot", slotID, "job", hintedJobID,
				"panic", v, "stack", string(debug.Stack()))
		}
	}()

	jobID, err := p.claim(ctx, hintedJobID)
	if err != nil {
		slog.Error("claim job failed", "err", err)
		return
	}
	if jobID == "" {
		return
	}

	slog.Info("supervising job", "slot", slotID, "job", db.ShortID(jobID))

	handle, err := p.launcher.Start(ctx, jobID)
	if err != nil {
		// The launcher already failed the job.
		slog.Error("spawn worker failed", "job", db.ShortID(jobID), "err", err)
		if p.rec != nil {
			p.rec.JobFailed(optimizer.KindService, 0)
		}
		return
	}

	p.supervise(ctx, jobID, handle)
}

func (p *Pool) claim(ctx context.Context, hintedJobID string) (string, error) {
	if hintedJobID != "" {
		claimed, err := p.store.ClaimJob(ctx, hintedJobID)
		if err != nil {
			return "", err
		}
		if claimed {
			return hintedJobID, nil
		}
		// Hint was stale; fall through to the queue.
	}
	return p.store.ClaimNextJob(ctx)
}

// supervise watches one worker process until it exits. It enforces the
// optimizer deadline with a margin for the worker's own persistence work,
// relays cooperative cancellation as SIGTERM (kill after a grace period)
// and marks crash-without-terminal-status failures.
func (p *Pool) supervise(ctx context.Context, jobID string, handle Handle) {
	deadline := p.deadline
	if deadline == 0 {
		if timeout := p.cfg.OptimizerTimeout(); timeout > 0 {
			deadline = timeout + deadlineMargin
		}
	}
	var deadlineCh <-chan time.Time
	if deadline > 0 {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		deadlineCh = timer.C
	}

	ticker := time.NewTicker(p.cancelPoll)
	defer ticker.Stop()

	var killCh <-chan time.Time
	termSent := false

	for {
		select {
		case <-handle.Done():
			p.finalize(jobID, handle.Wait())
			return

		case <-deadlineCh:
			slog.Warn("worker exceeded deadline, killing", "job", db.ShortID(jobID))
			p.markFailed(jobID, "optimization timed out")
			_ = handle.Kill()
			<-handle.Done()
			if p.rec != nil {
				p.rec.JobFailed(optimizer.KindTimeout, p.jobDuration(jobID))
			}
			return

		case <-ticker.C:
			if termSent {
				continue
			}
			flagged, err := p.store.CancelRequested(context.Background(), jobID)
			if err != nil || !flagged {
				continue
			}
			slog.Info("relaying cancellation to worker", "job", db.ShortID(jobID))
			_ = handle.Signal(syscall.SIGTERM)
			termSent = true
			kill := time.NewTimer(p.killGrace)
			defer kill.Stop()
			killCh = kill.C

		case <-killCh:
			slog.Warn("worker ignored SIGTERM, killing", "job", db.ShortID(jobID))
			_ = handle.Kill()
			killCh = nil

		case <-ctx.Done():
			// Daemon shutdown: ask the worker to stop and give it the
			// grace period before forcing the issue.
			_ = handle.Signal(syscall.SIGTERM)
			select {
			case <-handle.Done():
			case <-time.After(p.killGrace):
				_ = handle.Kill()
				<-handle.Done()
			}
			p.finalize(jobID, handle.Wait())
			return
		}
	}
}

// finalize records the outcome after the worker process has exited. A
// worker that died without writing a terminal status is a crash.
func (p *Pool) finalize(jobID string, waitErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Warn("load job after worker exit", "job", db.ShortID(jobID), "err", err)
		return
	}

	switch job.Status {
	case db.StatusCompleted:
		if p.rec != nil {
			p.rec.JobCompleted(p.jobDuration(jobID))
		}
	case db.StatusFailed:
		if p.rec != nil {
			kind := optimizer.NewError("", job.ErrorMessage).Kind
			p.rec.JobFailed(kind, p.jobDuration(jobID))
		}
	default:
		slog.Error("worker exited without terminal status", "job", db.ShortID(jobID),
			"status", job.Status, "exit_err", waitErr)
		p.crashJob(ctx, jobID, job.Status)
		if p.rec != nil {
			p.rec.JobFailed(optimizer.KindService, p.jobDuration(jobID))
		}
	}
}

func (p *Pool) crashJob(ctx context.Context, jobID, from string) {
	msg := "worker exited unexpectedly"
	if err := p.store.AppendLog(ctx, jobID, db.LevelError, msg, nil); err != nil {
		slog.Warn("append crash log failed", "job", db.ShortID(jobID), "err", err)
	}
	if err := p.store.TransitionStatus(ctx, jobID, from, db.StatusFailed,
		db.StatusUpdate{ErrorMessage: &msg}); err != nil {
		slog.Warn("mark crashed job failed", "job", db.ShortID(jobID), "err", err)
	}
	if _, err := p.store.EnqueueNotificationEvent(ctx, jobID, db.NotificationEventFailed); err != nil {
		slog.Warn("enqueue crash notification failed", "job", db.ShortID(jobID), "err", err)
	}
}

func (p *Pool) markFailed(jobID, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil || db.IsTerminalStatus(job.Status) {
		return
	}
	if err := p.store.AppendLog(ctx, jobID, db.LevelError, msg, nil); err != nil {
		slog.Warn("append failure log failed", "job", db.ShortID(jobID), "err", err)
	}
	if err := p.store.TransitionStatus(ctx, jobID, job.Status, db.StatusFailed,
		db.StatusUpdate{ErrorMessage: &msg}); err != nil {
		slog.Warn("mark job failed", "job", db.ShortID(jobID), "err", err)
	}
	if _, err := p.store.EnqueueNotificationEvent(ctx, jobID, db.NotificationEventFailed); err != nil {
		slog.Warn("enqueue failure notification failed", "job", db.ShortID(jobID), "err", err)
	}
}

// jobDuration derives wall-clock duration from the job's timestamps; zero
// when they cannot be parsed.
func (p *Pool) jobDuration(jobID string) time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil || job.StartedAt == "" {
		return 0
	}
	started, err := time.Parse(time.RFC3339, job.StartedAt)
	if err != nil {
		return 0
	}
	end := time.Now()
	if job.CompletedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, job.CompletedAt); err == nil {
			end = parsed
		}
	}
	if d := end.Sub(started); d > 0 {
		return d
	}
	return 0
}
