// Package orchestrator implements the job lifecycle operations shared by
// the CLI and the HTTP API: create, snapshot, retry, continue, cancel,
// delete. It never runs optimizations itself; it writes store state and
// hands launchable jobs to the supervisor pool or a detached spawn.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/hashicorp/go-multierror"

	"promptforge/internal/config"
	"promptforge/internal/db"
	"promptforge/internal/metrics"
	"promptforge/internal/optimizer"
	"promptforge/internal/runner"
	"promptforge/internal/safepath"
)

// Launcher spawns a detached worker when no daemon pool is around.
type Launcher interface {
	StartDetached(jobID string) error
}

// Orchestrator coordinates job lifecycle operations. jobCh feeds the
// daemon's supervisor pool; launcher covers CLI use without a daemon.
// Either may be nil.
type Orchestrator struct {
	store    *db.Store
	cfg      *config.Config
	launcher Launcher
	jobCh    chan<- string
	rec      *metrics.Recorder
}

func New(store *db.Store, cfg *config.Config, launcher Launcher, jobCh chan<- string, rec *metrics.Recorder) *Orchestrator {
	return &Orchestrator{store: store, cfg: cfg, launcher: launcher, jobCh: jobCh, rec: rec}
}

// CreateParams is the caller-facing job creation request.
type CreateParams struct {
	Name       string
	PromptID   string
	DatasetID  string
	MetricID   string
	ConfigJSON string
}

// CreateJob validates the config, inserts the job and launches it.
func (o *Orchestrator) CreateJob(ctx context.Context, p CreateParams) (db.Job, error) {
	configJSON := p.ConfigJSON
	if strings.TrimSpace(configJSON) == "" {
		encoded, err := runner.DefaultJobConfig(o.cfg).Encode()
		if err != nil {
			return db.Job{}, err
		}
		configJSON = encoded
	} else {
		if _, err := runner.ParseJobConfig(configJSON); err != nil {
			return db.Job{}, err
		}
	}

	job, err := o.store.CreateJob(ctx, db.CreateJobParams{
		Name:       p.Name,
		PromptID:   p.PromptID,
		DatasetID:  p.DatasetID,
		MetricID:   p.MetricID,
		ConfigJSON: configJSON,
	})
	if err != nil {
		return db.Job{}, err
	}
	if o.rec != nil {
		o.rec.JobCreated()
	}

	if err := o.launch(job.ID); err != nil {
		return job, err
	}
	return job, nil
}

// Snapshot is the full polling view of one job.
type Snapshot struct {
	Job        db.Job
	Logs       []db.LogEntry
	Candidates []db.PromptCandidate
	Artifacts  []db.Artifact
}

// Snapshot reads a consistent progress view. Pure read: safe to poll.
func (o *Orchestrator) Snapshot(ctx context.Context, jobID string) (Snapshot, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return Snapshot{}, err
	}
	logs, err := o.store.ListLogs(ctx, jobID)
	if err != nil {
		return Snapshot{}, err
	}
	candidates, err := o.store.ListCandidates(ctx, jobID)
	if err != nil {
		return Snapshot{}, err
	}
	artifacts, err := o.store.ListArtifacts(ctx, jobID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Job: job, Logs: logs, Candidates: candidates, Artifacts: artifacts}, nil
}

// Retry resets a failed job to a clean starting state and relaunches it
// with its original config. Any state but failed is rejected by the store.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) error {
	if err := o.store.ResetForRetry(ctx, jobID); err != nil {
		return err
	}
	if o.rec != nil {
		o.rec.JobRetried()
	}
	slog.Info("job reset for retry", "job", db.ShortID(jobID))
	return o.launch(jobID)
}

// ContinueFrom derives a new job from a completed one: the optimized
// prompts become the new baseline and the few-shot examples ride along in
// the config. Returns the new job's id.
func (o *Orchestrator) ContinueFrom(ctx context.Context, jobID string) (string, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != db.StatusCompleted {
		return "", fmt.Errorf("job %s is %s; only completed jobs can be continued: %w",
			db.ShortID(jobID), job.Status, db.ErrInvalidState)
	}

	finalSystem, err := o.store.LatestArtifact(ctx, jobID, db.ArtifactFinalSystemPrompt)
	if err != nil {
		return "", err
	}
	systemText := finalSystem.Content

	userText := ""
	if finalUser, err := o.store.LatestArtifact(ctx, jobID, db.ArtifactFinalUserPrompt); err == nil {
		userText = finalUser.Content
	}

	fewShot, err := o.fewShotExamples(ctx, jobID)
	if err != nil {
		return "", err
	}
	if block := examplesBlock(fewShot); block != "" {
		systemText += "\n\n" + block
	}

	prompt, err := o.createContinuationPrompt(ctx, job, systemText, userText)
	if err != nil {
		return "", err
	}

	jc, err := runner.ParseJobConfig(job.ConfigJSON)
	if err != nil {
		return "", err
	}
	jc.BaselineFewShotExamples = fewShot
	configJSON, err := jc.Encode()
	if err != nil {
		return "", err
	}

	child, err := o.store.CreateJob(ctx, db.CreateJobParams{
		Name:        job.Name + " (continued)",
		PromptID:    prompt.ID,
		DatasetID:   job.DatasetID,
		MetricID:    job.MetricID,
		ConfigJSON:  configJSON,
		ParentJobID: job.ID,
	})
	if err != nil {
		return "", err
	}
	if o.rec != nil {
		o.rec.JobContinued()
	}
	slog.Info("continuation job created", "parent", db.ShortID(jobID), "job", db.ShortID(child.ID))

	if err := o.launch(child.ID); err != nil {
		return child.ID, err
	}
	return child.ID, nil
}

func (o *Orchestrator) fewShotExamples(ctx context.Context, jobID string) ([]optimizer.Example, error) {
	artifacts, err := o.store.ArtifactsByKind(ctx, jobID, db.ArtifactFewShotExample)
	if err != nil {
		return nil, err
	}
	var out []optimizer.Example
	for _, a := range artifacts {
		var ex optimizer.Example
		if err := json.Unmarshal([]byte(a.Content), &ex); err != nil {
			slog.Warn("skipping unreadable few-shot artifact", "job", db.ShortID(jobID), "artifact", a.ID, "err", err)
			continue
		}
		out = append(out, ex)
	}
	return out, nil
}

// examplesBlock renders few-shot examples as the Examples: section folded
// into a continuation prompt.
func examplesBlock(examples []optimizer.Example) string {
	if len(examples) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Examples:")
	for _, ex := range examples {
		b.WriteString("\nInput: ")
		b.WriteString(ex.Input)
		b.WriteString("\nOutput: ")
		b.WriteString(ex.Output)
	}
	return b.String()
}

// createContinuationPrompt names the derived prompt after its parent.
// Repeated continuations would collide on the unique name, so later ones
// carry the parent job's short id.
func (o *Orchestrator) createContinuationPrompt(ctx context.Context, job db.Job, systemText, userText string) (db.Prompt, error) {
	name := job.PromptName + " (continued)"
	prompt, err := o.store.CreatePrompt(ctx, name, systemText, userText)
	if err == nil {
		return prompt, nil
	}
	if !errors.Is(err, db.ErrDuplicateName) {
		return db.Prompt{}, err
	}
	return o.store.CreatePrompt(ctx,
		fmt.Sprintf("%s (continued from %s)", job.PromptName, db.ShortID(job.ID)),
		systemText, userText)
}

// Cancel flags a starting/running job for cooperative cancellation and
// nudges the recorded worker PID with SIGTERM. A launched job's worker
// writes the terminal status; a job no worker has claimed yet is
// finalized right here, since nothing else would ever pick it up.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	if err := o.store.RequestCancel(ctx, jobID); err != nil {
		return err
	}
	if err := o.store.AppendLog(ctx, jobID, db.LevelWarning, "cancellation requested", nil); err != nil {
		slog.Warn("append cancel log failed", "job", db.ShortID(jobID), "err", err)
	}

	finalized, err := o.store.CancelUnlaunched(ctx, jobID)
	if err != nil {
		return err
	}
	if finalized {
		if _, err := o.store.EnqueueNotificationEvent(ctx, jobID, db.NotificationEventFailed); err != nil {
			slog.Warn("enqueue notification failed", "job", db.ShortID(jobID), "err", err)
		}
		if o.rec != nil {
			o.rec.JobFailed(optimizer.KindCancelled, 0)
		}
		return nil
	}

	if job, err := o.store.GetJob(ctx, jobID); err == nil && job.WorkerPID > 0 {
		if err := syscall.Kill(job.WorkerPID, syscall.SIGTERM); err != nil {
			slog.Debug("signal worker failed", "job", db.ShortID(jobID), "pid", job.WorkerPID, "err", err)
		}
	}
	return nil
}

// Delete removes a job in any state: best-effort SIGTERM to a live
// worker, cascaded row delete, run-directory removal. Returns whether a
// row existed. Partial failures are aggregated, not short-circuited.
func (o *Orchestrator) Delete(ctx context.Context, jobID string) (bool, error) {
	var errs *multierror.Error

	if job, err := o.store.GetJob(ctx, jobID); err == nil {
		if db.IsActiveStatus(job.Status) && job.WorkerPID > 0 {
			if err := syscall.Kill(job.WorkerPID, syscall.SIGTERM); err != nil {
				slog.Debug("signal worker before delete failed", "job", db.ShortID(jobID), "err", err)
			}
		}
	}

	deleted, err := o.store.DeleteJob(ctx, jobID)
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := o.removeRunDir(jobID); err != nil {
		errs = multierror.Append(errs, err)
	}
	return deleted, errs.ErrorOrNil()
}

// removeRunDir deletes the job's run directory, refusing anything that
// escapes the runs root through symlinks or traversal.
func (o *Orchestrator) removeRunDir(jobID string) error {
	runDir := o.cfg.RunDir(jobID)
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		return nil
	}
	resolved, err := safepath.ResolveNoSymlinkPath(o.cfg.RunsRoot(), runDir)
	if err != nil {
		return fmt.Errorf("refusing to remove run dir: %w", err)
	}
	if err := os.RemoveAll(resolved); err != nil {
		return fmt.Errorf("remove run dir: %w", err)
	}
	return nil
}

// launch hands a starting job to whoever can run it. With a daemon pool
// the channel send is a wake-up hint (the poll ticker is the fallback);
// without one the job is spawned detached.
func (o *Orchestrator) launch(jobID string) error {
	if o.jobCh != nil {
		select {
		case o.jobCh <- jobID:
		default:
		}
		return nil
	}
	if o.launcher != nil {
		claimed, err := o.store.ClaimJob(context.Background(), jobID)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
		return o.launcher.StartDetached(jobID)
	}
	return nil
}
