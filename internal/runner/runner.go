// Package runner drives a single optimization job from starting to a
// terminal status. One Runner.Run call is one worker lifetime: it claims
// the status machine with a compare-and-swap, streams optimizer events
// into the store, and always leaves the job completed or failed.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"promptforge/internal/config"
	"promptforge/internal/db"
	"promptforge/internal/optimizer"
)

const (
	cancelPollInterval  = 250 * time.Millisecond
	defaultTickInterval = 15 * time.Second
)

// Optimizer abstracts the external optimizer call so tests can run the
// state machine without spawning a process.
type Optimizer interface {
	Run(ctx context.Context, req optimizer.Request, sink optimizer.EventSink) (optimizer.Result, error)
}

// Runner executes the worker runtime for one job at a time.
type Runner struct {
	store *db.Store
	opt   Optimizer
	cfg   *config.Config

	// tickInterval overrides the liveness ticker cadence in tests.
	tickInterval time.Duration
}

func New(store *db.Store, opt Optimizer, cfg *config.Config) *Runner {
	return &Runner{store: store, opt: opt, cfg: cfg}
}

// Run processes the job through starting -> running -> {completed, failed}.
// A lost starting->running CAS means another worker owns the job; Run exits
// without touching it. Every other failure ends in exactly one error log
// and a failed status.
func (r *Runner) Run(ctx context.Context, jobID string) (retErr error) {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go r.watchForCancellation(runCtx, jobID, cancelRun)

	defer func() {
		if v := recover(); v != nil {
			retErr = r.failJob(jobID, optimizer.NewError(optimizer.KindOptimization,
				fmt.Sprintf("worker panicked: %v", v)))
		}
	}()

	progress := 10
	step := "starting optimization run"
	err := r.store.TransitionStatus(ctx, jobID, db.StatusStarting, db.StatusRunning,
		db.StatusUpdate{Progress: &progress, CurrentStep: &step})
	if err != nil {
		if errors.Is(err, db.ErrStatusConflict) {
			slog.Warn("job already claimed by another worker", "job", db.ShortID(jobID))
			return nil
		}
		return err
	}
	r.logInfo(jobID, "starting optimization run")

	job, err := r.store.GetJob(runCtx, jobID)
	if err != nil {
		return r.failJob(jobID, optimizer.NewError(optimizer.KindOptimization, err.Error()))
	}

	jc, err := ParseJobConfig(job.ConfigJSON)
	if err != nil {
		return r.failJob(jobID, optimizer.InputError(err.Error()))
	}

	req, err := r.prepare(runCtx, job, jc)
	if err != nil {
		if r.cancelled(jobID) {
			return r.failJob(jobID, &optimizer.Error{Kind: optimizer.KindCancelled, Message: "cancelled by user"})
		}
		return r.failJob(jobID, asOptimizerError(err))
	}

	result, err := r.optimize(runCtx, jobID, req)
	if err != nil {
		return r.failJob(jobID, asOptimizerError(err))
	}

	if err := r.finish(jobID, result); err != nil {
		return err
	}
	return nil
}

// prepare resolves the job's references and assembles the optimizer
// request, reporting fixed progress increments along the way.
func (r *Runner) prepare(ctx context.Context, job db.Job, jc JobConfig) (optimizer.Request, error) {
	prompt, err := r.store.GetPrompt(ctx, job.PromptID)
	if err != nil {
		return optimizer.Request{}, optimizer.InputError(fmt.Sprintf("load prompt: %v", err))
	}
	r.setProgress(job.ID, 25, "loading prompt")

	dataset, err := r.store.GetDataset(ctx, job.DatasetID)
	if err != nil {
		return optimizer.Request{}, optimizer.InputError(fmt.Sprintf("load dataset: %v", err))
	}
	train, test, err := splitDataset(dataset.RecordsJSON, jc.RecordLimit, jc.TrainSplit)
	if err != nil {
		return optimizer.Request{}, err
	}
	r.setProgress(job.ID, 35, "preparing dataset")

	metric, err := r.store.GetMetric(ctx, job.MetricID)
	if err != nil {
		return optimizer.Request{}, optimizer.InputError(fmt.Sprintf("load metric: %v", err))
	}
	r.setProgress(job.ID, 45, "resolving metric")

	req := optimizer.Request{
		JobID:        job.ID,
		ModelMode:    jc.ModelMode,
		RateLimit:    jc.RateLimit,
		SystemPrompt: prompt.SystemText,
		UserPrompt:   prompt.UserText,
		Metric:       metric.Name,
		Train:        train,
		Test:         test,
		FewShot:      jc.BaselineFewShotExamples,
	}
	r.appendCandidate(job.ID, db.LabelBaselineSystem, prompt.SystemText, nil)
	if prompt.UserText != "" {
		r.appendCandidate(job.ID, db.LabelBaselineUser, prompt.UserText, nil)
	}
	r.setProgress(job.ID, 55, "assembling optimizer request")
	return req, nil
}

// optimize runs the external optimizer under the configured deadline while
// a liveness ticker nudges progress from 65 toward 85. The ticker is owned
// by a select loop and stops on every exit path before terminal writes.
func (r *Runner) optimize(ctx context.Context, jobID string, req optimizer.Request) (optimizer.Result, error) {
	optCtx := ctx
	if timeout := r.cfg.OptimizerTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		optCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r.setProgress(jobID, 65, "optimizing")

	tickCtx, stopTick := context.WithCancel(ctx)
	defer stopTick()
	go func() {
		interval := r.tickInterval
		if interval <= 0 {
			interval = defaultTickInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		pct := 67
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				if pct <= 85 {
					r.setProgress(jobID, pct, "optimizing")
					pct += 2
				} else {
					// Progress is capped; keep updated_at moving so the
					// sweeper sees the worker alive.
					_ = r.store.Touch(context.Background(), jobID)
				}
			}
		}
	}()

	result, err := r.opt.Run(optCtx, req, &storeSink{store: r.store, jobID: jobID})
	stopTick()
	if err != nil {
		return optimizer.Result{}, err
	}
	return result, nil
}

// finish persists the optimizer's result and completes the job.
func (r *Runner) finish(jobID string, result optimizer.Result) error {
	ctx, cancel := terminalContext()
	defer cancel()

	r.setProgress(jobID, 90, "persisting results")

	r.appendCandidate(jobID, db.LabelFinalSystem, result.SystemPrompt, scorePtr(result.OptimizedScore))
	if err := r.store.AddArtifact(ctx, jobID, db.ArtifactFinalSystemPrompt, result.SystemPrompt, scorePtr(result.OptimizedScore), 0); err != nil {
		slog.Warn("persist final system prompt failed", "job", db.ShortID(jobID), "err", err)
	}
	if result.UserPrompt != "" {
		r.appendCandidate(jobID, db.LabelFinalUser, result.UserPrompt, nil)
		if err := r.store.AddArtifact(ctx, jobID, db.ArtifactFinalUserPrompt, result.UserPrompt, nil, 0); err != nil {
			slog.Warn("persist final user prompt failed", "job", db.ShortID(jobID), "err", err)
		}
	}
	for i, ex := range result.FewShot {
		content, err := json.Marshal(ex)
		if err != nil {
			continue
		}
		r.appendCandidate(jobID, db.LabelFewShotSample, string(content), nil)
		if err := r.store.AddArtifact(ctx, jobID, db.ArtifactFewShotExample, string(content), nil, i); err != nil {
			slog.Warn("persist few-shot example failed", "job", db.ShortID(jobID), "err", err)
		}
	}

	if err := r.store.RecordUsage(ctx, jobID, result.Usage.InputTokens, result.Usage.OutputTokens); err != nil {
		slog.Warn("record usage failed", "job", db.ShortID(jobID), "err", err)
	}

	improvement := FormatImprovement(result.BaselineScore, result.OptimizedScore)
	err := r.store.TransitionStatus(ctx, jobID, db.StatusRunning, db.StatusCompleted,
		db.StatusUpdate{Improvement: &improvement})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	r.logSuccess(jobID, fmt.Sprintf("optimization complete: %s vs baseline", improvement))

	if _, err := r.store.EnqueueNotificationEvent(ctx, jobID, db.NotificationEventCompleted); err != nil {
		slog.Warn("enqueue completion notification failed", "job", db.ShortID(jobID), "err", err)
	}
	return nil
}

// failJob writes the single user-facing error log, flips the job to failed
// and queues the failure notification. It runs on a fresh context so a
// cancelled run can still record its terminal state.
func (r *Runner) failJob(jobID string, cause *optimizer.Error) error {
	ctx, cancel := terminalContext()
	defer cancel()

	msg := cause.UserMessage()
	if err := r.store.AppendLog(ctx, jobID, db.LevelError, msg, nil); err != nil {
		slog.Warn("append failure log failed", "job", db.ShortID(jobID), "err", err)
	}
	if err := r.store.TransitionStatus(ctx, jobID, db.StatusRunning, db.StatusFailed,
		db.StatusUpdate{ErrorMessage: &msg}); err != nil {
		slog.Warn("mark job failed", "job", db.ShortID(jobID), "err", err)
	}
	if _, err := r.store.EnqueueNotificationEvent(ctx, jobID, db.NotificationEventFailed); err != nil {
		slog.Warn("enqueue failure notification failed", "job", db.ShortID(jobID), "err", err)
	}
	return fmt.Errorf("job %s failed: %s", db.ShortID(jobID), cause.Error())
}

func (r *Runner) watchForCancellation(ctx context.Context, jobID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.cancelled(jobID) {
				cancel()
				return
			}
		}
	}
}

func (r *Runner) cancelled(jobID string) bool {
	flagged, err := r.store.CancelRequested(context.Background(), jobID)
	if err != nil {
		return false
	}
	return flagged
}

func (r *Runner) setProgress(jobID string, pct int, step string) {
	if err := r.store.SetProgress(context.Background(), jobID, pct, step); err != nil {
		slog.Warn("set progress failed", "job", db.ShortID(jobID), "progress", pct, "err", err)
	}
}

func (r *Runner) logInfo(jobID, message string) {
	_ = r.store.AppendLog(context.Background(), jobID, db.LevelInfo, message, nil)
}

func (r *Runner) logSuccess(jobID, message string) {
	_ = r.store.AppendLog(context.Background(), jobID, db.LevelSuccess, message, nil)
}

func (r *Runner) appendCandidate(jobID, label, content string, score *float64) {
	if err := r.store.AppendCandidate(context.Background(), jobID, label, content, score); err != nil {
		slog.Warn("append candidate failed", "job", db.ShortID(jobID), "label", label, "err", err)
	}
}

// storeSink persists streamed optimizer events as they arrive, so polling
// clients see logs and trial candidates mid-run.
type storeSink struct {
	store *db.Store
	jobID string
}

func (s *storeSink) OnLog(level, message string) {
	if err := s.store.AppendLog(context.Background(), s.jobID, db.NormalizeLevel(level), message, nil); err != nil {
		slog.Warn("persist stream log failed", "job", db.ShortID(s.jobID), "err", err)
	}
}

func (s *storeSink) OnCandidate(label, content string, score *float64) {
	if err := s.store.AppendCandidate(context.Background(), s.jobID, label, content, score); err != nil {
		slog.Warn("persist stream candidate failed", "job", db.ShortID(s.jobID), "label", label, "err", err)
	}
}

// splitDataset decodes the dataset records, applies the record cap and
// cuts the train/test split.
func splitDataset(recordsJSON string, recordLimit int, trainSplit float64) ([]optimizer.Example, []optimizer.Example, error) {
	var records []optimizer.Example
	if err := json.Unmarshal([]byte(recordsJSON), &records); err != nil {
		return nil, nil, optimizer.InputError(fmt.Sprintf("decode dataset records: %v", err))
	}
	if recordLimit > 0 && len(records) > recordLimit {
		records = records[:recordLimit]
	}

	trainN := int(float64(len(records)) * trainSplit)
	if trainN < 2 {
		return nil, nil, optimizer.InputError(
			fmt.Sprintf("training set too small: %d record(s), minimum 2", trainN))
	}
	return records[:trainN], records[trainN:], nil
}

// FormatImprovement renders the relative score change as a signed
// percentage, e.g. "+12.7%".
func FormatImprovement(baseline, optimized float64) string {
	if baseline == 0 {
		return "n/a"
	}
	pct := (optimized - baseline) / math.Abs(baseline) * 100
	return fmt.Sprintf("%+.1f%%", pct)
}

func asOptimizerError(err error) *optimizer.Error {
	var optErr *optimizer.Error
	if errors.As(err, &optErr) {
		return optErr
	}
	return optimizer.NewError("", err.Error())
}

func scorePtr(v float64) *float64 {
	return &v
}

// terminalContext is used for writes that must land even when the run
// context is already cancelled.
func terminalContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
