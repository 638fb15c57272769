package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Job statuses. The four-state machine is deliberately small: everything a
// worker does between running and terminal shows up in progress/current_step,
// not in new statuses.
const (
	StatusStarting  = "starting"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ValidTransitions defines the allowed status machine transitions.
// failed -> starting is the retry reset.
var ValidTransitions = map[string][]string{
	StatusStarting: {StatusRunning, StatusFailed},
	StatusRunning:  {StatusCompleted, StatusFailed},
	StatusFailed:   {StatusStarting},
}

// IsTerminalStatus reports whether a job in this status has finished.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// IsActiveStatus reports whether a job in this status may still have a live
// worker process.
func IsActiveStatus(status string) bool {
	return status == StatusStarting || status == StatusRunning
}

type Job struct {
	ID              string
	Name            string
	PromptID        string
	DatasetID       string
	MetricID        string
	Status          string
	Progress        int
	CurrentStep     string
	Improvement     string
	ErrorMessage    string
	ConfigJSON      string
	ParentJobID     string
	CancelRequested bool
	WorkerPID       int
	LaunchedAt      string
	InputTokens     int
	OutputTokens    int
	CreatedAt       string
	UpdatedAt       string
	StartedAt       string
	CompletedAt     string

	// Joined from the reference tables (populated by reads).
	PromptName  string
	DatasetName string
	MetricName  string
}

const selectJobColumns = `
SELECT j.id, j.name, j.prompt_id, j.dataset_id, j.metric_id, j.status, j.progress,
       COALESCE(j.current_step,''), COALESCE(j.improvement,''), COALESCE(j.error_message,''),
       j.config_json, COALESCE(j.parent_job_id,''), j.cancel_requested,
       COALESCE(j.worker_pid,0), COALESCE(j.launched_at,''),
       COALESCE(j.input_tokens,0), COALESCE(j.output_tokens,0),
       j.created_at, j.updated_at, COALESCE(j.started_at,''), COALESCE(j.completed_at,''),
       COALESCE(p.name,''), COALESCE(d.name,''), COALESCE(m.name,'')
FROM jobs j
LEFT JOIN prompts p ON p.id = j.prompt_id
LEFT JOIN datasets d ON d.id = j.dataset_id
LEFT JOIN metrics m ON m.id = j.metric_id`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Name, &j.PromptID, &j.DatasetID, &j.MetricID, &j.Status, &j.Progress,
		&j.CurrentStep, &j.Improvement, &j.ErrorMessage,
		&j.ConfigJSON, &j.ParentJobID, &j.CancelRequested,
		&j.WorkerPID, &j.LaunchedAt,
		&j.InputTokens, &j.OutputTokens,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt,
		&j.PromptName, &j.DatasetName, &j.MetricName,
	)
	return j, err
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CreateJobParams carries everything needed to insert a job row.
type CreateJobParams struct {
	Name        string
	PromptID    string
	DatasetID   string
	MetricID    string
	ConfigJSON  string
	ParentJobID string
}

// CreateJob validates the referenced prompt/dataset/metric and inserts a new
// job in status starting with progress 0 and started_at stamped. The ref
// check is synchronous: an unresolved reference means no row is created.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (Job, error) {
	if err := s.checkRef(ctx, "prompts", "prompt", p.PromptID); err != nil {
		return Job{}, err
	}
	if err := s.checkRef(ctx, "datasets", "dataset", p.DatasetID); err != nil {
		return Job{}, err
	}
	if err := s.checkRef(ctx, "metrics", "metric", p.MetricID); err != nil {
		return Job{}, err
	}

	id, err := newJobID()
	if err != nil {
		return Job{}, err
	}
	config := p.ConfigJSON
	if strings.TrimSpace(config) == "" {
		config = "{}"
	}
	const q = `
INSERT INTO jobs(id, name, prompt_id, dataset_id, metric_id, status, progress, config_json, parent_job_id, started_at)
VALUES(?,?,?,?,?,'starting',0,?,?, strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))`
	_, err = s.Writer.ExecContext(ctx, q, id, p.Name, p.PromptID, p.DatasetID, p.MetricID, config, nullableString(p.ParentJobID))
	if err != nil {
		return Job{}, fmt.Errorf("create job: %w", err)
	}
	return s.GetJob(ctx, id)
}

func (s *Store) checkRef(ctx context.Context, table, kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s id is empty: %w", kind, ErrRefNotFound)
	}
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, table)
	var count int
	if err := s.Reader.QueryRowContext(ctx, q, id).Scan(&count); err != nil {
		return fmt.Errorf("check %s %s: %w", kind, id, err)
	}
	if count == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrRefNotFound)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	q := selectJobColumns + ` WHERE j.id = ?`
	j, err := scanJob(s.Reader.QueryRowContext(ctx, q, jobID))
	if err != nil {
		if err == sql.ErrNoRows {
			return Job{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
		}
		return Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]Job, error) {
	q := selectJobColumns
	var args []any
	if status != "" && status != "all" {
		q += ` WHERE j.status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY j.created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.Reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// CountJobsByStatus returns a status -> count map over all jobs.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.Reader.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int, 4)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

// StatusUpdate carries the optional fields a status transition may set.
// Nil pointers leave the column untouched (y2k-style partial update).
type StatusUpdate struct {
	Progress     *int
	CurrentStep  *string
	Improvement  *string
	ErrorMessage *string
}

// TransitionStatus performs an optimistic compare-and-swap status change:
// the UPDATE only matches while the job is still in the expected from
// status, so a concurrent writer surfaces as ErrStatusConflict instead of a
// silent lost update. Terminal targets auto-stamp completed_at; completed
// forces progress to 100 and failed forces it to 0.
func (s *Store) TransitionStatus(ctx context.Context, jobID, from, to string, upd StatusUpdate) error {
	if !transitionAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}

	set := []string{"status = ?", "updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')"}
	args := []any{to}

	switch to {
	case StatusCompleted:
		set = append(set, "progress = 100")
	case StatusFailed:
		set = append(set, "progress = 0")
	default:
		if upd.Progress != nil {
			set = append(set, "progress = ?")
			args = append(args, *upd.Progress)
		}
	}
	if IsTerminalStatus(to) {
		set = append(set, "completed_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')")
	}
	if upd.CurrentStep != nil {
		set = append(set, "current_step = ?")
		args = append(args, *upd.CurrentStep)
	}
	if upd.Improvement != nil {
		set = append(set, "improvement = ?")
		args = append(args, *upd.Improvement)
	}
	if upd.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}

	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = ? AND status = ?`, strings.Join(set, ", "))
	args = append(args, jobID, from)
	res, err := s.Writer.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("transition job %s %s->%s: %w", jobID, from, to, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return s.diagnoseStatusMiss(ctx, jobID, from)
	}
	return nil
}

func transitionAllowed(from, to string) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s *Store) diagnoseStatusMiss(ctx context.Context, jobID, expected string) error {
	var current string
	err := s.Reader.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("load job %s status: %w", jobID, err)
	}
	return fmt.Errorf("job %s is %s, expected %s: %w", jobID, current, expected, ErrStatusConflict)
}

// SetProgress bumps progress/current_step for a running job. The guard on
// status and on the previous progress value keeps progress monotonically
// non-decreasing and makes the call a harmless no-op once the job left
// running — exactly what the liveliness ticker needs.
func (s *Store) SetProgress(ctx context.Context, jobID string, progress int, step string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	set := `progress = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')`
	args := []any{progress}
	if step != "" {
		set += `, current_step = ?`
		args = append(args, step)
	}
	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = ? AND status = 'running' AND progress <= ?`, set)
	args = append(args, jobID, progress)
	if _, err := s.Writer.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("set progress for job %s: %w", jobID, err)
	}
	return nil
}

// RecordUsage stores the token counts the optimizer reported for a job.
func (s *Store) RecordUsage(ctx context.Context, jobID string, inputTokens, outputTokens int) error {
	_, err := s.Writer.ExecContext(ctx, `
UPDATE jobs SET input_tokens = ?, output_tokens = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ?`, inputTokens, outputTokens, jobID)
	if err != nil {
		return fmt.Errorf("record usage for job %s: %w", jobID, err)
	}
	return nil
}

// Touch bumps updated_at so the sweeper's liveness deadline sees activity
// even while the worker sits inside the long external optimizer call.
func (s *Store) Touch(ctx context.Context, jobID string) error {
	_, err := s.Writer.ExecContext(ctx,
		`UPDATE jobs SET updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now') WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("touch job %s: %w", jobID, err)
	}
	return nil
}

// ClaimJob marks a specific starting job as launched. Returns false when
// another supervisor (or a detached launch) already claimed it.
func (s *Store) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.Writer.ExecContext(ctx, `
UPDATE jobs SET launched_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
               updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ? AND status = 'starting' AND launched_at IS NULL`, jobID)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimNextJob atomically claims the oldest unlaunched starting job.
// Returns empty string if none are waiting.
func (s *Store) ClaimNextJob(ctx context.Context) (string, error) {
	const q = `
UPDATE jobs SET launched_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
               updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = (
	SELECT id FROM jobs
	WHERE status = 'starting' AND launched_at IS NULL AND cancel_requested = 0
	ORDER BY created_at ASC
	LIMIT 1
)
RETURNING id`
	var id string
	err := s.Writer.QueryRowContext(ctx, q).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("claim next job: %w", err)
	}
	return id, nil
}

// RecordWorkerPID remembers the spawned worker's process id for liveness
// probes and cancellation signalling.
func (s *Store) RecordWorkerPID(ctx context.Context, jobID string, pid int) error {
	_, err := s.Writer.ExecContext(ctx, `
UPDATE jobs SET worker_pid = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now') WHERE id = ?`, pid, jobID)
	if err != nil {
		return fmt.Errorf("record worker pid for job %s: %w", jobID, err)
	}
	return nil
}

// RequestCancel flags a starting/running job for cooperative cancellation.
// The worker polls the flag and winds down; the supervisor additionally
// signals the process.
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	res, err := s.Writer.ExecContext(ctx, `
UPDATE jobs SET cancel_requested = 1, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ? AND status IN ('starting', 'running')`, jobID)
	if err != nil {
		return fmt.Errorf("request cancel for job %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var status string
		err := s.Reader.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
		}
		if err != nil {
			return fmt.Errorf("load job %s status: %w", jobID, err)
		}
		return fmt.Errorf("job %s is %s and cannot be cancelled: %w", jobID, status, ErrInvalidState)
	}
	return nil
}

// CancelUnlaunched finalizes a cancel-flagged job that no worker has
// claimed yet. Without it a cancel that lands before any launch claim
// would wait on a worker that never spawns: ClaimNextJob skips flagged
// jobs and the sweeper only scans launched ones. Returns true when this
// call moved the job to failed; false means a claim won the race and the
// worker will observe the flag itself.
func (s *Store) CancelUnlaunched(ctx context.Context, jobID string) (bool, error) {
	res, err := s.Writer.ExecContext(ctx, `
UPDATE jobs SET status = 'failed', progress = 0, error_message = 'cancelled by user',
               completed_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
               updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ? AND status = 'starting' AND launched_at IS NULL AND cancel_requested = 1`, jobID)
	if err != nil {
		return false, fmt.Errorf("finalize unlaunched cancel for job %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelRequested reports whether a cooperative cancel has been flagged.
func (s *Store) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flagged bool
	err := s.Reader.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, jobID).Scan(&flagged)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("load cancel flag for job %s: %w", jobID, err)
	}
	return flagged, nil
}

// ResetForRetry clears a failed job back to a fresh starting state and
// wipes its logs, candidates and artifacts so the re-run starts from a
// clean slate with the original config. The whole reset is one transaction:
// either the job flips back to starting with empty history, or nothing
// changes.
func (s *Store) ResetForRetry(ctx context.Context, jobID string) error {
	tx, err := s.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin retry reset: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status = 'starting', progress = 0, current_step = NULL, improvement = NULL,
               error_message = NULL, cancel_requested = 0, worker_pid = NULL, launched_at = NULL,
               input_tokens = NULL, output_tokens = NULL,
               started_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'), completed_at = NULL,
               updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ? AND status = 'failed'`, jobID)
	if err != nil {
		return fmt.Errorf("reset job %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var status string
		err := s.Reader.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
		}
		if err != nil {
			return fmt.Errorf("load job %s status: %w", jobID, err)
		}
		return fmt.Errorf("job %s is %s; only failed jobs can be retried: %w", jobID, status, ErrInvalidState)
	}

	for _, table := range []string{"job_logs", "candidates", "artifacts"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE job_id = ?`, table), jobID); err != nil {
			return fmt.Errorf("clear %s for job %s: %w", table, jobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit retry reset for job %s: %w", jobID, err)
	}
	return nil
}

// DeleteJob removes a job and, via foreign keys, its logs, candidates,
// artifacts and queued notification events. Returns false if the job did
// not exist. Run-directory cleanup is the orchestrator's responsibility.
func (s *Store) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.Writer.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	if err != nil {
		return false, fmt.Errorf("delete job %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ResolveJobID resolves an exact id or a unique prefix to a full job id.
func (s *Store) ResolveJobID(ctx context.Context, prefix string) (string, error) {
	// Try exact match first.
	var id string
	err := s.Reader.QueryRowContext(ctx, `SELECT id FROM jobs WHERE id = ?`, prefix).Scan(&id)
	if err == nil {
		return id, nil
	}

	// Prefix match: a bare hex fragment anchors right after pf-job-.
	like := prefix + "%"
	if !strings.HasPrefix(prefix, jobIDPrefix) {
		like = jobIDPrefix + prefix + "%"
	}

	rows, err := s.Reader.QueryContext(ctx, `SELECT id FROM jobs WHERE id LIKE ? ORDER BY updated_at DESC LIMIT 2`, like)
	if err != nil {
		return "", fmt.Errorf("resolve job ID %q: %w", prefix, err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return "", fmt.Errorf("scan job ID: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("resolve job ID %q: %w", prefix, err)
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no job matching %q: %w", prefix, ErrJobNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous job prefix %q matches %s and others", prefix, matches[0])
	}
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat64(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
