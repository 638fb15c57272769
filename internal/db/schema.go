package db

import (
	"context"
	"fmt"
)

const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER NOT NULL,
    applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE TABLE IF NOT EXISTS prompts (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    system_text TEXT NOT NULL,
    user_text   TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE TABLE IF NOT EXISTS datasets (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL UNIQUE,
    records_json TEXT NOT NULL DEFAULT '[]',
    record_count INTEGER NOT NULL DEFAULT 0 CHECK(record_count >= 0),
    created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE TABLE IF NOT EXISTS metrics (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL,
    prompt_id        TEXT NOT NULL REFERENCES prompts(id) ON DELETE RESTRICT,
    dataset_id       TEXT NOT NULL REFERENCES datasets(id) ON DELETE RESTRICT,
    metric_id        TEXT NOT NULL REFERENCES metrics(id) ON DELETE RESTRICT,
    status           TEXT NOT NULL DEFAULT 'starting'
        CHECK(status IN ('starting','running','completed','failed')),
    progress         INTEGER NOT NULL DEFAULT 0 CHECK(progress BETWEEN 0 AND 100),
    current_step     TEXT,
    improvement      TEXT,
    error_message    TEXT,
    config_json      TEXT NOT NULL DEFAULT '{}',
    parent_job_id    TEXT REFERENCES jobs(id) ON DELETE SET NULL,
    cancel_requested INTEGER NOT NULL DEFAULT 0 CHECK(cancel_requested IN (0,1)),
    worker_pid       INTEGER,
    launched_at      TEXT,
    input_tokens     INTEGER,
    output_tokens    INTEGER,
    created_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    updated_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    started_at       TEXT,
    completed_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs(parent_job_id);
CREATE INDEX IF NOT EXISTS idx_jobs_launchable ON jobs(status, launched_at);

CREATE TABLE IF NOT EXISTS job_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    level      TEXT NOT NULL CHECK(level IN ('info','success','warning','error','debug')),
    message    TEXT NOT NULL,
    data_json  TEXT,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id, created_at);

CREATE TABLE IF NOT EXISTS candidates (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    label      TEXT NOT NULL,
    content    TEXT NOT NULL,
    score      REAL,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_candidates_job ON candidates(job_id, created_at);

CREATE TABLE IF NOT EXISTS artifacts (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    kind       TEXT NOT NULL CHECK(kind IN ('final_system_prompt','final_user_prompt','few_shot_example')),
    content    TEXT NOT NULL,
    score      REAL,
    position   INTEGER NOT NULL DEFAULT 0 CHECK(position >= 0),
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id, kind);

CREATE TABLE IF NOT EXISTS notification_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    event_type TEXT NOT NULL CHECK(event_type IN ('completed','failed')),
    status     TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','processing','sent','failed','skipped')),
    attempts   INTEGER NOT NULL DEFAULT 0 CHECK(attempts >= 0),
    last_error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_notification_events_status_created
    ON notification_events(status, created_at);
CREATE INDEX IF NOT EXISTS idx_notification_events_job
    ON notification_events(job_id);
`

func (s *Store) createSchema() error {
	if _, err := s.Writer.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	// Insert schema version if not present.
	var count int
	if err := s.Writer.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if count == 0 {
		if _, err := s.Writer.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
	}

	// Migrations: add columns that may not exist in older databases.
	_, _ = s.Writer.Exec("ALTER TABLE jobs ADD COLUMN cancel_requested INTEGER NOT NULL DEFAULT 0 CHECK(cancel_requested IN (0,1))")
	_, _ = s.Writer.Exec("ALTER TABLE jobs ADD COLUMN worker_pid INTEGER")
	_, _ = s.Writer.Exec("ALTER TABLE jobs ADD COLUMN launched_at TEXT")
	_, _ = s.Writer.Exec("ALTER TABLE jobs ADD COLUMN input_tokens INTEGER")
	_, _ = s.Writer.Exec("ALTER TABLE jobs ADD COLUMN output_tokens INTEGER")

	return nil
}

// ListLaunchedActiveJobs returns jobs that were handed to a worker process
// (launched_at set) and are not yet terminal. The sweeper probes their PIDs
// and liveness deadlines to find orphans; jobs still waiting for launch are
// excluded because the supervisor pool will claim them normally.
func (s *Store) ListLaunchedActiveJobs(ctx context.Context) ([]Job, error) {
	q := selectJobColumns + `
WHERE j.status IN ('starting', 'running') AND j.launched_at IS NOT NULL
ORDER BY j.created_at ASC`
	rows, err := s.Reader.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list launched active jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}
