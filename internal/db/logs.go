package db

import (
	"context"
	"encoding/json"
	"fmt"
)

// Log levels a worker may emit. Mirrors what the polling UI renders.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelDebug   = "debug"
)

// NormalizeLevel maps unknown levels to info so a misbehaving optimizer
// stream can never poison an insert with a CHECK violation.
func NormalizeLevel(level string) string {
	switch level {
	case LevelInfo, LevelSuccess, LevelWarning, LevelError, LevelDebug:
		return level
	case "warn":
		return LevelWarning
	default:
		return LevelInfo
	}
}

type LogEntry struct {
	ID        int64
	JobID     string
	Level     string
	Message   string
	Data      string // raw JSON payload, empty when none
	CreatedAt string
}

// AppendLog inserts one log row for a job. data, when non-nil, is stored as
// its JSON encoding. Append-only: rows are never updated and only removed
// by a retry reset or a cascade delete.
func (s *Store) AppendLog(ctx context.Context, jobID, level, message string, data any) error {
	var dataJSON any
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode log data for job %s: %w", jobID, err)
		}
		dataJSON = string(encoded)
	}
	const q = `INSERT INTO job_logs(job_id, level, message, data_json) VALUES(?,?,?,?)`
	if _, err := s.Writer.ExecContext(ctx, q, jobID, NormalizeLevel(level), message, dataJSON); err != nil {
		return fmt.Errorf("append log for job %s: %w", jobID, err)
	}
	return nil
}

// ListLogs returns a job's log entries oldest-first. Rows sharing a
// timestamp keep insertion order via the id tie-break, so two reads with no
// intervening writes return identical sequences.
func (s *Store) ListLogs(ctx context.Context, jobID string) ([]LogEntry, error) {
	const q = `
SELECT id, job_id, level, message, COALESCE(data_json,''), created_at
FROM job_logs WHERE job_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.Reader.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("list logs for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &e.Data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountLogsByLevel returns level -> count for a job, used by status views.
func (s *Store) CountLogsByLevel(ctx context.Context, jobID string) (map[string]int, error) {
	rows, err := s.Reader.QueryContext(ctx,
		`SELECT level, COUNT(*) FROM job_logs WHERE job_id = ? GROUP BY level`, jobID)
	if err != nil {
		return nil, fmt.Errorf("count logs for job %s: %w", jobID, err)
	}
	defer rows.Close()

	out := make(map[string]int, 5)
	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, fmt.Errorf("scan log count: %w", err)
		}
		out[level] = count
	}
	return out, rows.Err()
}
