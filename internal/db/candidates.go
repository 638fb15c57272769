package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Well-known candidate labels. Labels stay free-form in the schema — trial
// candidates arrive as Trial_<n>_<role> straight from the optimizer stream —
// but the fixed points of a run use these.
const (
	LabelBaselineSystem = "BASELINE_SYSTEM"
	LabelBaselineUser   = "BASELINE_USER"
	LabelFinalSystem    = "FINAL_SYSTEM"
	LabelFinalUser      = "FINAL_USER"
	LabelFewShotSample  = "FEW_SHOT_SAMPLE"
)

type PromptCandidate struct {
	ID        int64
	JobID     string
	Label     string
	Content   string
	Score     *float64
	CreatedAt string
}

// AppendCandidate inserts one labeled prompt snapshot for a job. Score is
// optional. Append-only, same retention rules as logs.
func (s *Store) AppendCandidate(ctx context.Context, jobID, label, content string, score *float64) error {
	const q = `INSERT INTO candidates(job_id, label, content, score) VALUES(?,?,?,?)`
	if _, err := s.Writer.ExecContext(ctx, q, jobID, label, content, nullableFloat64(score)); err != nil {
		return fmt.Errorf("append candidate for job %s: %w", jobID, err)
	}
	return nil
}

// ListCandidates returns a job's candidates oldest-first with the same
// stable ordering rule as ListLogs.
func (s *Store) ListCandidates(ctx context.Context, jobID string) ([]PromptCandidate, error) {
	const q = `
SELECT id, job_id, label, content, score, created_at
FROM candidates WHERE job_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.Reader.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("list candidates for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []PromptCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCandidate(rows *sql.Rows) (PromptCandidate, error) {
	var c PromptCandidate
	var score sql.NullFloat64
	if err := rows.Scan(&c.ID, &c.JobID, &c.Label, &c.Content, &score, &c.CreatedAt); err != nil {
		return PromptCandidate{}, fmt.Errorf("scan candidate: %w", err)
	}
	if score.Valid {
		v := score.Float64
		c.Score = &v
	}
	return c, nil
}
