package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Artifact kinds. Unlike candidate labels these are a closed set: the
// continuation flow reads them back by kind, so they live in their own
// typed table instead of being fished out of the candidate log by label
// convention.
const (
	ArtifactFinalSystemPrompt = "final_system_prompt"
	ArtifactFinalUserPrompt   = "final_user_prompt"
	ArtifactFewShotExample    = "few_shot_example"
)

type Artifact struct {
	ID        int64
	JobID     string
	Kind      string
	Content   string
	Score     *float64
	Position  int
	CreatedAt string
}

func validArtifactKind(kind string) bool {
	switch kind {
	case ArtifactFinalSystemPrompt, ArtifactFinalUserPrompt, ArtifactFewShotExample:
		return true
	default:
		return false
	}
}

// AddArtifact records one typed completion artifact. position orders
// few-shot examples; single-valued kinds pass 0.
func (s *Store) AddArtifact(ctx context.Context, jobID, kind, content string, score *float64, position int) error {
	if !validArtifactKind(kind) {
		return fmt.Errorf("unsupported artifact kind %q", kind)
	}
	const q = `INSERT INTO artifacts(job_id, kind, content, score, position) VALUES(?,?,?,?,?)`
	if _, err := s.Writer.ExecContext(ctx, q, jobID, kind, content, nullableFloat64(score), position); err != nil {
		return fmt.Errorf("add %s artifact for job %s: %w", kind, jobID, err)
	}
	return nil
}

// LatestArtifact returns the most recently written artifact of a kind.
func (s *Store) LatestArtifact(ctx context.Context, jobID, kind string) (Artifact, error) {
	const q = `
SELECT id, job_id, kind, content, score, position, created_at
FROM artifacts WHERE job_id = ? AND kind = ? ORDER BY id DESC LIMIT 1`
	a, err := scanArtifactRow(s.Reader.QueryRowContext(ctx, q, jobID, kind))
	if err != nil {
		if err == sql.ErrNoRows {
			return Artifact{}, fmt.Errorf("no %s artifact for job %s: %w", kind, jobID, ErrMissingArtifact)
		}
		return Artifact{}, fmt.Errorf("get %s artifact for job %s: %w", kind, jobID, err)
	}
	return a, nil
}

// ArtifactsByKind returns all artifacts of one kind ordered by position.
func (s *Store) ArtifactsByKind(ctx context.Context, jobID, kind string) ([]Artifact, error) {
	const q = `
SELECT id, job_id, kind, content, score, position, created_at
FROM artifacts WHERE job_id = ? AND kind = ? ORDER BY position ASC, id ASC`
	rows, err := s.Reader.QueryContext(ctx, q, jobID, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s artifacts for job %s: %w", kind, jobID, err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// ListArtifacts returns every artifact for a job, final prompts first.
func (s *Store) ListArtifacts(ctx context.Context, jobID string) ([]Artifact, error) {
	const q = `
SELECT id, job_id, kind, content, score, position, created_at
FROM artifacts WHERE job_id = ? ORDER BY kind ASC, position ASC, id ASC`
	rows, err := s.Reader.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for job %s: %w", jobID, err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

func collectArtifacts(rows *sql.Rows) ([]Artifact, error) {
	var out []Artifact
	for rows.Next() {
		a, err := scanArtifactRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArtifactRow(row interface{ Scan(...any) error }) (Artifact, error) {
	var a Artifact
	var score sql.NullFloat64
	if err := row.Scan(&a.ID, &a.JobID, &a.Kind, &a.Content, &score, &a.Position, &a.CreatedAt); err != nil {
		return Artifact{}, err
	}
	if score.Valid {
		v := score.Float64
		a.Score = &v
	}
	return a, nil
}
