package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// Reference entities jobs point at. Rows are immutable once written: a
// continuation never edits the parent's prompt, it inserts a new version.

type Prompt struct {
	ID         string
	Name       string
	SystemText string
	UserText   string
	CreatedAt  string
}

type Dataset struct {
	ID          string
	Name        string
	RecordsJSON string
	RecordCount int
	CreatedAt   string
}

type Metric struct {
	ID          string
	Name        string
	Description string
	CreatedAt   string
}

func (s *Store) CreatePrompt(ctx context.Context, name, systemText, userText string) (Prompt, error) {
	if strings.TrimSpace(name) == "" {
		return Prompt{}, fmt.Errorf("prompt name is empty")
	}
	id := uuid.NewString()
	const q = `INSERT INTO prompts(id, name, system_text, user_text) VALUES(?,?,?,?)`
	if _, err := s.Writer.ExecContext(ctx, q, id, name, systemText, userText); err != nil {
		if isUniqueViolation(err) {
			return Prompt{}, fmt.Errorf("prompt %q: %w", name, ErrDuplicateName)
		}
		return Prompt{}, fmt.Errorf("create prompt: %w", err)
	}
	return s.GetPrompt(ctx, id)
}

func (s *Store) GetPrompt(ctx context.Context, id string) (Prompt, error) {
	const q = `SELECT id, name, system_text, user_text, created_at FROM prompts WHERE id = ?`
	var p Prompt
	err := s.Reader.QueryRowContext(ctx, q, id).Scan(&p.ID, &p.Name, &p.SystemText, &p.UserText, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Prompt{}, fmt.Errorf("prompt %s: %w", id, ErrRefNotFound)
		}
		return Prompt{}, fmt.Errorf("get prompt %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) CreateDataset(ctx context.Context, name, recordsJSON string, recordCount int) (Dataset, error) {
	if strings.TrimSpace(name) == "" {
		return Dataset{}, fmt.Errorf("dataset name is empty")
	}
	if strings.TrimSpace(recordsJSON) == "" {
		recordsJSON = "[]"
	}
	id := uuid.NewString()
	const q = `INSERT INTO datasets(id, name, records_json, record_count) VALUES(?,?,?,?)`
	if _, err := s.Writer.ExecContext(ctx, q, id, name, recordsJSON, recordCount); err != nil {
		if isUniqueViolation(err) {
			return Dataset{}, fmt.Errorf("dataset %q: %w", name, ErrDuplicateName)
		}
		return Dataset{}, fmt.Errorf("create dataset: %w", err)
	}
	return s.GetDataset(ctx, id)
}

func (s *Store) GetDataset(ctx context.Context, id string) (Dataset, error) {
	const q = `SELECT id, name, records_json, record_count, created_at FROM datasets WHERE id = ?`
	var d Dataset
	err := s.Reader.QueryRowContext(ctx, q, id).Scan(&d.ID, &d.Name, &d.RecordsJSON, &d.RecordCount, &d.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Dataset{}, fmt.Errorf("dataset %s: %w", id, ErrRefNotFound)
		}
		return Dataset{}, fmt.Errorf("get dataset %s: %w", id, err)
	}
	return d, nil
}

func (s *Store) CreateMetric(ctx context.Context, name, description string) (Metric, error) {
	if strings.TrimSpace(name) == "" {
		return Metric{}, fmt.Errorf("metric name is empty")
	}
	id := uuid.NewString()
	const q = `INSERT INTO metrics(id, name, description) VALUES(?,?,?)`
	if _, err := s.Writer.ExecContext(ctx, q, id, name, description); err != nil {
		if isUniqueViolation(err) {
			return Metric{}, fmt.Errorf("metric %q: %w", name, ErrDuplicateName)
		}
		return Metric{}, fmt.Errorf("create metric: %w", err)
	}
	return s.GetMetric(ctx, id)
}

func (s *Store) GetMetric(ctx context.Context, id string) (Metric, error) {
	const q = `SELECT id, name, description, created_at FROM metrics WHERE id = ?`
	var m Metric
	err := s.Reader.QueryRowContext(ctx, q, id).Scan(&m.ID, &m.Name, &m.Description, &m.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Metric{}, fmt.Errorf("metric %s: %w", id, ErrRefNotFound)
		}
		return Metric{}, fmt.Errorf("get metric %s: %w", id, err)
	}
	return m, nil
}

func (s *Store) ListPrompts(ctx context.Context) ([]Prompt, error) {
	rows, err := s.Reader.QueryContext(ctx,
		`SELECT id, name, system_text, user_text, created_at FROM prompts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	var out []Prompt
	for rows.Next() {
		var p Prompt
		if err := rows.Scan(&p.ID, &p.Name, &p.SystemText, &p.UserText, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListDatasets(ctx context.Context) ([]Dataset, error) {
	rows, err := s.Reader.QueryContext(ctx,
		`SELECT id, name, records_json, record_count, created_at FROM datasets ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var out []Dataset
	for rows.Next() {
		var d Dataset
		if err := rows.Scan(&d.ID, &d.Name, &d.RecordsJSON, &d.RecordCount, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ListMetrics(ctx context.Context) ([]Metric, error) {
	rows, err := s.Reader.QueryContext(ctx,
		`SELECT id, name, description, created_at FROM metrics ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.ID, &m.Name, &m.Description, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
