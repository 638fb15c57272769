// Package db implements the SQLite-backed job store: the single source of
// truth for optimization jobs, their logs, prompt candidates, artifacts and
// the reference entities (prompts, datasets, metrics) jobs point at.
package db

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors shared across the store. Callers classify with errors.Is.
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrRefNotFound     = errors.New("reference not found")
	ErrStatusConflict  = errors.New("job status changed concurrently")
	ErrInvalidState    = errors.New("invalid job state for operation")
	ErrMissingArtifact = errors.New("no artifact recorded")
	ErrDuplicateName   = errors.New("name already in use")
)

const jobIDPrefix = "pf-job-"

// Store wraps separate writer/reader handles to the same SQLite file.
// The writer is capped at one connection so concurrent workers serialize
// on writes instead of tripping SQLITE_BUSY; readers fan out freely under
// WAL. Construct with Open and pass explicitly — there is no package-level
// instance.
type Store struct {
	Writer *sql.DB
	Reader *sql.DB

	path string
}

// Open opens (creating if needed) the store at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)

	writer, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db writer %s: %w", path, err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open db reader %s: %w", path, err)
	}
	reader.SetMaxOpenConns(8)

	s := &Store{Writer: writer, Reader: reader, path: path}
	if err := s.createSchema(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path the store was opened with. The
// launcher forwards it to worker processes.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	var firstErr error
	if s.Reader != nil {
		if err := s.Reader.Close(); err != nil {
			firstErr = err
		}
	}
	if s.Writer != nil {
		if err := s.Writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newJobID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return jobIDPrefix + strings.ToLower(hex.EncodeToString(buf)), nil
}

// ShortID returns a human-friendly short form of a job ID (first 8 hex chars).
func ShortID(id string) string {
	// pf-job-2dad8b6b5f96e0df → 2dad8b6b
	if strings.HasPrefix(id, jobIDPrefix) {
		hex := id[len(jobIDPrefix):]
		if len(hex) >= 8 {
			return hex[:8]
		}
		return hex
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
