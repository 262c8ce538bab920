// Package store persists job and fragment records in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Job trackers write from many streams; one connection serializes
	// them and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("store initialized", zap.String("path", dbPath))
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Job Operations
// ============================================================================

// SaveJob inserts or replaces a job record.
func (s *Store) SaveJob(job *Job) error {
	const query = `
		INSERT INTO jobs (id, type, backup_name, status, corrupted, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			corrupted = excluded.corrupted,
			end_time = excluded.end_time
	`
	_, err := s.db.Exec(query,
		job.ID, job.Type, job.BackupName, job.Status, job.Corrupted,
		job.StartTime, nullTime(job.EndTime),
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*Job, error) {
	const query = `
		SELECT id, type, backup_name, status, corrupted, start_time, end_time
		FROM jobs WHERE id = ?
	`
	job, err := scanJob(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs, most recent first.
func (s *Store) ListJobs(limit int) ([]*Job, error) {
	const query = `
		SELECT id, type, backup_name, status, corrupted, start_time, end_time
		FROM jobs ORDER BY start_time DESC LIMIT ?
	`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ============================================================================
// Fragment Operations
// ============================================================================

// SaveFragment inserts or replaces a fragment record.
func (s *Store) SaveFragment(rec *FragmentRecord) error {
	const query = `
		INSERT INTO fragments (job_id, agent_id, fragment_id, status, attempts, bytes_sent, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, agent_id, fragment_id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			bytes_sent = excluded.bytes_sent,
			updated_at = excluded.updated_at
	`
	_, err := s.db.Exec(query,
		rec.JobID, rec.AgentID, rec.FragmentID, rec.Status,
		rec.Attempts, rec.BytesSent, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save fragment %s/%s: %w", rec.AgentID, rec.FragmentID, err)
	}
	return nil
}

// ListFragments returns the fragment records of a job ordered by agent
// and fragment id.
func (s *Store) ListFragments(jobID string) ([]*FragmentRecord, error) {
	const query = `
		SELECT job_id, agent_id, fragment_id, status, attempts, bytes_sent, updated_at
		FROM fragments WHERE job_id = ?
		ORDER BY agent_id, fragment_id
	`
	rows, err := s.db.Query(query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fragments: %w", err)
	}
	defer rows.Close()

	var out []*FragmentRecord
	for rows.Next() {
		rec := &FragmentRecord{}
		if err := rows.Scan(&rec.JobID, &rec.AgentID, &rec.FragmentID, &rec.Status,
			&rec.Attempts, &rec.BytesSent, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fragment: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var end sql.NullTime
	if err := row.Scan(&job.ID, &job.Type, &job.BackupName, &job.Status,
		&job.Corrupted, &job.StartTime, &end); err != nil {
		return nil, err
	}
	if end.Valid {
		job.EndTime = end.Time
	}
	return job, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
