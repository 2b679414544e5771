// Package exportstore provides persistent storage for facet-sheet export
// job state and results using SQLite.
package exportstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of an export job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ExportParams contains the parameters for an export job.
type ExportParams struct {
	Analysis    string   `json:"analysis"`
	Variables   []string `json:"variables,omitempty"` // empty = all variables
	Colormap    string   `json:"colormap,omitempty"`
	WithBorders bool     `json:"with_borders"`
	Columns     int      `json:"columns,omitempty"`
}

// ExportProgress represents the progress of an export job.
type ExportProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// ExportJob represents a facet-sheet export job.
type ExportJob struct {
	ID         string         `json:"job_id"`
	Analysis   string         `json:"analysis"`
	Status     JobStatus      `json:"status"`
	Params     ExportParams   `json:"params"`
	Progress   ExportProgress `json:"progress"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ExportFile is one rendered output of a completed job.
type ExportFile struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Store provides persistent storage for export jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based export store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS export_jobs (
		job_id TEXT PRIMARY KEY,
		analysis TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_export_jobs_analysis ON export_jobs(analysis);
	CREATE INDEX IF NOT EXISTS idx_export_jobs_status ON export_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_export_jobs_finished ON export_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS export_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		FOREIGN KEY (job_id) REFERENCES export_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_export_files_job ON export_files(job_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *ExportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO export_jobs (job_id, analysis, status, params_json, phase, done, total, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.Analysis,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(jobID string) (*ExportJob, error) {
	row := s.db.QueryRow(`
		SELECT job_id, analysis, status, params_json, phase, done, total, error, created_at, started_at, finished_at
		FROM export_jobs WHERE job_id = ?
	`, jobID)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*ExportJob, error) {
	var job ExportJob
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := row.Scan(
		&job.ID,
		&job.Analysis,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}

	return &job, nil
}

// UpdateJobStatus updates the job status and optional error message.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE export_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE export_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE export_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// MarkRunningAsFailed marks all running jobs as failed, used on restart.
func (s *Store) MarkRunningAsFailed(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE export_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), reason, now, string(JobStatusRunning))
	return err
}

// ListQueuedJobs returns all queued jobs, oldest first.
func (s *Store) ListQueuedJobs() ([]*ExportJob, error) {
	rows, err := s.db.Query(`
		SELECT job_id, analysis, status, params_json, phase, done, total, error, created_at, started_at, finished_at
		FROM export_jobs WHERE status = ? ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ExportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListJobs returns the most recent jobs for one analysis.
func (s *Store) ListJobs(analysis string, limit int) ([]*ExportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT job_id, analysis, status, params_json, phase, done, total, error, created_at, started_at, finished_at
		FROM export_jobs WHERE analysis = ? ORDER BY created_at DESC LIMIT ?
	`, analysis, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ExportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteExpiredJobs deletes completed/failed/cancelled jobs older than
// retentionDays. Returns the number deleted.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	res, err := s.db.Exec(`
		DELETE FROM export_jobs
		WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?
	`, string(JobStatusCompleted), string(JobStatusFailed), string(JobStatusCancelled), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteJob deletes a job and its file records.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM export_files WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM export_jobs WHERE job_id = ?`, jobID)
	return err
}

// InsertFiles records the rendered outputs of a job in one transaction.
func (s *Store) InsertFiles(jobID string, files []ExportFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO export_files (job_id, name, path, width, height)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.Exec(jobID, f.Name, f.Path, f.Width, f.Height); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetFiles returns the rendered outputs of a job.
func (s *Store) GetFiles(jobID string) ([]ExportFile, error) {
	rows, err := s.db.Query(`
		SELECT name, path, width, height FROM export_files WHERE job_id = ? ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []ExportFile
	for rows.Next() {
		var f ExportFile
		if err := rows.Scan(&f.Name, &f.Path, &f.Width, &f.Height); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
