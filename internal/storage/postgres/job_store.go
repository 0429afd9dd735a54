// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// JobStoreConfig controls the Postgres connection pool used for job rows.
type JobStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// JobStore keeps job status rows in Postgres.
type JobStore struct {
	pool  pool
	table string
	now   func() time.Time
}

// NewJobStore connects to Postgres using cfg.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewJobStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "scrape_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{
		pool:  p,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the job table when it does not exist.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id       TEXT PRIMARY KEY,
	job_kind     TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	url          TEXT NOT NULL,
	status       TEXT NOT NULL,
	error_text   TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create job table: %w", err)
	}
	return nil
}

// CreateJob inserts a job row. Duplicate IDs yield scrape.ErrJobExists.
func (s *JobStore) CreateJob(ctx context.Context, job scrape.JobRecord) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if job.Status == "" {
		job.Status = scrape.JobStatusQueued
	}
	if job.Submitted.IsZero() {
		job.Submitted = s.now()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (job_id, job_kind, user_id, url, status, error_text, submitted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (job_id) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		job.ID,
		string(job.Kind),
		job.UserID,
		job.URL,
		string(job.Status),
		job.ErrorText,
		job.Submitted,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert job %s: %w", job.ID, scrape.ErrJobExists)
	}
	return nil
}

// UpdateJobStatus moves a job to status. started_at is set on the first
// transition to running and finished_at on terminal statuses.
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status scrape.JobStatus, errText string) error {
	now := s.now()
	var started, finished *time.Time
	if status == scrape.JobStatusRunning {
		started = &now
	}
	if status.Terminal() {
		finished = &now
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	error_text = $3,
	started_at = COALESCE(started_at, $4),
	finished_at = COALESCE($5, finished_at)
WHERE job_id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, jobID, string(status), errText, started, finished)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s: %w", jobID, scrape.ErrJobNotFound)
	}
	return nil
}

// GetJob loads one job row.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (scrape.JobRecord, error) {
	query := fmt.Sprintf(`
SELECT job_id, job_kind, user_id, url, status, error_text, submitted_at, started_at, finished_at
FROM %s WHERE job_id = $1`, s.table)
	var (
		rec          scrape.JobRecord
		kind, status string
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&rec.ID,
		&kind,
		&rec.UserID,
		&rec.URL,
		&status,
		&rec.ErrorText,
		&rec.Submitted,
		&rec.Started,
		&rec.Finished,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.JobRecord{}, fmt.Errorf("get job %s: %w", jobID, scrape.ErrJobNotFound)
	}
	if err != nil {
		return scrape.JobRecord{}, fmt.Errorf("select job: %w", err)
	}
	rec.Kind = scrape.JobKind(kind)
	rec.Status = scrape.JobStatus(status)
	return rec, nil
}
