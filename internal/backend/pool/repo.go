package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seantiz/launchpad/internal/backend"
	"github.com/seantiz/launchpad/internal/model"
)

var (
	// ErrNotFound is returned when no job matches.
	ErrNotFound = errors.New("job not found")

	// ErrNotClaimable is returned when a job is no longer pending.
	ErrNotClaimable = errors.New("job is not pending")
)

// Job is one row of the pool's jobs table.
type Job struct {
	ID         uuid.UUID
	RunID      string
	ItemID     string
	JobSet     string
	Labels     map[string]string
	Entrypoint []string
	Image      string
	Env        map[string]string
	TimeoutS   int
	Status     model.RunStatus
	ExitCode   *int
	Error      string
	WorkerID   string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	ReapedAt   *time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS pool_jobs (
    id          UUID PRIMARY KEY,
    run_id      TEXT NOT NULL UNIQUE,
    item_id     TEXT NOT NULL,
    jobset      TEXT NOT NULL,
    labels      JSONB NOT NULL DEFAULT '{}',
    entrypoint  JSONB NOT NULL DEFAULT '[]',
    image       TEXT NOT NULL DEFAULT '',
    env         JSONB NOT NULL DEFAULT '{}',
    timeout_s   INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL,
    exit_code   INTEGER,
    error       TEXT NOT NULL DEFAULT '',
    worker_id   TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    started_at  TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    reaped_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS pool_jobs_labels_idx ON pool_jobs USING GIN (labels);
CREATE INDEX IF NOT EXISTS pool_jobs_status_idx ON pool_jobs (status, created_at);
`

const jobColumns = `id, run_id, item_id, jobset, labels, entrypoint, image, env, timeout_s,
       status, exit_code, error, worker_id, created_at, started_at, finished_at, reaped_at`

// Repo stores pool jobs in Postgres.
type Repo struct {
	pool *pgxpool.Pool
}

// NewRepo creates a Repo on pool.
func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// OpenPool connects to Postgres and verifies the connection.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the jobs table if it does not exist.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const uniqueViolation = "23505"

// Create inserts a new job. A run ID that already has a job is
// backend.ErrRunExists.
func (r *Repo) Create(ctx context.Context, job *Job) error {
	labels, err := json.Marshal(job.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	entrypoint, err := json.Marshal(job.Entrypoint)
	if err != nil {
		return fmt.Errorf("marshal entrypoint: %w", err)
	}
	env, err := json.Marshal(job.Env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}

	query := `
		INSERT INTO pool_jobs (id, run_id, item_id, jobset, labels, entrypoint, image, env,
		                       timeout_s, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.pool.Exec(ctx, query,
		job.ID, job.RunID, job.ItemID, job.JobSet, labels, entrypoint, job.Image, env,
		job.TimeoutS, job.Status, job.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("insert job: run %s: %w", job.RunID, backend.ErrRunExists)
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetByRunID returns the job for a run.
func (r *Repo) GetByRunID(ctx context.Context, runID string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pool_jobs WHERE run_id = $1`
	return scanJob(r.pool.QueryRow(ctx, query, runID))
}

// Claim moves a pending job to running for workerID.
func (r *Repo) Claim(ctx context.Context, id uuid.UUID, workerID string) (*Job, error) {
	query := `
		UPDATE pool_jobs
		SET status = $2, worker_id = $3, started_at = now()
		WHERE id = $1 AND status = $4
		RETURNING ` + jobColumns
	job, err := scanJob(r.pool.QueryRow(ctx, query, id, model.RunRunning, workerID, model.RunPending))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotClaimable
	}
	return job, err
}

// Finish records a job's terminal status.
func (r *Repo) Finish(ctx context.Context, id uuid.UUID, status model.RunStatus, exitCode *int, errMsg string) error {
	query := `
		UPDATE pool_jobs
		SET status = $2, exit_code = $3, error = $4, finished_at = now()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, status, exitCode, errMsg)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPending returns up to limit pending jobs, oldest first.
func (r *Repo) ListPending(ctx context.Context, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pool_jobs WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	return r.list(ctx, query, model.RunPending, limit)
}

// ListUnreaped returns jobs carrying all of labels that no agent has reaped
// yet. Terminal jobs are included so a restarted agent can reap them.
func (r *Repo) ListUnreaped(ctx context.Context, labels map[string]string) ([]Job, error) {
	filter, err := json.Marshal(labels)
	if err != nil {
		return nil, fmt.Errorf("marshal labels: %w", err)
	}
	query := `SELECT ` + jobColumns + ` FROM pool_jobs WHERE labels @> $1::jsonb AND reaped_at IS NULL ORDER BY created_at ASC`
	return r.list(ctx, query, filter)
}

// MarkReaped records that an agent has finished with a run.
func (r *Repo) MarkReaped(ctx context.Context, runID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE pool_jobs SET reaped_at = now() WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("mark reaped: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) list(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		job                     Job
		labels, entrypoint, env []byte
	)
	err := row.Scan(
		&job.ID, &job.RunID, &job.ItemID, &job.JobSet, &labels, &entrypoint, &job.Image, &env,
		&job.TimeoutS, &job.Status, &job.ExitCode, &job.Error, &job.WorkerID,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt, &job.ReapedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(labels, &job.Labels); err != nil {
		return nil, fmt.Errorf("unmarshal labels: %w", err)
	}
	if err := json.Unmarshal(entrypoint, &job.Entrypoint); err != nil {
		return nil, fmt.Errorf("unmarshal entrypoint: %w", err)
	}
	if err := json.Unmarshal(env, &job.Env); err != nil {
		return nil, fmt.Errorf("unmarshal env: %w", err)
	}
	return &job, nil
}
