// Package pool implements the worker-pool backend. Jobs are rows in a
// Postgres table; a job.ready message on RabbitMQ tells launchpad-worker
// processes to pick them up. Jobs run on the workers, so they survive the
// agent, and the labels column is how a restarted agent finds them again.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/launchpad/internal/backend"
	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/mq"
	"github.com/seantiz/launchpad/internal/project"
)

// JobStore is the subset of Repo the backend needs.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	GetByRunID(ctx context.Context, runID string) (*Job, error)
	ListUnreaped(ctx context.Context, labels map[string]string) ([]Job, error)
	MarkReaped(ctx context.Context, runID string) error
}

// Notifier announces new jobs to the workers.
type Notifier interface {
	PublishJobReady(ctx context.Context, jobID uuid.UUID, runID string) error
}

// Backend implements backend.Backend on a worker pool.
type Backend struct {
	jobs   JobStore
	notify Notifier
	logger *slog.Logger
	close  func() error
}

var _ backend.Backend = (*Backend)(nil)

// New creates a Backend on an existing store and notifier.
func New(jobs JobStore, notify Notifier, logger *slog.Logger) *Backend {
	return &Backend{jobs: jobs, notify: notify, logger: logger}
}

// Open connects to Postgres and RabbitMQ, creates the jobs table and
// declares the broker topology.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	pg, err := OpenPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, err
	}
	repo := NewRepo(pg)
	if err := repo.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, err
	}

	conn, err := mq.NewConnection(cfg.AMQPURL, logger)
	if err != nil {
		pg.Close()
		return nil, err
	}
	topology := cfg.Topology()
	if err := topology.Setup(ctx, conn); err != nil {
		conn.Close()
		pg.Close()
		return nil, fmt.Errorf("setup topology: %w", err)
	}

	b := New(repo, mq.NewPublisher(conn, topology, logger), logger)
	b.close = func() error {
		err := conn.Close()
		pg.Close()
		return err
	}
	return b, nil
}

// Factory adapts Open to backend.Factory.
func Factory(cfg Config) backend.Factory {
	return func(logger *slog.Logger) (backend.Backend, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return Open(ctx, cfg, logger)
	}
}

// Close releases the database pool and broker connection.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return model.BackendWorkerPool }

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:            model.BackendWorkerPool,
		OrphanDiscovery: true,
		QueueDriver:     backend.DriverStandard,
	}
}

// LabelJob implements backend.Backend. The labels are stored in the job row
// and exported into the job's environment.
func (b *Backend) LabelJob(p *project.Project) {
	backend.ExportLabels(p)
}

// Run inserts the job and tells the workers about it. A failed publish is
// not a start failure: workers also poll for pending jobs.
func (b *Backend) Run(ctx context.Context, p *project.Project) (backend.Run, error) {
	if len(p.Entrypoint) == 0 {
		return nil, fmt.Errorf("%w: %w: worker-pool backend needs an entrypoint", backend.ErrStartFailed, backend.ErrInvalidProject)
	}

	job := newJob(p)
	if err := b.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrStartFailed, err)
	}

	if err := b.notify.PublishJobReady(ctx, job.ID, job.RunID); err != nil {
		b.logger.Warn("publish job.ready failed, workers will find the job by polling",
			"run_id", job.RunID, "job_id", job.ID, "error", err)
	}

	b.logger.Info("pool job submitted", "run_id", job.RunID, "job_id", job.ID, "item_id", job.ItemID)
	return &poolRun{jobs: b.jobs, id: job.RunID}, nil
}

func newJob(p *project.Project) *Job {
	return &Job{
		ID:         uuid.New(),
		RunID:      p.RunID,
		ItemID:     p.RunQueueItemID,
		JobSet:     p.JobSet.Key(),
		Labels:     p.Labels,
		Entrypoint: p.Entrypoint,
		Image:      p.Image,
		Env:        p.Env,
		TimeoutS:   p.TimeoutS,
		Status:     model.RunPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// FindOrphanedJobs implements backend.Backend.
func (b *Backend) FindOrphanedJobs(ctx context.Context, js model.JobSet) ([]backend.Orphan, error) {
	jobs, err := b.jobs.ListUnreaped(ctx, map[string]string{model.LabelJobSet: js.Label()})
	if err != nil {
		return nil, err
	}
	orphans := make([]backend.Orphan, 0, len(jobs))
	for _, job := range jobs {
		orphans = append(orphans, backend.Orphan{
			ItemID: job.ItemID,
			RunID:  job.RunID,
			Run:    &poolRun{jobs: b.jobs, id: job.RunID},
		})
	}
	return orphans, nil
}

// Cleanup implements backend.Backend by marking the job reaped, which takes
// it out of orphan discovery.
func (b *Backend) Cleanup(ctx context.Context, runID string) error {
	err := b.jobs.MarkReaped(ctx, runID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

type poolRun struct {
	jobs JobStore
	id   string
}

func (r *poolRun) ID() string { return r.id }

func (r *poolRun) Status(ctx context.Context) (model.RunStatus, error) {
	job, err := r.jobs.GetByRunID(ctx, r.id)
	if err != nil {
		return model.RunUnknown, err
	}
	return job.Status, nil
}
