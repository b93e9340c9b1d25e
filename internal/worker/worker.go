package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/launchpad/internal/backend/pool"
	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/mq"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 50
	defaultConcurrency  = 4
)

// Jobs is the subset of pool.Repo the worker needs.
type Jobs interface {
	Claim(ctx context.Context, id uuid.UUID, workerID string) (*pool.Job, error)
	Finish(ctx context.Context, id uuid.UUID, status model.RunStatus, exitCode *int, errMsg string) error
	ListPending(ctx context.Context, limit int) ([]pool.Job, error)
}

// Config configures a Worker. Conn may be nil, in which case the worker
// relies on polling alone.
type Config struct {
	ID           string
	Jobs         Jobs
	Conn         *mq.Connection
	Queue        mq.Queue
	Executor     Executor
	Concurrency  int
	PollInterval time.Duration
	BatchSize    int
	Logger       *slog.Logger
}

// Worker claims and executes pool jobs.
type Worker struct {
	id           string
	jobs         Jobs
	conn         *mq.Connection
	queue        mq.Queue
	executor     Executor
	concurrency  int
	pollInterval time.Duration
	batchSize    int
	logger       *slog.Logger
}

// New creates a Worker, filling in defaults.
func New(cfg Config) *Worker {
	w := &Worker{
		id:           cfg.ID,
		jobs:         cfg.Jobs,
		conn:         cfg.Conn,
		queue:        cfg.Queue,
		executor:     cfg.Executor,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		logger:       cfg.Logger,
	}
	if w.id == "" {
		w.id = "worker-" + uuid.NewString()[:8]
	}
	if w.queue == "" {
		w.queue = mq.QueueJobsReady
	}
	if w.executor == nil {
		w.executor = &ProcessExecutor{}
	}
	if w.concurrency <= 0 {
		w.concurrency = defaultConcurrency
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("worker_id", w.id)
	return w
}

// Run consumes job.ready messages and polls for pending jobs until ctx is
// cancelled. Jobs already executing finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "concurrency", w.concurrency, "poll_interval", w.pollInterval)

	g, ctx := errgroup.WithContext(ctx)
	if w.conn != nil {
		for range w.concurrency {
			consumer := mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
				Queue:   w.queue,
				Handler: w.handleJobReady,
			})
			g.Go(func() error {
				return ignoreCanceled(consumer.Run(ctx))
			})
		}
	}
	g.Go(func() error {
		w.pollLoop(ctx)
		return nil
	})

	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) handleJobReady(ctx context.Context, d *mq.Delivery) error {
	if d.Message.Type != mq.MessageTypeJobReady {
		w.logger.Warn("ignoring message", "type", d.Message.Type, "message_id", d.Message.ID)
		return nil
	}
	payload, err := mq.ParsePayload[mq.JobReadyPayload](&d.Message)
	if err != nil {
		return fmt.Errorf("parse job.ready: %w", err)
	}
	return w.Process(ctx, payload.JobID)
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll runs pending jobs that no message delivered, up to the worker's
// concurrency at a time.
func (w *Worker) Poll(ctx context.Context) {
	jobs, err := w.jobs.ListPending(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("failed to list pending jobs", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	w.logger.Debug("poll found pending jobs", "count", len(jobs))

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			if err := w.Process(ctx, job.ID); err != nil {
				w.logger.Error("failed to process polled job", "job_id", job.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Process claims and executes one job. A job claimed by someone else is
// skipped without error.
func (w *Worker) Process(ctx context.Context, id uuid.UUID) error {
	job, err := w.jobs.Claim(ctx, id, w.id)
	if errors.Is(err, pool.ErrNotClaimable) || errors.Is(err, pool.ErrNotFound) {
		w.logger.Debug("job not claimable", "job_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim job %s: %w", id, err)
	}

	logger := w.logger.With("job_id", job.ID, "run_id", job.RunID)
	logger.Info("job claimed")

	// A claimed job always runs to completion and records its result.
	runCtx := context.WithoutCancel(ctx)
	start := time.Now()
	code, execErr := w.executor.Execute(runCtx, job)

	status := model.RunFinished
	errMsg := ""
	switch {
	case execErr != nil:
		status = model.RunFailed
		errMsg = execErr.Error()
	case code != 0:
		status = model.RunFailed
		errMsg = fmt.Sprintf("exit code %d", code)
	}

	if err := w.jobs.Finish(runCtx, job.ID, status, &code, errMsg); err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	logger.Info("job completed", "status", status, "exit_code", code, "duration", time.Since(start))
	return nil
}
