// Package manager admits, launches, tracks and reaps the runs of one
// job-set on one backend.
//
// A Manager has a single owner: the controller goroutine that calls
// Reconcile, AdoptOrphans and Wait. Launches run on their own goroutines and
// report back over a channel, so the registry of active runs only ever
// changes on the owner goroutine. Other goroutines read a snapshot.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/launchpad/internal/backend"
	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/project"
	"github.com/seantiz/launchpad/internal/queue"
	"github.com/seantiz/launchpad/internal/tracker"
)

// DefaultStartPolicy bounds retries of backend.Run.
var DefaultStartPolicy = queue.RetryPolicy{
	Attempts:        3,
	InitialInterval: time.Second,
	MaxInterval:     5 * time.Second,
}

var tracer = otel.Tracer("github.com/seantiz/launchpad/internal/manager")

// ProjectBuilder turns a queue item into a launchable project.
type ProjectBuilder interface {
	Build(ctx context.Context, item model.QueueItem) (*project.Project, error)
}

// Config holds a Manager's collaborators.
type Config struct {
	JobSet         model.JobSet
	MaxConcurrency int
	Backend        backend.Backend
	Driver         queue.Driver
	Builder        ProjectBuilder
	Trackers       tracker.Factory
	StartPolicy    queue.RetryPolicy
	AckPolicy      queue.RetryPolicy
	Logger         *slog.Logger
}

// Snapshot is a point-in-time view of a manager, safe to share.
type Snapshot struct {
	JobSet         model.JobSet `json:"jobSet"`
	Backend        string       `json:"backend"`
	MaxConcurrency int          `json:"maxConcurrency"`
	Active         []ActiveRun  `json:"active"`
	InFlight       int          `json:"inFlight"`
	LastReconcile  time.Time    `json:"lastReconcile,omitzero"`
}

type outcome struct {
	itemID string
	run    *ActiveRun
}

// Manager runs the admission, launch and reap cycle for one job-set.
type Manager struct {
	js       model.JobSet
	backend  backend.Backend
	driver   queue.Driver
	builder  ProjectBuilder
	trackers tracker.Factory
	startPol queue.RetryPolicy
	ackPol   queue.RetryPolicy
	logger   *slog.Logger
	events   *EventBroker
	label    string

	adm           *Admission
	claims        *runClaims
	outcomes      chan outcome
	wg            sync.WaitGroup
	lastReconcile time.Time

	snapshot atomic.Pointer[Snapshot]
}

// New creates a Manager. MaxConcurrency must already be resolved to a
// positive number.
func New(cfg Config) *Manager {
	if cfg.StartPolicy.Attempts == 0 {
		cfg.StartPolicy = DefaultStartPolicy
	}
	if cfg.AckPolicy.Attempts == 0 {
		cfg.AckPolicy = queue.DefaultAckPolicy
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		js:       cfg.JobSet,
		backend:  cfg.Backend,
		driver:   cfg.Driver,
		builder:  cfg.Builder,
		trackers: cfg.Trackers,
		startPol: cfg.StartPolicy,
		ackPol:   cfg.AckPolicy,
		logger:   cfg.Logger.With("jobset", cfg.JobSet.Key(), "backend", cfg.Backend.Name()),
		events:   NewEventBroker(),
		label:    cfg.JobSet.Key(),
		adm:      NewAdmission(cfg.MaxConcurrency),
		claims:   newRunClaims(),
		// Launches never exceed the ceiling, so senders never block.
		outcomes: make(chan outcome, max(cfg.MaxConcurrency, 1)),
	}
	m.publishSnapshot()
	return m
}

// JobSet returns the job-set this manager serves.
func (m *Manager) JobSet() model.JobSet { return m.js }

// Events returns the manager's event broker.
func (m *Manager) Events() *EventBroker { return m.events }

// Snapshot returns the latest published view of the manager.
func (m *Manager) Snapshot() Snapshot { return *m.snapshot.Load() }

// ActiveRuns returns the active runs as of the last published snapshot.
func (m *Manager) ActiveRuns() []ActiveRun { return m.snapshot.Load().Active }

// Reconcile applies finished launches, reaps terminal runs and admits new
// items up to the ceiling. Launches continue after it returns; Wait blocks
// until they are done.
func (m *Manager) Reconcile(ctx context.Context) error {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "manager.Reconcile", trace.WithAttributes(attribute.String("jobset", m.label)))
	defer span.End()

	m.drainOutcomes()
	m.reap(ctx)

	needed := m.adm.Needed()
	span.SetAttributes(attribute.Int("needed", needed))
	if needed <= 0 {
		m.logger.Debug("at capacity", "active", m.adm.ActiveCount(), "inflight", m.adm.InFlight())
	}

	for range max(needed, 0) {
		item, err := m.driver.Pop(ctx)
		if err != nil {
			popErrorsTotal.WithLabelValues(m.label).Inc()
			m.logger.Warn("pop failed", "error", err)
			m.events.Publish(Event{Type: EventPopFailed, Message: err.Error()})
			break
		}
		if item == nil {
			break
		}
		if m.adm.Has(item.ID) {
			m.reack(ctx, item.ID)
			continue
		}
		m.adm.Reserve(item.ID)
		m.spawn(ctx, *item)
	}

	m.lastReconcile = time.Now().UTC()
	m.publishSnapshot()
	reconcileDuration.WithLabelValues(m.label).Observe(time.Since(start).Seconds())
	return nil
}

func (m *Manager) spawn(ctx context.Context, item model.QueueItem) {
	m.wg.Go(func() {
		out := outcome{itemID: item.ID}
		defer func() {
			if r := recover(); r != nil {
				launchesTotal.WithLabelValues(m.label, outcomePanic).Inc()
				m.logger.Error("launch panicked", "item_id", item.ID, "panic", r)
				m.events.Publish(Event{Type: EventLaunchPanic, ItemID: item.ID, Message: fmt.Sprint(r)})
				out.run = nil
			}
			m.outcomes <- out
		}()
		run, err := m.LaunchItem(ctx, item)
		if err == nil {
			out.run = run
		}
	})
}

// LaunchItem builds, starts and acknowledges one item. It never touches the
// registry; the caller reports the result to the owning goroutine.
func (m *Manager) LaunchItem(ctx context.Context, item model.QueueItem) (*ActiveRun, error) {
	ctx, span := tracer.Start(ctx, "manager.LaunchItem", trace.WithAttributes(
		attribute.String("jobset", m.label),
		attribute.String("item_id", item.ID),
	))
	defer span.End()
	logger := m.logger.With("item_id", item.ID)

	p, err := m.builder.Build(ctx, item)
	if err != nil {
		span.SetStatus(codes.Error, "invalid run spec")
		m.abandon(ctx, item.ID, nil, model.NewID(), err, outcomeInvalid, EventInvalid)
		return nil, err
	}
	span.SetAttributes(attribute.String("run_id", p.RunID))
	if holder, ok := m.claims.claim(p.RunID, item.ID); !ok {
		err := &project.ValidationError{ItemID: item.ID, Errors: []project.FieldError{{
			Field:       "runId",
			Description: fmt.Sprintf("run %s is already in use by item %s", p.RunID, holder),
		}}}
		span.SetStatus(codes.Error, "run id in use")
		m.abandon(ctx, item.ID, nil, model.NewID(), err, outcomeInvalid, EventInvalid)
		return nil, err
	}
	logger = logger.With("run_id", p.RunID)

	m.backend.LabelJob(p)
	tr := m.trackers(m.js, item.ID, p.RunID)
	if err := tr.UpdateRunInfo(ctx, p); err != nil {
		logger.Warn("tracker update failed", "error", err)
	}

	run, err := m.start(ctx, p, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		m.abandon(ctx, item.ID, tr, p.RunID, err, outcomeStartFailed, EventStartFailed)
		return nil, err
	}

	active := &ActiveRun{
		ItemID:    item.ID,
		RunID:     run.ID(),
		Backend:   m.backend.Name(),
		StartedAt: time.Now().UTC(),
		Status:    model.RunRunning,
		run:       run,
		tracker:   tr,
	}
	if err := tr.SetStatus(ctx, model.RunRunning); err != nil {
		logger.Warn("tracker update failed", "error", err)
	}

	_, err = queue.AckWithRetry(ctx, m.driver, item.ID, run.ID(), m.ackPol, func(err error, next time.Duration) {
		logger.Warn("ack failed, retrying", "error", err, "retry_in", next)
	})
	if err != nil {
		// The job is running; keeping it registered avoids launching it twice.
		ackFailuresTotal.WithLabelValues(m.label).Inc()
		logger.Error("ack exhausted, run stays registered but the queue does not know about it", "error", err)
		m.events.Publish(Event{Type: EventAckFailed, ItemID: item.ID, RunID: run.ID(), Message: err.Error()})
	} else {
		active.Acked = true
	}

	launchesTotal.WithLabelValues(m.label, outcomeLaunched).Inc()
	logger.Info("run launched", "acked", active.Acked)
	m.events.Publish(Event{Type: EventLaunched, ItemID: item.ID, RunID: run.ID()})
	return active, nil
}

// start calls backend.Run under the start retry policy. A nil run counts as
// a failure. Failures the backend marks as invalid are not retried.
func (m *Manager) start(ctx context.Context, p *project.Project, logger *slog.Logger) (backend.Run, error) {
	return backoff.Retry(ctx, func() (backend.Run, error) {
		run, err := m.backend.Run(ctx, p)
		if errors.Is(err, backend.ErrInvalidProject) || errors.Is(err, backend.ErrRunExists) {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, fmt.Errorf("%w: backend returned no run", backend.ErrStartFailed)
		}
		return run, nil
	}, m.startPol.Options(func(err error, next time.Duration) {
		logger.Warn("start failed, retrying", "error", err, "retry_in", next)
	})...)
}

// abandon records a launch that will never run: the tracker is told, and the
// item is failed on the queue when the driver supports it. A nil tr gets a
// fresh tracker for runID.
func (m *Manager) abandon(ctx context.Context, itemID string, tr tracker.Tracker, runID string, cause error, metric, eventType string) {
	logger := m.logger.With("item_id", itemID, "run_id", runID)

	if tr == nil {
		tr = m.trackers(m.js, itemID, runID)
	}
	if err := tr.MarkFailedToStart(ctx, cause.Error()); err != nil {
		logger.Warn("tracker update failed", "error", err)
	}

	if f, ok := m.driver.(queue.Failer); ok {
		if err := f.Fail(ctx, itemID, cause.Error()); err != nil {
			logger.Warn("failing item on the queue failed", "error", err)
		}
	}

	var verr *project.ValidationError
	if errors.As(cause, &verr) {
		logger.Warn("run spec rejected", "error", cause)
	} else {
		logger.Error("run failed to start", "error", cause)
	}
	launchesTotal.WithLabelValues(m.label, metric).Inc()
	m.events.Publish(Event{Type: eventType, ItemID: itemID, RunID: runID, Message: cause.Error()})
}

// drainOutcomes applies every launch outcome reported so far.
func (m *Manager) drainOutcomes() {
	for {
		select {
		case out := <-m.outcomes:
			m.apply(out)
		default:
			return
		}
	}
}

func (m *Manager) apply(out outcome) {
	if out.run == nil {
		m.adm.Release(out.itemID)
		m.claims.releaseItem(out.itemID)
		return
	}
	m.adm.Register(out.run)
}

// reap removes runs that reached a terminal status.
func (m *Manager) reap(ctx context.Context) {
	for _, r := range m.adm.Runs() {
		status, err := r.run.Status(ctx)
		if err != nil {
			m.logger.Debug("status check failed", "item_id", r.ItemID, "run_id", r.RunID, "error", err)
			continue
		}
		r.Status = status
		if !status.IsTerminal() {
			continue
		}

		m.adm.Remove(r.ItemID)
		logger := m.logger.With("item_id", r.ItemID, "run_id", r.RunID, "status", status)
		if err := r.tracker.SetStatus(ctx, status); err != nil {
			logger.Warn("tracker update failed", "error", err)
		}
		if err := m.backend.Cleanup(ctx, r.RunID); err != nil {
			logger.Warn("backend cleanup failed", "error", err)
		}
		m.claims.releaseItem(r.ItemID)
		reapedTotal.WithLabelValues(m.label, string(status)).Inc()
		logger.Info("run reaped", "runtime", time.Since(r.StartedAt).Round(time.Second))
		m.events.Publish(Event{Type: EventReaped, ItemID: r.ItemID, RunID: r.RunID, Message: string(status)})
	}
}

// FindOrphanedJobs lists running jobs labeled for this job-set that the
// manager does not know about.
func (m *Manager) FindOrphanedJobs(ctx context.Context) ([]backend.Orphan, error) {
	if !m.backend.Capabilities().OrphanDiscovery {
		return nil, nil
	}
	found, err := m.backend.FindOrphanedJobs(ctx, m.js)
	if err != nil {
		return nil, fmt.Errorf("find orphaned jobs: %w", err)
	}
	var orphans []backend.Orphan
	for _, o := range found {
		if m.adm.Has(o.ItemID) || m.adm.HasRun(o.RunID) {
			continue
		}
		orphans = append(orphans, o)
	}
	return orphans, nil
}

// AdoptOrphans registers orphaned jobs as active runs. Adopted items were
// acked by the agent that launched them and are not acked again. Calling it
// repeatedly adopts each job once.
func (m *Manager) AdoptOrphans(ctx context.Context) (int, error) {
	orphans, err := m.FindOrphanedJobs(ctx)
	if err != nil {
		return 0, err
	}
	adopted := 0
	for _, o := range orphans {
		if holder, ok := m.claims.claim(o.RunID, o.ItemID); !ok {
			m.logger.Warn("orphaned run id is held by another item, not adopting",
				"item_id", o.ItemID, "run_id", o.RunID, "holder", holder)
			continue
		}
		adopted++
		m.adm.Register(&ActiveRun{
			ItemID:    o.ItemID,
			RunID:     o.RunID,
			Backend:   m.backend.Name(),
			StartedAt: time.Now().UTC(),
			Adopted:   true,
			Acked:     true,
			Status:    model.RunRunning,
			run:       o.Run,
			tracker:   m.trackers(m.js, o.ItemID, o.RunID),
		})
		orphansAdoptedTotal.WithLabelValues(m.label).Inc()
		m.logger.Info("adopted orphaned run", "item_id", o.ItemID, "run_id", o.RunID)
		m.events.Publish(Event{Type: EventAdopted, ItemID: o.ItemID, RunID: o.RunID})
	}
	m.publishSnapshot()
	return adopted, nil
}

// reack handles an item the queue handed out again while the manager still
// owns it, which happens when an earlier ack was lost and the claim expired.
// A registered run is acked again; a launch in flight acks on its own.
func (m *Manager) reack(ctx context.Context, itemID string) {
	r, ok := m.adm.Active(itemID)
	if !ok {
		m.logger.Warn("popped an item whose launch is in flight", "item_id", itemID)
		return
	}
	logger := m.logger.With("item_id", itemID, "run_id", r.RunID)
	if _, err := m.driver.Ack(ctx, itemID, r.RunID); err != nil {
		ackFailuresTotal.WithLabelValues(m.label).Inc()
		logger.Error("re-ack of a running item failed", "error", err)
		m.events.Publish(Event{Type: EventAckFailed, ItemID: itemID, RunID: r.RunID, Message: err.Error()})
		return
	}
	r.Acked = true
	logger.Info("re-acked running item")
	m.events.Publish(Event{Type: EventReacked, ItemID: itemID, RunID: r.RunID})
}

// Wait blocks until every in-flight launch has finished and its outcome has
// been applied.
func (m *Manager) Wait() {
	m.wg.Wait()
	m.drainOutcomes()
	m.publishSnapshot()
}

// Close ends event subscriptions. Call it after Wait.
func (m *Manager) Close() {
	m.events.Close()
}

func (m *Manager) publishSnapshot() {
	runs := m.adm.Runs()
	active := make([]ActiveRun, 0, len(runs))
	for _, r := range runs {
		active = append(active, *r)
	}
	m.snapshot.Store(&Snapshot{
		JobSet:         m.js,
		Backend:        m.backend.Name(),
		MaxConcurrency: m.adm.Max(),
		Active:         active,
		InFlight:       m.adm.InFlight(),
		LastReconcile:  m.lastReconcile,
	})
	activeRuns.WithLabelValues(m.label).Set(float64(len(active)))
	inflightLaunches.WithLabelValues(m.label).Set(float64(m.adm.InFlight()))
}
