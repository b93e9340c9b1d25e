// Package tracker records run status for users to see. The backend manager
// reports each run's lifecycle through a Tracker; where the records end up
// is up to the implementation.
package tracker

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/launchpad/internal/jobset"
	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/project"
)

// Tracker reports the lifecycle of a single run.
type Tracker interface {
	// UpdateRunInfo records the project the run was built from.
	UpdateRunInfo(ctx context.Context, p *project.Project) error

	// MarkFailedToStart records that the run never started.
	MarkFailedToStart(ctx context.Context, reason string) error

	// SetStatus records a status change.
	SetStatus(ctx context.Context, status model.RunStatus) error
}

// Factory returns the tracker for runID. itemID and js identify the queue
// item the run came from.
type Factory func(js model.JobSet, itemID, runID string) Tracker

// RunWriter persists run records.
type RunWriter interface {
	UpsertRun(ctx context.Context, rec model.RunRecord) error
}

var _ RunWriter = (jobset.API)(nil)

// Remote writes run records to the queue server through a jobset.API.
type Remote struct {
	api     RunWriter
	backend string

	mu  sync.Mutex
	rec model.RunRecord
}

var _ Tracker = (*Remote)(nil)

// RemoteFactory returns a Factory whose trackers write through api.
func RemoteFactory(api jobset.API, backend string) Factory {
	return func(js model.JobSet, itemID, runID string) Tracker {
		return newRemote(api, backend, js, itemID, runID)
	}
}

func newRemote(w RunWriter, backend string, js model.JobSet, itemID, runID string) *Remote {
	now := time.Now().UTC()
	return &Remote{
		api:     w,
		backend: backend,
		rec: model.RunRecord{
			ID:        runID,
			ItemID:    itemID,
			JobSet:    js,
			Backend:   backend,
			Status:    model.RunPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// UpdateRunInfo implements Tracker.
func (r *Remote) UpdateRunInfo(ctx context.Context, p *project.Project) error {
	return r.update(ctx, func(rec *model.RunRecord) {
		rec.Name = p.Name
		rec.Status = model.RunStarting
	})
}

// MarkFailedToStart implements Tracker.
func (r *Remote) MarkFailedToStart(ctx context.Context, reason string) error {
	return r.update(ctx, func(rec *model.RunRecord) {
		now := time.Now().UTC()
		rec.Status = model.RunFailed
		rec.FailedToStart = true
		rec.Error = reason
		rec.FinishedAt = &now
	})
}

// SetStatus implements Tracker.
func (r *Remote) SetStatus(ctx context.Context, status model.RunStatus) error {
	return r.update(ctx, func(rec *model.RunRecord) {
		rec.Status = status
		if status.IsTerminal() {
			now := time.Now().UTC()
			rec.FinishedAt = &now
		}
	})
}

func (r *Remote) update(ctx context.Context, fn func(*model.RunRecord)) error {
	r.mu.Lock()
	fn(&r.rec)
	r.rec.UpdatedAt = time.Now().UTC()
	rec := r.rec
	r.mu.Unlock()

	if err := r.api.UpsertRun(ctx, rec); err != nil {
		return fmt.Errorf("upsert run %s: %w", rec.ID, err)
	}
	return nil
}

// Memory keeps run records in process. It backs agents that run without a
// queue server and is handy in tests.
type Memory struct {
	backend string

	mu   sync.Mutex
	runs map[string]model.RunRecord
}

// NewMemory returns an empty in-memory tracker store.
func NewMemory(backend string) *Memory {
	return &Memory{backend: backend, runs: make(map[string]model.RunRecord)}
}

// UpsertRun stores rec. It has the shape of jobset.API.UpsertRun so a
// Memory can sit behind a Remote.
func (m *Memory) UpsertRun(_ context.Context, rec model.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.runs[rec.ID]; ok && rec.Name == "" {
		rec.Name = prev.Name
	}
	m.runs[rec.ID] = rec
	return nil
}

// Factory returns a Factory whose trackers record into m.
func (m *Memory) Factory() Factory {
	return func(js model.JobSet, itemID, runID string) Tracker {
		return newRemote(m, m.backend, js, itemID, runID)
	}
}

// Run returns the record for runID.
func (m *Memory) Run(runID string) (model.RunRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	return rec, ok
}

// Runs returns every record, oldest first.
func (m *Memory) Runs() []model.RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.RunRecord, 0, len(m.runs))
	for _, rec := range m.runs {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b model.RunRecord) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
