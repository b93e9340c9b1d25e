// Package backendtest provides an in-memory backend.Backend for tests.
package backendtest

import (
	"context"
	"sync"

	"github.com/seantiz/launchpad/internal/backend"
	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/project"
)

// Run is a controllable backend.Run.
type Run struct {
	id string

	mu        sync.Mutex
	status    model.RunStatus
	statusErr error
}

// NewRun returns a run in the running state.
func NewRun(id string) *Run {
	return &Run{id: id, status: model.RunRunning}
}

// ID implements backend.Run.
func (r *Run) ID() string { return r.id }

// Status implements backend.Run.
func (r *Run) Status(context.Context) (model.RunStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.statusErr
}

// Set changes the status Status reports.
func (r *Run) Set(status model.RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

// SetErr makes Status fail with err.
func (r *Run) SetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusErr = err
}

// Backend is an in-memory backend.Backend. By default Run succeeds and
// returns a running *Run.
type Backend struct {
	Caps backend.Capabilities

	// RunFn overrides Run when set.
	RunFn func(ctx context.Context, p *project.Project) (backend.Run, error)

	Orphans   []backend.Orphan
	OrphanErr error

	mu       sync.Mutex
	runs     map[string]*Run
	projects []*project.Project
	cleaned  []string
}

var _ backend.Backend = (*Backend)(nil)

// New returns a fake backend with the given capabilities.
func New(caps backend.Capabilities) *Backend {
	if caps.Name == "" {
		caps.Name = "fake"
	}
	return &Backend{Caps: caps, runs: make(map[string]*Run)}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return b.Caps.Name }

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities { return b.Caps }

// LabelJob implements backend.Backend.
func (b *Backend) LabelJob(p *project.Project) { backend.StampLabels(p) }

// Run implements backend.Backend.
func (b *Backend) Run(ctx context.Context, p *project.Project) (backend.Run, error) {
	b.mu.Lock()
	b.projects = append(b.projects, p)
	fn := b.RunFn
	b.mu.Unlock()

	if fn != nil {
		return fn(ctx, p)
	}
	r := NewRun(p.RunID)
	b.mu.Lock()
	b.runs[p.RunID] = r
	b.mu.Unlock()
	return r, nil
}

// FindOrphanedJobs implements backend.Backend.
func (b *Backend) FindOrphanedJobs(context.Context, model.JobSet) ([]backend.Orphan, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OrphanErr != nil {
		return nil, b.OrphanErr
	}
	return append([]backend.Orphan(nil), b.Orphans...), nil
}

// Cleanup implements backend.Backend.
func (b *Backend) Cleanup(_ context.Context, runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleaned = append(b.cleaned, runID)
	return nil
}

// RunHandle returns the run started for runID by the default Run.
func (b *Backend) RunHandle(runID string) (*Run, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[runID]
	return r, ok
}

// Handles returns every run started by the default Run.
func (b *Backend) Handles() []*Run {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Run, 0, len(b.runs))
	for _, r := range b.runs {
		out = append(out, r)
	}
	return out
}

// Projects returns the projects passed to Run, in call order.
func (b *Backend) Projects() []*project.Project {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*project.Project(nil), b.projects...)
}

// Cleaned returns the run IDs passed to Cleanup.
func (b *Backend) Cleaned() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cleaned...)
}
