package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/seantiz/launchpad/internal/backend"
	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/project"
)

type fakeStore struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*Job)}
}

func (f *fakeStore) Create(_ context.Context, job *Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.jobs[job.RunID]; ok {
		return backend.ErrRunExists
	}
	cp := *job
	f.jobs[job.RunID] = &cp
	return nil
}

func (f *fakeStore) GetByRunID(_ context.Context, runID string) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeStore) ListUnreaped(_ context.Context, labels map[string]string) ([]Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Job
	for _, job := range f.jobs {
		if job.ReapedAt != nil {
			continue
		}
		match := true
		for k, v := range labels {
			if job.Labels[k] != v {
				match = false
			}
		}
		if match {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkReaped(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[runID]
	if !ok {
		return ErrNotFound
	}
	now := job.CreatedAt
	job.ReapedAt = &now
	return nil
}

func (f *fakeStore) setStatus(runID string, s model.RunStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[runID].Status = s
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []string
	fails bool
}

func (n *fakeNotifier) PublishJobReady(_ context.Context, _ uuid.UUID, runID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fails {
		return errors.New("broker down")
	}
	n.sent = append(n.sent, runID)
	return nil
}

func testProject(js model.JobSet, itemID, runID string) *project.Project {
	return &project.Project{
		RunID:          runID,
		RunQueueItemID: itemID,
		JobSet:         js,
		Entrypoint:     []string{"python", "train.py"},
		Env:            map[string]string{"EPOCHS": "3"},
		TimeoutS:       60,
	}
}

func newTestBackend() (*Backend, *fakeStore, *fakeNotifier) {
	store, notify := newFakeStore(), &fakeNotifier{}
	return New(store, notify, slog.New(slog.NewTextHandler(io.Discard, nil))), store, notify
}

func TestRunSubmitsLabeledJob(t *testing.T) {
	b, store, notify := newTestBackend()
	js := model.JobSet{Entity: "acme", Project: "ml", Name: "gpu"}
	p := testProject(js, "item-1", "run-1")
	b.LabelJob(p)

	run, err := b.Run(t.Context(), p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.ID() != "run-1" {
		t.Errorf("ID = %q", run.ID())
	}

	job, err := store.GetByRunID(t.Context(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if !maps.Equal(job.Labels, model.JobLabels(js, "item-1", "run-1")) {
		t.Errorf("labels = %v", job.Labels)
	}
	if job.Env[backend.EnvRunID] != "run-1" || job.Env["EPOCHS"] != "3" {
		t.Errorf("env = %v", job.Env)
	}
	if job.Status != model.RunPending || job.JobSet != js.Key() {
		t.Errorf("job = %+v", job)
	}
	if len(notify.sent) != 1 || notify.sent[0] != "run-1" {
		t.Errorf("notifications = %v", notify.sent)
	}

	store.setStatus("run-1", model.RunFinished)
	status, err := run.Status(t.Context())
	if err != nil || status != model.RunFinished {
		t.Errorf("Status = %q, %v", status, err)
	}
}

func TestRunPublishFailureIsNotStartFailure(t *testing.T) {
	b, _, notify := newTestBackend()
	notify.fails = true
	if _, err := b.Run(t.Context(), testProject(model.JobSet{Entity: "e", Project: "p", Name: "n"}, "i", "r")); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunStartFailures(t *testing.T) {
	b, store, _ := newTestBackend()
	js := model.JobSet{Entity: "e", Project: "p", Name: "n"}

	p := testProject(js, "i", "r")
	p.Entrypoint = nil
	if _, err := b.Run(t.Context(), p); !errors.Is(err, backend.ErrStartFailed) || !errors.Is(err, backend.ErrInvalidProject) {
		t.Errorf("no entrypoint: err = %v", err)
	}

	if _, err := b.Run(t.Context(), testProject(js, "i", "taken")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := b.Run(t.Context(), testProject(js, "j", "taken")); !errors.Is(err, backend.ErrRunExists) {
		t.Errorf("duplicate run id: err = %v", err)
	}

	store.createErr = errors.New("db down")
	if _, err := b.Run(t.Context(), testProject(js, "i", "r")); !errors.Is(err, backend.ErrStartFailed) {
		t.Errorf("insert failure: err = %v", err)
	}
}

func TestFindOrphanedJobsAndCleanup(t *testing.T) {
	b, _, _ := newTestBackend()
	js := model.JobSet{Entity: "acme", Project: "ml", Name: "gpu"}
	other := model.JobSet{Entity: "acme", Project: "ml", Name: "cpu"}

	for _, p := range []*project.Project{
		testProject(js, "item-1", "run-1"),
		testProject(js, "item-2", "run-2"),
		testProject(other, "item-3", "run-3"),
	} {
		b.LabelJob(p)
		if _, err := b.Run(t.Context(), p); err != nil {
			t.Fatal(err)
		}
	}

	orphans, err := b.FindOrphanedJobs(t.Context(), js)
	if err != nil {
		t.Fatalf("FindOrphanedJobs: %v", err)
	}
	if len(orphans) != 2 {
		t.Fatalf("orphans = %+v, want 2", orphans)
	}

	if err := b.Cleanup(t.Context(), "run-1"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	orphans, _ = b.FindOrphanedJobs(t.Context(), js)
	if len(orphans) != 1 || orphans[0].ItemID != "item-2" {
		t.Errorf("orphans after cleanup = %+v", orphans)
	}

	if err := b.Cleanup(t.Context(), "unknown"); err != nil {
		t.Errorf("Cleanup of unknown run: %v", err)
	}
}

func TestCapabilities(t *testing.T) {
	b, _, _ := newTestBackend()
	caps := b.Capabilities()
	if caps.Name != model.BackendWorkerPool || !caps.OrphanDiscovery || caps.DefaultMaxConcurrency != 0 {
		t.Errorf("capabilities = %+v", caps)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv(EnvDBURL, "postgres://x")
	t.Setenv(EnvQueue, "gpu.ready")
	cfg := LoadConfig()
	if cfg.DBURL != "postgres://x" || cfg.Queue != "gpu.ready" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Topology().ReadyRoutingKey() != "gpu.ready" {
		t.Errorf("routing key = %q", cfg.Topology().ReadyRoutingKey())
	}
}
