package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/seantiz/launchpad/internal/backend/pool"
	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/mq"
)

type fakeJobs struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*pool.Job
	listErr  error
	finished map[uuid.UUID]model.RunStatus
}

func newFakeJobs(jobs ...*pool.Job) *fakeJobs {
	f := &fakeJobs{jobs: make(map[uuid.UUID]*pool.Job), finished: make(map[uuid.UUID]model.RunStatus)}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeJobs) Claim(_ context.Context, id uuid.UUID, workerID string) (*pool.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, pool.ErrNotFound
	}
	if j.Status != model.RunPending {
		return nil, pool.ErrNotClaimable
	}
	j.Status = model.RunRunning
	j.WorkerID = workerID
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) Finish(_ context.Context, id uuid.UUID, status model.RunStatus, exitCode *int, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = status
	j.ExitCode = exitCode
	j.Error = errMsg
	f.finished[id] = status
	return nil
}

func (f *fakeJobs) ListPending(context.Context, int) ([]pool.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []pool.Job
	for _, j := range f.jobs {
		if j.Status == model.RunPending {
			out = append(out, *j)
		}
	}
	return out, nil
}

type fakeExecutor struct {
	mu   sync.Mutex
	runs []string
	code int
	err  error
}

func (e *fakeExecutor) Execute(_ context.Context, job *pool.Job) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs = append(e.runs, job.RunID)
	return e.code, e.err
}

func pendingJob(runID string) *pool.Job {
	return &pool.Job{ID: uuid.New(), RunID: runID, Status: model.RunPending, Entrypoint: []string{"true"}}
}

func newTestWorker(jobs Jobs, exec Executor) *Worker {
	return New(Config{
		ID:       "w1",
		Jobs:     jobs,
		Executor: exec,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestProcessOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		err        error
		wantStatus model.RunStatus
		wantErrMsg string
	}{
		{"success", 0, nil, model.RunFinished, ""},
		{"non-zero exit", 2, nil, model.RunFailed, "exit code 2"},
		{"timeout", -1, ErrTimeout, model.RunFailed, "timed out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := pendingJob("run-1")
			jobs := newFakeJobs(job)
			w := newTestWorker(jobs, &fakeExecutor{code: tt.code, err: tt.err})

			if err := w.Process(t.Context(), job.ID); err != nil {
				t.Fatalf("Process: %v", err)
			}
			got := jobs.jobs[job.ID]
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			if !strings.Contains(got.Error, tt.wantErrMsg) {
				t.Errorf("error = %q, want %q", got.Error, tt.wantErrMsg)
			}
			if got.WorkerID != "w1" {
				t.Errorf("worker id = %q", got.WorkerID)
			}
		})
	}
}

func TestProcessSkipsClaimedJobs(t *testing.T) {
	job := pendingJob("run-1")
	job.Status = model.RunRunning
	exec := &fakeExecutor{}
	w := newTestWorker(newFakeJobs(job), exec)

	if err := w.Process(t.Context(), job.ID); err != nil {
		t.Fatalf("Process of claimed job: %v", err)
	}
	if err := w.Process(t.Context(), uuid.New()); err != nil {
		t.Fatalf("Process of unknown job: %v", err)
	}
	if len(exec.runs) != 0 {
		t.Errorf("executed %v, want nothing", exec.runs)
	}
}

func TestPollRunsEachPendingJobOnce(t *testing.T) {
	jobs := newFakeJobs(pendingJob("a"), pendingJob("b"), pendingJob("c"))
	exec := &fakeExecutor{}
	w := newTestWorker(jobs, exec)

	w.Poll(t.Context())
	w.Poll(t.Context())

	if len(exec.runs) != 3 {
		t.Errorf("runs = %v, want a, b and c once each", exec.runs)
	}
	for id, status := range jobs.finished {
		if status != model.RunFinished {
			t.Errorf("job %s status = %q", id, status)
		}
	}
}

func TestPollListError(t *testing.T) {
	jobs := newFakeJobs()
	jobs.listErr = errors.New("db down")
	exec := &fakeExecutor{}
	newTestWorker(jobs, exec).Poll(t.Context())
	if len(exec.runs) != 0 {
		t.Errorf("runs = %v", exec.runs)
	}
}

func TestHandleJobReady(t *testing.T) {
	job := pendingJob("run-1")
	jobs := newFakeJobs(job)
	exec := &fakeExecutor{}
	w := newTestWorker(jobs, exec)

	d := &mq.Delivery{Message: *mq.NewMessage(mq.MessageTypeJobReady, mq.JobReadyPayload{JobID: job.ID, RunID: job.RunID})}
	if err := w.handleJobReady(t.Context(), d); err != nil {
		t.Fatalf("handleJobReady: %v", err)
	}
	if len(exec.runs) != 1 || exec.runs[0] != "run-1" {
		t.Errorf("runs = %v", exec.runs)
	}

	other := &mq.Delivery{Message: mq.Message{Type: "something.else"}}
	if err := w.handleJobReady(t.Context(), other); err != nil {
		t.Errorf("unknown message type: %v", err)
	}
}

func TestNewDefaults(t *testing.T) {
	w := New(Config{})
	if !strings.HasPrefix(w.id, "worker-") || w.queue != mq.QueueJobsReady {
		t.Errorf("id/queue = %q/%q", w.id, w.queue)
	}
	if w.concurrency != defaultConcurrency || w.pollInterval != defaultPollInterval || w.batchSize != defaultBatchSize {
		t.Errorf("defaults = %d %s %d", w.concurrency, w.pollInterval, w.batchSize)
	}
}

func TestProcessExecutor(t *testing.T) {
	dir := t.TempDir()
	e := &ProcessExecutor{OutputDir: dir}

	job := &pool.Job{
		RunID:      "run-out",
		Entrypoint: []string{"sh", "-c", "echo item=$LAUNCHPAD_RUN_QUEUE_ITEM; exit 4"},
		Env:        map[string]string{"LAUNCHPAD_RUN_QUEUE_ITEM": "item-9"},
	}
	code, err := e.Execute(t.Context(), job)
	if err != nil || code != 4 {
		t.Fatalf("Execute = %d, %v; want 4, nil", code, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "run-out.log"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "item=item-9" {
		t.Errorf("output = %q", data)
	}

	slow := &pool.Job{RunID: "slow", Entrypoint: []string{"sleep", "10"}, TimeoutS: 1}
	if _, err := e.Execute(t.Context(), slow); !errors.Is(err, ErrTimeout) {
		t.Errorf("slow job err = %v, want ErrTimeout", err)
	}

	if _, err := e.Execute(t.Context(), &pool.Job{RunID: "empty"}); err == nil {
		t.Error("expected error for empty entrypoint")
	}
}
