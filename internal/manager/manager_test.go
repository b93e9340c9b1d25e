package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/seantiz/launchpad/internal/backend"
	"github.com/seantiz/launchpad/internal/backend/backendtest"
	"github.com/seantiz/launchpad/internal/jobset"
	"github.com/seantiz/launchpad/internal/jobset/jobsettest"
	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/project"
	"github.com/seantiz/launchpad/internal/queue"
	"github.com/seantiz/launchpad/internal/tracker"
)

const okSpec = `{"entrypoint":["true"]}`

var fastPolicy = queue.RetryPolicy{Attempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

type harness struct {
	js      model.JobSet
	m       *Manager
	queue   *jobsettest.Fake
	backend *backendtest.Backend
	runs    *tracker.Memory
}

func newHarness(t *testing.T, maxConcurrency int, caps backend.Capabilities) *harness {
	t.Helper()
	js := model.JobSet{Entity: "acme", Project: "vision", Name: strings.ToLower(t.Name())}
	h := &harness{
		js:      js,
		queue:   jobsettest.New(),
		backend: backendtest.New(caps),
		runs:    tracker.NewMemory("fake"),
	}
	h.m = New(Config{
		JobSet:         js,
		MaxConcurrency: maxConcurrency,
		Backend:        h.backend,
		Driver:         queue.NewStandard(h.queue, js, "agent-1"),
		Builder:        project.Builder{JobSet: js},
		Trackers:       h.runs.Factory(),
		StartPolicy:    fastPolicy,
		AckPolicy:      queue.RetryPolicy{Attempts: 5, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) enqueue(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = h.queue.Enqueue(h.js, okSpec)
	}
	return ids
}

// tick runs one reconcile and waits for the launches it started.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	if err := h.m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	h.m.Wait()
}

func (h *harness) activeItems() []string {
	var ids []string
	for _, r := range h.m.ActiveRuns() {
		ids = append(ids, r.ItemID)
	}
	slices.Sort(ids)
	return ids
}

func (h *harness) finish(t *testing.T, itemID string, status model.RunStatus) string {
	t.Helper()
	for _, r := range h.m.ActiveRuns() {
		if r.ItemID == itemID {
			handle, ok := h.backend.RunHandle(r.RunID)
			if !ok {
				t.Fatalf("no backend run for %s", r.RunID)
			}
			handle.Set(status)
			return r.RunID
		}
	}
	t.Fatalf("item %s is not active", itemID)
	return ""
}

func sorted(ids ...string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}

func hasEvent(events []Event, typ, itemID string) bool {
	return slices.ContainsFunc(events, func(e Event) bool {
		return e.Type == typ && (itemID == "" || e.ItemID == itemID)
	})
}

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := want[lp.GetName()]; ok {
			if v != lp.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(want)
}

func TestTwoSlotsThreeItems(t *testing.T) {
	h := newHarness(t, 2, backend.Capabilities{})
	ids := h.enqueue(3)
	a, b, c := ids[0], ids[1], ids[2]

	h.tick(t)
	if got, want := h.activeItems(), sorted(a, b); !slices.Equal(got, want) {
		t.Fatalf("active after first tick = %v, want %v", got, want)
	}
	if it, _ := h.queue.Item(c); it.State != model.ItemPending {
		t.Fatalf("C state = %s, want pending", it.State)
	}

	h.tick(t)
	if h.queue.Pops() != 2 {
		t.Fatalf("pops at capacity = %d, want 2", h.queue.Pops())
	}

	runA := h.finish(t, a, model.RunFinished)
	h.tick(t)
	if got, want := h.activeItems(), sorted(b, c); !slices.Equal(got, want) {
		t.Fatalf("active after A finished = %v, want %v", got, want)
	}
	if !slices.Contains(h.backend.Cleaned(), runA) {
		t.Errorf("Cleanup not called for %s", runA)
	}
	if rec, _ := h.runs.Run(runA); rec.Status != model.RunFinished || rec.FinishedAt == nil {
		t.Errorf("tracker record for A = %+v, want finished", rec)
	}
}

func TestSteadyStateStaysAtCapacity(t *testing.T) {
	const m = 3
	h := newHarness(t, m, backend.Capabilities{})
	h.enqueue(10)

	h.tick(t)
	for i := range 7 {
		if n := len(h.m.ActiveRuns()); n != m {
			t.Fatalf("iteration %d: active = %d, want %d", i, n, m)
		}
		h.finish(t, h.activeItems()[0], model.RunFinished)
		h.tick(t)
	}
	if n := len(h.m.ActiveRuns()); n != m {
		t.Fatalf("final active = %d, want %d", n, m)
	}
	if h.queue.Pops() != 10 {
		t.Errorf("pops = %d, want 10", h.queue.Pops())
	}
}

func TestEmptyQueueLaunchesNothing(t *testing.T) {
	h := newHarness(t, 4, backend.Capabilities{})
	h.tick(t)
	h.tick(t)

	if n := len(h.backend.Projects()); n != 0 {
		t.Errorf("backend runs = %d, want 0", n)
	}
	snap := h.m.Snapshot()
	if len(snap.Active) != 0 || snap.InFlight != 0 {
		t.Errorf("snapshot = %+v, want empty", snap)
	}
	if snap.LastReconcile.IsZero() {
		t.Error("LastReconcile not set")
	}
}

func TestOneAckAndOneEntryPerItem(t *testing.T) {
	h := newHarness(t, 5, backend.Capabilities{})
	ids := h.enqueue(3)

	for range 3 {
		h.tick(t)
	}
	if h.queue.Acks() != 3 {
		t.Errorf("acks = %d, want 3", h.queue.Acks())
	}
	if got := h.activeItems(); !slices.Equal(got, sorted(ids...)) {
		t.Errorf("active = %v, want %v", got, sorted(ids...))
	}
	for _, r := range h.m.ActiveRuns() {
		if !r.Acked || r.Adopted {
			t.Errorf("run %+v: want acked and not adopted", r)
		}
		it, _ := h.queue.Item(r.ItemID)
		if it.State != model.ItemAcked || it.RunID != r.RunID {
			t.Errorf("queue item %s = %s/%s, want acked with %s", r.ItemID, it.State, it.RunID, r.RunID)
		}
	}
	for _, p := range h.backend.Projects() {
		if p.Labels[model.LabelJobSet] != h.js.Label() || p.Labels[model.LabelRunID] != p.RunID {
			t.Errorf("project labels = %v", p.Labels)
		}
	}
}

func TestStartFailureFreesCapacity(t *testing.T) {
	h := newHarness(t, 1, backend.Capabilities{})
	h.backend.RunFn = func(context.Context, *project.Project) (backend.Run, error) {
		return nil, fmt.Errorf("%w: no capacity", backend.ErrStartFailed)
	}
	ids := h.enqueue(2)

	h.tick(t)
	if n := len(h.backend.Projects()); n != int(fastPolicy.Attempts) {
		t.Errorf("start attempts = %d, want %d", n, fastPolicy.Attempts)
	}
	snap := h.m.Snapshot()
	if len(snap.Active) != 0 || snap.InFlight != 0 {
		t.Fatalf("snapshot after start failure = %+v, want empty", snap)
	}
	if it, _ := h.queue.Item(ids[0]); it.State != model.ItemFailed || !strings.Contains(it.Error, "no capacity") {
		t.Errorf("failed item = %s/%q", it.State, it.Error)
	}
	recs := h.runs.Runs()
	if len(recs) != 1 || !recs[0].FailedToStart || recs[0].Status != model.RunFailed {
		t.Errorf("tracker records = %+v, want one failed_to_start", recs)
	}
	if !hasEvent(h.m.Events().Recent(), EventStartFailed, ids[0]) {
		t.Error("no start_failed event")
	}

	// The freed slot admits the next item.
	h.tick(t)
	if it, _ := h.queue.Item(ids[1]); it.State != model.ItemFailed {
		t.Errorf("second item state = %s, want failed", it.State)
	}
}

func TestInvalidProjectIsNotRetried(t *testing.T) {
	h := newHarness(t, 1, backend.Capabilities{})
	h.backend.RunFn = func(context.Context, *project.Project) (backend.Run, error) {
		return nil, fmt.Errorf("%w: %w: needs an entrypoint", backend.ErrStartFailed, backend.ErrInvalidProject)
	}
	id := h.queue.Enqueue(h.js, `{"image":"ubuntu"}`)

	h.tick(t)
	if n := len(h.backend.Projects()); n != 1 {
		t.Errorf("start attempts = %d, want 1", n)
	}
	if it, _ := h.queue.Item(id); it.State != model.ItemFailed {
		t.Errorf("item state = %s, want failed", it.State)
	}
	if snap := h.m.Snapshot(); len(snap.Active) != 0 || snap.InFlight != 0 {
		t.Errorf("snapshot = %+v, want empty", snap)
	}
}

func TestStartRetryRecovers(t *testing.T) {
	h := newHarness(t, 1, backend.Capabilities{})
	calls := 0
	h.backend.RunFn = func(_ context.Context, p *project.Project) (backend.Run, error) {
		calls++
		switch calls {
		case 1:
			return nil, errors.New("transient")
		case 2:
			return nil, nil
		}
		return backendtest.NewRun(p.RunID), nil
	}
	h.enqueue(1)

	h.tick(t)
	if n := len(h.m.ActiveRuns()); n != 1 {
		t.Fatalf("active = %d, want 1", n)
	}
	if calls != 3 {
		t.Errorf("Run calls = %d, want 3", calls)
	}
}

func TestInvalidRunSpec(t *testing.T) {
	h := newHarness(t, 2, backend.Capabilities{})
	bad := h.queue.Enqueue(h.js, `{"name":"no-command"}`)
	good := h.queue.Enqueue(h.js, okSpec)

	h.tick(t)
	if got := h.activeItems(); !slices.Equal(got, []string{good}) {
		t.Fatalf("active = %v, want [%s]", got, good)
	}
	if n := len(h.backend.Projects()); n != 1 {
		t.Errorf("backend runs = %d, want 1", n)
	}
	if it, _ := h.queue.Item(bad); it.State != model.ItemFailed {
		t.Errorf("invalid item state = %s, want failed", it.State)
	}
	var failed []model.RunRecord
	for _, rec := range h.runs.Runs() {
		if rec.FailedToStart {
			failed = append(failed, rec)
		}
	}
	if len(failed) != 1 || failed[0].ItemID != bad || failed[0].ID == "" {
		t.Errorf("failed_to_start records = %+v", failed)
	}
	if !hasEvent(h.m.Events().Recent(), EventInvalid, bad) {
		t.Error("no invalid event")
	}
}

func TestRunIDInUseIsRejected(t *testing.T) {
	h := newHarness(t, 2, backend.Capabilities{})
	first := h.queue.Enqueue(h.js, `{"runId":"dup","entrypoint":["sleep","5"]}`)
	h.tick(t)

	second := h.queue.Enqueue(h.js, `{"runId":"dup","entrypoint":["true"]}`)
	h.tick(t)

	if got := h.activeItems(); !slices.Equal(got, []string{first}) {
		t.Fatalf("active = %v, want [%s]", got, first)
	}
	if n := len(h.backend.Projects()); n != 1 {
		t.Errorf("backend runs = %d, want 1", n)
	}
	if it, _ := h.queue.Item(second); it.State != model.ItemFailed || !strings.Contains(it.Error, "already in use") {
		t.Errorf("second item = %s/%q, want failed as already in use", it.State, it.Error)
	}
	if rec, _ := h.runs.Run("dup"); rec.Status != model.RunRunning || rec.FailedToStart {
		t.Errorf("record of the live run = %+v, want running", rec)
	}
	if !hasEvent(h.m.Events().Recent(), EventInvalid, second) {
		t.Error("no invalid event for the second item")
	}

	// Once the first run is reaped its ID is free again.
	h.finish(t, first, model.RunFinished)
	h.tick(t)
	if !slices.Equal(h.backend.Cleaned(), []string{"dup"}) {
		t.Errorf("cleaned = %v, want [dup]", h.backend.Cleaned())
	}
	third := h.queue.Enqueue(h.js, `{"runId":"dup","entrypoint":["true"]}`)
	h.tick(t)
	if got := h.activeItems(); !slices.Equal(got, []string{third}) {
		t.Errorf("active = %v, want [%s]", got, third)
	}
}

func TestRunIDInUseWithinOneTick(t *testing.T) {
	h := newHarness(t, 2, backend.Capabilities{})
	a := h.queue.Enqueue(h.js, `{"runId":"same","entrypoint":["true"]}`)
	b := h.queue.Enqueue(h.js, `{"runId":"same","entrypoint":["true"]}`)

	h.tick(t)
	if n := len(h.m.ActiveRuns()); n != 1 {
		t.Fatalf("active = %d, want 1", n)
	}
	if n := len(h.backend.Projects()); n != 1 {
		t.Errorf("backend runs = %d, want 1", n)
	}
	itA, _ := h.queue.Item(a)
	itB, _ := h.queue.Item(b)
	states := sorted(string(itA.State), string(itB.State))
	if !slices.Equal(states, sorted(string(model.ItemAcked), string(model.ItemFailed))) {
		t.Errorf("item states = %v, want one acked and one failed", states)
	}
	if snap := h.m.Snapshot(); snap.InFlight != 0 {
		t.Errorf("in flight = %d, want 0", snap.InFlight)
	}
}

func TestAckExhaustedKeepsRunRegistered(t *testing.T) {
	h := newHarness(t, 1, backend.Capabilities{})
	for range 5 {
		h.queue.AckErrs = append(h.queue.AckErrs, errors.New("queue server unavailable"))
	}
	ids := h.enqueue(2)
	before := counterValue(t, "launchpad_ack_failures_total", map[string]string{"jobset": h.js.Key()})

	h.tick(t)
	runs := h.m.ActiveRuns()
	if len(runs) != 1 || runs[0].ItemID != ids[0] {
		t.Fatalf("active = %+v, want %s", runs, ids[0])
	}
	if runs[0].Acked {
		t.Error("run marked acked after exhausted retries")
	}
	if !hasEvent(h.m.Events().Recent(), EventAckFailed, ids[0]) {
		t.Error("no ack_failed event")
	}
	if after := counterValue(t, "launchpad_ack_failures_total", map[string]string{"jobset": h.js.Key()}); after != before+1 {
		t.Errorf("ack failures = %v, want %v", after, before+1)
	}

	// The unacked run still holds the only slot.
	h.tick(t)
	if h.queue.Pops() != 1 {
		t.Errorf("pops = %d, want 1", h.queue.Pops())
	}
}

func TestRepoppedRunningItemIsReacked(t *testing.T) {
	h := newHarness(t, 2, backend.Capabilities{})
	for range 5 {
		h.queue.AckErrs = append(h.queue.AckErrs, errors.New("queue server unavailable"))
	}
	id := h.queue.Enqueue(h.js, okSpec)

	h.tick(t)
	if runs := h.m.ActiveRuns(); len(runs) != 1 || runs[0].Acked {
		t.Fatalf("active = %+v, want one unacked run", runs)
	}

	if !h.queue.Expire(id) {
		t.Fatal("item was not claimed")
	}
	h.tick(t)

	runs := h.m.ActiveRuns()
	if len(runs) != 1 || !runs[0].Acked {
		t.Fatalf("active = %+v, want the original run, acked", runs)
	}
	if n := len(h.backend.Projects()); n != 1 {
		t.Errorf("backend runs = %d, want 1", n)
	}
	it, _ := h.queue.Item(id)
	if it.State != model.ItemAcked || it.RunID != runs[0].RunID {
		t.Errorf("item = %s with run %q, want acked with %s", it.State, it.RunID, runs[0].RunID)
	}
	if !hasEvent(h.m.Events().Recent(), EventReacked, id) {
		t.Error("no reacked event")
	}
}

func TestAckConflictIsNotRetried(t *testing.T) {
	h := newHarness(t, 1, backend.Capabilities{})
	id := h.queue.Enqueue(h.js, okSpec)
	h.queue.AckErrs = []error{fmt.Errorf("claimed by agent-2: %w", jobset.ErrConflict)}

	h.tick(t)
	runs := h.m.ActiveRuns()
	if len(runs) != 1 || runs[0].ItemID != id {
		t.Fatalf("active = %+v", runs)
	}
	if runs[0].Acked || h.queue.Acks() != 0 {
		t.Errorf("conflict was retried: acked=%v acks=%d", runs[0].Acked, h.queue.Acks())
	}
}

func TestReapStatusErrorKeepsRun(t *testing.T) {
	h := newHarness(t, 1, backend.Capabilities{})
	id := h.queue.Enqueue(h.js, okSpec)
	h.tick(t)

	runID := h.m.ActiveRuns()[0].RunID
	handle, _ := h.backend.RunHandle(runID)
	handle.SetErr(errors.New("status unavailable"))
	h.tick(t)
	if got := h.activeItems(); !slices.Equal(got, []string{id}) {
		t.Fatalf("active = %v, want run kept while status is unknown", got)
	}

	handle.SetErr(nil)
	handle.Set(model.RunFailed)
	h.tick(t)
	if len(h.m.ActiveRuns()) != 0 {
		t.Fatal("failed run was not reaped")
	}
	if rec, _ := h.runs.Run(runID); rec.Status != model.RunFailed {
		t.Errorf("tracker status = %s, want failed", rec.Status)
	}
	if !hasEvent(h.m.Events().Recent(), EventReaped, id) {
		t.Error("no reaped event")
	}
}

func TestAdoptOrphans(t *testing.T) {
	h := newHarness(t, 2, backend.Capabilities{OrphanDiscovery: true})
	for i := range 3 {
		h.backend.Orphans = append(h.backend.Orphans, backend.Orphan{
			ItemID: fmt.Sprintf("item-%d", i),
			RunID:  fmt.Sprintf("run-%d", i),
			Run:    backendtest.NewRun(fmt.Sprintf("run-%d", i)),
		})
	}
	h.enqueue(1)
	ctx := context.Background()

	n, err := h.m.AdoptOrphans(ctx)
	if err != nil || n != 3 {
		t.Fatalf("AdoptOrphans = %d, %v; want 3", n, err)
	}
	n, err = h.m.AdoptOrphans(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second AdoptOrphans = %d, %v; want 0", n, err)
	}
	orphans, err := h.m.FindOrphanedJobs(ctx)
	if err != nil || len(orphans) != 0 {
		t.Fatalf("FindOrphanedJobs after adoption = %v, %v", orphans, err)
	}

	runs := h.m.ActiveRuns()
	if len(runs) != 3 {
		t.Fatalf("active = %d, want 3 (adoption may exceed the ceiling)", len(runs))
	}
	for _, r := range runs {
		if !r.Adopted {
			t.Errorf("run %s not marked adopted", r.RunID)
		}
	}

	h.tick(t)
	if h.queue.Pops() != 0 || h.queue.Acks() != 0 {
		t.Errorf("pops/acks over capacity = %d/%d, want 0/0", h.queue.Pops(), h.queue.Acks())
	}

	h.backend.Orphans[0].Run.(*backendtest.Run).Set(model.RunFinished)
	h.backend.Orphans[1].Run.(*backendtest.Run).Set(model.RunFinished)
	h.tick(t)
	if n := len(h.m.ActiveRuns()); n != 2 {
		t.Errorf("active after reaping two orphans = %d, want 2", n)
	}
	if !slices.Equal(sorted(h.backend.Cleaned()...), []string{"run-0", "run-1"}) {
		t.Errorf("cleaned = %v", h.backend.Cleaned())
	}
}

func TestFindOrphanedJobs(t *testing.T) {
	t.Run("without discovery", func(t *testing.T) {
		h := newHarness(t, 1, backend.Capabilities{})
		h.backend.Orphans = []backend.Orphan{{ItemID: "i", RunID: "r", Run: backendtest.NewRun("r")}}
		got, err := h.m.FindOrphanedJobs(context.Background())
		if err != nil || got != nil {
			t.Errorf("FindOrphanedJobs = %v, %v; want nil", got, err)
		}
	})

	t.Run("skips known runs", func(t *testing.T) {
		h := newHarness(t, 1, backend.Capabilities{OrphanDiscovery: true})
		id := h.queue.Enqueue(h.js, okSpec)
		h.tick(t)
		known := h.m.ActiveRuns()[0]

		h.backend.Orphans = []backend.Orphan{
			{ItemID: id, RunID: "other", Run: backendtest.NewRun("other")},
			{ItemID: "elsewhere", RunID: known.RunID, Run: backendtest.NewRun(known.RunID)},
			{ItemID: "new", RunID: "new-run", Run: backendtest.NewRun("new-run")},
		}
		got, err := h.m.FindOrphanedJobs(context.Background())
		if err != nil {
			t.Fatalf("FindOrphanedJobs: %v", err)
		}
		if len(got) != 1 || got[0].ItemID != "new" {
			t.Errorf("orphans = %+v, want only new", got)
		}
	})

	t.Run("backend error", func(t *testing.T) {
		h := newHarness(t, 1, backend.Capabilities{OrphanDiscovery: true})
		h.backend.OrphanErr = errors.New("state dir unreadable")
		if _, err := h.m.AdoptOrphans(context.Background()); err == nil {
			t.Error("AdoptOrphans succeeded despite backend error")
		}
	})
}

func TestLaunchPanicReleasesReservation(t *testing.T) {
	h := newHarness(t, 1, backend.Capabilities{})
	h.backend.RunFn = func(context.Context, *project.Project) (backend.Run, error) {
		panic("driver bug")
	}
	id := h.queue.Enqueue(h.js, okSpec)

	h.tick(t)
	snap := h.m.Snapshot()
	if len(snap.Active) != 0 || snap.InFlight != 0 {
		t.Fatalf("snapshot after panic = %+v", snap)
	}
	if !hasEvent(h.m.Events().Recent(), EventLaunchPanic, id) {
		t.Error("no launch_panic event")
	}
}

func TestPopErrorIsNotFatal(t *testing.T) {
	h := newHarness(t, 2, backend.Capabilities{})
	h.queue.PopErr = errors.New("connection refused")
	before := counterValue(t, "launchpad_pop_errors_total", map[string]string{"jobset": h.js.Key()})

	h.tick(t)
	if !hasEvent(h.m.Events().Recent(), EventPopFailed, "") {
		t.Error("no pop_failed event")
	}
	if after := counterValue(t, "launchpad_pop_errors_total", map[string]string{"jobset": h.js.Key()}); after != before+1 {
		t.Errorf("pop errors = %v, want %v", after, before+1)
	}

	h.queue.PopErr = nil
	h.enqueue(1)
	h.tick(t)
	if n := len(h.m.ActiveRuns()); n != 1 {
		t.Errorf("active after recovery = %d, want 1", n)
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	h := newHarness(t, 2, backend.Capabilities{Name: "local-process"})
	h.enqueue(1)
	h.tick(t)

	snap := h.m.Snapshot()
	if snap.Backend != "local-process" || snap.MaxConcurrency != 2 || snap.JobSet != h.js {
		t.Errorf("snapshot header = %+v", snap)
	}
	snap.Active[0].Status = model.RunFailed
	if h.m.ActiveRuns()[0].Status != model.RunRunning {
		t.Error("mutating a snapshot changed the manager's view")
	}
}
