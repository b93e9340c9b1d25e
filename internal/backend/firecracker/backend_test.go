package firecracker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/seantiz/launchpad/internal/backend"
	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/project"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	cfg := LoadConfig()
	cfg.StateDir = t.TempDir()
	cfg.RootfsDir = t.TempDir()
	cfg.Network = false
	b, err := NewBackend(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	return b
}

// plantLabel writes a label record as a previous agent would have left it.
func plantLabel(t *testing.T, stateDir string, rec LabelRecord) string {
	t.Helper()
	dir := filepath.Join(stateDir, rec.VMID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := writeLabel(dir, rec); err != nil {
		t.Fatalf("writeLabel: %v", err)
	}
	return dir
}

func TestCapabilities(t *testing.T) {
	b := &Backend{cfg: Config{MaxConcurrentVMs: 4}}
	caps := b.Capabilities()

	if caps.Name != model.BackendMicroVM || b.Name() != model.BackendMicroVM {
		t.Errorf("Name = %q", caps.Name)
	}
	if !caps.OrphanDiscovery {
		t.Error("microvm backend should discover orphans")
	}
	if caps.DefaultMaxConcurrency != 4 {
		t.Errorf("DefaultMaxConcurrency = %d, want 4", caps.DefaultMaxConcurrency)
	}
	if caps.QueueDriver != backend.DriverStandard {
		t.Errorf("QueueDriver = %q", caps.QueueDriver)
	}
}

func TestAllocateCID(t *testing.T) {
	b := newTestBackend(t)

	seen := make(map[uint32]bool)
	for range 5 {
		cid, err := b.allocateCID()
		if err != nil {
			t.Fatalf("allocateCID: %v", err)
		}
		if cid < MinCID {
			t.Errorf("cid %d below MinCID", cid)
		}
		if seen[cid] {
			t.Errorf("cid %d handed out twice", cid)
		}
		seen[cid] = true
	}

	b.releaseCID(MinCID)
	b.cidNext = MinCID
	cid, err := b.allocateCID()
	if err != nil {
		t.Fatalf("allocateCID after release: %v", err)
	}
	if cid != MinCID {
		t.Errorf("cid = %d, want released %d", cid, MinCID)
	}
}

func TestNewBackendReservesLiveCIDs(t *testing.T) {
	stateDir := t.TempDir()
	plantLabel(t, stateDir, LabelRecord{VMID: "live", PID: os.Getpid(), CID: MinCID})

	cfg := LoadConfig()
	cfg.StateDir = stateDir
	cfg.Network = false
	b, err := NewBackend(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}

	cid, err := b.allocateCID()
	if err != nil {
		t.Fatal(err)
	}
	if cid == MinCID {
		t.Errorf("allocated cid %d still held by a live VM", cid)
	}
}

func TestFindOrphanedJobs(t *testing.T) {
	b := newTestBackend(t)
	js := model.JobSet{Entity: "acme", Project: "ml", Name: "gpu"}
	other := model.JobSet{Entity: "acme", Project: "ml", Name: "cpu"}

	plantLabel(t, b.cfg.StateDir, LabelRecord{
		VMID: "run-live", PID: os.Getpid(), CID: 40,
		Labels: model.JobLabels(js, "item-1", "run-live"),
	})
	plantLabel(t, b.cfg.StateDir, LabelRecord{
		VMID: "run-dead", PID: 0, CID: 41,
		Labels: model.JobLabels(js, "item-2", "run-dead"),
	})
	plantLabel(t, b.cfg.StateDir, LabelRecord{
		VMID: "run-other", PID: os.Getpid(), CID: 42,
		Labels: model.JobLabels(other, "item-3", "run-other"),
	})

	for range 2 {
		orphans, err := b.FindOrphanedJobs(t.Context(), js)
		if err != nil {
			t.Fatalf("FindOrphanedJobs: %v", err)
		}
		if len(orphans) != 1 {
			t.Fatalf("orphans = %+v, want exactly run-live", orphans)
		}
		o := orphans[0]
		if o.RunID != "run-live" || o.ItemID != "item-1" || o.Run.ID() != "run-live" {
			t.Errorf("orphan = %+v", o)
		}
	}

	if len(b.vms) != 1 {
		t.Errorf("tracked vms = %d, want 1 after repeated discovery", len(b.vms))
	}
	if !b.cidInUse[40] {
		t.Error("adopted VM's CID not reserved")
	}
}

func TestCleanupAdoptedWithoutProcess(t *testing.T) {
	b := newTestBackend(t)
	dir := plantLabel(t, b.cfg.StateDir, LabelRecord{VMID: "gone", CID: 50})
	b.reserveCID(50)

	if err := b.Cleanup(t.Context(), "gone"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("state dir still present: %v", err)
	}
	if b.cidInUse[50] {
		t.Error("CID not released")
	}

	if err := b.Cleanup(t.Context(), "never-existed"); err != nil {
		t.Errorf("Cleanup of an unknown run: %v", err)
	}
}

func TestRunStartFailures(t *testing.T) {
	b := newTestBackend(t)

	tests := []struct {
		name string
		p    *project.Project
	}{
		{"no entrypoint", &project.Project{RunID: "r1"}},
		{"bad image name", &project.Project{RunID: "r2", Entrypoint: []string{"true"}, Image: "../etc"}},
		{"missing rootfs", &project.Project{RunID: "r3", Entrypoint: []string{"true"}, Image: "absent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, err := b.Run(context.Background(), tt.p)
			if !errors.Is(err, backend.ErrStartFailed) || !errors.Is(err, backend.ErrInvalidProject) {
				t.Fatalf("err = %v, want ErrStartFailed and ErrInvalidProject", err)
			}
			if run != nil {
				t.Error("run returned alongside error")
			}
		})
	}
	if len(b.vms) != 0 {
		t.Errorf("failed starts left %d tracked vms", len(b.vms))
	}
}

func TestRunRefusesRunIDWithStateDir(t *testing.T) {
	b := newTestBackend(t)
	js := model.JobSet{Entity: "acme", Project: "ml", Name: "gpu"}
	dir := plantLabel(t, b.cfg.StateDir, LabelRecord{
		VMID: "run-live", PID: os.Getpid(), CID: 60,
		Labels: model.JobLabels(js, "item-1", "run-live"),
	})
	rootfs, err := RootfsPath(b.cfg.RootfsDir, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(rootfs, []byte("image"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = b.Run(context.Background(), &project.Project{
		RunID:      "run-live",
		Entrypoint: []string{"true"},
		JobSet:     js,
		Labels:     model.JobLabels(js, "item-2", "run-live"),
	})
	if !errors.Is(err, backend.ErrRunExists) {
		t.Fatalf("Run error = %v, want ErrRunExists", err)
	}

	rec, err := readLabel(dir)
	if err != nil {
		t.Fatalf("label record of the live VM is gone: %v", err)
	}
	if rec.Labels[model.LabelRunQueueItem] != "item-1" {
		t.Errorf("label record rewritten: %+v", rec)
	}
	if _, err := os.Stat(filepath.Join(dir, rootfsName)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("rootfs copied into the live VM's directory: %v", err)
	}
	if len(b.cidInUse) != 0 {
		t.Errorf("refused start holds CIDs: %v", b.cidInUse)
	}
}

func TestVMRunStatusDeadProcess(t *testing.T) {
	b := newTestBackend(t)
	r := &vmRun{b: b, id: "r", rec: LabelRecord{PID: 0}}

	status, err := r.Status(t.Context())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != model.RunFailed {
		t.Errorf("status = %q, want failed", status)
	}
}

func TestVMRunStatusFromGuest(t *testing.T) {
	b := newTestBackend(t)
	sock := filepath.Join(t.TempDir(), "v.sock")
	l, err := serveGuest(sock, func(req GuestRequest) GuestResponse {
		if req.Type != RequestStatus || req.RunID != "r" {
			return GuestResponse{Error: "unexpected request"}
		}
		return GuestResponse{OK: true, Status: "finished"}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	r := &vmRun{b: b, id: "r", rec: LabelRecord{PID: os.Getpid(), VsockPath: sock}}
	status, err := r.Status(t.Context())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != model.RunFinished {
		t.Errorf("status = %q, want finished", status)
	}
}

func TestGuestStatus(t *testing.T) {
	for in, want := range map[string]model.RunStatus{
		"running":  model.RunRunning,
		"finished": model.RunFinished,
		"stopped":  model.RunStopped,
		"weird":    model.RunUnknown,
		"":         model.RunUnknown,
	} {
		if got := guestStatus(in); got != want {
			t.Errorf("guestStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIntArg(t *testing.T) {
	args := map[string]any{"vcpus": float64(4), "mem_mb": float64(0), "bogus": "x"}
	if got := intArg(args, "vcpus", 1); got != 4 {
		t.Errorf("vcpus = %d", got)
	}
	if got := intArg(args, "mem_mb", 512); got != 512 {
		t.Errorf("mem_mb = %d, want default", got)
	}
	if got := intArg(nil, "bogus", 2); got != 2 {
		t.Errorf("nil args = %d", got)
	}
}
