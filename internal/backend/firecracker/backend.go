package firecracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/launchpad/internal/backend"
	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/project"
)

const (
	// DefaultBootArgs are the kernel boot arguments for launchpad microVMs.
	DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

	vsockDeviceID = "vsock0"
	rootfsDriveID = "rootfs"

	apiSocketName   = "firecracker.sock"
	vsockSocketName = "vsock.sock"
	rootfsName      = "rootfs.ext4"

	// bootTimeout bounds VM boot plus the start exchange with the guest.
	bootTimeout = 30 * time.Second

	// statusTimeout bounds one status exchange with the guest.
	statusTimeout = 5 * time.Second

	gracefulShutdownTimeout = 3 * time.Second
)

// vmState is a microVM this agent is responsible for. machine is nil for VMs
// adopted from an earlier agent.
type vmState struct {
	machine *fcsdk.Machine
	rec     LabelRecord
	dir     string
}

// Backend implements backend.Backend with one Firecracker microVM per run.
// VMs run in their own session and outlive the agent; each one's label
// record in StateDir is how a later agent finds it again.
type Backend struct {
	cfg    Config
	netMgr *NetworkManager
	logger *slog.Logger

	mu  sync.Mutex
	vms map[string]*vmState // run ID → state

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

var _ backend.Backend = (*Backend)(nil)

// NewBackend prepares the state directory and, when networking is enabled,
// the CNI network. CIDs held by VMs still alive from an earlier agent are
// reserved.
func NewBackend(cfg Config, logger *slog.Logger) (*Backend, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	b := &Backend{
		cfg:      cfg,
		logger:   logger,
		vms:      make(map[string]*vmState),
		cidNext:  max(cfg.CIDBase, MinCID),
		cidInUse: make(map[uint32]bool),
	}

	if cfg.Network {
		netMgr, err := NewNetworkManager(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("create network manager: %w", err)
		}
		if err := netMgr.Verify(); err != nil {
			return nil, err
		}
		if err := netMgr.WriteConfList(); err != nil {
			return nil, err
		}
		if err := EnsureIPForwarding(); err != nil {
			logger.Warn("could not enable IP forwarding", "error", err)
		}
		b.netMgr = netMgr
	}

	recs, err := scanLabels(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if pidAlive(rec.PID) {
			b.cidInUse[rec.CID] = true
		}
	}
	return b, nil
}

// Factory adapts NewBackend to backend.Factory.
func Factory(cfg Config) backend.Factory {
	return func(logger *slog.Logger) (backend.Backend, error) {
		return NewBackend(cfg, logger)
	}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return model.BackendMicroVM }

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:                  model.BackendMicroVM,
		OrphanDiscovery:       true,
		DefaultMaxConcurrency: b.cfg.MaxConcurrentVMs,
		QueueDriver:           backend.DriverStandard,
	}
}

// LabelJob implements backend.Backend. The labels are persisted in the VM's
// label record and exported into the job's environment.
func (b *Backend) LabelJob(p *project.Project) {
	backend.ExportLabels(p)
}

// Run boots a microVM and asks its guest agent to start the job.
func (b *Backend) Run(ctx context.Context, p *project.Project) (backend.Run, error) {
	if len(p.Entrypoint) == 0 {
		return nil, fmt.Errorf("%w: %w: microvm backend needs an entrypoint", backend.ErrStartFailed, backend.ErrInvalidProject)
	}
	rootfsPath, err := RootfsPath(b.cfg.RootfsDir, p.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %w", backend.ErrStartFailed, backend.ErrInvalidProject, err)
	}
	if _, err := os.Stat(rootfsPath); err != nil {
		return nil, fmt.Errorf("%w: %w: rootfs image: %w", backend.ErrStartFailed, backend.ErrInvalidProject, err)
	}

	vmID := p.RunID
	bootStart := time.Now()

	state, err := b.boot(vmID, rootfsPath, p)
	if err != nil {
		runsTotal.WithLabelValues(outcomeStartFailed).Inc()
		return nil, fmt.Errorf("%w: %w", backend.ErrStartFailed, err)
	}

	startCtx, cancel := context.WithTimeout(ctx, bootTimeout)
	defer cancel()
	resp, err := callGuest(startCtx, state.rec.VsockPath, b.cfg.VsockPort, GuestRequest{
		Type:  RequestStart,
		RunID: p.RunID,
		Start: &StartRequest{
			Entrypoint: p.Entrypoint,
			Env:        p.Env,
			TimeoutS:   p.TimeoutS,
		},
	})
	if err != nil {
		b.forget(vmID)
		b.stopAndCleanup(vmID, state)
		runsTotal.WithLabelValues(outcomeStartFailed).Inc()
		return nil, fmt.Errorf("%w: start job in guest: %w", backend.ErrStartFailed, err)
	}

	vmBootDuration.Observe(time.Since(bootStart).Seconds())
	runsTotal.WithLabelValues(outcomeStarted).Inc()
	b.logger.Info("microvm run started",
		"run_id", p.RunID,
		"item_id", p.RunQueueItemID,
		"vmm_pid", state.rec.PID,
		"guest_pid", resp.PID,
		"cid", state.rec.CID,
	)
	return &vmRun{b: b, id: p.RunID, rec: state.rec}, nil
}

// boot starts the VM and writes its label record. On error nothing is left
// behind. A run ID that already owns a state directory is refused without
// touching it.
func (b *Backend) boot(vmID, rootfsPath string, p *project.Project) (*vmState, error) {
	dir, err := b.claimStateDir(vmID)
	if err != nil {
		return nil, err
	}
	cid, err := b.allocateCID()
	if err != nil {
		os.Remove(dir)
		return nil, err
	}

	state := &vmState{dir: dir, rec: LabelRecord{
		VMID:       vmID,
		Labels:     p.Labels,
		CID:        cid,
		VsockPath:  filepath.Join(dir, vsockSocketName),
		SocketPath: filepath.Join(dir, apiSocketName),
		Network:    b.netMgr != nil,
	}}
	abort := func(err error) (*vmState, error) {
		b.stopAndCleanup(vmID, state)
		return nil, err
	}

	vmRootfs := filepath.Join(dir, rootfsName)
	if err := copyRootfs(rootfsPath, vmRootfs); err != nil {
		return abort(fmt.Errorf("copy rootfs: %w", err))
	}

	fcCfg := fcsdk.Config{
		SocketPath:      state.rec.SocketPath,
		KernelImagePath: b.cfg.KernelPath,
		KernelArgs:      DefaultBootArgs,
		Drives: []models.Drive{{
			DriveID:      fcsdk.String(rootfsDriveID),
			PathOnHost:   fcsdk.String(vmRootfs),
			IsRootDevice: fcsdk.Bool(true),
			IsReadOnly:   fcsdk.Bool(false),
		}},
		VsockDevices: []fcsdk.VsockDevice{{
			ID:   vsockDeviceID,
			Path: state.rec.VsockPath,
			CID:  cid,
		}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(intArg(p.ResourceArgs, "vcpus", b.cfg.DefaultVCPUs)),
			MemSizeMib: fcsdk.Int64(intArg(p.ResourceArgs, "mem_mb", b.cfg.DefaultMemMB)),
			Smt:        fcsdk.Bool(false),
		},
		VMID: vmID,
		// An empty slice keeps the agent's signals away from the VMM.
		ForwardSignals: []os.Signal{},
	}

	if b.netMgr != nil {
		netCfg, err := b.netMgr.Setup(context.Background(), vmID)
		if err != nil {
			return abort(fmt.Errorf("network setup: %w", err))
		}
		fcCfg.NetNS = netCfg.NamespacePath
		fcCfg.NetworkInterfaces = fcsdk.NetworkInterfaces{{
			StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
				MacAddress:  netCfg.MACAddress,
				HostDevName: netCfg.TAPDevice,
			},
		}}
	}

	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	// The VMM must outlive both the launch context and the agent.
	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(b.cfg.FirecrackerBin).
		WithSocketPath(state.rec.SocketPath).
		Build(context.Background())
	fcCmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	machine, err := fcsdk.NewMachine(context.Background(), fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		return abort(fmt.Errorf("create machine: %w", err))
	}
	state.machine = machine

	if err := machine.Start(context.Background()); err != nil {
		return abort(fmt.Errorf("start VM: %w", err))
	}
	pid, err := machine.PID()
	if err != nil {
		return abort(fmt.Errorf("VMM pid: %w", err))
	}
	state.rec.PID = pid
	state.rec.StartedAt = time.Now().UTC()

	if err := writeLabel(dir, state.rec); err != nil {
		return abort(err)
	}

	b.track(vmID, state)
	return state, nil
}

// FindOrphanedJobs implements backend.Backend by scanning the label records
// in StateDir for live VMs launched for js.
func (b *Backend) FindOrphanedJobs(_ context.Context, js model.JobSet) ([]backend.Orphan, error) {
	recs, err := scanLabels(b.cfg.StateDir)
	if err != nil {
		return nil, err
	}

	var orphans []backend.Orphan
	for _, rec := range recs {
		if !backend.MatchesJobSet(rec.Labels, js) || !pidAlive(rec.PID) {
			continue
		}
		runID := rec.Labels[model.LabelRunID]
		if runID == "" {
			runID = rec.VMID
		}

		b.mu.Lock()
		_, known := b.vms[runID]
		b.mu.Unlock()
		if !known {
			b.reserveCID(rec.CID)
			b.track(runID, &vmState{rec: rec, dir: filepath.Join(b.cfg.StateDir, rec.VMID)})
			runsTotal.WithLabelValues(outcomeAdopted).Inc()
		}

		orphans = append(orphans, backend.Orphan{
			ItemID: rec.Labels[model.LabelRunQueueItem],
			RunID:  runID,
			Run:    &vmRun{b: b, id: runID, rec: rec},
		})
	}
	return orphans, nil
}

// Cleanup implements backend.Backend. It stops the VM and removes its
// network, CID and state directory.
func (b *Backend) Cleanup(_ context.Context, runID string) error {
	state, ok := b.forget(runID)
	if !ok {
		dir := filepath.Join(b.cfg.StateDir, runID)
		rec, err := readLabel(dir)
		if errors.Is(err, os.ErrNotExist) {
			return os.RemoveAll(dir)
		}
		if err != nil {
			return err
		}
		state = &vmState{rec: rec, dir: dir}
	}
	b.stopAndCleanup(runID, state)
	return nil
}

// claimStateDir creates the state directory for vmID. The directory is the
// run ID's claim on this host, so it must not exist yet.
func (b *Backend) claimStateDir(vmID string) (string, error) {
	dir := filepath.Join(b.cfg.StateDir, vmID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.vms[vmID]; ok {
		return "", fmt.Errorf("%w: %s", backend.ErrRunExists, vmID)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s has a state directory", backend.ErrRunExists, vmID)
		}
		return "", fmt.Errorf("create vm dir: %w", err)
	}
	return dir, nil
}

func (b *Backend) track(runID string, state *vmState) {
	b.mu.Lock()
	b.vms[runID] = state
	b.mu.Unlock()
	activeVMs.Inc()
}

func (b *Backend) forget(runID string) (*vmState, bool) {
	b.mu.Lock()
	state, ok := b.vms[runID]
	delete(b.vms, runID)
	b.mu.Unlock()
	if ok {
		activeVMs.Dec()
	}
	return state, ok
}

// stopAndCleanup stops a VM and releases everything it held. It uses fresh
// contexts so cleanup completes even when the caller's context is done.
func (b *Backend) stopAndCleanup(vmID string, state *vmState) {
	cleanupStart := time.Now()

	switch {
	case state.machine != nil:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		if err := state.machine.Shutdown(shutdownCtx); err != nil {
			b.logger.Debug("graceful shutdown failed, forcing stop", "vm_id", vmID, "error", err)
			if err := state.machine.StopVMM(); err != nil {
				b.logger.Debug("StopVMM failed", "vm_id", vmID, "error", err)
			}
		}
		cancel()

		waitCtx, waitCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		if err := state.machine.Wait(waitCtx); err != nil {
			b.logger.Debug("wait for VM exit", "vm_id", vmID, "error", err)
		}
		waitCancel()
	case state.rec.PID > 0:
		terminate(state.rec.PID)
	}

	if state.rec.CID != 0 {
		b.releaseCID(state.rec.CID)
	}

	if state.rec.Network && b.netMgr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		if err := b.netMgr.Teardown(ctx, vmID); err != nil {
			b.logger.Warn("network teardown failed", "vm_id", vmID, "error", err)
		}
		cancel()
	}

	if state.dir != "" {
		os.RemoveAll(state.dir)
	}

	vmCleanupDuration.Observe(time.Since(cleanupStart).Seconds())
	b.logger.Debug("cleanup complete", "vm_id", vmID)
}

// terminate stops a VMM this agent did not start: SIGTERM, then SIGKILL if
// it is still around after the grace period.
func terminate(pid int) {
	_ = syscall.Kill(pid, syscall.SIGTERM)
	deadline := time.Now().Add(gracefulShutdownTimeout)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

// allocateCID returns the next available vsock CID.
func (b *Backend) allocateCID() (uint32, error) {
	b.cidMu.Lock()
	defer b.cidMu.Unlock()

	scanRange := uint32(b.cfg.MaxConcurrentVMs + len(b.cidInUse) + 10)
	for i := range scanRange {
		candidate := max(b.cidNext+i, MinCID)
		if !b.cidInUse[candidate] {
			b.cidInUse[candidate] = true
			b.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use)", len(b.cidInUse))
}

func (b *Backend) reserveCID(cid uint32) {
	b.cidMu.Lock()
	defer b.cidMu.Unlock()
	b.cidInUse[cid] = true
}

func (b *Backend) releaseCID(cid uint32) {
	b.cidMu.Lock()
	defer b.cidMu.Unlock()
	delete(b.cidInUse, cid)
}

// copyRootfs copies the rootfs image for one VM, copy-on-write where the
// filesystem supports it.
func copyRootfs(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(output), err)
	}
	return nil
}

// intArg reads a positive integer from resource args, which arrive as JSON
// numbers.
func intArg(args map[string]any, key string, def int) int64 {
	switch v := args[key].(type) {
	case float64:
		if v >= 1 {
			return int64(v)
		}
	case int:
		if v >= 1 {
			return int64(v)
		}
	}
	return int64(def)
}

// vmRun is the backend.Run for one microVM.
type vmRun struct {
	b   *Backend
	id  string
	rec LabelRecord
}

func (r *vmRun) ID() string { return r.id }

// Status asks the guest agent for the job's status. A VMM that has exited
// without the job reporting completion counts as failed.
func (r *vmRun) Status(ctx context.Context) (model.RunStatus, error) {
	if !pidAlive(r.rec.PID) {
		return model.RunFailed, nil
	}

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	resp, err := callGuest(ctx, r.rec.VsockPath, r.b.cfg.VsockPort, GuestRequest{Type: RequestStatus, RunID: r.id})
	if err != nil {
		guestErrorsTotal.Inc()
		return model.RunUnknown, fmt.Errorf("status of %s: %w", r.id, err)
	}
	return guestStatus(resp.Status), nil
}

// guestStatus maps the guest agent's status string onto a RunStatus.
func guestStatus(s string) model.RunStatus {
	switch st := model.RunStatus(s); st {
	case model.RunPending, model.RunStarting, model.RunRunning,
		model.RunFinished, model.RunFailed, model.RunStopped:
		return st
	}
	return model.RunUnknown
}
