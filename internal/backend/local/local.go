// Package local runs jobs as child processes of the agent. Children do not
// outlive the agent, so there is never anything to rediscover.
package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/launchpad/internal/backend"
	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/project"
)

// Config holds configuration for the local-process backend.
type Config struct {
	// WorkDir is the working directory of child processes. Empty means the
	// agent's own working directory.
	WorkDir string

	// OutputDir receives one <run id>.log file per run. Empty discards output.
	OutputDir string
}

// LoadConfig reads local backend configuration from environment variables.
func LoadConfig() Config {
	return Config{
		WorkDir:   os.Getenv("LAUNCHPAD_LOCAL_WORKDIR"),
		OutputDir: os.Getenv("LAUNCHPAD_LOCAL_OUTPUT_DIR"),
	}
}

// Backend implements backend.Backend with os/exec.
type Backend struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*process
}

var _ backend.Backend = (*Backend)(nil)

// New creates a local-process backend.
func New(cfg Config, logger *slog.Logger) *Backend {
	return &Backend{
		cfg:    cfg,
		logger: logger,
		procs:  make(map[string]*process),
	}
}

// Factory adapts New to backend.Factory.
func Factory(cfg Config) backend.Factory {
	return func(logger *slog.Logger) (backend.Backend, error) {
		return New(cfg, logger), nil
	}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return model.BackendLocalProcess }

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:        model.BackendLocalProcess,
		QueueDriver: backend.DriverPassthrough,
	}
}

// LabelJob implements backend.Backend. Labels reach the child through its
// environment.
func (b *Backend) LabelJob(p *project.Project) {
	backend.ExportLabels(p)
}

// Run implements backend.Backend. A run ID may be reused only after the
// previous run with that ID has been cleaned up.
func (b *Backend) Run(_ context.Context, p *project.Project) (backend.Run, error) {
	if len(p.Entrypoint) == 0 {
		return nil, fmt.Errorf("%w: %w: local-process backend needs an entrypoint", backend.ErrStartFailed, backend.ErrInvalidProject)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.procs[p.RunID]; ok {
		return nil, fmt.Errorf("%w: %w: %s", backend.ErrStartFailed, backend.ErrRunExists, p.RunID)
	}

	// The child must survive the tick that launched it.
	cmd := exec.Command(p.Entrypoint[0], p.Entrypoint[1:]...)
	cmd.Dir = b.cfg.WorkDir
	cmd.Env = mergeEnv(os.Environ(), p.Env)

	out, err := b.openOutput(p.RunID)
	if err != nil {
		return nil, err
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		out.Close()
		return nil, fmt.Errorf("%w: %w", backend.ErrStartFailed, err)
	}

	proc := &process{id: p.RunID, cmd: cmd, done: make(chan struct{})}
	b.procs[p.RunID] = proc

	if p.TimeoutS > 0 {
		proc.timer = time.AfterFunc(time.Duration(p.TimeoutS)*time.Second, func() {
			b.logger.Warn("run timed out, killing", "run_id", p.RunID, "timeout_s", p.TimeoutS)
			proc.kill(model.RunFailed)
		})
	}

	go func() {
		err := cmd.Wait()
		out.Close()
		proc.finish(err)
		b.logger.Info("process exited", "run_id", p.RunID, "pid", cmd.Process.Pid, "status", proc.status())
	}()

	b.logger.Info("process started", "run_id", p.RunID, "pid", cmd.Process.Pid, "entrypoint", strings.Join(p.Entrypoint, " "))
	return proc, nil
}

// FindOrphanedJobs implements backend.Backend. Child processes never outlive
// the agent.
func (b *Backend) FindOrphanedJobs(context.Context, model.JobSet) ([]backend.Orphan, error) {
	return nil, nil
}

// Cleanup implements backend.Backend. A process still running is killed.
func (b *Backend) Cleanup(_ context.Context, runID string) error {
	b.mu.Lock()
	proc, ok := b.procs[runID]
	delete(b.procs, runID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	proc.kill(model.RunStopped)
	return nil
}

func (b *Backend) openOutput(runID string) (io.WriteCloser, error) {
	if b.cfg.OutputDir == "" {
		return nopCloser{io.Discard}, nil
	}
	if err := os.MkdirAll(b.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(filepath.Join(b.cfg.OutputDir, runID+".log"))
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// mergeEnv appends env to base, replacing existing keys.
func mergeEnv(base []string, env map[string]string) []string {
	out := make([]string, 0, len(base)+len(env))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, override := env[k]; !override {
			out = append(out, kv)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// process is the backend.Run for one child.
type process struct {
	id    string
	cmd   *exec.Cmd
	timer *time.Timer
	done  chan struct{}

	mu     sync.Mutex
	killed model.RunStatus
	result model.RunStatus
}

func (p *process) ID() string { return p.id }

func (p *process) Status(context.Context) (model.RunStatus, error) {
	return p.status(), nil
}

func (p *process) status() model.RunStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == "" {
		return model.RunRunning
	}
	return p.result
}

func (p *process) finish(err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.killed != "":
		p.result = p.killed
	case err == nil:
		p.result = model.RunFinished
	default:
		p.result = model.RunFailed
	}
	close(p.done)
}

// kill stops the child if it is still running and records the status it
// should report once it exits.
func (p *process) kill(as model.RunStatus) {
	p.mu.Lock()
	if p.result != "" {
		p.mu.Unlock()
		return
	}
	p.killed = as
	p.mu.Unlock()
	_ = p.cmd.Process.Kill()
	<-p.done
}
