// Package guest implements the agent that runs as init inside a launchpad
// microVM. It accepts one request per vsock connection: start launches the
// job's entrypoint, status reports how that job is doing.
package guest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	fc "github.com/seantiz/launchpad/internal/backend/firecracker"
	"github.com/seantiz/launchpad/internal/model"
)

// job is one process started by the agent.
type job struct {
	cmd      *exec.Cmd
	status   model.RunStatus
	exitCode *int
	timedOut bool
}

// Agent handles vsock connections and runs jobs.
type Agent struct {
	listener net.Listener
	workDir  string
	logger   *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// New creates a guest agent serving listener. Jobs run in workDir and write
// their combined output to <workDir>/<run ID>.log.
func New(listener net.Listener, workDir string, logger *slog.Logger) *Agent {
	return &Agent{
		listener: listener,
		workDir:  workDir,
		logger:   logger,
		jobs:     make(map[string]*job),
	}
}

// Serve accepts connections until the listener is closed.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(conn)
	}
}

func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	var req fc.GuestRequest
	if err := fc.ReadMessage(conn, &req); err != nil {
		a.logger.Warn("read request", "error", err)
		a.reply(conn, fc.GuestResponse{Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	var resp fc.GuestResponse
	switch req.Type {
	case fc.RequestStart:
		resp = a.start(req)
	case fc.RequestStatus:
		resp = a.status(req.RunID)
	default:
		resp = fc.GuestResponse{Error: fmt.Sprintf("unknown request type %q", req.Type)}
	}
	a.reply(conn, resp)
}

func (a *Agent) reply(conn net.Conn, resp fc.GuestResponse) {
	if err := fc.WriteMessage(conn, &resp); err != nil {
		a.logger.Warn("write response", "error", err)
	}
}

// start launches the job for req.RunID. Starting a run that is already known
// reports its current state instead of launching it twice.
func (a *Agent) start(req fc.GuestRequest) fc.GuestResponse {
	if req.RunID == "" {
		return fc.GuestResponse{Error: "run_id is required"}
	}
	if req.Start == nil || len(req.Start.Entrypoint) == 0 {
		return fc.GuestResponse{Error: "entrypoint is required"}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if j, ok := a.jobs[req.RunID]; ok {
		return a.describe(j)
	}

	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return fc.GuestResponse{Error: fmt.Sprintf("create work dir: %v", err)}
	}
	out, err := os.Create(filepath.Join(a.workDir, req.RunID+".log"))
	if err != nil {
		return fc.GuestResponse{Error: fmt.Sprintf("create log: %v", err)}
	}

	ep := req.Start.Entrypoint
	cmd := exec.Command(ep[0], ep[1:]...)
	cmd.Dir = a.workDir
	cmd.Env = os.Environ()
	for k, v := range req.Start.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		out.Close()
		return fc.GuestResponse{Error: fmt.Sprintf("start %s: %v", ep[0], err)}
	}

	j := &job{cmd: cmd, status: model.RunRunning}
	a.jobs[req.RunID] = j
	a.logger.Info("job started", "run_id", req.RunID, "pid", cmd.Process.Pid)

	var timer *time.Timer
	if req.Start.TimeoutS > 0 {
		timer = time.AfterFunc(time.Duration(req.Start.TimeoutS)*time.Second, func() {
			a.mu.Lock()
			j.timedOut = true
			a.mu.Unlock()
			_ = cmd.Process.Signal(syscall.SIGKILL)
		})
	}

	go func() {
		err := cmd.Wait()
		if timer != nil {
			timer.Stop()
		}
		out.Close()
		a.finish(req.RunID, j, err)
	}()

	return a.describe(j)
}

func (a *Agent) finish(runID string, j *job, waitErr error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	code := 0
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		j.status = model.RunFinished
	case j.timedOut:
		j.status = model.RunFailed
		code = -1
	case errors.As(waitErr, &exitErr):
		j.status = model.RunFailed
		code = exitErr.ExitCode()
	default:
		j.status = model.RunFailed
		code = -1
	}
	j.exitCode = &code
	a.logger.Info("job exited", "run_id", runID, "status", j.status, "exit_code", code)
}

func (a *Agent) status(runID string) fc.GuestResponse {
	a.mu.Lock()
	defer a.mu.Unlock()

	j, ok := a.jobs[runID]
	if !ok {
		return fc.GuestResponse{Error: fmt.Sprintf("unknown run %q", runID)}
	}
	return a.describe(j)
}

// describe must be called with a.mu held.
func (a *Agent) describe(j *job) fc.GuestResponse {
	return fc.GuestResponse{
		OK:       true,
		Status:   string(j.status),
		PID:      j.cmd.Process.Pid,
		ExitCode: j.exitCode,
	}
}

// Logs opens the output file of a run.
func (a *Agent) Logs(runID string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(a.workDir, runID+".log"))
}
