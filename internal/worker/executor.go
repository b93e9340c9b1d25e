package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/seantiz/launchpad/internal/backend/pool"
)

// ErrTimeout is returned when a job exceeds its timeout.
var ErrTimeout = errors.New("job timed out")

// Executor runs one job to completion and returns its exit code.
type Executor interface {
	Execute(ctx context.Context, job *pool.Job) (int, error)
}

// ProcessExecutor runs jobs as child processes of the worker.
type ProcessExecutor struct {
	// OutputDir receives <run ID>.log per job. Empty discards output.
	OutputDir string
}

// Execute implements Executor. A non-zero exit is reported through the exit
// code, not the error.
func (e *ProcessExecutor) Execute(ctx context.Context, job *pool.Job) (int, error) {
	if len(job.Entrypoint) == 0 {
		return -1, errors.New("job has no entrypoint")
	}

	if job.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutS)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, job.Entrypoint[0], job.Entrypoint[1:]...)
	cmd.Env = os.Environ()
	for k, v := range job.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	out := io.Discard
	if e.OutputDir != "" {
		f, err := os.Create(filepath.Join(e.OutputDir, job.RunID+".log"))
		if err != nil {
			return -1, fmt.Errorf("create log: %w", err)
		}
		defer f.Close()
		out = f
	}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return -1, ErrTimeout
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}
