package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/launchpad/internal/backend"
	"github.com/seantiz/launchpad/internal/config"
	"github.com/seantiz/launchpad/internal/jobset"
	"github.com/seantiz/launchpad/internal/manager"
	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/project"
	"github.com/seantiz/launchpad/internal/queue"
	"github.com/seantiz/launchpad/internal/tracker"
)

// Deps are the shared collaborators controllers are built from.
type Deps struct {
	API      jobset.API
	Backends *backend.Registry
	// Trackers overrides the tracker factory. By default runs are recorded
	// through API.
	Trackers func(backendName string) tracker.Factory
	Logger   *slog.Logger
}

// Build wires a controller for one job-set: it resolves the backend, the
// concurrency ceiling and the queue driver the backend asks for.
func Build(ctx context.Context, cfg config.Config, js config.JobSetConfig, deps Deps) (*Controller, error) {
	name := js.Backend
	if name == "" {
		name = model.BackendLocalProcess
	}
	b, err := deps.Backends.Resolve(name)
	if err != nil {
		return nil, fmt.Errorf("job-set %s: %w", js.Key(), err)
	}
	caps := b.Capabilities()

	cc, err := js.Resolve(cfg, caps.DefaultMaxConcurrency)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger.With("jobset", cc.JobSet.Key())

	var (
		driver queue.Driver
		onStop func()
	)
	switch caps.QueueDriver {
	case backend.DriverPassthrough:
		view := jobset.New(deps.API, cc.JobSet, cc.AgentID, logger)
		view.StartSyncLoop(context.WithoutCancel(ctx), cc.TickInterval)
		driver = queue.NewPassthrough(view)
		onStop = view.StopSyncLoop
	case backend.DriverStandard, "":
		driver = queue.NewStandard(deps.API, cc.JobSet, cc.AgentID)
	default:
		return nil, fmt.Errorf("job-set %s: backend %s wants unknown queue driver %q", js.Key(), name, caps.QueueDriver)
	}

	trackers := tracker.RemoteFactory(deps.API, b.Name())
	if deps.Trackers != nil {
		trackers = deps.Trackers(b.Name())
	}

	mgr := manager.New(manager.Config{
		JobSet:         cc.JobSet,
		MaxConcurrency: cc.MaxConcurrency,
		Backend:        b,
		Driver:         driver,
		Builder:        project.Builder{JobSet: cc.JobSet, Resource: b.Name()},
		Trackers:       trackers,
		Logger:         deps.Logger,
	})
	c := New(cc, mgr, deps.Logger)
	if onStop != nil {
		c.OnStop(onStop)
	}
	return c, nil
}

// Supervisor runs a set of controllers side by side.
type Supervisor struct {
	controllers []*Controller
	logger      *slog.Logger
}

// NewSupervisor builds one controller per job-set in cfg.
func NewSupervisor(ctx context.Context, cfg config.Config, deps Deps) (*Supervisor, error) {
	if len(cfg.JobSets) == 0 {
		return nil, errors.New("no job-sets configured")
	}
	s := &Supervisor{logger: deps.Logger}
	for _, js := range cfg.JobSets {
		c, err := Build(ctx, cfg, js, deps)
		if err != nil {
			for _, built := range s.controllers {
				built.stop()
			}
			return nil, err
		}
		s.controllers = append(s.controllers, c)
	}
	return s, nil
}

// NewSupervisorFor wraps already-built controllers.
func NewSupervisorFor(logger *slog.Logger, controllers ...*Controller) *Supervisor {
	return &Supervisor{controllers: controllers, logger: logger}
}

// Run runs every controller until ctx is cancelled and all of them have
// drained. A controller that fails does not stop the others; the first
// failure is returned once all have exited.
func (s *Supervisor) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range s.controllers {
		g.Go(func() error {
			if err := c.Run(ctx); err != nil {
				return fmt.Errorf("controller %s: %w", c.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Controllers returns the supervised controllers sorted by name.
func (s *Supervisor) Controllers() []*Controller {
	out := slices.Clone(s.controllers)
	slices.SortFunc(out, func(a, b *Controller) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}

// Controller returns the controller for the job-set key name.
func (s *Supervisor) Controller(name string) (*Controller, bool) {
	for _, c := range s.controllers {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}
