package controller

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/seantiz/launchpad/internal/config"
	"github.com/seantiz/launchpad/internal/manager"
)

// Controller drives one manager on a fixed tick.
type Controller struct {
	cfg     config.ControllerConfig
	mgr     *manager.Manager
	logger  *slog.Logger
	onStop  []func()
	started time.Time
}

// New creates a controller for mgr. cfg must already be validated.
func New(cfg config.ControllerConfig, mgr *manager.Manager, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		mgr:    mgr,
		logger: logger.With("jobset", cfg.JobSet.Key(), "backend", cfg.Backend),
	}
}

// Name is the job-set key the controller serves.
func (c *Controller) Name() string { return c.cfg.JobSet.Key() }

// Config returns the controller's resolved configuration.
func (c *Controller) Config() config.ControllerConfig { return c.cfg }

// Manager returns the controller's manager.
func (c *Controller) Manager() *manager.Manager { return c.mgr }

// OnStop registers fn to run after the loop has drained.
func (c *Controller) OnStop(fn func()) { c.onStop = append(c.onStop, fn) }

// Run adopts orphaned jobs, then reconciles every tick interval until ctx is
// cancelled. It returns nil on a clean shutdown and an error if a tick
// panicked.
func (c *Controller) Run(ctx context.Context) error {
	c.started = time.Now()
	c.logger.Info("controller started",
		"max_concurrency", c.cfg.MaxConcurrency,
		"tick_interval", c.cfg.TickInterval,
	)

	if n, err := c.mgr.AdoptOrphans(context.WithoutCancel(ctx)); err != nil {
		c.logger.Warn("orphan discovery failed", "error", err)
	} else if n > 0 {
		c.logger.Info("adopted orphaned runs", "count", n)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return c.shutdown()
		}

		if err := c.tick(ctx); err != nil {
			c.logger.Error("controller loop failed", "error", err)
			c.mgr.Wait()
			c.stop()
			return err
		}
		timer.Reset(c.cfg.TickInterval)
	}
}

// tick runs one reconcile detached from ctx so that shutdown never
// interrupts it halfway.
func (c *Controller) tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconcile panicked: %v\n%s", r, debug.Stack())
		}
	}()
	if err := c.mgr.Reconcile(context.WithoutCancel(ctx)); err != nil {
		c.logger.Warn("reconcile failed", "error", err)
	}
	return nil
}

func (c *Controller) shutdown() error {
	c.logger.Info("shutting down, waiting for in-flight launches")
	c.mgr.Wait()
	if c.cfg.GraceDelay > 0 {
		time.Sleep(c.cfg.GraceDelay)
	}
	c.stop()
	c.logger.Info("controller stopped",
		"active_runs", len(c.mgr.ActiveRuns()),
		"uptime", time.Since(c.started).Round(time.Second),
	)
	return nil
}

func (c *Controller) stop() {
	for _, fn := range c.onStop {
		fn()
	}
	c.mgr.Close()
}
