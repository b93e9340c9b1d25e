package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/launchpad/internal/api"
	"github.com/seantiz/launchpad/internal/backend"
	"github.com/seantiz/launchpad/internal/backend/firecracker"
	"github.com/seantiz/launchpad/internal/backend/local"
	"github.com/seantiz/launchpad/internal/backend/pool"
	"github.com/seantiz/launchpad/internal/config"
	"github.com/seantiz/launchpad/internal/controller"
	"github.com/seantiz/launchpad/internal/jobset"
	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/telemetry"
)

var (
	agentConfigFile     string
	agentID             string
	agentListen         string
	agentJobSet         string
	agentBackend        string
	agentMaxConcurrency string
	agentTick           time.Duration
	agentGrace          time.Duration
	otelEnabled         bool
	otelEndpoint        string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run one controller per configured job-set",
	Long: `Run the launch agent. Job-sets come from the TOML file given by --config
(or $LAUNCHPAD_CONFIG), or a single job-set from --jobset.`,
	RunE: runAgent,
}

func init() {
	f := agentCmd.Flags()
	f.StringVar(&agentConfigFile, "config", "", "TOML agent configuration file")
	f.StringVar(&agentID, "agent-id", "", "Agent identity reported to the queue (default hostname)")
	f.StringVar(&agentListen, "listen", "", "Status API listen address")
	f.StringVar(&agentJobSet, "jobset", "", "Serve a single job-set, as entity/project/name")
	f.StringVar(&agentBackend, "backend", model.BackendLocalProcess, "Backend for --jobset ("+model.BackendLocalProcess+", "+model.BackendMicroVM+", "+model.BackendWorkerPool+")")
	f.StringVar(&agentMaxConcurrency, "max-concurrency", "", `Concurrency ceiling for --jobset: "auto" or a positive integer`)
	f.DurationVar(&agentTick, "tick", 0, "Reconcile interval")
	f.DurationVar(&agentGrace, "grace", 0, "Delay after in-flight launches drain on shutdown")
	f.BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	f.StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")
}

// applyAgentFlags overlays the config file and flags onto cfg.
func applyAgentFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Changed("config") {
		cfg.ConfigFile = agentConfigFile
	}
	if cfg.ConfigFile != "" {
		file, err := config.LoadFile(cfg.ConfigFile)
		if err != nil {
			return err
		}
		file.Apply(&cfg)
	}

	if flags.Changed("agent-id") {
		cfg.AgentID = agentID
	}
	if flags.Changed("listen") {
		cfg.ListenAddr = agentListen
	}
	if flags.Changed("tick") {
		cfg.TickInterval = agentTick
	}
	if flags.Changed("grace") {
		cfg.GraceDelay = agentGrace
	}
	if flags.Changed("otel-enabled") {
		cfg.OtelEnabled = otelEnabled
	}
	if flags.Changed("otel-endpoint") {
		cfg.OtelEndpoint = otelEndpoint
	}

	if agentJobSet != "" {
		js, err := model.ParseJobSet(agentJobSet)
		if err != nil {
			return err
		}
		jc := config.JobSetConfig{JobSet: js, Backend: agentBackend}
		if agentMaxConcurrency != "" {
			c, err := config.ParseConcurrency(agentMaxConcurrency)
			if err != nil {
				return err
			}
			jc.MaxConcurrency = c
		}
		cfg.JobSets = []config.JobSetConfig{jc}
	}
	if len(cfg.JobSets) == 0 {
		return errors.New("no job-sets: pass --jobset or --config")
	}
	return nil
}

// newRegistry registers every backend the agent can drive. Backends are
// built lazily, so unused ones cost nothing.
func newRegistry() *backend.Registry {
	reg := backend.NewRegistry(logger)
	reg.Register(model.BackendLocalProcess, local.Factory(local.LoadConfig()))
	reg.Register(model.BackendMicroVM, firecracker.Factory(firecracker.LoadConfig()))
	reg.Register(model.BackendWorkerPool, pool.Factory(pool.LoadConfig()))
	return reg
}

func runAgent(cmd *cobra.Command, _ []string) error {
	if err := applyAgentFlags(cmd); err != nil {
		return err
	}

	shutdownTracer, err := telemetry.InitTracer(cfg.OtelEnabled, "launchpad-agent", cfg.OtelEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("shutdown tracer", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := newRegistry()
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("close backends", "error", err)
		}
	}()

	logger.Info("launchpad agent: starting",
		"agent_id", cfg.AgentID,
		"queue_url", cfg.QueueURL,
		"jobsets", len(cfg.JobSets),
	)

	sup, err := controller.NewSupervisor(ctx, cfg, controller.Deps{
		API:      jobset.NewClient(cfg.QueueURL),
		Backends: reg,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	srv := api.NewServer(cfg.ListenAddr, logger, api.WithControllers(sup, reg))
	serverCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))

	var g errgroup.Group
	g.Go(func() error {
		defer stopServer()
		return sup.Run(ctx)
	})
	g.Go(func() error {
		if err := srv.Run(serverCtx); err != nil {
			logger.Error("status api stopped", "error", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("launchpad agent: stopped")
	return nil
}
