// Command launchpad-worker executes jobs submitted to the worker-pool
// backend. Run as many as the pool needs; they coordinate through Postgres.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/seantiz/launchpad/internal/backend/pool"
	"github.com/seantiz/launchpad/internal/config"
	"github.com/seantiz/launchpad/internal/mq"
	"github.com/seantiz/launchpad/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	poolCfg := pool.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := pool.OpenPool(ctx, poolCfg.DBURL)
	if err != nil {
		logger.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	repo := pool.NewRepo(pg)
	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	conn, err := mq.NewConnection(poolCfg.AMQPURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ unavailable, polling only", "error", err)
	} else {
		defer conn.Close()
		if err := poolCfg.Topology().Setup(ctx, conn); err != nil {
			logger.Error("setup topology", "error", err)
			os.Exit(1)
		}
	}

	concurrency, _ := strconv.Atoi(os.Getenv("LAUNCHPAD_WORKER_CONCURRENCY"))
	w := worker.New(worker.Config{
		ID:          cfg.AgentID,
		Jobs:        repo,
		Conn:        conn,
		Queue:       poolCfg.Queue,
		Executor:    &worker.ProcessExecutor{OutputDir: os.Getenv("LAUNCHPAD_WORKER_OUTPUT_DIR")},
		Concurrency: concurrency,
		Logger:      logger,
	})
	if err := w.Run(ctx); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}
