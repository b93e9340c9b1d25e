package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/launchpad/internal/api"
	"github.com/seantiz/launchpad/internal/store"
)

var (
	serveListen        string
	serveDBPath        string
	serveLeaseTimeout  time.Duration
	serveRequeuePeriod time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job-set queue server backed by SQLite",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveListen, "listen", "", "HTTP listen address (default $LAUNCHPAD_LISTEN_ADDR or :8080)")
	f.StringVar(&serveDBPath, "db", "", "SQLite database path (default $LAUNCHPAD_DB_PATH)")
	f.DurationVar(&serveLeaseTimeout, "lease-timeout", 5*time.Minute, "Return claimed items to pending if not acked within this time")
	f.DurationVar(&serveRequeuePeriod, "requeue-interval", 30*time.Second, "How often to look for expired claims")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = serveListen
	}
	if cmd.Flags().Changed("db") {
		cfg.DBPath = serveDBPath
	}

	logger.Info("launchpad queue server: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(cfg.ListenAddr, logger, api.WithStore(db))
	go srv.RequeueStale(ctx, serveRequeuePeriod, serveLeaseTimeout)
	return srv.Run(ctx)
}
