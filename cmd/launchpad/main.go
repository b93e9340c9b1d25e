package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/launchpad/internal/config"
)

var (
	cfg       config.Config
	logger    *slog.Logger
	logLevel  string
	logFormat string
	queueURL  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "launchpad",
	Short:         "Launch agent: pulls run queue items and launches them on a backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = config.ParseLogLevel(logLevel)
		}
		if cmd.Flags().Changed("log-format") {
			cfg.LogFormat = logFormat
		}
		if cmd.Flags().Changed("queue-url") {
			cfg.QueueURL = queueURL
		}
		logger = config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format (json, text)")
	rootCmd.PersistentFlags().StringVar(&queueURL, "queue-url", "", "Queue server base URL (default $LAUNCHPAD_QUEUE_URL or http://localhost:8080)")

	rootCmd.AddCommand(agentCmd, serveCmd, enqueueCmd, itemsCmd, runCmd)
}
