package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/launchpad/internal/model"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "launchpad.db"
	defaultQueueURL     = "http://localhost:8080"
	defaultTickInterval = 5 * time.Second
	defaultGraceDelay   = 2 * time.Second

	envListenAddr     = "LAUNCHPAD_LISTEN_ADDR"
	envDBPath         = "LAUNCHPAD_DB_PATH"
	envLogLevel       = "LAUNCHPAD_LOG_LEVEL"
	envLogFormat      = "LAUNCHPAD_LOG_FORMAT"
	envQueueURL       = "LAUNCHPAD_QUEUE_URL"
	envAgentID        = "LAUNCHPAD_AGENT_ID"
	envConfigFile     = "LAUNCHPAD_CONFIG"
	envTickInterval   = "LAUNCHPAD_TICK_INTERVAL"
	envGraceDelay     = "LAUNCHPAD_GRACE_DELAY"
	envOtelEnabled    = "LAUNCHPAD_OTEL_ENABLED"
	envOtelEndpoint   = "LAUNCHPAD_OTEL_ENDPOINT"
	envJobSet         = "LAUNCHPAD_JOBSET"
	envBackend        = "LAUNCHPAD_BACKEND"
	envMaxConcurrency = "LAUNCHPAD_MAX_CONCURRENCY"
)

// Config holds process-wide configuration loaded from environment variables.
type Config struct {
	ListenAddr   string
	DBPath       string
	LogLevel     slog.Level
	LogFormat    string
	QueueURL     string
	AgentID      string
	ConfigFile   string
	TickInterval time.Duration
	GraceDelay   time.Duration
	OtelEnabled  bool
	OtelEndpoint string

	// JobSets is populated from LAUNCHPAD_JOBSET for single job-set agents.
	// Agents serving several job-sets list them in the TOML file instead.
	JobSets []JobSetConfig
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		LogFormat:    "json",
		QueueURL:     defaultQueueURL,
		AgentID:      defaultAgentID(),
		TickInterval: defaultTickInterval,
		GraceDelay:   defaultGraceDelay,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv(envLogFormat); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv(envQueueURL); v != "" {
		cfg.QueueURL = v
	}
	if v := os.Getenv(envAgentID); v != "" {
		cfg.AgentID = v
	}
	if v := os.Getenv(envConfigFile); v != "" {
		cfg.ConfigFile = v
	}
	if v := os.Getenv(envTickInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TickInterval = d
		}
	}
	if v := os.Getenv(envGraceDelay); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.GraceDelay = d
		}
	}
	if v := os.Getenv(envOtelEnabled); v != "" {
		cfg.OtelEnabled, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv(envOtelEndpoint); v != "" {
		cfg.OtelEndpoint = v
	}

	if v := os.Getenv(envJobSet); v != "" {
		if js, err := model.ParseJobSet(v); err == nil {
			jc := JobSetConfig{JobSet: js, Backend: os.Getenv(envBackend)}
			if mc := os.Getenv(envMaxConcurrency); mc != "" {
				if c, err := ParseConcurrency(mc); err == nil {
					jc.MaxConcurrency = c
				}
			}
			cfg.JobSets = append(cfg.JobSets, jc)
		}
	}

	return cfg
}

func defaultAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "launchpad-agent"
	}
	return host
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the configured level.
// format "text" selects the human-readable handler; anything else is JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
