package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/seantiz/launchpad/internal/model"
)

// Duration decodes TOML strings such as "5s" into a time.Duration.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// JobSetConfig is one [[jobset]] entry of the agent file.
type JobSetConfig struct {
	model.JobSet
	Backend        string      `toml:"backend"`
	MaxConcurrency Concurrency `toml:"max_concurrency"`
	TickInterval   Duration    `toml:"tick_interval"`
}

// File is the TOML agent configuration.
//
//	agent_id = "gpu-box-1"
//	queue_url = "http://queue.internal:8080"
//
//	[[jobset]]
//	entity = "acme"
//	project = "vision"
//	name = "nightly"
//	backend = "local-process"
//	max_concurrency = "auto"
type File struct {
	AgentID      string         `toml:"agent_id"`
	QueueURL     string         `toml:"queue_url"`
	ListenAddr   string         `toml:"listen_addr"`
	TickInterval Duration       `toml:"tick_interval"`
	GraceDelay   *Duration      `toml:"grace_delay"`
	JobSets      []JobSetConfig `toml:"jobset"`
}

// LoadFile decodes and validates the agent file at path.
func LoadFile(path string) (*File, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode %s: unknown keys %v", path, undecoded)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return &f, nil
}

// Validate checks every job-set entry and rejects duplicates.
func (f *File) Validate() error {
	if len(f.JobSets) == 0 {
		return errors.New("at least one [[jobset]] is required")
	}
	var errs []error
	seen := make(map[string]bool)
	for i, js := range f.JobSets {
		if err := js.JobSet.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("jobset[%d]: %w", i, err))
			continue
		}
		if seen[js.Key()] {
			errs = append(errs, fmt.Errorf("jobset[%d]: duplicate job-set %s", i, js.Key()))
		}
		seen[js.Key()] = true
	}
	return errors.Join(errs...)
}

// Apply overlays file settings onto cfg. File values win over environment
// defaults; the file's job-sets replace any from LAUNCHPAD_JOBSET.
func (f *File) Apply(cfg *Config) {
	if f.AgentID != "" {
		cfg.AgentID = f.AgentID
	}
	if f.QueueURL != "" {
		cfg.QueueURL = f.QueueURL
	}
	if f.ListenAddr != "" {
		cfg.ListenAddr = f.ListenAddr
	}
	if f.TickInterval.Duration > 0 {
		cfg.TickInterval = f.TickInterval.Duration
	}
	if f.GraceDelay != nil {
		cfg.GraceDelay = f.GraceDelay.Duration
	}
	cfg.JobSets = f.JobSets
}

// Resolve produces the immutable controller configuration for one job-set.
// backendDefault is the backend's default ceiling (zero for "auto").
func (j JobSetConfig) Resolve(cfg Config, backendDefault int) (ControllerConfig, error) {
	maxConcurrency, err := j.MaxConcurrency.Resolve(backendDefault)
	if err != nil {
		return ControllerConfig{}, fmt.Errorf("job-set %s: %w", j.Key(), err)
	}
	tick := cfg.TickInterval
	if j.TickInterval.Duration > 0 {
		tick = j.TickInterval.Duration
	}
	cc := ControllerConfig{
		JobSet:         j.JobSet,
		AgentID:        cfg.AgentID,
		Backend:        j.Backend,
		MaxConcurrency: maxConcurrency,
		TickInterval:   tick,
		GraceDelay:     cfg.GraceDelay,
	}
	if cc.Backend == "" {
		cc.Backend = model.BackendLocalProcess
	}
	if err := cc.Validate(); err != nil {
		return ControllerConfig{}, fmt.Errorf("job-set %s: %w", j.Key(), err)
	}
	return cc, nil
}
