package config

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/launchpad/internal/model"
)

const concurrencyAuto = "auto"

// Concurrency is a max_concurrency setting before resolution: unset, "auto",
// or an explicit positive integer.
type Concurrency struct {
	set  bool
	auto bool
	n    int
}

// AutoConcurrency returns the "auto" setting.
func AutoConcurrency() Concurrency { return Concurrency{set: true, auto: true} }

// FixedConcurrency returns an explicit setting of n.
func FixedConcurrency(n int) Concurrency { return Concurrency{set: true, n: n} }

// ParseConcurrency parses "auto" or a decimal integer.
func ParseConcurrency(s string) (Concurrency, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Concurrency{}, nil
	}
	if strings.EqualFold(s, concurrencyAuto) {
		return AutoConcurrency(), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return Concurrency{}, fmt.Errorf("max concurrency %q: want \"auto\" or an integer", s)
	}
	return FixedConcurrency(n), nil
}

// UnmarshalTOML accepts both `max_concurrency = "auto"` and `max_concurrency = 4`.
func (c *Concurrency) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case string:
		parsed, err := ParseConcurrency(val)
		if err != nil {
			return err
		}
		*c = parsed
	case int64:
		*c = FixedConcurrency(int(val))
	default:
		return fmt.Errorf("max_concurrency: unsupported type %T", v)
	}
	return nil
}

// IsSet reports whether a value was configured.
func (c Concurrency) IsSet() bool { return c.set }

// String implements fmt.Stringer.
func (c Concurrency) String() string {
	switch {
	case !c.set:
		return ""
	case c.auto:
		return concurrencyAuto
	default:
		return strconv.Itoa(c.n)
	}
}

// Resolve turns the setting into the ceiling used for a controller's lifetime.
// An unset value falls back to backendDefault, and a backendDefault of zero
// means "auto": one less than the CPU count, never below one.
func (c Concurrency) Resolve(backendDefault int) (int, error) {
	return c.resolve(backendDefault, runtime.NumCPU())
}

func (c Concurrency) resolve(backendDefault, numCPU int) (int, error) {
	if !c.set {
		if backendDefault > 0 {
			return backendDefault, nil
		}
		return autoConcurrency(numCPU), nil
	}
	if c.auto {
		return autoConcurrency(numCPU), nil
	}
	if c.n <= 0 {
		return 0, fmt.Errorf("max concurrency must be positive, got %d", c.n)
	}
	return c.n, nil
}

func autoConcurrency(numCPU int) int {
	return max(1, numCPU-1)
}

// ControllerConfig is the resolved, immutable configuration of one controller.
type ControllerConfig struct {
	JobSet         model.JobSet
	AgentID        string
	Backend        string
	MaxConcurrency int
	TickInterval   time.Duration
	GraceDelay     time.Duration
}

// Validate checks that every field is usable.
func (c ControllerConfig) Validate() error {
	var errs []error
	if err := c.JobSet.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.AgentID == "" {
		errs = append(errs, errors.New("agent id is required"))
	}
	if c.Backend == "" {
		errs = append(errs, errors.New("backend is required"))
	}
	if c.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("max concurrency must be positive, got %d", c.MaxConcurrency))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick interval must be positive, got %s", c.TickInterval))
	}
	if c.GraceDelay < 0 {
		errs = append(errs, fmt.Errorf("grace delay must not be negative, got %s", c.GraceDelay))
	}
	return errors.Join(errs...)
}
