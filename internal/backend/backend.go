package backend

import (
	"context"
	"errors"
	"maps"

	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/project"
)

var (
	// ErrStartFailed is returned by Run when the backend could not start the job.
	ErrStartFailed = errors.New("run failed to start")

	// ErrInvalidProject marks start failures that no retry can fix, such as
	// a project missing what the backend needs.
	ErrInvalidProject = errors.New("project cannot run on this backend")

	// ErrRunExists is returned by Run when the backend already holds a run
	// with the same ID.
	ErrRunExists = errors.New("run id already in use")
)

// Environment variables through which a job learns its own labels.
const (
	EnvRunID        = "LAUNCHPAD_RUN_ID"
	EnvRunQueueItem = "LAUNCHPAD_RUN_QUEUE_ITEM"
	EnvJobSet       = "LAUNCHPAD_JOBSET"
)

// Queue driver modes a backend can ask for.
const (
	DriverPassthrough = "passthrough"
	DriverStandard    = "standard"
)

// Backend is the interface that all compute backends must implement.
// A Backend may be shared by several controllers; anything job-set specific
// is passed in.
type Backend interface {
	// Name returns the backend type name, e.g. "local-process".
	Name() string

	// Capabilities reports what the backend supports.
	Capabilities() Capabilities

	// LabelJob stamps the discoverability labels onto p before submission.
	LabelJob(p *project.Project)

	// Run submits p and returns a handle to the started job. The job must
	// keep running independently of ctx.
	Run(ctx context.Context, p *project.Project) (Run, error)

	// FindOrphanedJobs lists live jobs labeled for js.
	FindOrphanedJobs(ctx context.Context, js model.JobSet) ([]Orphan, error)

	// Cleanup releases any resources associated with the given run. It is
	// called once the run has reached a terminal status.
	Cleanup(ctx context.Context, runID string) error
}

// Run is a handle to one launched job.
type Run interface {
	ID() string
	Status(ctx context.Context) (model.RunStatus, error)
}

// Orphan is a live job launched by an earlier controller instance.
type Orphan struct {
	ItemID string
	RunID  string
	Run    Run
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name            string `json:"name"`
	OrphanDiscovery bool   `json:"orphan_discovery"`

	// DefaultMaxConcurrency applies when a job-set leaves max_concurrency
	// unset. Zero means "auto".
	DefaultMaxConcurrency int `json:"default_max_concurrency"`

	// QueueDriver is DriverPassthrough or DriverStandard.
	QueueDriver string `json:"queue_driver"`
}

// StampLabels writes the standard job labels onto p. Backends call it from
// LabelJob before adding anything platform specific.
func StampLabels(p *project.Project) {
	if p.Labels == nil {
		p.Labels = make(map[string]string)
	}
	maps.Copy(p.Labels, model.JobLabels(p.JobSet, p.RunQueueItemID, p.RunID))
}

// MatchesJobSet reports whether labels mark a job launched for js.
func MatchesJobSet(labels map[string]string, js model.JobSet) bool {
	return labels[model.LabelJobSet] == js.Label() && labels[model.LabelRunQueueItem] != ""
}

// ExportLabels stamps the standard labels onto p and mirrors them into its
// environment, for backends whose only tagging mechanism is the job's env.
func ExportLabels(p *project.Project) {
	StampLabels(p)
	if p.Env == nil {
		p.Env = make(map[string]string)
	}
	p.Env[EnvRunID] = p.RunID
	p.Env[EnvRunQueueItem] = p.RunQueueItemID
	p.Env[EnvJobSet] = p.JobSet.Label()
}
