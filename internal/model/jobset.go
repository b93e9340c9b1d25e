package model

import (
	"fmt"
	"strings"
)

// Discoverability label keys stamped onto every job a controller launches.
// Backends persist them in whatever tagging mechanism their platform offers
// so that a restarted controller can find its jobs again.
const (
	LabelJobSet       = "launchpad.jobset"
	LabelRunQueueItem = "launchpad.run-queue-item"
	LabelRunID        = "launchpad.run-id"
)

// JobSet identifies one remote queue scope. A controller serves exactly one
// job-set for its whole lifetime.
type JobSet struct {
	Name    string `json:"name" toml:"name"`
	Entity  string `json:"entity" toml:"entity"`
	Project string `json:"project" toml:"project"`
}

// Key returns the canonical "entity/project/name" form.
func (j JobSet) Key() string {
	return j.Entity + "/" + j.Project + "/" + j.Name
}

// Label returns the value stamped under LabelJobSet.
func (j JobSet) Label() string {
	return j.Key()
}

// String implements fmt.Stringer.
func (j JobSet) String() string {
	return j.Key()
}

// Validate reports whether every component of the job-set is set and free of
// path separators.
func (j JobSet) Validate() error {
	parts := []struct {
		field, value string
	}{
		{"name", j.Name},
		{"entity", j.Entity},
		{"project", j.Project},
	}
	for _, p := range parts {
		if p.value == "" {
			return fmt.Errorf("job-set %s is required", p.field)
		}
		if strings.ContainsAny(p.value, "/ ") {
			return fmt.Errorf("job-set %s %q must not contain '/' or spaces", p.field, p.value)
		}
	}
	return nil
}

// ParseJobSet parses the "entity/project/name" form produced by Key.
func ParseJobSet(s string) (JobSet, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return JobSet{}, fmt.Errorf("job-set %q: want entity/project/name", s)
	}
	js := JobSet{Entity: parts[0], Project: parts[1], Name: parts[2]}
	if err := js.Validate(); err != nil {
		return JobSet{}, err
	}
	return js, nil
}

// JobLabels returns the discoverability labels for one launched job.
func JobLabels(js JobSet, itemID, runID string) map[string]string {
	return map[string]string{
		LabelJobSet:       js.Label(),
		LabelRunQueueItem: itemID,
		LabelRunID:        runID,
	}
}
