package model

import "time"

// RunStatus is the lifecycle state of a launched run as reported by its backend.
type RunStatus string

// Run status constants.
const (
	RunPending  RunStatus = "pending"
	RunStarting RunStatus = "starting"
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunFailed   RunStatus = "failed"
	RunStopped  RunStatus = "stopped"
	RunUnknown  RunStatus = "unknown"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[RunStatus]map[RunStatus]bool{
	RunPending: {
		RunStarting: true,
		RunRunning:  true,
		RunFailed:   true,
		RunStopped:  true,
	},
	RunStarting: {
		RunRunning: true,
		RunFailed:  true,
		RunStopped: true,
	},
	RunRunning: {
		RunFinished: true,
		RunFailed:   true,
		RunStopped:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to RunStatus) bool {
	return validTransitions[from][to]
}

// IsTerminal reports whether the run has stopped for good.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunFinished, RunFailed, RunStopped:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunStarting, RunRunning, RunFinished, RunFailed, RunStopped, RunUnknown:
		return true
	}
	return false
}

// Backend type names.
const (
	BackendLocalProcess = "local-process"
	BackendMicroVM      = "microvm"
	BackendWorkerPool   = "worker-pool"
)

// RunRecord is what the status tracker stores about a run.
type RunRecord struct {
	ID            string     `json:"id"`
	ItemID        string     `json:"runQueueItemId"`
	JobSet        JobSet     `json:"jobSet"`
	Name          string     `json:"name,omitempty"`
	Backend       string     `json:"backend,omitempty"`
	Status        RunStatus  `json:"status"`
	FailedToStart bool       `json:"failedToStart,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}
