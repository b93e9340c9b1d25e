// Package jobset talks to the remote run queue that holds a job-set's pending
// run requests. It provides the API surface used by queue drivers, an HTTP
// client for the launchpad queue server, and a live view of a job-set's
// pending items kept current by a background sync loop.
package jobset

import (
	"context"
	"errors"

	"github.com/seantiz/launchpad/internal/model"
)

// ErrConflict is returned when an item was already claimed by another agent
// or is no longer in a state that allows the requested operation.
var ErrConflict = errors.New("run queue item conflict")

// ErrNotFound is returned when the item or run does not exist.
var ErrNotFound = errors.New("not found")

// API is the remote job-set queue. Implementations must be safe for
// concurrent use.
type API interface {
	// PopRunQueueItem atomically claims the oldest pending item for agentID.
	// It returns nil, nil when the queue is empty.
	PopRunQueueItem(ctx context.Context, js model.JobSet, agentID string) (*model.QueueItem, error)

	// LeaseRunQueueItem claims a specific pending item for agentID. It returns
	// ErrConflict if another agent holds it.
	LeaseRunQueueItem(ctx context.Context, js model.JobSet, itemID, agentID string) error

	// AckRunQueueItem records that itemID produced runID.
	AckRunQueueItem(ctx context.Context, js model.JobSet, itemID, runID string) (model.AckResult, error)

	// FailRunQueueItem marks a claimed item as permanently failed.
	FailRunQueueItem(ctx context.Context, js model.JobSet, itemID, reason string) error

	// ListRunQueueItems returns the job-set's pending items, oldest first.
	ListRunQueueItems(ctx context.Context, js model.JobSet) ([]model.QueueItem, error)

	// UpsertRun creates or updates a run's tracking record.
	UpsertRun(ctx context.Context, rec model.RunRecord) error
}
