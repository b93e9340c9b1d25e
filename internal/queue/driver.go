// Package queue defines how a backend manager advances queue state: popping
// run queue items for a job-set and acknowledging them once they produce a run.
package queue

import (
	"context"

	"github.com/seantiz/launchpad/internal/model"
)

// Driver pops and acknowledges run queue items for one job-set.
type Driver interface {
	// Pop claims the next item. It returns nil, nil when the queue is empty;
	// an empty queue is not an error.
	Pop(ctx context.Context) (*model.QueueItem, error)

	// Ack records that itemID produced runID.
	Ack(ctx context.Context, itemID, runID string) (model.AckResult, error)
}

// Failer is implemented by drivers that can mark a claimed item as
// permanently failed so it is not retried by another agent.
type Failer interface {
	Fail(ctx context.Context, itemID, reason string) error
}
