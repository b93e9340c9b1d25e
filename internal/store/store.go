package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/seantiz/launchpad/internal/model"
)

// ErrInvalidTransition is returned when a run queue item state change is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// Stats holds aggregate queue and run counts.
type Stats struct {
	TotalItems    int            `json:"total_items"`
	ItemsByState  map[string]int `json:"items_by_state"`
	TotalRuns     int            `json:"total_runs"`
	RunsByStatus  map[string]int `json:"runs_by_status"`
	RunsByBackend map[string]int `json:"runs_by_backend"`
}

// Store defines the persistence operations behind the run queue server.
type Store interface {
	EnqueueItem(ctx context.Context, js model.JobSet, runSpec json.RawMessage) (*model.QueueItemRecord, error)
	GetItem(ctx context.Context, js model.JobSet, id string) (*model.QueueItemRecord, error)
	ListPendingItems(ctx context.Context, js model.JobSet) ([]*model.QueueItemRecord, error)
	ListItems(ctx context.Context, js model.JobSet, limit int) ([]*model.QueueItemRecord, error)

	// PopItem claims the oldest pending item for agentID. It returns nil, nil
	// when nothing is pending.
	PopItem(ctx context.Context, js model.JobSet, agentID string) (*model.QueueItemRecord, error)
	LeaseItem(ctx context.Context, js model.JobSet, id, agentID string) error
	AckItem(ctx context.Context, js model.JobSet, id, runID string) (*model.QueueItemRecord, error)
	FailItem(ctx context.Context, js model.JobSet, id, reason string) error

	// RequeueStale returns items claimed before cutoff and never acked to
	// the pending state. It reports how many were requeued.
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)

	UpsertRun(ctx context.Context, r model.RunRecord) error
	GetRun(ctx context.Context, id string) (*model.RunRecord, error)
	ListRuns(ctx context.Context, js model.JobSet, limit int) ([]*model.RunRecord, error)

	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
