package jobset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/launchpad/internal/model"
)

// DefaultSyncInterval is how often the live view refreshes its pending items.
const DefaultSyncInterval = 2 * time.Second

// JobSet is a live view of one job-set's pending run queue items. A background
// sync loop keeps the view current; queue-state changes made through the view
// (leases, acks, failures) are applied locally right away so the view never
// hands out an item twice between syncs.
//
// It is safe for concurrent use.
type JobSet struct {
	api     API
	spec    model.JobSet
	agentID string
	logger  *slog.Logger

	mu       sync.Mutex
	pending  []model.QueueItem
	claimed  map[string]bool
	lastSync time.Time

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a live view of spec. Call Sync or StartSyncLoop to populate it.
func New(api API, spec model.JobSet, agentID string, logger *slog.Logger) *JobSet {
	return &JobSet{
		api:     api,
		spec:    spec,
		agentID: agentID,
		logger:  logger.With("jobset", spec.Key()),
		claimed: make(map[string]bool),
	}
}

// Spec returns the job-set this view tracks.
func (j *JobSet) Spec() model.JobSet { return j.spec }

// Sync refreshes the pending items from the remote queue once.
func (j *JobSet) Sync(ctx context.Context) error {
	items, err := j.api.ListRunQueueItems(ctx, j.spec)
	if err != nil {
		return fmt.Errorf("list run queue items: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending = items[:0:0]
	for _, it := range items {
		if !j.claimed[it.ID] {
			j.pending = append(j.pending, it)
		}
	}
	j.lastSync = time.Now()
	return nil
}

// StartSyncLoop runs Sync every interval until StopSyncLoop is called or ctx
// is cancelled. The first sync happens before StartSyncLoop returns.
func (j *JobSet) StartSyncLoop(ctx context.Context, interval time.Duration) {
	j.loopMu.Lock()
	defer j.loopMu.Unlock()
	if j.cancel != nil {
		return
	}
	if interval <= 0 {
		interval = DefaultSyncInterval
	}

	if err := j.Sync(ctx); err != nil {
		j.logger.Warn("initial job-set sync failed", "error", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	go func() {
		defer close(j.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := j.Sync(loopCtx); err != nil && loopCtx.Err() == nil {
					j.logger.Warn("job-set sync failed", "error", err)
				}
			}
		}
	}()
}

// StopSyncLoop stops the background sync loop and waits for it to exit.
func (j *JobSet) StopSyncLoop() {
	j.loopMu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Pending returns a copy of the items the view currently considers pending.
func (j *JobSet) Pending() []model.QueueItem {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.pending)
}

// LastSync reports when the view was last refreshed.
func (j *JobSet) LastSync() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSync
}

// LeaseNext claims the oldest pending item for this agent. Items another agent
// claimed first are dropped from the view and the next one is tried. It
// returns nil, nil when the view has nothing pending.
func (j *JobSet) LeaseNext(ctx context.Context) (*model.QueueItem, error) {
	for {
		item, ok := j.takeNext()
		if !ok {
			return nil, nil
		}

		err := j.api.LeaseRunQueueItem(ctx, j.spec, item.ID, j.agentID)
		if err == nil {
			return &item, nil
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			j.logger.Debug("run queue item taken elsewhere", "item_id", item.ID)
			j.forget(item.ID)
			continue
		}

		j.release(item)
		return nil, fmt.Errorf("lease run queue item %s: %w", item.ID, err)
	}
}

// Ack acknowledges a leased item.
func (j *JobSet) Ack(ctx context.Context, itemID, runID string) (model.AckResult, error) {
	res, err := j.api.AckRunQueueItem(ctx, j.spec, itemID, runID)
	if err != nil {
		return model.AckResult{}, err
	}
	j.forget(itemID)
	return res, nil
}

// Fail marks a leased item as permanently failed.
func (j *JobSet) Fail(ctx context.Context, itemID, reason string) error {
	if err := j.api.FailRunQueueItem(ctx, j.spec, itemID, reason); err != nil {
		return err
	}
	j.forget(itemID)
	return nil
}

func (j *JobSet) takeNext() (model.QueueItem, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.pending) == 0 {
		return model.QueueItem{}, false
	}
	item := j.pending[0]
	j.pending = j.pending[1:]
	j.claimed[item.ID] = true
	return item, true
}

// release puts an item back at the head of the view after a failed lease.
func (j *JobSet) release(item model.QueueItem) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.claimed, item.ID)
	j.pending = append([]model.QueueItem{item}, j.pending...)
}

func (j *JobSet) forget(itemID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.claimed, itemID)
}
