// Package jobsettest provides an in-memory jobset.API for tests.
package jobsettest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/seantiz/launchpad/internal/jobset"
	"github.com/seantiz/launchpad/internal/model"
)

// Fake is an in-memory jobset.API. Items are served in enqueue order. Error
// hooks let tests inject failures per operation.
type Fake struct {
	mu      sync.Mutex
	items   []*model.QueueItemRecord
	runs    map[string]model.RunRecord
	pops    int
	acks    int
	AckErrs []error // consumed one per AckRunQueueItem call
	PopErr  error
	ListErr error
}

var _ jobset.API = (*Fake)(nil)

// New returns an empty fake queue.
func New() *Fake {
	return &Fake{runs: make(map[string]model.RunRecord)}
}

// Enqueue adds a pending item with the given run spec and returns its ID.
func (f *Fake) Enqueue(js model.JobSet, runSpec string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := model.NewID()
	f.items = append(f.items, &model.QueueItemRecord{
		QueueItem: model.QueueItem{ID: id, RunSpec: json.RawMessage(runSpec), QueueID: js.Name},
		JobSet:    js,
		State:     model.ItemPending,
		CreatedAt: time.Now(),
	})
	return id
}

// Item returns a copy of the item record.
func (f *Fake) Item(id string) (model.QueueItemRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.ID == id {
			return *it, true
		}
	}
	return model.QueueItemRecord{}, false
}

// Run returns the tracking record for runID.
func (f *Fake) Run(runID string) (model.RunRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.runs[runID]
	return rec, ok
}

// Runs returns every tracking record.
func (f *Fake) Runs() []model.RunRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.RunRecord, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, r)
	}
	return out
}

// Pops returns how many items were claimed through PopRunQueueItem.
func (f *Fake) Pops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pops
}

// Acks returns how many acks succeeded.
func (f *Fake) Acks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks
}

// Expire returns a claimed item to pending, as the queue server does when a
// claim is not acked in time.
func (f *Fake) Expire(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.ID == id && it.State == model.ItemClaimed {
			it.State = model.ItemPending
			it.AgentID = ""
			return true
		}
	}
	return false
}

// PopRunQueueItem implements jobset.API.
func (f *Fake) PopRunQueueItem(_ context.Context, js model.JobSet, agentID string) (*model.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PopErr != nil {
		return nil, f.PopErr
	}
	for _, it := range f.items {
		if it.JobSet == js && it.State == model.ItemPending {
			it.State = model.ItemClaimed
			it.AgentID = agentID
			f.pops++
			item := it.QueueItem
			return &item, nil
		}
	}
	return nil, nil
}

// LeaseRunQueueItem implements jobset.API.
func (f *Fake) LeaseRunQueueItem(_ context.Context, js model.JobSet, itemID, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it := f.find(js, itemID)
	if it == nil {
		return jobset.ErrNotFound
	}
	if it.State != model.ItemPending {
		return jobset.ErrConflict
	}
	it.State = model.ItemClaimed
	it.AgentID = agentID
	return nil
}

// AckRunQueueItem implements jobset.API.
func (f *Fake) AckRunQueueItem(_ context.Context, js model.JobSet, itemID, runID string) (model.AckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.AckErrs) > 0 {
		err := f.AckErrs[0]
		f.AckErrs = f.AckErrs[1:]
		if err != nil {
			return model.AckResult{}, err
		}
	}
	it := f.find(js, itemID)
	if it == nil {
		return model.AckResult{}, jobset.ErrNotFound
	}
	if it.State != model.ItemClaimed {
		return model.AckResult{}, fmt.Errorf("ack %s in state %s: %w", itemID, it.State, jobset.ErrConflict)
	}
	now := time.Now()
	it.State = model.ItemAcked
	it.RunID = runID
	it.AckedAt = &now
	f.acks++
	return model.AckResult{ItemID: itemID, RunID: runID, AckedAt: now}, nil
}

// FailRunQueueItem implements jobset.API.
func (f *Fake) FailRunQueueItem(_ context.Context, js model.JobSet, itemID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it := f.find(js, itemID)
	if it == nil {
		return jobset.ErrNotFound
	}
	it.State = model.ItemFailed
	it.Error = reason
	return nil
}

// ListRunQueueItems implements jobset.API.
func (f *Fake) ListRunQueueItems(_ context.Context, js model.JobSet) ([]model.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var out []model.QueueItem
	for _, it := range f.items {
		if it.JobSet == js && it.State == model.ItemPending {
			out = append(out, it.QueueItem)
		}
	}
	return out, nil
}

// UpsertRun implements jobset.API.
func (f *Fake) UpsertRun(_ context.Context, rec model.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[rec.ID] = rec
	return nil
}

func (f *Fake) find(js model.JobSet, itemID string) *model.QueueItemRecord {
	for _, it := range f.items {
		if it.JobSet == js && it.ID == itemID {
			return it
		}
	}
	return nil
}
