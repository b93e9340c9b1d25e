package queue

import (
	"context"

	"github.com/seantiz/launchpad/internal/jobset"
	"github.com/seantiz/launchpad/internal/model"
)

// Passthrough advances queue state through a jobset.JobSet live view that
// something else keeps in sync. It never lists the remote queue itself.
type Passthrough struct {
	view *jobset.JobSet
}

var (
	_ Driver = (*Passthrough)(nil)
	_ Failer = (*Passthrough)(nil)
)

// NewPassthrough returns a driver backed by view.
func NewPassthrough(view *jobset.JobSet) *Passthrough {
	return &Passthrough{view: view}
}

// Pop leases the oldest item in the live view.
func (p *Passthrough) Pop(ctx context.Context) (*model.QueueItem, error) {
	return p.view.LeaseNext(ctx)
}

// Ack acknowledges through the live view.
func (p *Passthrough) Ack(ctx context.Context, itemID, runID string) (model.AckResult, error) {
	return p.view.Ack(ctx, itemID, runID)
}

// Fail marks the item failed through the live view.
func (p *Passthrough) Fail(ctx context.Context, itemID, reason string) error {
	return p.view.Fail(ctx, itemID, reason)
}
