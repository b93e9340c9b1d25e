package queue

import (
	"context"

	"github.com/seantiz/launchpad/internal/jobset"
	"github.com/seantiz/launchpad/internal/model"
)

// Standard issues pop and ack calls directly against the job-set API.
type Standard struct {
	api     jobset.API
	js      model.JobSet
	agentID string
}

var (
	_ Driver = (*Standard)(nil)
	_ Failer = (*Standard)(nil)
)

// NewStandard returns a driver for js that claims items as agentID.
func NewStandard(api jobset.API, js model.JobSet, agentID string) *Standard {
	return &Standard{api: api, js: js, agentID: agentID}
}

// Pop implements Driver.
func (s *Standard) Pop(ctx context.Context) (*model.QueueItem, error) {
	return s.api.PopRunQueueItem(ctx, s.js, s.agentID)
}

// Ack implements Driver.
func (s *Standard) Ack(ctx context.Context, itemID, runID string) (model.AckResult, error) {
	return s.api.AckRunQueueItem(ctx, s.js, itemID, runID)
}

// Fail implements Failer.
func (s *Standard) Fail(ctx context.Context, itemID, reason string) error {
	return s.api.FailRunQueueItem(ctx, s.js, itemID, reason)
}
