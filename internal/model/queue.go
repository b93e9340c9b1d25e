package model

import (
	"encoding/json"
	"time"
)

// Run queue item states as tracked by the queue server.
const (
	ItemPending = "pending"
	ItemClaimed = "claimed"
	ItemAcked   = "acked"
	ItemFailed  = "failed"
)

var validItemTransitions = map[string]map[string]bool{
	ItemPending: {
		ItemClaimed: true,
		ItemFailed:  true,
	},
	ItemClaimed: {
		ItemAcked:   true,
		ItemFailed:  true,
		ItemPending: true,
	},
}

// ValidItemTransition reports whether a run queue item may move between states.
func ValidItemTransition(from, to string) bool {
	return validItemTransitions[from][to]
}

// QueueItem is one run request popped from a job-set's queue. The JSON field
// names match the queue's wire format.
type QueueItem struct {
	ID      string          `json:"runQueueItemId"`
	RunSpec json.RawMessage `json:"runSpec"`
	QueueID string          `json:"id,omitempty"`
}

// AckResult confirms that a queue item is durably associated with a run.
type AckResult struct {
	ItemID  string    `json:"runQueueItemId"`
	RunID   string    `json:"runId"`
	AckedAt time.Time `json:"ackedAt"`
}

// QueueItemRecord is the queue server's full view of an item.
type QueueItemRecord struct {
	QueueItem
	JobSet    JobSet     `json:"jobSet"`
	State     string     `json:"state"`
	AgentID   string     `json:"agentId,omitempty"`
	RunID     string     `json:"runId,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
	AckedAt   *time.Time `json:"ackedAt,omitempty"`
}
