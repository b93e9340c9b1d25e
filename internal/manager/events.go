package manager

import (
	"sync"
	"time"
)

// Event types published by a manager.
const (
	EventLaunched    = "launched"
	EventInvalid     = "invalid"
	EventStartFailed = "start_failed"
	EventAckFailed   = "ack_failed"
	EventReacked     = "reacked"
	EventReaped      = "reaped"
	EventAdopted     = "adopted"
	EventLaunchPanic = "launch_panic"
	EventPopFailed   = "pop_failed"
)

// Event is one notable thing that happened to a job-set's runs.
type Event struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	ItemID  string    `json:"runQueueItemId,omitempty"`
	RunID   string    `json:"runId,omitempty"`
	Message string    `json:"message,omitempty"`
}

const (
	// subscriberBufferSize is the channel buffer for each subscriber. Events
	// are dropped for subscribers that fall this far behind.
	subscriberBufferSize = 64

	historySize = 100
)

// EventBroker fans events out to subscribers and keeps a short history for
// subscribers that join late. It is safe for concurrent use.
type EventBroker struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	history []Event
	closed  bool
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{subs: make(map[int]chan Event)}
}

// Subscribe returns the recent history, a channel of future events and an
// unsubscribe function. After Close the channel is returned closed.
func (b *EventBroker) Subscribe() ([]Event, <-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	history := append([]Event(nil), b.history...)
	ch := make(chan Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return history, ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return history, ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish records e and sends it to every subscriber without blocking.
func (b *EventBroker) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.history = append(b.history, e)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Recent returns up to the last historySize events, oldest first.
func (b *EventBroker) Recent() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.history...)
}

// Close ends every subscription.
func (b *EventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
