package server

import (
	"sync"
	"time"
)

const (
	// EventNewFollower is delivered to a user when someone follows them.
	EventNewFollower = "new-follower"
	// EventItemVoted is delivered to an item's owner when it receives a vote.
	EventItemVoted = "item-voted"

	eventBufferSize = 64
)

// Event is an in-process notification addressed to a single user.
type Event struct {
	UserID    string    `json:"-"`
	EventType string    `json:"event_type"`
	SubjectID string    `json:"subject_id"`
	Timestamp time.Time `json:"timestamp"`
}

// EventDispatcher buffers per-user notifications until the user drains
// them. Publishing never blocks; when a user's buffer is full the oldest
// event is dropped.
type EventDispatcher struct {
	mu      sync.Mutex
	pending map[string][]Event
	limit   int
}

// NewEventDispatcher constructs an empty dispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		pending: make(map[string][]Event),
		limit:   eventBufferSize,
	}
}

// Publish enqueues the event for its addressee.
func (d *EventDispatcher) Publish(event Event) {
	if event.UserID == "" || event.EventType == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	queue := d.pending[event.UserID]
	if len(queue) >= d.limit {
		queue = queue[1:]
	}
	d.pending[event.UserID] = append(queue, event)
}

// Drain returns and clears the user's pending events in publish order.
func (d *EventDispatcher) Drain(userID string) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue := d.pending[userID]
	delete(d.pending, userID)
	return queue
}

// DropUser discards any undelivered events for a deleted user.
func (d *EventDispatcher) DropUser(userID string) {
	d.mu.Lock()
	delete(d.pending, userID)
	d.mu.Unlock()
}
