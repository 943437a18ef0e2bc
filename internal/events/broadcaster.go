// Package events fans file lifecycle events out to server-sent event streams.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pentaract/pentaract/internal/metrics"
)

const (
	EventCompleted = "file.completed"
	EventFailed    = "file.failed"
	EventDeleted   = "file.deleted"
)

// Event reports a terminal change of a file.
type Event struct {
	Type      string `json:"type"`
	FileID    string `json:"file_id"`
	Size      int64  `json:"size,omitempty"`
	Chunks    int    `json:"chunks,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
}

// Publish sends an event to all subscribers. Slow consumers miss events
// rather than block the publisher.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON for SSE transmission.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
