// Package events fans browser state changes out to presentation-layer subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/storage-browser/internal/metrics"
)

const (
	EventNavigate      = "navigate"
	EventListing       = "listing"
	EventError         = "error"
	EventUpload        = "upload"
	EventDelete        = "delete"
	EventRename        = "rename"
	EventPartialRename = "partial_rename"
	EventCreateFolder  = "create_folder"
)

// Event describes one controller transition or mutation outcome.
type Event struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	Name      string `json:"name,omitempty"`
	NewName   string `json:"new_name,omitempty"`
	Status    string `json:"status,omitempty"`
	Items     int    `json:"items,omitempty"`
	Error     string `json:"error,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher accepts events. Broadcaster is the production implementation.
type Publisher interface {
	Publish(Event)
}

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done. After Close the returned
// channel is already closed.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	metrics.AddSSEConnections(1)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	_, ok := b.subscribers[ch]
	if ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
	if ok {
		metrics.AddSSEConnections(-1)
	}
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
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
			// Drop event for slow consumer
		}
	}
}

// Close unsubscribes everyone and refuses later subscribers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	n := len(b.subscribers)
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
	metrics.AddSSEConnections(-n)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
