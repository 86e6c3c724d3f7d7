package events

import (
	"sync"
	"time"
)

// Topic enumerates bus channels shared across shelfd subsystems.
type Topic string

const (
	TopicWebServiceState   Topic = "webservice_state"
	TopicWebServiceStopped Topic = "webservice_stopped"
	TopicProgressSaved     Topic = "progress_saved"
	TopicLibraryChanged    Topic = "library_changed"
	TopicConfigChanged     Topic = "config_changed"
)

// Event represents a message broadcast on the event bus.
type Event struct {
	Topic   Topic
	Payload any
}

// WebServiceStopped is broadcast once the request and push servers are both
// down. Serving is always false today; it is kept so listeners can share a
// single handler for start and stop notifications.
type WebServiceStopped struct {
	Serving bool
}

// ProgressSaved announces a reading position update for a book.
type ProgressSaved struct {
	BookID    string
	Position  string
	Percent   float64
	Device    string
	UpdatedAt time.Time
}

// LibraryChanged is published after a library rescan.
type LibraryChanged struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Total   int `json:"total"`
}

// ConfigChanged carries the keys whose values differ after a config reload.
type ConfigChanged struct {
	Keys []string
}

// Bus is a simple pub/sub dispatcher for intra-process events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]chan Event
	closed bool
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Event)}
}

// Subscribe registers a buffered channel for a topic.
func (b *Bus) Subscribe(topic Topic, buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Unsubscribe removes and closes a channel previously returned by Subscribe.
// Servers that come and go with the web service use this so restarts do not
// accumulate dead subscribers.
func (b *Bus) Unsubscribe(topic Topic, sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	chans := b.subs[topic]
	for i, ch := range chans {
		if (<-chan Event)(ch) == sub {
			b.subs[topic] = append(chans[:i:i], chans[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish broadcasts an event to all subscribers.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[evt.Topic] {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is saturated; listeners should size buffers appropriately.
		}
	}
}

// Close shuts down the bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
}
