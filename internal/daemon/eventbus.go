package daemon

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types for the control event stream.
const (
	EventChat   = "chat"   // a completed turn
	EventTask   = "task"   // task started or ended
	EventStatus = "status" // janitor reports, lifecycle
	EventError  = "error"  // failed turn
)

// Event is a single event broadcast to control API clients.
type Event struct {
	Type     string         `json:"type"`
	Scope    string         `json:"scope,omitempty"`
	Platform string         `json:"platform,omitempty"`
	Content  string         `json:"content,omitempty"`
	Message  string         `json:"message,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	TS       string         `json:"ts"`
}

// MarshalEvent serializes an event to JSON with timestamp.
func (e Event) MarshalEvent() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// EventBus fans out events to all subscribers. Subscribers that fall behind
// miss events; the recent buffer lets new ones catch up.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	recent    []Event
	recentMu  sync.RWMutex
	maxRecent int
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   200,
	}
}

// Publish sends an event to all subscribers without blocking.
func (eb *EventBus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	eb.recentMu.Lock()
	eb.recent = append(eb.recent, e)
	if len(eb.recent) > eb.maxRecent {
		eb.recent = eb.recent[len(eb.recent)-eb.maxRecent:]
	}
	eb.recentMu.Unlock()

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for sub := range eb.subscribers {
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Subscribe returns an event channel and the handle to pass to Unsubscribe.
func (eb *EventBus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}
	eb.mu.Lock()
	eb.subscribers[sub] = struct{}{}
	eb.mu.Unlock()
	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber and closes its channel.
func (eb *EventBus) Unsubscribe(done chan struct{}) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for sub := range eb.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(eb.subscribers, sub)
			return
		}
	}
}

// Recent returns up to the last n events; n <= 0 returns all of them.
func (eb *EventBus) Recent(n int) []Event {
	eb.recentMu.RLock()
	defer eb.recentMu.RUnlock()
	if n <= 0 || n > len(eb.recent) {
		n = len(eb.recent)
	}
	out := make([]Event, n)
	copy(out, eb.recent[len(eb.recent)-n:])
	return out
}

func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}
