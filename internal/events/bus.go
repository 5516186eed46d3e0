package events

import (
	"sync"
	"time"
)

// Topic enumerates bus channels shared across portmuxd subsystems.
type Topic string

const (
	TopicBindingRegistered Topic = "binding_registered"
	TopicListenerStarted   Topic = "listener_started"
	TopicAppStarting       Topic = "app_starting"
	TopicAppReady          Topic = "app_ready"
	TopicRequestQueued     Topic = "request_queued"
	TopicRequestExpired    Topic = "request_expired"
)

// Event is one message broadcast on the bus.
type Event struct {
	Topic   Topic
	Time    time.Time
	Payload any
}

// BindingRegistered announces a new or re-registered binding.
type BindingRegistered struct {
	ID       string
	Host     string
	Port     int
	Vhost    string
	Basepath string
}

// AppLifecycle carries start/ready transitions for one binding.
type AppLifecycle struct {
	ID     string
	Target string
}

// QueuedRequest describes a request parked while its application starts.
type QueuedRequest struct {
	ID    string
	Path  string
	Depth int
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

// Publish broadcasts an event to all subscribers of its topic. The event's
// timestamp is filled in if the caller left it zero.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[evt.Topic] {
		select {
		case ch <- evt:
		default:
			// Drop when a subscriber is saturated; listeners size their
			// buffers for the traffic they expect.
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
