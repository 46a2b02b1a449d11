// Package events provides a publish/subscribe event bus for watching
// the poller work. Poll cycles, status changes, and failures flow from
// the poller and the broker subscription to subscribers such as the
// WebSocket stream. The bus is nil-safe: calling Publish or Emit on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourcePoller identifies events from the poll cycle.
	SourcePoller = "poller"
	// SourceBroker identifies events from the broker connection watcher.
	SourceBroker = "broker"
	// SourceSubscriber identifies messages observed on fleet topics.
	SourceSubscriber = "subscriber"
)

// Kind constants describe the type of event within a source.
const (
	// KindCycleStart signals the start of a poll cycle.
	// Data: cycle, devices.
	KindCycleStart = "cycle_start"
	// KindCycleComplete signals the end of a poll cycle.
	// Data: cycle, devices, published, failed, elapsed_ms.
	KindCycleComplete = "cycle_complete"
	// KindStatusChanged signals a device whose published payload differs
	// from the previous one.
	// Data: device, topic, state, payload.
	KindStatusChanged = "status_changed"
	// KindFetchFailed signals a device that could not be queried.
	// Data: device, kind, error.
	KindFetchFailed = "fetch_failed"
	// KindPublishFailed signals a status the broker did not acknowledge.
	// Data: device, topic, error.
	KindPublishFailed = "publish_failed"

	// KindBrokerUp signals the broker connection became ready.
	// Data: broker.
	KindBrokerUp = "broker_up"
	// KindBrokerDown signals the broker connection was lost.
	// Data: broker, error.
	KindBrokerDown = "broker_down"

	// KindMessageObserved signals a status message seen on a fleet topic.
	// Data: device, topic, payload.
	KindMessageObserved = "message_observed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event.
		}
	}
}

// Emit publishes an event stamped with the current time. Safe to call
// on a nil receiver (no-op).
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 covers several cycles of a
// typical fleet for WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
