package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// levelTrace matches config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)

// EventKind identifies a transport [Event].
type EventKind int

const (
	// EventAck reports the broker's acknowledgment (or failure) for one
	// message ID passed to [Transport.Send].
	EventAck EventKind = iota + 1
	// EventConnectionLost reports that the client lost its broker
	// connection and is reconnecting.
	EventConnectionLost
	// EventConnected reports that the client (re-)established its broker
	// connection.
	EventConnected
)

func (k EventKind) String() string {
	switch k {
	case EventAck:
		return "ack"
	case EventConnectionLost:
		return "connection_lost"
	case EventConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Event is a notification from a transport to its publisher.
type Event struct {
	Kind      EventKind
	MessageID string // EventAck only
	Err       error  // delivery failure for EventAck, cause for EventConnectionLost
	At        time.Time
}

// Transport is one broker client connection. Send must not block on the
// acknowledgment; the outcome is reported later as an EventAck carrying
// the same id. Implementations deliver events until Close.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, id string, msg Message) error
	Subscribe(ctx context.Context, filters []string, qos byte, h MessageHandler) error
	Events() <-chan Event
	Close(ctx context.Context) error
}

// Dialer creates an unconnected transport for a broker URL.
type Dialer func(broker *url.URL) (Transport, error)

// TransportConfig holds the client settings shared by both transports.
type TransportConfig struct {
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// ReconnectDelay is the longest wait between reconnect attempts
	// after the connection drops. Default 10s.
	ReconnectDelay time.Duration

	// SendTimeout bounds how long a background send may wait for the
	// broker before it reports a failed acknowledgment. Default 30s.
	SendTimeout time.Duration

	Logger *slog.Logger
}

func (c *TransportConfig) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "octowatch"
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NewDialer returns the dialer for a protocol version: "v5" (autopaho)
// or "v3" (Paho 3.1.1 client).
func NewDialer(protocol string, cfg TransportConfig) (Dialer, error) {
	cfg.applyDefaults()
	switch protocol {
	case "", "v5":
		return func(broker *url.URL) (Transport, error) {
			return newV5Transport(broker, cfg), nil
		}, nil
	case "v3":
		return func(broker *url.URL) (Transport, error) {
			return newV3Transport(broker, cfg), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown mqtt protocol %q (valid: v5, v3)", protocol)
	}
}

// eventQueue is the buffered event channel every transport owns. emit
// blocks until the publisher consumes the event or the queue is closed;
// the channel itself is never closed.
type eventQueue struct {
	ch        chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

func newEventQueue(size int) *eventQueue {
	return &eventQueue{
		ch:     make(chan Event, size),
		closed: make(chan struct{}),
	}
}

func (q *eventQueue) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case q.ch <- ev:
	case <-q.closed:
	}
}

func (q *eventQueue) close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// subscriptionSet remembers subscriptions so they can be restored after
// a reconnect.
type subscriptionSet struct {
	mu      sync.Mutex
	filters map[string]byte
	handler MessageHandler
}

func (s *subscriptionSet) add(filters []string, qos byte, h MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filters == nil {
		s.filters = make(map[string]byte)
	}
	for _, f := range filters {
		s.filters[f] = qos
	}
	s.handler = h
}

func (s *subscriptionSet) snapshot() map[string]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]byte, len(s.filters))
	for f, q := range s.filters {
		out[f] = q
	}
	return out
}

func (s *subscriptionSet) deliver(topic string, payload []byte) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}
