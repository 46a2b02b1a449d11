package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default timeouts used when [Options] leaves them zero.
const (
	DefaultAckTimeout     = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

var (
	// ErrNotConnected is returned by Publish when the publisher is not
	// in the Connected state.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrAckTimeout is returned by Publish when the broker does not
	// acknowledge the message within the ack timeout.
	ErrAckTimeout = errors.New("mqtt: timed out waiting for acknowledgment")

	// ErrCancelled is returned by Publish when Disconnect is called while
	// the message is still awaiting its acknowledgment.
	ErrCancelled = errors.New("mqtt: publish cancelled by disconnect")
)

// ConnectError is returned by [Publisher.Connect] when the broker
// connection cannot be established.
type ConnectError struct {
	Broker string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mqtt connect %s: %v", e.Broker, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ConnectionState is the publisher's view of its broker connection.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Message is one outbound publish.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// pendingAck tracks one message between send and acknowledgment. done
// has capacity 1 and receives exactly one value from whoever removes
// the entry from the pending table.
type pendingAck struct {
	messageID  string
	topic      string
	enqueuedAt time.Time
	done       chan error
}

// Options configures a [Publisher].
type Options struct {
	// Scheme is the broker URL scheme passed to the dialer: mqtt, mqtts,
	// tcp, or ssl. Defaults to mqtt.
	Scheme string

	AckTimeout     time.Duration
	ConnectTimeout time.Duration

	// Dial creates the transport for a broker URL. Required.
	Dial Dialer

	Logger *slog.Logger
}

// Publisher owns one broker connection and correlates publishes with
// their acknowledgments. All methods are safe for concurrent use.
type Publisher struct {
	scheme         string
	ackTimeout     time.Duration
	connectTimeout time.Duration
	dial           Dialer
	logger         *slog.Logger
	newID          func() string

	mu        sync.Mutex
	state     ConnectionState
	broker    string
	transport Transport
	pending   map[string]*pendingAck
	stop      chan struct{}
}

// NewPublisher creates a disconnected Publisher.
func NewPublisher(opts Options) *Publisher {
	if opts.Scheme == "" {
		opts.Scheme = "mqtt"
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Publisher{
		scheme:         opts.Scheme,
		ackTimeout:     opts.AckTimeout,
		connectTimeout: opts.ConnectTimeout,
		dial:           opts.Dial,
		logger:         opts.Logger,
		newID:          newMessageID,
		pending:        make(map[string]*pendingAck),
	}
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// BrokerURL builds the broker address passed to a [Dialer].
func BrokerURL(scheme, host string, port int) *url.URL {
	return &url.URL{Scheme: scheme, Host: net.JoinHostPort(host, strconv.Itoa(port))}
}

// SplitBrokerURL parses a configured broker URL into the scheme, host,
// and port accepted by [Publisher.Connect]. A missing port defaults to
// 8883 for TLS schemes and 1883 otherwise.
func SplitBrokerURL(raw string) (scheme, host string, port int, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", 0, fmt.Errorf("parse broker URL: %w", err)
	}
	if u.Hostname() == "" {
		return "", "", 0, fmt.Errorf("broker URL %q has no host", raw)
	}
	scheme = u.Scheme
	if scheme == "" {
		scheme = "mqtt"
	}
	port = 1883
	if isTLSScheme(scheme) {
		port = 8883
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", "", 0, fmt.Errorf("broker URL %q: invalid port: %w", raw, err)
		}
	}
	return scheme, u.Hostname(), port, nil
}

func isTLSScheme(scheme string) bool {
	return scheme == "mqtts" || scheme == "ssl" || scheme == "tls"
}

// Connect establishes the broker connection, moving the publisher from
// Disconnected through Connecting to Connected. On failure the
// publisher is left Disconnected and a *ConnectError is returned.
// Connecting an already connected publisher is a no-op.
func (p *Publisher) Connect(ctx context.Context, host string, port int) error {
	broker := BrokerURL(p.scheme, host, port)

	p.mu.Lock()
	switch p.state {
	case Connected:
		p.mu.Unlock()
		return nil
	case Connecting:
		p.mu.Unlock()
		return &ConnectError{Broker: broker.String(), Err: errors.New("connection attempt already in progress")}
	}
	p.state = Connecting
	p.broker = broker.String()
	p.mu.Unlock()

	fail := func(err error) error {
		p.mu.Lock()
		p.state = Disconnected
		p.mu.Unlock()
		p.logger.Warn("mqtt connect failed", "broker", broker.String(), "error", err)
		return &ConnectError{Broker: broker.String(), Err: err}
	}

	if p.dial == nil {
		return fail(errors.New("no transport dialer configured"))
	}
	t, err := p.dial(broker)
	if err != nil {
		return fail(err)
	}

	connCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()
	if err := t.Connect(connCtx); err != nil {
		t.Close(context.WithoutCancel(ctx))
		return fail(err)
	}

	p.mu.Lock()
	if p.state != Connecting {
		// Disconnect ran while we were dialing.
		p.mu.Unlock()
		t.Close(context.WithoutCancel(ctx))
		return &ConnectError{Broker: broker.String(), Err: ErrCancelled}
	}
	p.transport = t
	p.state = Connected
	p.stop = make(chan struct{})
	go p.dispatch(t.Events(), p.stop)
	p.mu.Unlock()

	p.logger.Info("mqtt connected", "broker", broker.String())
	return nil
}

// Publish sends msg and blocks until the broker acknowledges it, the
// ack timeout elapses, ctx is done, or Disconnect is called. It fails
// fast with ErrNotConnected unless the publisher is Connected.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	if p.state != Connected {
		p.mu.Unlock()
		return fmt.Errorf("publish %s: %w", msg.Topic, ErrNotConnected)
	}
	t := p.transport
	pa := &pendingAck{
		messageID:  p.newID(),
		topic:      msg.Topic,
		enqueuedAt: time.Now(),
		done:       make(chan error, 1),
	}
	p.pending[pa.messageID] = pa
	p.mu.Unlock()

	if err := t.Send(ctx, pa.messageID, msg); err != nil {
		if !p.release(pa.messageID) {
			return wrapPublish(msg.Topic, <-pa.done)
		}
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}

	timer := time.NewTimer(p.ackTimeout)
	defer timer.Stop()

	select {
	case err := <-pa.done:
		if err == nil {
			p.logger.Log(ctx, levelTrace, "mqtt publish acknowledged",
				"topic", msg.Topic,
				"message_id", pa.messageID,
				"elapsed", time.Since(pa.enqueuedAt).Round(time.Millisecond),
			)
		}
		return wrapPublish(msg.Topic, err)
	case <-timer.C:
		if p.release(pa.messageID) {
			return fmt.Errorf("publish %s after %v: %w", msg.Topic, p.ackTimeout, ErrAckTimeout)
		}
		return wrapPublish(msg.Topic, <-pa.done)
	case <-ctx.Done():
		if p.release(pa.messageID) {
			return fmt.Errorf("publish %s: %w", msg.Topic, ctx.Err())
		}
		return wrapPublish(msg.Topic, <-pa.done)
	}
}

func wrapPublish(topic string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("publish %s: %w", topic, err)
}

// resolve completes the waiter for id, if it is still pending.
func (p *Publisher) resolve(id string, err error) bool {
	p.mu.Lock()
	pa, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if ok {
		pa.done <- err
	}
	return ok
}

// release removes id from the pending table without completing it. A
// false return means another goroutine already resolved it and the
// waiter's channel holds the result.
func (p *Publisher) release(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[id]
	delete(p.pending, id)
	return ok
}

func (p *Publisher) dispatch(events <-chan Event, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev := <-events:
			p.handleEvent(ev)
		}
	}
}

func (p *Publisher) handleEvent(ev Event) {
	switch ev.Kind {
	case EventAck:
		if !p.resolve(ev.MessageID, ev.Err) {
			p.logger.Debug("mqtt acknowledgment for unknown message dropped",
				"message_id", ev.MessageID)
		}
	case EventConnectionLost:
		p.mu.Lock()
		changed := p.state == Connected
		if changed {
			p.state = Connecting
		}
		broker := p.broker
		p.mu.Unlock()
		if changed {
			p.logger.Warn("mqtt connection lost, reconnecting", "broker", broker, "error", ev.Err)
		}
	case EventConnected:
		p.mu.Lock()
		changed := p.state == Connecting && p.transport != nil
		if changed {
			p.state = Connected
		}
		broker := p.broker
		p.mu.Unlock()
		if changed {
			p.logger.Info("mqtt connection restored", "broker", broker)
		}
	}
}

// Subscribe registers h for messages on the given topic filters. The
// transport re-subscribes after reconnects.
func (p *Publisher) Subscribe(ctx context.Context, filters []string, qos byte, h MessageHandler) error {
	p.mu.Lock()
	t := p.transport
	connected := p.state == Connected
	p.mu.Unlock()
	if !connected {
		return fmt.Errorf("subscribe: %w", ErrNotConnected)
	}
	if err := t.Subscribe(ctx, filters, qos, h); err != nil {
		return fmt.Errorf("subscribe %v: %w", filters, err)
	}
	return nil
}

// Disconnect closes the broker connection and moves the publisher to
// Disconnected. Every publish still awaiting an acknowledgment fails
// with ErrCancelled. Calling Disconnect more than once is safe.
func (p *Publisher) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	t := p.transport
	stop := p.stop
	pending := p.pending
	p.transport = nil
	p.stop = nil
	p.pending = make(map[string]*pendingAck)
	p.state = Disconnected
	broker := p.broker
	p.mu.Unlock()

	for _, pa := range pending {
		pa.done <- ErrCancelled
	}
	if len(pending) > 0 {
		p.logger.Info("mqtt in-flight publishes cancelled", "count", len(pending))
	}
	if stop != nil {
		close(stop)
	}
	if t == nil {
		return nil
	}
	if err := t.Close(ctx); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	p.logger.Info("mqtt disconnected", "broker", broker)
	return nil
}

// State returns the current connection state.
func (p *Publisher) State() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// InFlight returns the number of publishes awaiting acknowledgment.
func (p *Publisher) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Broker returns the URL of the most recent connection attempt.
func (p *Publisher) Broker() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broker
}

// AwaitConnection blocks until the publisher is Connected or ctx is
// done. Used by health probes.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.State() == Connected {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("await mqtt connection: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
