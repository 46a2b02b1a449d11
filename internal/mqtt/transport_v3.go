package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"

	pahov3 "github.com/eclipse/paho.mqtt.golang"
)

// v3Transport wraps the Paho MQTT 3.1.1 client. Tokens returned by the
// client are turned into ack events.
type v3Transport struct {
	broker *url.URL
	cfg    TransportConfig
	logger *slog.Logger
	events *eventQueue
	subs   subscriptionSet
	client pahov3.Client
}

func newV3Transport(broker *url.URL, cfg TransportConfig) *v3Transport {
	t := &v3Transport{
		broker: broker,
		cfg:    cfg,
		logger: cfg.Logger,
		events: newEventQueue(64),
	}

	opts := pahov3.NewClientOptions()
	opts.AddBroker(broker.String())
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.ReconnectDelay)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	if isTLSScheme(broker.Scheme) {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetConnectionLostHandler(func(_ pahov3.Client, err error) {
		t.events.emit(Event{Kind: EventConnectionLost, Err: err})
	})
	opts.SetOnConnectHandler(func(c pahov3.Client) {
		t.logger.Debug("mqtt v3 connection up", "broker", broker.String())
		t.events.emit(Event{Kind: EventConnected})
		go t.resubscribe()
	})

	t.client = pahov3.NewClient(opts)
	return t
}

func (t *v3Transport) Connect(ctx context.Context) error {
	token := t.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt v3 connect: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt v3 connect: %w", err)
	}
	return nil
}

func (t *v3Transport) Send(_ context.Context, id string, msg Message) error {
	if !t.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := t.client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
	go func() {
		select {
		case <-token.Done():
			t.events.emit(Event{Kind: EventAck, MessageID: id, Err: token.Error()})
		case <-t.events.closed:
		}
	}()
	return nil
}

func (t *v3Transport) Subscribe(ctx context.Context, filters []string, qos byte, h MessageHandler) error {
	t.subs.add(filters, qos, h)
	return t.subscribe(ctx, t.subs.snapshot())
}

func (t *v3Transport) subscribe(ctx context.Context, subs map[string]byte) error {
	token := t.client.SubscribeMultiple(subs, func(_ pahov3.Client, m pahov3.Message) {
		t.subs.deliver(m.Topic(), m.Payload())
	})
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt v3 subscribe: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt v3 subscribe: %w", err)
	}
	return nil
}

func (t *v3Transport) resubscribe() {
	subs := t.subs.snapshot()
	if len(subs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ConnectTimeout)
	defer cancel()
	if err := t.subscribe(ctx, subs); err != nil {
		t.logger.Warn("mqtt resubscribe failed", "error", err)
		return
	}
	t.logger.Info("mqtt subscriptions restored", "topics", len(subs))
}

func (t *v3Transport) Events() <-chan Event { return t.events.ch }

// Close also aborts a connect attempt that outlived its context, so a
// connection completing after Connect gave up is not left open.
func (t *v3Transport) Close(_ context.Context) error {
	defer t.events.close()
	t.client.Disconnect(250)
	return nil
}
