package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// v5Transport wraps an autopaho connection manager. autopaho reconnects
// on its own; connection changes are surfaced as events.
type v5Transport struct {
	broker *url.URL
	cfg    TransportConfig
	logger *slog.Logger
	events *eventQueue
	subs   subscriptionSet
	up     atomic.Bool

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	life   context.Context
	cancel context.CancelFunc
}

func newV5Transport(broker *url.URL, cfg TransportConfig) *v5Transport {
	life, cancel := context.WithCancel(context.Background())
	return &v5Transport{
		broker: broker,
		cfg:    cfg,
		logger: cfg.Logger,
		events: newEventQueue(64),
		life:   life,
		cancel: cancel,
	}
}

func (t *v5Transport) Connect(ctx context.Context) error {
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{t.broker},
		KeepAlive:                     uint16(t.cfg.KeepAlive.Seconds()),
		ConnectTimeout:                t.cfg.ConnectTimeout,
		ReconnectBackoff:              autopaho.NewConstantBackoff(t.cfg.ReconnectDelay),
		CleanStartOnInitialConnection: true,
		ConnectUsername:               t.cfg.Username,
		ConnectPassword:               []byte(t.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			t.up.Store(true)
			t.logger.Debug("mqtt v5 connection up", "broker", t.broker.String())
			t.events.emit(Event{Kind: EventConnected})
			go t.resubscribe(cm)
		},
		OnConnectError: func(err error) {
			t.logger.Warn("mqtt connection error", "broker", t.broker.String(), "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: t.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					t.subs.deliver(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				t.lost(err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				t.lost(fmt.Errorf("server disconnect: reason code %d", d.ReasonCode))
			},
		},
	}

	if isTLSScheme(t.broker.Scheme) {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(t.life, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt v5 connect: %w", err)
	}
	t.mu.Lock()
	t.cm = cm
	t.mu.Unlock()

	if err := cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt v5 await connection: %w", err)
	}
	// AwaitConnection returns before OnConnectionUp runs.
	t.up.Store(true)
	return nil
}

func (t *v5Transport) lost(err error) {
	if t.up.Swap(false) {
		t.events.emit(Event{Kind: EventConnectionLost, Err: err})
	}
}

func (t *v5Transport) Send(ctx context.Context, id string, msg Message) error {
	t.mu.Lock()
	cm := t.cm
	t.mu.Unlock()
	if cm == nil || !t.up.Load() {
		return ErrNotConnected
	}

	go func() {
		sendCtx, cancel := context.WithTimeout(t.life, t.cfg.SendTimeout)
		defer cancel()
		resp, err := cm.Publish(sendCtx, &paho.Publish{
			Topic:   msg.Topic,
			Payload: msg.Payload,
			QoS:     msg.QoS,
			Retain:  msg.Retain,
		})
		if err == nil && resp != nil && resp.ReasonCode >= 0x80 {
			err = fmt.Errorf("broker rejected publish: reason code %d", resp.ReasonCode)
		}
		t.events.emit(Event{Kind: EventAck, MessageID: id, Err: err})
	}()
	return nil
}

func (t *v5Transport) Subscribe(ctx context.Context, filters []string, qos byte, h MessageHandler) error {
	t.subs.add(filters, qos, h)

	t.mu.Lock()
	cm := t.cm
	t.mu.Unlock()
	if cm == nil {
		return ErrNotConnected
	}
	return subscribeV5(ctx, cm, t.subs.snapshot())
}

func (t *v5Transport) resubscribe(cm *autopaho.ConnectionManager) {
	subs := t.subs.snapshot()
	if len(subs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(t.life, t.cfg.ConnectTimeout)
	defer cancel()
	if err := subscribeV5(ctx, cm, subs); err != nil {
		t.logger.Warn("mqtt resubscribe failed", "error", err)
		return
	}
	t.logger.Info("mqtt subscriptions restored", "topics", len(subs))
}

func subscribeV5(ctx context.Context, cm *autopaho.ConnectionManager, subs map[string]byte) error {
	opts := make([]paho.SubscribeOptions, 0, len(subs))
	for filter, qos := range subs {
		opts = append(opts, paho.SubscribeOptions{Topic: filter, QoS: qos})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		return fmt.Errorf("mqtt v5 subscribe: %w", err)
	}
	return nil
}

func (t *v5Transport) Events() <-chan Event { return t.events.ch }

func (t *v5Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	cm := t.cm
	t.cm = nil
	t.mu.Unlock()

	t.up.Store(false)
	defer t.events.close()
	defer t.cancel()
	if cm == nil {
		return nil
	}
	if err := cm.Disconnect(ctx); err != nil {
		return fmt.Errorf("mqtt v5 disconnect: %w", err)
	}
	return nil
}
