// Package poller drives the fleet: each cycle fetches every printer's
// job status, formats it, and publishes it to the printer's topic,
// waiting for the broker to acknowledge each message.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nugget/octowatch/internal/events"
	"github.com/nugget/octowatch/internal/fleet"
	"github.com/nugget/octowatch/internal/mqtt"
	"github.com/nugget/octowatch/internal/octoprint"
)

// Fetcher queries one printer for its job status.
type Fetcher interface {
	FetchJob(ctx context.Context, d fleet.Device) (fleet.JobStatus, error)
}

// Publisher sends one message and waits for its acknowledgment.
type Publisher interface {
	Publish(ctx context.Context, msg mqtt.Message) error
}

// CycleConfig configures a [Cycle].
type CycleConfig struct {
	Fetcher Fetcher

	// Publisher receives each formatted status. When nil the cycle only
	// fetches and formats, which is what the one-shot poll command does.
	Publisher Publisher

	// Board, if set, records published statuses and marks failures stale.
	Board *fleet.Board

	// Bus receives cycle and per-device events. May be nil.
	Bus *events.Bus

	// PublishAttempts is the number of tries per publish (default 1).
	// Only ack timeouts and lost connections are retried.
	PublishAttempts int

	// PublishBackoff is the initial delay between publish attempts.
	PublishBackoff time.Duration

	Logger *slog.Logger
}

// Outcome is the result of one device visit.
type Outcome struct {
	Device     fleet.Device
	Status     fleet.JobStatus
	Payload    string
	FetchErr   error
	PublishErr error
}

// Published reports whether the status was fetched and, when the cycle
// has a publisher, acknowledged.
func (o Outcome) Published() bool {
	return o.FetchErr == nil && o.PublishErr == nil
}

// Err returns the failure that ended the visit, if any.
func (o Outcome) Err() error {
	if o.FetchErr != nil {
		return o.FetchErr
	}
	return o.PublishErr
}

// CycleStats summarizes the most recent cycle.
type CycleStats struct {
	Runs        uint64        `json:"runs"`
	LastStarted time.Time     `json:"last_started,omitzero"`
	LastElapsed time.Duration `json:"last_elapsed_ns"`
	Devices     int           `json:"devices"`
	Published   int           `json:"published"`
	Failed      int           `json:"failed"`
}

// Cycle runs one pass over the fleet.
type Cycle struct {
	cfg  CycleConfig
	runs atomic.Uint64

	mu    sync.Mutex
	stats CycleStats
}

// NewCycle creates a poll cycle.
func NewCycle(cfg CycleConfig) *Cycle {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PublishAttempts <= 0 {
		cfg.PublishAttempts = 1
	}
	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = 500 * time.Millisecond
	}
	return &Cycle{cfg: cfg}
}

// Run visits devices in order and returns one outcome per device. A
// failure for one device never stops the others from being visited.
func (c *Cycle) Run(ctx context.Context, devices []fleet.Device) []Outcome {
	n := c.runs.Add(1)
	start := time.Now()
	c.cfg.Bus.Emit(events.SourcePoller, events.KindCycleStart, map[string]any{
		"cycle":   n,
		"devices": len(devices),
	})

	outcomes := make([]Outcome, 0, len(devices))
	published := 0
	for _, d := range devices {
		o := c.visit(ctx, d)
		if o.Published() {
			published++
		}
		outcomes = append(outcomes, o)
	}

	elapsed := time.Since(start)
	failed := len(devices) - published

	c.mu.Lock()
	c.stats = CycleStats{
		Runs:        n,
		LastStarted: start,
		LastElapsed: elapsed,
		Devices:     len(devices),
		Published:   published,
		Failed:      failed,
	}
	c.mu.Unlock()

	c.cfg.Logger.Info("poll cycle complete",
		"cycle", n,
		"devices", len(devices),
		"published", published,
		"failed", failed,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	c.cfg.Bus.Emit(events.SourcePoller, events.KindCycleComplete, map[string]any{
		"cycle":      n,
		"devices":    len(devices),
		"published":  published,
		"failed":     failed,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return outcomes
}

// Stats returns a summary of the most recent cycle.
func (c *Cycle) Stats() CycleStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cycle) visit(ctx context.Context, d fleet.Device) Outcome {
	logger := c.cfg.Logger
	out := Outcome{Device: d}

	status, err := c.cfg.Fetcher.FetchJob(ctx, d)
	if err != nil {
		out.FetchErr = err
		kind := "unknown"
		var fe *octoprint.FetchError
		if errors.As(err, &fe) {
			kind = fe.Kind.String()
		}
		logger.Warn("printer fetch failed", "device", d.Name, "kind", kind, "error", err)
		c.markStale(d.Name, err)
		c.cfg.Bus.Emit(events.SourcePoller, events.KindFetchFailed, map[string]any{
			"device": d.Name,
			"kind":   kind,
			"error":  err.Error(),
		})
		return out
	}

	out.Status = status
	out.Payload = fleet.FormatPayload(d.Name, status)
	logger.Debug("printer status fetched",
		"device", d.Name,
		"state", status.State.String(),
		"payload", out.Payload,
	)
	if c.cfg.Publisher == nil {
		return out
	}

	if err := c.publish(ctx, d, out.Payload); err != nil {
		out.PublishErr = err
		logger.Warn("status publish failed", "device", d.Name, "topic", d.Topic, "error", err)
		c.markStale(d.Name, err)
		c.cfg.Bus.Emit(events.SourcePoller, events.KindPublishFailed, map[string]any{
			"device": d.Name,
			"topic":  d.Topic,
			"error":  err.Error(),
		})
		return out
	}

	if c.cfg.Board != nil && c.cfg.Board.Record(d.Name, status, out.Payload, time.Now()) {
		logger.Info("printer status changed", "device", d.Name, "payload", out.Payload)
		c.cfg.Bus.Emit(events.SourcePoller, events.KindStatusChanged, map[string]any{
			"device":  d.Name,
			"topic":   d.Topic,
			"state":   status.State.String(),
			"payload": out.Payload,
		})
	}
	return out
}

func (c *Cycle) markStale(name string, err error) {
	if c.cfg.Board != nil {
		c.cfg.Board.MarkStale(name, err, time.Now())
	}
}

// publish sends the status at QoS 1 without retain, retrying ack
// timeouts and lost connections up to PublishAttempts times.
func (c *Cycle) publish(ctx context.Context, d fleet.Device, payload string) error {
	msg := mqtt.Message{
		Topic:   d.Topic,
		Payload: []byte(payload),
		QoS:     1,
		Retain:  false,
	}
	if c.cfg.PublishAttempts <= 1 {
		return c.cfg.Publisher.Publish(ctx, msg)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.PublishBackoff
	bo.MaxInterval = 8 * c.cfg.PublishBackoff

	operation := func() (struct{}, error) {
		err := c.cfg.Publisher.Publish(ctx, msg)
		if err == nil || retryable(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		c.cfg.Logger.Debug("status publish retrying",
			"device", d.Name,
			"next_delay", next.String(),
			"error", err,
		)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.cfg.PublishAttempts)),
		backoff.WithNotify(notify),
	)
	return err
}

func retryable(err error) bool {
	return errors.Is(err, mqtt.ErrAckTimeout) || errors.Is(err, mqtt.ErrNotConnected)
}
