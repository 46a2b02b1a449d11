package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Implementations must be safe for concurrent use.
type MessageHandler func(topic string, payload []byte)

// LoggingHandler returns a [MessageHandler] that logs received messages
// at debug level and then passes them to next. Status payloads of the
// form "<name>: <status>" are split into device and status fields.
func LoggingHandler(logger *slog.Logger, next MessageHandler) MessageHandler {
	return func(topic string, payload []byte) {
		if logger.Enabled(context.Background(), slog.LevelDebug) {
			fields := []any{
				"topic", topic,
				"payload_size", len(payload),
			}
			if name, status, ok := strings.Cut(string(payload), ": "); ok {
				fields = append(fields, "device", name, "status", status)
			}
			logger.Debug("mqtt message received", fields...)
		}
		if next != nil {
			next(topic, payload)
		}
	}
}

// RateLimitedHandler returns a [MessageHandler] that passes at most
// limit messages per interval to next and drops the rest. The counter
// reset loop runs until ctx is cancelled.
func RateLimitedHandler(ctx context.Context, limit int64, interval time.Duration, logger *slog.Logger, next MessageHandler) MessageHandler {
	rl := newMessageRateLimiter(limit, interval, logger)
	go rl.start(ctx)
	return func(topic string, payload []byte) {
		if rl.allow() {
			next(topic, payload)
		}
	}
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled,
// warning when messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
