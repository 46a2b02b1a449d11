package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/octowatch/internal/fleet"
)

// Scheduler runs a [Cycle] immediately and then on a fixed interval.
type Scheduler struct {
	cycle    *Cycle
	devices  []fleet.Device
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler for the given fleet.
func NewScheduler(cycle *Cycle, devices []fleet.Device, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cycle:    cycle,
		devices:  devices,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled. Cancellation is observed between
// cycles: a cycle that has started always runs to completion, bounded
// by the fetch and ack timeouts. Cycles never overlap; a cycle that
// outlasts the interval delays the next one.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return errors.New("poller: interval must be positive")
	}

	s.logger.Info("poll scheduler started",
		"devices", len(s.devices),
		"interval", s.interval.String(),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		s.cycle.Run(context.WithoutCancel(ctx), s.devices)

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}

	s.logger.Info("poll scheduler stopped")
	return nil
}
