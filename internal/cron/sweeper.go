// Package cron runs the scheduled retention sweep that prunes old rows
// from the event history.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/islandd/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention sweeper.
type Config struct {
	Store     *persistence.Store
	Logger    *slog.Logger
	Schedule  string        // cron expression; defaults to hourly
	Retention time.Duration // rows older than this are pruned
}

// Sweeper prunes history rows on a cron schedule.
type Sweeper struct {
	store     *persistence.Store
	logger    *slog.Logger
	schedule  cronlib.Schedule
	retention time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper. An unparsable schedule falls back to hourly.
func NewSweeper(cfg Config) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		logger.Warn("invalid sweep schedule, using hourly", "schedule", expr, "error", err)
		schedule, _ = cronParser.Parse("0 * * * *")
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	return &Sweeper{
		store:     cfg.Store,
		logger:    logger,
		schedule:  schedule,
		retention: retention,
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "retention", s.retention)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce prunes everything older than the retention window.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	removed, err := s.store.PruneBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("retention sweep pruned history", "removed", removed, "cutoff", cutoff)
	}
}
