package study

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// PendingUnlocker drains users flagged for an unlock scan.
type PendingUnlocker interface {
	UnlockPending(ctx context.Context) (int, error)
}

// Sweeper periodically drains the unlock flags so subjects appear even for
// users who never read their schedule.
type Sweeper struct {
	scheduler *gocron.Scheduler
	unlocker  PendingUnlocker
	interval  time.Duration
	cancel    context.CancelFunc
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(unlocker PendingUnlocker, interval time.Duration) *Sweeper {
	return &Sweeper{
		scheduler: gocron.NewScheduler(time.UTC),
		unlocker:  unlocker,
		interval:  interval,
	}
}

// Start schedules the sweep and returns immediately. Runs never overlap.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", s.interval)
	}
	ctx, s.cancel = context.WithCancel(ctx)

	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(func() {
		s.RunOnce(ctx)
	})
	if err != nil {
		s.cancel()
		return fmt.Errorf("schedule unlock sweep: %w", err)
	}
	s.scheduler.StartAsync()
	slog.Info("unlock sweeper started", "interval", s.interval)
	return nil
}

// RunOnce drains pending unlocks and returns the number of users processed.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	start := time.Now()
	n, err := s.unlocker.UnlockPending(ctx)
	if err != nil {
		slog.Error("unlock sweep failed", "error", err, "processed", n)
		return n
	}
	if n > 0 {
		slog.Info("unlock sweep done", "processed", n, "duration", time.Since(start))
	}
	return n
}

// Stop halts the schedule and cancels a running sweep.
func (s *Sweeper) Stop() {
	s.scheduler.Stop()
	if s.cancel != nil {
		s.cancel()
	}
}
