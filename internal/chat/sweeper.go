package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultSweepCron runs the expiry sweep every five minutes.
const DefaultSweepCron = "*/5 * * * *"

// Sweeper periodically calls Store.Sweep on a cron schedule.
type Sweeper struct {
	store Store
	cron  string
	log   *slog.Logger
	now   func() time.Time
}

// NewSweeper validates the cron expression and returns a Sweeper.
func NewSweeper(store Store, cronExpr string, log *slog.Logger) (*Sweeper, error) {
	if cronExpr == "" {
		cronExpr = DefaultSweepCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("chat: invalid sweep cron %q", cronExpr)
	}
	return &Sweeper{store: store, cron: cronExpr, log: log, now: time.Now}, nil
}

// Run blocks until ctx is cancelled, sweeping at every cron tick.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("sweeper started", "cron", s.cron)
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now(), false)
		if err != nil {
			s.log.Error("sweeper next tick failed", "cron", s.cron, "error", err)
			next = s.now().Add(time.Minute)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	n, err := s.store.Sweep(ctx)
	if err != nil {
		s.log.Error("sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		s.log.Info("swept expired messages", "count", n)
	}
	return n
}
