package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically re-triggers diagnosis of incidents left open, for
// example after a provider circuit was open.
type Sweeper struct {
	coordinator *Coordinator
	schedule    string
	cron        *cron.Cron
}

// NewSweeper creates a sweeper for a standard five-field cron schedule or a
// descriptor such as "@every 5m".
func NewSweeper(coordinator *Coordinator, schedule string) (*Sweeper, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse retrigger schedule: %w", err)
	}
	return &Sweeper{
		coordinator: coordinator,
		schedule:    schedule,
		cron:        cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}, nil
}

// Start schedules the sweep.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	slog.Info("starting open incident sweeper", "schedule", s.schedule)
	return nil
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	return s.coordinator.Retrigger(ctx)
}

// Stop stops scheduling and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("open incident sweeper stopped")
}
