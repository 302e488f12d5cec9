package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPurgeSchedule runs the sweeper once an hour.
const DefaultPurgeSchedule = "@hourly"

// Sweeper periodically deletes expired cache rows.
type Sweeper struct {
	svc  *Service
	cron *cron.Cron
}

// NewSweeper schedules svc.Purge on a cron spec.
func NewSweeper(svc *Service, spec string) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultPurgeSchedule
	}
	c := cron.New()
	s := &Sweeper{svc: svc, cron: c}
	if _, err := c.AddFunc(spec, s.sweep); err != nil {
		return nil, fmt.Errorf("schedule cache purge %q: %w", spec, err)
	}
	return s, nil
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.svc.Purge(ctx)
	if err != nil {
		slog.Error("cache purge failed", "error", err)
		return
	}
	slog.Info("cache purged", "removed", n, "stats", s.svc.Stats())
}

// Start begins the schedule in the background.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
