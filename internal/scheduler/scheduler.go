// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/relay/internal/types"
)

const DefaultSweepSchedule = "@every 5m"

// OpenChecker reports whether a case currently has a live session.
type OpenChecker interface {
	IsOpen(caseID types.CaseID) bool
}

// Scheduler runs periodic maintenance jobs on a cron ticker. The built-in
// job is the stale-case sweep; callers may add more with Add.
type Scheduler struct {
	cases      types.CaseStore
	open       OpenChecker
	schedule   string
	staleAfter time.Duration
	cron       *cron.Cron
	now        func() time.Time
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler whose sweep marks active cases completed once
// they have no open session and no update for staleAfter. A zero staleAfter
// disables the sweep.
func New(cases types.CaseStore, open OpenChecker, schedule string, staleAfter time.Duration) *Scheduler {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Scheduler{
		cases:      cases,
		open:       open,
		schedule:   schedule,
		staleAfter: staleAfter,
		cron:       cron.New(cron.WithParser(cronParser)),
		now:        time.Now,
	}
}

// Add registers an extra job. It must be called before Start.
func (s *Scheduler) Add(name, schedule string, fn func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(schedule, func() {
		slog.Debug("cron firing job", "name", name)
		fn(context.Background())
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, schedule, err)
	}
	slog.Info("scheduled job", "name", name, "schedule", schedule)
	return nil
}

// Start registers the sweep and starts the cron ticker.
func (s *Scheduler) Start() error {
	if s.staleAfter > 0 {
		if err := s.Add("stale-case-sweep", s.schedule, func(ctx context.Context) {
			if _, err := s.Sweep(ctx); err != nil {
				slog.Error("stale case sweep failed", "error", err)
			}
		}); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep marks stale active cases completed and returns how many it closed.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	cases, err := s.cases.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cases: %w", err)
	}
	cutoff := s.now().Add(-s.staleAfter)

	closed := 0
	for _, c := range cases {
		if c.Status != types.CaseActive || c.UpdatedAt.After(cutoff) || s.open.IsOpen(c.ID) {
			continue
		}
		done, err := s.cases.MarkCompletedIfActive(ctx, c.ID)
		if err != nil {
			slog.Warn("complete stale case failed", "case_id", c.ID, "error", err)
			continue
		}
		if done {
			closed++
			slog.Info("stale case completed", "case_id", c.ID, "last_update", c.UpdatedAt)
		}
	}
	return closed, nil
}
