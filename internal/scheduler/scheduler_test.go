// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/relay/internal/state"
	"github.com/user/relay/internal/types"
)

type openSet map[types.CaseID]bool

func (o openSet) IsOpen(id types.CaseID) bool { return o[id] }

func TestSweepCompletesStaleCases(t *testing.T) {
	dir := t.TempDir()
	cases := state.NewCaseStore(dir)
	ctx := context.Background()

	for _, id := range []types.CaseID{"stale", "open", "done"} {
		if _, err := cases.Create(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := cases.MarkCompletedIfActive(ctx, "done"); err != nil {
		t.Fatal(err)
	}

	s := New(cases, openSet{"open": true}, "", time.Hour)
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 case closed, got %d", n)
	}

	c, _ := cases.Load(ctx, "stale")
	if c.Status != types.CaseCompleted {
		t.Errorf("expected stale case completed, got %s", c.Status)
	}
	c, _ = cases.Load(ctx, "open")
	if c.Status != types.CaseActive {
		t.Errorf("case with open session should stay active, got %s", c.Status)
	}
}

func TestSweepKeepsRecentCases(t *testing.T) {
	dir := t.TempDir()
	cases := state.NewCaseStore(dir)
	ctx := context.Background()
	cases.Create(ctx, "fresh")

	s := New(cases, openSet{}, "", time.Hour)
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected no cases closed, got %d", n)
	}
}

func TestSchedulerFiresJob(t *testing.T) {
	s := New(state.NewCaseStore(t.TempDir()), openSet{}, "", 0)

	var fires atomic.Int32
	if err := s.Add("every-second", "* * * * * *", func(context.Context) { fires.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatalf("job did not fire within 2.5s, fires=%d", fires.Load())
		case <-ticker.C:
			if fires.Load() > 0 {
				return
			}
		}
	}
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	s := New(state.NewCaseStore(t.TempDir()), openSet{}, "not a schedule", time.Hour)
	if err := s.Start(); err == nil {
		t.Fatal("expected error for invalid sweep schedule")
	}
}
