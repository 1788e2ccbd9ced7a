package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFireDueRunsInOrderAndRespectsCancel(t *testing.T) {
	base := time.Unix(1700000000, 0)
	s := New(WithClock(func() time.Time { return base }))

	var order []string
	record := func(name string) Job {
		return func(context.Context) { order = append(order, name) }
	}
	s.Schedule("c", base.Add(3*time.Second), record("c"))
	s.Schedule("a", base.Add(1*time.Second), record("a"))
	s.Schedule("b", base.Add(2*time.Second), record("b"))
	s.Schedule("x", base.Add(2*time.Second), record("x"))
	if !s.Cancel("x") {
		t.Fatalf("cancel should report existing key")
	}

	if n := s.FireDue(context.Background(), base); n != 0 {
		t.Fatalf("nothing is due yet, fired %d", n)
	}
	if n := s.FireDue(context.Background(), base.Add(2*time.Second)); n != 2 {
		t.Fatalf("expected 2 due jobs, fired %d", n)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected order %v", order)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 pending job, got %d", s.Len())
	}
}

func TestScheduleReplacesKey(t *testing.T) {
	base := time.Unix(1700000000, 0)
	s := New()
	fired := 0
	s.Schedule("k", base.Add(time.Second), func(context.Context) { fired = 1 })
	s.Schedule("k", base.Add(time.Hour), func(context.Context) { fired = 2 })

	if at, ok := s.Due("k"); !ok || !at.Equal(base.Add(time.Hour)) {
		t.Fatalf("reschedule should replace due time, got %v %v", at, ok)
	}
	s.FireDue(context.Background(), base.Add(time.Minute))
	if fired != 0 {
		t.Fatalf("replaced job must not fire")
	}
	s.FireDue(context.Background(), base.Add(2*time.Hour))
	if fired != 2 {
		t.Fatalf("replacement job did not fire")
	}
}

func TestFireDueSurvivesPanickingJob(t *testing.T) {
	s := New()
	now := time.Now()
	ran := false
	s.Schedule("boom", now, func(context.Context) { panic("boom") })
	s.Schedule("ok", now, func(context.Context) { ran = true })
	if n := s.FireDue(context.Background(), now); n != 2 {
		t.Fatalf("expected both jobs to be dequeued, got %d", n)
	}
	if !ran {
		t.Fatalf("job after a panic should still run")
	}
}

func TestRunFiresWithoutPolling(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := New()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { _ = s.Run(ctx) }()

	start := time.Now()
	s.Schedule("soon", start.Add(50*time.Millisecond), func(context.Context) { wg.Done() })

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("scheduled job never fired")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("job fired too early: %v", elapsed)
	}
}
