package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryLockerSerialisesSameKey(t *testing.T) {
	l := NewMemoryLocker()
	unlock, err := l.Lock(context.Background(), "escrow:e-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	other, err := l.Lock(context.Background(), "escrow:e-2")
	if err != nil {
		t.Fatalf("different keys must not block: %v", err)
	}
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "escrow:e-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while held, got %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(context.Background(), "escrow:e-1")
		if err != nil {
			t.Errorf("lock after release: %v", err)
			close(acquired)
			return
		}
		u()
		close(acquired)
	}()

	unlock()
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("waiter never acquired the lock")
	}
	if l.Held() != 0 {
		t.Fatalf("expected no slots after release, got %d", l.Held())
	}
}

func TestRetryScheduleDelay(t *testing.T) {
	r := RetrySchedule{MaxAttempts: 4, Initial: time.Second, Max: 3 * time.Second}
	cases := []struct {
		failures int
		want     time.Duration
		ok       bool
	}{
		{1, time.Second, true},
		{2, 2 * time.Second, true},
		{3, 3 * time.Second, true},
		{4, 0, false},
	}
	for _, tc := range cases {
		got, ok := r.Delay(tc.failures)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Delay(%d) = %s, %v; want %s, %v", tc.failures, got, ok, tc.want, tc.ok)
		}
	}

	if _, ok := (RetrySchedule{}).Delay(4); !ok {
		t.Fatalf("zero schedule should fall back to five attempts")
	}
}
