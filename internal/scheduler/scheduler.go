// Package scheduler runs keyed one-shot timeouts.
//
// Deadlines, appeal windows, resolution windows and retry backoffs are all
// registered here under a string key. A single timer tracks the earliest
// due item, so nothing polls. Re-scheduling a key replaces the previous
// entry and Cancel removes it.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"AgentEscrow/pkg/logger"
)

// Job is invoked once when its key becomes due.
type Job func(ctx context.Context)

type item struct {
	key   string
	at    time.Time
	job   Job
	seq   uint64
	index int
}

type timerHeap []*item

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	items   timerHeap
	index   map[string]*item
	seq     uint64
	wake    chan struct{}
	now     func() time.Time
	workers int
	logger  *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithWorkers bounds how many due jobs Run executes concurrently.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		index:   make(map[string]*item),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
		workers: 8,
		logger:  logger.Named("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule registers job under key at the given time, replacing any existing entry.
func (s *Scheduler) Schedule(key string, at time.Time, job Job) {
	s.mu.Lock()
	if existing, ok := s.index[key]; ok {
		heap.Remove(&s.items, existing.index)
	}
	s.seq++
	it := &item{key: key, at: at, job: job, seq: s.seq}
	heap.Push(&s.items, it)
	s.index[key] = it
	s.mu.Unlock()
	s.signal()
}

// Cancel removes key. It reports whether an entry existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.index[key]
	if !ok {
		return false
	}
	heap.Remove(&s.items, existing.index)
	delete(s.index, key)
	return true
}

// Due returns when key fires.
func (s *Scheduler) Due(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.index[key]
	if !ok {
		return time.Time{}, false
	}
	return it.at, true
}

// Len returns the number of pending entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// popDue removes and returns every item due at or before now, in due order.
func (s *Scheduler) popDue(now time.Time) []*item {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*item
	for len(s.items) > 0 && !s.items[0].at.After(now) {
		it := heap.Pop(&s.items).(*item)
		delete(s.index, it.key)
		due = append(due, it)
	}
	return due
}

// FireDue runs every job due at or before now synchronously and returns how many ran.
func (s *Scheduler) FireDue(ctx context.Context, now time.Time) int {
	due := s.popDue(now)
	for _, it := range due {
		s.invoke(ctx, it)
	}
	return len(due)
}

func (s *Scheduler) invoke(ctx context.Context, it *item) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked", slog.String("key", it.key), slog.Any("panic", r))
		}
	}()
	it.job(ctx)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) next() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return 0, false
	}
	return s.items[0].at.Sub(s.now()), true
}

// Run fires jobs as they become due until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for {
		wait, ok := s.next()
		if !ok {
			wait = time.Hour
		}
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			for _, it := range s.popDue(s.now()) {
				it := it
				g.Go(func() error {
					s.invoke(gctx, it)
					return nil
				})
			}
		}
	}
}
