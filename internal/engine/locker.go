package engine

import (
	"context"
	"sync"
)

// Locker 提供按记录的互斥。同一托管上的所有写操作与定时回调都在同一把锁内执行，
// 不同托管之间互不阻塞。多实例部署时使用 storage/redis.Locker。
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type slot struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker 是进程内的按键互斥，等待期间响应 ctx 取消。
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewMemoryLocker 创建 MemoryLocker。
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*slot)}
}

// Lock 实现 Locker 接口。
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}, nil
}

func (l *MemoryLocker) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Held 返回当前仍被持有或等待的键数量。
func (l *MemoryLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

var _ Locker = (*MemoryLocker)(nil)
