package notify

import (
	"context"
	"errors"
	"sync"
)

// Publisher 把事件交给外部投递通道。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// ErrPublisherClosed 表示发布器已经关闭。
var ErrPublisherClosed = errors.New("notify: publisher closed")

// MemoryPublisher 在进程内保存事件，并把事件广播给订阅者。
type MemoryPublisher struct {
	mu          sync.Mutex
	events      []Event
	subscribers []chan Event
	failNext    int
	closed      bool
}

// NewMemoryPublisher 创建内存发布器。
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish 记录事件。订阅者缓冲区已满时跳过该订阅者。
func (p *MemoryPublisher) Publish(_ context.Context, evt Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	if p.failNext > 0 {
		p.failNext--
		return errors.New("notify: injected publish failure")
	}
	p.events = append(p.events, evt)
	for _, ch := range p.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// Subscribe 返回一个接收后续事件的通道。
func (p *MemoryPublisher) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	p.mu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mu.Unlock()
	return ch
}

// FailNext 让接下来 n 次发布失败。
func (p *MemoryPublisher) FailNext(n int) {
	p.mu.Lock()
	p.failNext = n
	p.mu.Unlock()
}

// Events 返回已发布事件的快照。
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Keys 返回去重后的幂等键，顺序与首次出现一致。
func (p *MemoryPublisher) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]struct{}, len(p.events))
	keys := make([]string, 0, len(p.events))
	for _, evt := range p.events {
		if _, ok := seen[evt.Key]; ok {
			continue
		}
		seen[evt.Key] = struct{}{}
		keys = append(keys, evt.Key)
	}
	return keys
}

// OfType 返回指定类型的事件。
func (p *MemoryPublisher) OfType(t Type) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, evt := range p.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

// Close 关闭所有订阅通道。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	return nil
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }
