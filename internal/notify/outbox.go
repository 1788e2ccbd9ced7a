package notify

import (
	"context"
	"sync"
)

// Outbox 保存与业务写入一起提交的事件，直到 Dispatcher 确认投递。
//
// 存储在同一次写入中登记事件，进程在提交之后、发布之前崩溃时，事件仍留在 Outbox 中，
// 重启后由 Dispatcher 补发。下游按幂等键去重。
type Outbox interface {
	// Pending 按登记顺序返回最多 limit 条尚未投递的事件。
	Pending(ctx context.Context, limit int) ([]Event, error)
	// MarkDelivered 标记事件已投递，未知的键被忽略。
	MarkDelivered(ctx context.Context, keys ...string) error
}

// MemoryOutbox 是进程内 Outbox，供内存存储在自身写锁内登记事件。
type MemoryOutbox struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	pending []Event
}

// NewMemoryOutbox 创建 MemoryOutbox。
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{seen: make(map[string]struct{})}
}

// Append 登记事件。同一幂等键只保留第一次登记。
func (o *MemoryOutbox) Append(events ...Event) {
	if o == nil || len(events) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, evt := range events {
		if _, ok := o.seen[evt.Key]; ok {
			continue
		}
		o.seen[evt.Key] = struct{}{}
		o.pending = append(o.pending, evt)
	}
}

// Pending 实现 Outbox 接口。
func (o *MemoryOutbox) Pending(_ context.Context, limit int) ([]Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.pending)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]Event(nil), o.pending[:n]...), nil
}

// MarkDelivered 实现 Outbox 接口。
func (o *MemoryOutbox) MarkDelivered(_ context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	done := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		done[k] = struct{}{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.pending[:0]
	for _, evt := range o.pending {
		if _, ok := done[evt.Key]; !ok {
			kept = append(kept, evt)
		}
	}
	for i := len(kept); i < len(o.pending); i++ {
		o.pending[i] = Event{}
	}
	o.pending = kept
	return nil
}

// Undelivered 返回尚未投递的事件数量。
func (o *MemoryOutbox) Undelivered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

var _ Outbox = (*MemoryOutbox)(nil)
