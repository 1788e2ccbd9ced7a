package escrow

import (
	"context"
	"sort"
	"sync"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/notify"
)

// MemoryStore 以内存方式保存托管记录，用于单实例部署与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	outbox  *notify.MemoryOutbox
}

// MemoryOption 配置 MemoryStore。
type MemoryOption func(*MemoryStore)

// WithOutbox 让写入携带的事件登记到 outbox。未设置时事件被丢弃。
func WithOutbox(o *notify.MemoryOutbox) MemoryOption {
	return func(m *MemoryStore) {
		m.outbox = o
	}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{escrows: make(map[string]*Escrow)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, e *Escrow, events ...notify.Event) error {
	if e == nil || e.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[e.ID]; ok {
		return ErrConflict.With(xerrors.WithMetadata("escrow_id", e.ID))
	}
	e.Version = 1
	m.escrows[e.ID] = e.Clone()
	m.outbox.Append(events...)
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound.With(xerrors.WithMetadata("escrow_id", id))
	}
	return e.Clone(), nil
}

// Update 实现 Store 接口，版本号不一致时拒绝写入。
func (m *MemoryStore) Update(_ context.Context, e *Escrow, events ...notify.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.escrows[e.ID]
	if !ok {
		return ErrNotFound.With(xerrors.WithMetadata("escrow_id", e.ID))
	}
	if current.Version != e.Version {
		return ErrVersionConflict.With(xerrors.WithState(string(current.State)))
	}
	e.Version++
	m.escrows[e.ID] = e.Clone()
	m.outbox.Append(events...)
	return nil
}

// List 实现 Store 接口，按创建时间倒序返回。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Escrow, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Escrow, 0, len(m.escrows))
	for _, e := range m.escrows {
		if opts.Matches(e) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
