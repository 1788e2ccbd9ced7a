package dispute

import (
	"context"
	"sort"
	"sync"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/notify"
)

// MemoryStore 以内存方式保存争议与投票。
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	byEscrow map[string]string
	votes    map[string][]Vote
	voted    map[string]struct{}
	seq      int64
	outbox   *notify.MemoryOutbox
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
	m := &MemoryStore{
		disputes: make(map[string]*Dispute),
		byEscrow: make(map[string]string),
		votes:    make(map[string][]Vote),
		voted:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	if d == nil || d.ID == "" || d.EscrowID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "争议 ID 与托管 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEscrow[d.EscrowID]; ok {
		return ErrExists.With(xerrors.WithMetadata("escrow_id", d.EscrowID))
	}
	if _, ok := m.disputes[d.ID]; ok {
		return ErrExists.With(xerrors.WithMetadata("dispute_id", d.ID))
	}
	d.Version = 1
	m.disputes[d.ID] = d.Clone()
	m.byEscrow[d.EscrowID] = d.ID
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound.With(xerrors.WithMetadata("dispute_id", id))
	}
	return d.Clone(), nil
}

// GetByEscrow 实现 Store 接口。
func (m *MemoryStore) GetByEscrow(_ context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEscrow[escrowID]
	if !ok {
		return nil, ErrNotFound.With(xerrors.WithMetadata("escrow_id", escrowID))
	}
	return m.disputes[id].Clone(), nil
}

// Update 实现 Store 接口。
func (m *MemoryStore) Update(_ context.Context, d *Dispute, events ...notify.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.disputes[d.ID]
	if !ok {
		return ErrNotFound.With(xerrors.WithMetadata("dispute_id", d.ID))
	}
	if current.Version != d.Version {
		return ErrVersionConflict.With(xerrors.WithState(string(current.Status)))
	}
	d.Version++
	m.disputes[d.ID] = d.Clone()
	m.outbox.Append(events...)
	return nil
}

// ListByStatus 实现 Store 接口。
func (m *MemoryStore) ListByStatus(_ context.Context, statuses ...Status) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Dispute
	for _, d := range m.disputes {
		if len(statuses) == 0 || containsStatus(statuses, d.Status) {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// InsertVote 实现 Store 接口。
func (m *MemoryStore) InsertVote(_ context.Context, v *Vote, events ...notify.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[v.DisputeID]; !ok {
		return ErrNotFound.With(xerrors.WithMetadata("dispute_id", v.DisputeID))
	}
	key := v.DisputeID + "\x00" + v.VoterID
	if _, ok := m.voted[key]; ok {
		return ErrDuplicateVote.With(xerrors.WithMetadata("voter_id", v.VoterID))
	}
	m.seq++
	v.Seq = m.seq
	m.voted[key] = struct{}{}
	m.votes[v.DisputeID] = append(m.votes[v.DisputeID], *v)
	m.outbox.Append(events...)
	return nil
}

// Votes 实现 Store 接口，按写入顺序返回。
func (m *MemoryStore) Votes(_ context.Context, disputeID string) ([]Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Vote(nil), m.votes[disputeID]...), nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

func containsStatus(list []Status, s Status) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
