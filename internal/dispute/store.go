package dispute

import (
	"context"

	"AgentEscrow/internal/notify"
)

// Store 抽象争议与投票的持久化。
//
// InsertVote 在 (dispute_id, voter_id) 上原子地比较并提交，重复写入返回 ErrDuplicateVote，
// 成功时回填递增的 Seq。Create 对同一托管只允许一条争议。
// Update 与 InsertVote 携带的事件与写入一起登记到 Outbox。
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute, events ...notify.Event) error
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Dispute, error)
	InsertVote(ctx context.Context, v *Vote, events ...notify.Event) error
	Votes(ctx context.Context, disputeID string) ([]Vote, error)
	Close() error
}
