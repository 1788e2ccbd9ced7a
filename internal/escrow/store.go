package escrow

import (
	"context"

	"AgentEscrow/internal/notify"
)

// Store 抽象托管记录的持久化。Update 以 Version 做比较并提交，成功后版本号加一。
//
// 传给 Create 与 Update 的事件与记录一起提交到 Outbox：写入失败时事件也不会登记。
type Store interface {
	Create(ctx context.Context, e *Escrow, events ...notify.Event) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow, events ...notify.Event) error
	List(ctx context.Context, opts ListOptions) ([]*Escrow, error)
	Close() error
}
