package ledger

import (
	"context"
	"sync"

	xerrors "AgentEscrow/internal/errors"
)

type hold struct {
	amount   int64
	currency string
}

// MemoryGateway 是进程内的账本实现，用于开发环境与测试。
// 它按 escrowID 记录冻结金额，按指令键去重出账，并拒绝同一托管的第二条终态指令。
type MemoryGateway struct {
	mu        sync.Mutex
	holds     map[string]hold
	disbursed map[string]Instruction
	byEscrow  map[string]string
	balances  map[string]int64
	failHolds int
	failNext  int
	issued    int
	attempts  int
}

// NewMemoryGateway 创建 MemoryGateway。
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		holds:     make(map[string]hold),
		disbursed: make(map[string]Instruction),
		byEscrow:  make(map[string]string),
		balances:  make(map[string]int64),
	}
}

// FailNextDisbursements 让接下来 n 次出账返回失败，用于演练重试路径。
func (g *MemoryGateway) FailNextDisbursements(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = n
}

// FailNextHolds 让接下来 n 次冻结返回失败。
func (g *MemoryGateway) FailNextHolds(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failHolds = n
}

// Hold 实现 Gateway 接口。同一 escrowID 的重复冻结视为幂等。
func (g *MemoryGateway) Hold(_ context.Context, escrowID string, amount int64, currency string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failHolds > 0 {
		g.failHolds--
		return ErrHoldFailed.With(xerrors.WithMetadata("escrow_id", escrowID))
	}
	if existing, ok := g.holds[escrowID]; ok {
		if existing.amount != amount || existing.currency != currency {
			return ErrInvalidInstruction.With(xerrors.WithMetadata("reason", "hold mismatch"))
		}
		return nil
	}
	g.holds[escrowID] = hold{amount: amount, currency: currency}
	return nil
}

// Disburse 实现 Gateway 接口。
func (g *MemoryGateway) Disburse(_ context.Context, ins Instruction) error {
	if err := ins.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts++
	if _, ok := g.disbursed[ins.Key]; ok {
		return nil
	}
	if key, ok := g.byEscrow[ins.EscrowID]; ok && key != ins.Key {
		return ErrDoubleDisbursement.With(xerrors.WithMetadata("existing_key", key))
	}
	h, ok := g.holds[ins.EscrowID]
	if !ok {
		return ErrHoldNotFound.With(xerrors.WithMetadata("escrow_id", ins.EscrowID))
	}
	if ins.Total() != h.amount {
		return ErrInvalidInstruction.With(xerrors.WithMetadata("reason", "legs do not sum to held amount"))
	}
	if g.failNext > 0 {
		g.failNext--
		return ErrDisburseFailed.With(xerrors.WithMetadata("key", ins.Key))
	}
	legs := make([]Leg, len(ins.Legs))
	copy(legs, ins.Legs)
	ins.Legs = legs
	g.disbursed[ins.Key] = ins
	g.byEscrow[ins.EscrowID] = ins.Key
	for _, leg := range legs {
		g.balances[leg.To] += leg.Amount
	}
	delete(g.holds, ins.EscrowID)
	g.issued++
	return nil
}

// Balance 返回账户累计入账金额。
func (g *MemoryGateway) Balance(account string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[account]
}

// Held 返回托管当前冻结的金额。
func (g *MemoryGateway) Held(escrowID string) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.holds[escrowID]
	return h.amount, ok
}

// Issued 返回成功执行的终态指令数量。
func (g *MemoryGateway) Issued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.issued
}

// Attempts 返回收到的出账请求次数，包含重放与失败。
func (g *MemoryGateway) Attempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts
}

// Instruction 返回某个托管已执行的指令。
func (g *MemoryGateway) Instruction(escrowID string) (Instruction, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key, ok := g.byEscrow[escrowID]
	if !ok {
		return Instruction{}, false
	}
	return g.disbursed[key], true
}

var _ Gateway = (*MemoryGateway)(nil)
