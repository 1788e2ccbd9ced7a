package engine

import (
	"context"
	"log/slog"
	"strconv"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/ledger"
	"AgentEscrow/internal/notify"
	"AgentEscrow/internal/observability/metrics"
)

// settle 在持锁状态下把托管推进到终态。
//
// 先把目标终态、幂等键与出账明细写成待出账标记，再向账本下达指令。
// 只有账本确认后迁移才提交；失败时托管停留在迁移前状态，由定时器重放同一条指令。
func (e *Engine) settle(ctx context.Context, esc *escrow.Escrow, target escrow.State, legs []ledger.Leg) error {
	if !escrow.CanTransition(esc.State, target) {
		return esc.Reject(escrow.ErrInvalidState, xerrors.WithMetadata("target", string(target)))
	}
	if esc.Pending != nil {
		return esc.Reject(escrow.ErrSettlementPending)
	}
	now := e.now()
	esc.Pending = &escrow.PendingSettlement{
		Target:    target,
		Key:       ledger.InstructionKey(esc.ID, string(target)),
		Legs:      legs,
		CreatedAt: now,
	}
	esc.UpdatedAt = now
	if err := e.escrows.Update(ctx, esc); err != nil {
		return err
	}
	e.audit("终态出账指令已登记", esc,
		slog.String("target", string(target)),
		slog.String("instruction_key", esc.Pending.Key),
	)
	return e.dispatch(ctx, esc)
}

// dispatch 下达待出账标记中的指令并根据账本结果提交或登记重试。
// 账本的失败不会作为错误返回给调用方，调用方看到的是带标记的托管。
func (e *Engine) dispatch(ctx context.Context, esc *escrow.Escrow) error {
	pending := esc.Pending
	instruction := ledger.Instruction{
		Key:      pending.Key,
		EscrowID: esc.ID,
		Currency: esc.Currency,
		Target:   string(pending.Target),
		Legs:     pending.Legs,
	}
	disburseErr := e.ledger.Disburse(ctx, instruction)
	if disburseErr == nil {
		return e.commit(ctx, esc)
	}

	now := e.now()
	pending.Attempts++
	pending.LastError = disburseErr.Error()
	metrics.ObserveSettlement(string(pending.Target), "failed")

	delay, ok := e.policy.SettlementRetry.Delay(pending.Attempts)
	if ok && xerrors.RetryableError(disburseErr) {
		pending.NextRetryAt = now.Add(delay)
		esc.UpdatedAt = now
		if err := e.escrows.Update(ctx, esc); err != nil {
			return err
		}
		e.scheduleSettlementRetry(esc)
		e.logger.Warn("出账失败，已登记重试",
			slog.String("escrow_id", esc.ID),
			slog.String("instruction_key", pending.Key),
			slog.Int("attempts", pending.Attempts),
			slog.Duration("delay", delay),
			slog.Any("error", disburseErr),
		)
		return nil
	}

	esc.Stuck = true
	pending.NextRetryAt = now
	esc.UpdatedAt = now
	if err := e.escrows.Update(ctx, esc); err != nil {
		return err
	}
	e.timers.Cancel(settlementKey(esc.ID))
	e.audit("出账重试耗尽，等待人工处理", esc,
		slog.String("instruction_key", pending.Key),
		slog.Int("attempts", pending.Attempts),
		slog.String("last_error", pending.LastError),
	)
	stuck := escrow.ErrStuck.With(
		xerrors.WithState(string(esc.State)),
		xerrors.WithMetadata("instruction_key", pending.Key),
		xerrors.WithMetadata("target", string(pending.Target)),
		xerrors.WithMetadata("cause", string(xerrors.CodeOf(disburseErr))),
		xerrors.WithMetadata("retryable", strconv.FormatBool(xerrors.RetryableError(disburseErr))),
	)
	e.escalate(ctx, stuck, esc.ID, esc.DisputeID, pending.Attempts, e.policy.SettlementRetry.attempts())
	e.refreshStuckGauge(ctx)
	return nil
}

// commit 在账本确认后提交终态迁移。
func (e *Engine) commit(ctx context.Context, esc *escrow.Escrow) error {
	pending := esc.Pending
	from := esc.State
	now := e.now()
	wasStuck := esc.Stuck
	if err := esc.Transition(pending.Target, now); err != nil {
		return err
	}
	esc.Pending = nil
	esc.Stuck = false
	if err := e.escrows.Update(ctx, esc,
		notify.EscrowStateChanged(esc.ID, string(esc.State), now),
		notify.SettlementIssued(esc.ID, pending.Key, string(pending.Target), now),
	); err != nil {
		// 账本已确认；重放同一幂等键是安全的，恢复流程会把迁移补齐。
		e.logger.Error("账本已确认但提交终态失败",
			slog.String("escrow_id", esc.ID),
			slog.String("instruction_key", pending.Key),
			slog.Any("error", err),
		)
		return err
	}

	e.timers.Cancel(deadlineKey(esc.ID))
	e.timers.Cancel(appealKey(esc.ID))
	e.timers.Cancel(settlementKey(esc.ID))

	metrics.ObserveTransition(string(from), string(esc.State))
	metrics.ObserveSettlement(string(pending.Target), "issued")
	e.audit("终态出账完成", esc,
		slog.String("from", string(from)),
		slog.String("instruction_key", pending.Key),
		slog.Int("attempts", pending.Attempts+1),
		slog.Any("legs", pending.Legs),
	)
	if wasStuck {
		e.refreshStuckGauge(ctx)
	}
	return nil
}

// RetrySettlement 由运维对卡住的托管重新下达同一条出账指令。
func (e *Engine) RetrySettlement(ctx context.Context, escrowID string) (*escrow.Escrow, error) {
	unlock, err := e.lock(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	esc, err := e.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, rejected("retry_settlement", err)
	}
	if esc.Pending == nil {
		return nil, rejected("retry_settlement", esc.Reject(escrow.ErrInvalidState, xerrors.WithMetadata("reason", "no pending settlement")))
	}
	esc.Stuck = false
	esc.Pending.Attempts = 0
	esc.Pending.LastError = ""
	esc.UpdatedAt = e.now()
	if err := e.escrows.Update(ctx, esc); err != nil {
		return nil, err
	}
	e.audit("运维重新下达出账指令", esc, slog.String("instruction_key", esc.Pending.Key))
	if err := e.dispatch(ctx, esc); err != nil {
		return nil, err
	}
	e.refreshStuckGauge(ctx)
	return esc, nil
}

func (e *Engine) refreshStuckGauge(ctx context.Context) {
	stuck := 0
	if err := e.scan(ctx, func(*escrow.Escrow) { stuck++ }, escrow.WithStuck()); err != nil {
		e.logger.Warn("统计卡住的托管失败", slog.Any("error", err))
		return
	}
	metrics.SetStuck(stuck)
}
