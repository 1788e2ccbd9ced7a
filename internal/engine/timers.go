package engine

import (
	"context"
	"log/slog"

	"AgentEscrow/internal/dispute"
	"AgentEscrow/internal/escrow"
)

func deadlineKey(escrowID string) string    { return "deadline:" + escrowID }
func appealKey(escrowID string) string      { return "appeal:" + escrowID }
func settlementKey(escrowID string) string  { return "settlement:" + escrowID }
func resolutionKey(disputeID string) string { return "resolution:" + disputeID }
func selectionKey(disputeID string) string  { return "selection:" + disputeID }

func (e *Engine) scheduleDeadline(esc *escrow.Escrow) {
	id := esc.ID
	e.timers.Schedule(deadlineKey(id), esc.Deadline, func(ctx context.Context) {
		e.onDeadline(ctx, id)
	})
}

func (e *Engine) scheduleAppeal(esc *escrow.Escrow) {
	id := esc.ID
	e.timers.Schedule(appealKey(id), esc.AppealDeadline, func(ctx context.Context) {
		e.onAppealExpired(ctx, id)
	})
}

func (e *Engine) scheduleSettlementRetry(esc *escrow.Escrow) {
	id := esc.ID
	at := esc.Pending.NextRetryAt
	if at.IsZero() {
		at = e.now()
	}
	e.timers.Schedule(settlementKey(id), at, func(ctx context.Context) {
		e.onSettlementRetry(ctx, id)
	})
}

func (e *Engine) scheduleResolution(d *dispute.Dispute) {
	id := d.ID
	e.timers.Schedule(resolutionKey(id), d.ResolutionDeadline, func(ctx context.Context) {
		e.onResolutionDeadline(ctx, id)
	})
}

func (e *Engine) scheduleSelectionRetry(d *dispute.Dispute) {
	id := d.ID
	at := d.NextSelectionAt
	if at.IsZero() {
		at = e.now()
	}
	e.timers.Schedule(selectionKey(id), at, func(ctx context.Context) {
		e.onSelectionRetry(ctx, id)
	})
}

// onDeadline 在截止时间到达时退款给尚未确认的托管。
func (e *Engine) onDeadline(ctx context.Context, escrowID string) {
	unlock, err := e.lock(ctx, escrowID)
	if err != nil {
		e.logger.Warn("截止回调获取锁失败", slog.String("escrow_id", escrowID), slog.Any("error", err))
		return
	}
	defer unlock()

	esc, err := e.escrows.Get(ctx, escrowID)
	if err != nil {
		e.logger.Error("截止回调读取托管失败", slog.String("escrow_id", escrowID), slog.Any("error", err))
		return
	}
	if esc.Pending != nil || e.now().Before(esc.Deadline) {
		return
	}
	if esc.State != escrow.StateActive && esc.State != escrow.StateAwaitingConfirmation {
		return
	}
	e.refund(ctx, esc, "deadline")
}

// onAppealExpired 在申诉窗口关闭且未发起争议时退款给需求方。
func (e *Engine) onAppealExpired(ctx context.Context, escrowID string) {
	unlock, err := e.lock(ctx, escrowID)
	if err != nil {
		e.logger.Warn("申诉回调获取锁失败", slog.String("escrow_id", escrowID), slog.Any("error", err))
		return
	}
	defer unlock()

	esc, err := e.escrows.Get(ctx, escrowID)
	if err != nil {
		e.logger.Error("申诉回调读取托管失败", slog.String("escrow_id", escrowID), slog.Any("error", err))
		return
	}
	if esc.State != escrow.StateRejected || esc.DisputeID != "" || esc.Pending != nil {
		return
	}
	orphan, err := e.orphanDispute(ctx, esc)
	if err != nil {
		e.logger.Error("申诉回调查询争议失败", slog.String("escrow_id", escrowID), slog.Any("error", err))
		return
	}
	if orphan != nil {
		if err := e.adopt(ctx, esc, orphan); err != nil {
			e.logger.Error("接管未关联的争议失败", slog.String("escrow_id", escrowID), slog.Any("error", err))
		}
		return
	}
	if e.now().Before(esc.AppealDeadline) {
		e.scheduleAppeal(esc)
		return
	}
	e.refund(ctx, esc, "appeal_window")
}

func (e *Engine) refund(ctx context.Context, esc *escrow.Escrow, trigger string) {
	plan, err := e.distributor.Refund(esc.Amount, esc.Requester)
	if err != nil {
		e.logger.Error("生成退款明细失败", slog.String("escrow_id", esc.ID), slog.Any("error", err))
		return
	}
	if err := e.settle(ctx, esc, escrow.StateRefunded, plan.Legs); err != nil {
		e.logger.Error("超时退款失败",
			slog.String("escrow_id", esc.ID),
			slog.String("trigger", trigger),
			slog.Any("error", err),
		)
		return
	}
	e.logger.Info("超时退款已处理",
		slog.String("escrow_id", esc.ID),
		slog.String("trigger", trigger),
		slog.String("state", string(esc.State)),
	)
}

func (e *Engine) onSettlementRetry(ctx context.Context, escrowID string) {
	unlock, err := e.lock(ctx, escrowID)
	if err != nil {
		e.logger.Warn("出账重试获取锁失败", slog.String("escrow_id", escrowID), slog.Any("error", err))
		return
	}
	defer unlock()

	esc, err := e.escrows.Get(ctx, escrowID)
	if err != nil {
		e.logger.Error("出账重试读取托管失败", slog.String("escrow_id", escrowID), slog.Any("error", err))
		return
	}
	if esc.Pending == nil || esc.Stuck {
		return
	}
	if err := e.dispatch(ctx, esc); err != nil {
		e.logger.Error("出账重试失败", slog.String("escrow_id", escrowID), slog.Any("error", err))
	}
}

func (e *Engine) onResolutionDeadline(ctx context.Context, disputeID string) {
	located, err := e.disputes.Get(ctx, disputeID)
	if err != nil {
		e.logger.Error("裁决回调读取争议失败", slog.String("dispute_id", disputeID), slog.Any("error", err))
		return
	}
	unlock, err := e.lock(ctx, located.EscrowID)
	if err != nil {
		e.logger.Warn("裁决回调获取锁失败", slog.String("dispute_id", disputeID), slog.Any("error", err))
		return
	}
	defer unlock()

	d, err := e.disputes.Get(ctx, disputeID)
	if err != nil || d.Status != dispute.StatusCollecting {
		return
	}
	if err := e.expire(ctx, d, e.now()); err != nil {
		e.logger.Error("截止裁决失败", slog.String("dispute_id", disputeID), slog.Any("error", err))
	}
}

func (e *Engine) onSelectionRetry(ctx context.Context, disputeID string) {
	located, err := e.disputes.Get(ctx, disputeID)
	if err != nil {
		e.logger.Error("遴选重试读取争议失败", slog.String("dispute_id", disputeID), slog.Any("error", err))
		return
	}
	unlock, err := e.lock(ctx, located.EscrowID)
	if err != nil {
		e.logger.Warn("遴选重试获取锁失败", slog.String("dispute_id", disputeID), slog.Any("error", err))
		return
	}
	defer unlock()

	d, err := e.disputes.Get(ctx, disputeID)
	if err != nil || d.Status != dispute.StatusOpen {
		return
	}
	esc, err := e.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		e.logger.Error("遴选重试读取托管失败", slog.String("dispute_id", disputeID), slog.Any("error", err))
		return
	}
	if err := e.selectQuorum(ctx, esc, d); err != nil {
		e.logger.Error("遴选重试失败", slog.String("dispute_id", disputeID), slog.Any("error", err))
	}
}

// Recover 从存储重建全部定时器，并补齐崩溃时未完成的步骤：
// 已发起争议但托管仍停在 Rejected 的补做迁移，已裁决但尚未出账的补做结算。
func (e *Engine) Recover(ctx context.Context) error {
	restored := 0
	err := e.scan(ctx, func(esc *escrow.Escrow) {
		switch {
		case esc.Pending != nil:
			if !esc.Stuck {
				e.scheduleSettlementRetry(esc)
				restored++
			}
		case esc.State == escrow.StateActive || esc.State == escrow.StateAwaitingConfirmation:
			e.scheduleDeadline(esc)
			restored++
		case esc.State == escrow.StateRejected && esc.DisputeID == "":
			e.scheduleAppeal(esc)
			restored++
		}
	}, escrow.WithStates(escrow.StateActive, escrow.StateAwaitingConfirmation, escrow.StateRejected, escrow.StateUnderVerification))
	if err != nil {
		return err
	}

	disputes, err := e.disputes.ListByStatus(ctx, dispute.StatusOpen, dispute.StatusCollecting, dispute.StatusResolved)
	if err != nil {
		return err
	}
	for _, d := range disputes {
		switch d.Status {
		case dispute.StatusOpen:
			if err := e.repairOpened(ctx, d); err != nil {
				e.logger.Error("恢复开放争议失败", slog.String("dispute_id", d.ID), slog.Any("error", err))
				continue
			}
			e.scheduleSelectionRetry(d)
			restored++
		case dispute.StatusCollecting:
			e.scheduleResolution(d)
			restored++
		case dispute.StatusResolved:
			if err := e.resumeSettlement(ctx, d); err != nil {
				e.logger.Error("恢复裁决出账失败", slog.String("dispute_id", d.ID), slog.Any("error", err))
			}
		}
	}
	e.refreshStuckGauge(ctx)
	e.logger.Info("定时器恢复完成", slog.Int("timers", restored), slog.Int("pending", e.timers.Len()))
	return nil
}

// scan 以游标分页遍历满足条件的全部托管，直到存储返回不足一页。
func (e *Engine) scan(ctx context.Context, fn func(*escrow.Escrow), opts ...escrow.ListOption) error {
	var after *escrow.Cursor
	for {
		pageOpts := append(append([]escrow.ListOption(nil), opts...), escrow.WithLimit(e.pageSize))
		if after != nil {
			pageOpts = append(pageOpts, escrow.WithAfter(*after))
		}
		page, err := e.escrows.List(ctx, escrow.BuildListOptions(pageOpts...))
		if err != nil {
			return err
		}
		for _, esc := range page {
			fn(esc)
		}
		if len(page) < e.pageSize {
			return nil
		}
		next := escrow.CursorOf(page[len(page)-1])
		after = &next
	}
}

// repairOpened 补齐争议已写入但托管尚未迁移到 UnderVerification 的情况，见 RaiseDispute。
func (e *Engine) repairOpened(ctx context.Context, d *dispute.Dispute) error {
	unlock, err := e.lock(ctx, d.EscrowID)
	if err != nil {
		return err
	}
	defer unlock()
	esc, err := e.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		return err
	}
	if esc.State != escrow.StateRejected || esc.DisputeID != "" {
		return nil
	}
	return e.openDispute(ctx, esc, d, e.now())
}

// adopt 在持锁状态下关联未完成的开放争议并立即遴选。
func (e *Engine) adopt(ctx context.Context, esc *escrow.Escrow, d *dispute.Dispute) error {
	if err := e.openDispute(ctx, esc, d, e.now()); err != nil {
		return err
	}
	return e.selectQuorum(ctx, esc, d)
}

func (e *Engine) resumeSettlement(ctx context.Context, d *dispute.Dispute) error {
	unlock, err := e.lock(ctx, d.EscrowID)
	if err != nil {
		return err
	}
	defer unlock()
	esc, err := e.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		return err
	}
	return e.finalize(ctx, esc, d)
}
