package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"AgentEscrow/internal/dispute"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/notify"
	"AgentEscrow/internal/observability/metrics"
)

// CreateRequest 描述新建托管的参数。ID 为空时由引擎生成。
type CreateRequest struct {
	ID               string    `json:"id,omitempty"`
	TaskRef          string    `json:"task_ref"`
	Requester        string    `json:"requester"`
	Worker           string    `json:"worker,omitempty"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	VerificationTier string    `json:"verification_tier,omitempty"`
	MinVerifierTier  int       `json:"min_verifier_tier"`
	Deadline         time.Time `json:"deadline"`
}

func (r *CreateRequest) normalise() {
	r.ID = strings.TrimSpace(r.ID)
	r.TaskRef = strings.TrimSpace(r.TaskRef)
	r.Requester = strings.TrimSpace(r.Requester)
	r.Worker = strings.TrimSpace(r.Worker)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.VerificationTier = strings.TrimSpace(r.VerificationTier)
	if r.VerificationTier == "" {
		r.VerificationTier = dispute.TierStandard
	}
}

func (e *Engine) validateCreate(r CreateRequest, now time.Time) error {
	field := ""
	switch {
	case r.Requester == "":
		field = "requester"
	case r.TaskRef == "":
		field = "task_ref"
	case r.Amount <= 0:
		field = "amount"
	case r.Currency == "":
		field = "currency"
	case r.MinVerifierTier < 0:
		field = "min_verifier_tier"
	case r.Worker != "" && r.Worker == r.Requester:
		field = "worker"
	case !r.Deadline.After(now):
		field = "deadline"
	}
	if field != "" {
		return escrow.ErrValidation.With(xerrors.WithMetadata("field", field))
	}
	if _, err := e.tiers.Lookup(r.VerificationTier); err != nil {
		return escrow.ErrValidation.With(
			xerrors.WithMetadata("field", "verification_tier"),
			xerrors.WithMetadata("value", r.VerificationTier),
		)
	}
	return nil
}

// sameParams 判断重复创建是否与已有托管一致。
func sameParams(existing *escrow.Escrow, r CreateRequest) bool {
	return existing.TaskRef == r.TaskRef &&
		existing.Requester == r.Requester &&
		existing.Amount == r.Amount &&
		existing.Currency == r.Currency &&
		existing.VerificationTier == r.VerificationTier &&
		existing.MinVerifierTier == r.MinVerifierTier &&
		existing.Deadline.Equal(r.Deadline) &&
		(r.Worker == "" || existing.Worker == r.Worker)
}

// CreateEscrow 冻结资金并创建处于 Active 的托管。
// 同一 ID 的重复调用在参数一致时返回已有记录，否则返回冲突错误。
func (e *Engine) CreateEscrow(ctx context.Context, req CreateRequest) (*escrow.Escrow, error) {
	req.normalise()
	now := e.now()
	if err := e.validateCreate(req, now); err != nil {
		return nil, rejected("create", err)
	}
	if req.ID == "" {
		req.ID = e.newID()
	}

	unlock, err := e.lock(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing, err := e.escrows.Get(ctx, req.ID); err == nil {
		if sameParams(existing, req) {
			return existing, nil
		}
		return nil, rejected("create", existing.Reject(escrow.ErrConflict))
	} else if xerrors.CodeOf(err) != escrow.CodeEscrowNotFound {
		return nil, err
	}

	if err := e.ledger.Hold(ctx, req.ID, req.Amount, req.Currency); err != nil {
		e.logger.Warn("账本冻结资金失败",
			slog.String("escrow_id", req.ID),
			slog.Int64("amount", req.Amount),
			slog.Any("error", err),
		)
		if xerrors.RetryableError(err) {
			e.escalate(ctx, err, req.ID, "", 0, 0)
		}
		return nil, err
	}

	esc := &escrow.Escrow{
		ID:               req.ID,
		TaskRef:          req.TaskRef,
		Requester:        req.Requester,
		Worker:           req.Worker,
		Amount:           req.Amount,
		Currency:         req.Currency,
		VerificationTier: req.VerificationTier,
		MinVerifierTier:  req.MinVerifierTier,
		State:            escrow.StateActive,
		Deadline:         req.Deadline,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.escrows.Create(ctx, esc, notify.EscrowStateChanged(esc.ID, string(esc.State), now)); err != nil {
		if xerrors.CodeOf(err) == escrow.CodeEscrowConflict {
			if existing, getErr := e.escrows.Get(ctx, req.ID); getErr == nil && sameParams(existing, req) {
				return existing, nil
			}
		}
		return nil, err
	}

	e.scheduleDeadline(esc)
	metrics.ObserveTransition("", string(esc.State))
	e.audit("托管创建成功", esc,
		slog.String("requester", esc.Requester),
		slog.Int64("amount", esc.Amount),
		slog.String("currency", esc.Currency),
		slog.String("verification_tier", esc.VerificationTier),
	)
	return esc, nil
}

// AssignWorker 由需求方为尚未指派的托管绑定执行方。
func (e *Engine) AssignWorker(ctx context.Context, escrowID, actor, worker string) (*escrow.Escrow, error) {
	worker = strings.TrimSpace(worker)
	return e.mutate(ctx, "assign", escrowID, func(esc *escrow.Escrow, now time.Time) error {
		if actor != esc.Requester {
			return esc.Reject(escrow.ErrUnauthorized, xerrors.WithMetadata("actor", actor))
		}
		if esc.State != escrow.StateActive || esc.HasWorker() {
			return esc.Reject(escrow.ErrInvalidState)
		}
		if worker == "" || worker == esc.Requester {
			return esc.Reject(escrow.ErrValidation, xerrors.WithMetadata("field", "worker"))
		}
		esc.Worker = worker
		esc.UpdatedAt = now
		return nil
	})
}

// SubmitDeliverable 由执行方在截止时间前提交交付物，托管进入待确认。
func (e *Engine) SubmitDeliverable(ctx context.Context, escrowID, actor, deliverableRef string) (*escrow.Escrow, error) {
	return e.mutate(ctx, "submit", escrowID, func(esc *escrow.Escrow, now time.Time) error {
		if !esc.HasWorker() || actor != esc.Worker {
			return esc.Reject(escrow.ErrUnauthorized, xerrors.WithMetadata("actor", actor))
		}
		if esc.State != escrow.StateActive {
			return esc.Reject(escrow.ErrInvalidState)
		}
		if !now.Before(esc.Deadline) {
			return esc.Reject(escrow.ErrDeadlinePassed)
		}
		if err := esc.Transition(escrow.StateAwaitingConfirmation, now); err != nil {
			return err
		}
		esc.DeliverableRef = strings.TrimSpace(deliverableRef)
		esc.WorkerSubmitted = true
		return nil
	})
}

// Reject 由需求方拒绝交付物并给出理由，开启申诉窗口。
func (e *Engine) Reject(ctx context.Context, escrowID, actor, reason string) (*escrow.Escrow, error) {
	reason = strings.TrimSpace(reason)
	esc, err := e.mutate(ctx, "reject", escrowID, func(esc *escrow.Escrow, now time.Time) error {
		if actor != esc.Requester {
			return esc.Reject(escrow.ErrUnauthorized, xerrors.WithMetadata("actor", actor))
		}
		if esc.Pending != nil {
			return esc.Reject(escrow.ErrSettlementPending)
		}
		if esc.State != escrow.StateAwaitingConfirmation {
			return esc.Reject(escrow.ErrInvalidState)
		}
		if reason == "" {
			return esc.Reject(escrow.ErrValidation, xerrors.WithMetadata("field", "reason"))
		}
		if err := esc.Transition(escrow.StateRejected, now); err != nil {
			return err
		}
		esc.RejectReason = reason
		esc.RequesterDecided = true
		esc.AppealDeadline = now.Add(e.policy.AppealWindow)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.timers.Cancel(deadlineKey(esc.ID))
	e.scheduleAppeal(esc)
	return esc, nil
}

// Approve 由需求方确认交付，全额放款给执行方，不扣验证费。
func (e *Engine) Approve(ctx context.Context, escrowID, actor string) (*escrow.Escrow, error) {
	unlock, err := e.lock(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	esc, err := e.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, rejected("approve", err)
	}
	if actor != esc.Requester {
		return nil, rejected("approve", esc.Reject(escrow.ErrUnauthorized, xerrors.WithMetadata("actor", actor)))
	}
	if esc.Pending != nil {
		return nil, rejected("approve", esc.Reject(escrow.ErrSettlementPending))
	}
	if esc.State != escrow.StateAwaitingConfirmation {
		return nil, rejected("approve", esc.Reject(escrow.ErrInvalidState))
	}
	plan, err := e.distributor.Release(esc.Amount, esc.Worker)
	if err != nil {
		return nil, err
	}
	esc.RequesterDecided = true
	if err := e.settle(ctx, esc, escrow.StateCompleted, plan.Legs); err != nil {
		return nil, err
	}
	return esc, nil
}

// Cancel 由需求方在指派执行方之前取消托管，全额退款。
func (e *Engine) Cancel(ctx context.Context, escrowID, actor string) (*escrow.Escrow, error) {
	unlock, err := e.lock(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	esc, err := e.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, rejected("cancel", err)
	}
	if actor != esc.Requester {
		return nil, rejected("cancel", esc.Reject(escrow.ErrUnauthorized, xerrors.WithMetadata("actor", actor)))
	}
	if esc.Pending != nil {
		return nil, rejected("cancel", esc.Reject(escrow.ErrSettlementPending))
	}
	if esc.State != escrow.StateActive || esc.HasWorker() {
		return nil, rejected("cancel", esc.Reject(escrow.ErrInvalidState))
	}
	plan, err := e.distributor.Refund(esc.Amount, esc.Requester)
	if err != nil {
		return nil, err
	}
	if err := e.settle(ctx, esc, escrow.StateCancelled, plan.Legs); err != nil {
		return nil, err
	}
	return esc, nil
}

// mutate 在锁内读取托管、执行 fn 并提交。fn 返回错误时不写入任何内容。
func (e *Engine) mutate(ctx context.Context, operation, escrowID string, fn func(esc *escrow.Escrow, now time.Time) error) (*escrow.Escrow, error) {
	unlock, err := e.lock(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	esc, err := e.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, rejected(operation, err)
	}
	from := esc.State
	now := e.now()
	if err := fn(esc, now); err != nil {
		return nil, rejected(operation, err)
	}
	var events []notify.Event
	if esc.State != from {
		events = append(events, notify.EscrowStateChanged(esc.ID, string(esc.State), now))
	}
	if err := e.escrows.Update(ctx, esc, events...); err != nil {
		return nil, err
	}
	if esc.State != from {
		metrics.ObserveTransition(string(from), string(esc.State))
	}
	e.audit("托管已更新", esc, slog.String("operation", operation), slog.String("from", string(from)))
	return esc, nil
}
