package engine

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"AgentEscrow/internal/dispute"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/notify"
	"AgentEscrow/internal/observability/metrics"
	"AgentEscrow/internal/selection"
	"AgentEscrow/internal/settlement"
)

// DisputeRequest 是发起申诉的参数。FeeRate 为整数百分比。
type DisputeRequest struct {
	Reason  string `json:"reason"`
	FeeRate int    `json:"fee_rate"`
}

// VoteRequest 是一张选票。
type VoteRequest struct {
	VoterID    string           `json:"voter_id"`
	Decision   dispute.Decision `json:"decision"`
	Confidence int              `json:"confidence"`
	Reasoning  string           `json:"reasoning,omitempty"`
}

// VoteReceipt 是投票回执，不包含任何计票信息。
type VoteReceipt struct {
	DisputeID   string         `json:"dispute_id"`
	VoterID     string         `json:"voter_id"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Status      dispute.Status `json:"status"`
}

// RaiseDispute 由执行方在申诉窗口内对被拒绝的托管发起争议，并立即尝试遴选仲裁组。
func (e *Engine) RaiseDispute(ctx context.Context, escrowID, actor string, req DisputeRequest) (*dispute.Dispute, error) {
	unlock, err := e.lock(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	esc, err := e.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, rejected("raise_dispute", err)
	}
	allowed := esc.HasWorker() && actor == esc.Worker
	if e.policy.AllowRequesterDisputes && actor == esc.Requester {
		allowed = true
	}
	if !allowed {
		return nil, rejected("raise_dispute", esc.Reject(escrow.ErrUnauthorized, xerrors.WithMetadata("actor", actor)))
	}
	if esc.Pending != nil {
		return nil, rejected("raise_dispute", esc.Reject(escrow.ErrSettlementPending))
	}
	if esc.DisputeID != "" {
		return nil, rejected("raise_dispute", dispute.ErrExists.With(
			xerrors.WithState(string(esc.State)),
			xerrors.WithMetadata("dispute_id", esc.DisputeID),
		))
	}
	if esc.State != escrow.StateRejected {
		return nil, rejected("raise_dispute", esc.Reject(escrow.ErrInvalidState))
	}
	now := e.now()
	if !now.Before(esc.AppealDeadline) {
		return nil, rejected("raise_dispute", esc.Reject(escrow.ErrDeadlinePassed))
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, rejected("raise_dispute", dispute.ErrValidation.With(
			xerrors.WithState(string(esc.State)),
			xerrors.WithMetadata("field", "reason"),
		))
	}
	if err := e.policy.FeeBounds.Validate(req.FeeRate); err != nil {
		if xe, ok := xerrors.From(err); ok {
			err = xe.With(xerrors.WithState(string(esc.State)))
		}
		return nil, rejected("raise_dispute", err)
	}

	entropy, err := e.entropy(ctx)
	if err != nil {
		return nil, err
	}

	d := &dispute.Dispute{
		ID:               e.newID(),
		EscrowID:         esc.ID,
		Initiator:        actor,
		Reason:           reason,
		FeeRate:          req.FeeRate,
		VerificationTier: esc.VerificationTier,
		MinVerifierTier:  esc.MinVerifierTier,
		Status:           dispute.StatusOpen,
		SeedEntropy:      hex.EncodeToString(entropy),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	// 争议与托管分属两张表，先写争议：唯一键保证同一托管只有一条争议。
	// 两次写入之间失败时托管停留在 Rejected 且 DisputeID 为空，这条开放争议由
	// 再次发起的申诉、申诉窗口回调或 Recover 中的 repairOpened 接管，不会被退款覆盖。
	if err := e.disputes.Create(ctx, d); err != nil {
		if xerrors.CodeOf(err) != dispute.CodeDisputeExists {
			return nil, rejected("raise_dispute", err)
		}
		orphan, findErr := e.orphanDispute(ctx, esc)
		if findErr != nil || orphan == nil {
			return nil, rejected("raise_dispute", err)
		}
		d = orphan
	}

	if err := e.openDispute(ctx, esc, d, now); err != nil {
		return nil, err
	}
	if err := e.selectQuorum(ctx, esc, d); err != nil {
		return nil, err
	}
	return d, nil
}

// orphanDispute 返回已写入但尚未关联到托管的开放争议，没有时返回 nil。
func (e *Engine) orphanDispute(ctx context.Context, esc *escrow.Escrow) (*dispute.Dispute, error) {
	d, err := e.disputes.GetByEscrow(ctx, esc.ID)
	if err != nil {
		if xerrors.CodeOf(err) == dispute.CodeDisputeNotFound {
			return nil, nil
		}
		return nil, err
	}
	if d.Status != dispute.StatusOpen || esc.DisputeID != "" {
		return nil, nil
	}
	return d, nil
}

// openDispute 把托管推进到 UnderVerification 并关联争议。
func (e *Engine) openDispute(ctx context.Context, esc *escrow.Escrow, d *dispute.Dispute, now time.Time) error {
	from := esc.State
	if err := esc.Transition(escrow.StateUnderVerification, now); err != nil {
		return err
	}
	esc.DisputeID = d.ID
	if err := e.escrows.Update(ctx, esc,
		notify.EscrowStateChanged(esc.ID, string(esc.State), now),
		notify.DisputeOpened(esc.ID, d.ID, now),
	); err != nil {
		return err
	}
	e.timers.Cancel(appealKey(esc.ID))
	metrics.ObserveTransition(string(from), string(esc.State))
	e.audit("争议已发起", esc,
		slog.String("dispute_id", d.ID),
		slog.String("initiator", d.Initiator),
		slog.Int("fee_rate", d.FeeRate),
	)
	return nil
}

// entropy 获取遴选种子所需的外部熵，短暂失败时快速重试。
func (e *Engine) entropy(ctx context.Context) ([]byte, error) {
	var out []byte
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 50 * time.Millisecond
	exp.MaxInterval = 500 * time.Millisecond
	exp.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		value, err := e.beacon.Entropy(ctx)
		if err != nil {
			return err
		}
		if len(value) == 0 {
			return selection.ErrBeaconFailure
		}
		out = value
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(exp, 2), ctx))
	if err != nil {
		return nil, xerrors.Wrap(selection.CodeBeaconFailure, err, "obtain selection entropy")
	}
	return out, nil
}

// selectQuorum 为开放中的争议遴选仲裁组。资格池不足时登记重试，达到上限后升级为人工处理。
// 只有存储失败会作为错误返回。
func (e *Engine) selectQuorum(ctx context.Context, esc *escrow.Escrow, d *dispute.Dispute) error {
	now := e.now()
	tier, err := e.tiers.Lookup(d.VerificationTier)
	if err != nil {
		return e.escalateSelection(ctx, d, err)
	}
	entropy, err := hex.DecodeString(d.SeedEntropy)
	if err != nil {
		return e.escalateSelection(ctx, d, xerrors.Wrap(selection.CodeBeaconFailure, err, "decode stored entropy"))
	}

	quorum, selErr := e.selector.Select(ctx, selection.Request{
		DisputeID:       d.ID,
		Tier:            tier,
		MinVerifierTier: d.MinVerifierTier,
		Requester:       esc.Requester,
		Worker:          esc.Worker,
		Seed:            selection.DeriveSeed(d.ID, d.EscrowID, d.CreatedAt, entropy),
		Now:             now,
	})
	if selErr != nil {
		d.SelectionAttempts++
		delay, ok := e.policy.SelectionRetry.Delay(d.SelectionAttempts)
		if !ok || !xerrors.RetryableError(selErr) {
			return e.escalateSelection(ctx, d, selErr)
		}
		d.NextSelectionAt = now.Add(delay)
		d.UpdatedAt = now
		if err := e.disputes.Update(ctx, d); err != nil {
			return err
		}
		e.scheduleSelectionRetry(d)
		e.logger.Warn("仲裁组遴选失败，已登记重试",
			slog.String("dispute_id", d.ID),
			slog.String("escrow_id", d.EscrowID),
			slog.Int("attempts", d.SelectionAttempts),
			slog.Duration("delay", delay),
			slog.Any("error", selErr),
		)
		return nil
	}

	d.Quorum = quorum
	d.Status = dispute.StatusCollecting
	d.SelectionAttempts++
	d.NextSelectionAt = time.Time{}
	d.ResolutionDeadline = now.Add(e.policy.ResolutionWindow)
	d.UpdatedAt = now
	if err := e.disputes.Update(ctx, d); err != nil {
		return err
	}
	e.timers.Cancel(selectionKey(d.ID))
	e.scheduleResolution(d)
	e.audit("仲裁组遴选完成", esc,
		slog.String("dispute_id", d.ID),
		slog.Any("members", quorum.MemberIDs()),
		slog.Int("required", quorum.Required),
		slog.String("seed", quorum.Seed),
		slog.Time("resolution_deadline", d.ResolutionDeadline),
	)
	return nil
}

func (e *Engine) escalateSelection(ctx context.Context, d *dispute.Dispute, cause error) error {
	now := e.now()
	d.Status = dispute.StatusEscalated
	d.NextSelectionAt = time.Time{}
	d.UpdatedAt = now
	if err := e.disputes.Update(ctx, d); err != nil {
		return err
	}
	e.timers.Cancel(selectionKey(d.ID))
	e.logger.Error("仲裁组遴选重试耗尽，升级人工处理",
		slog.String("dispute_id", d.ID),
		slog.String("escrow_id", d.EscrowID),
		slog.Int("attempts", d.SelectionAttempts),
		slog.Any("error", cause),
	)
	e.escalate(ctx, cause, d.EscrowID, d.ID, d.SelectionAttempts, e.policy.SelectionRetry.attempts())
	return nil
}

// RetrySelection 由运维对已升级人工处理的争议重新遴选仲裁组。
//
// 重新获取外部熵作为新种子并清零遴选计数；遴选成功后争议进入收票阶段并重新开启裁决窗口，
// 资格池仍不足时按遴选重试策略继续登记。
func (e *Engine) RetrySelection(ctx context.Context, disputeID string) (*dispute.Dispute, error) {
	located, err := e.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, rejected("retry_selection", err)
	}
	unlock, err := e.lock(ctx, located.EscrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := e.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, rejected("retry_selection", err)
	}
	if d.Status != dispute.StatusEscalated {
		return nil, rejected("retry_selection", d.Reject(dispute.ErrNotEscalated))
	}
	esc, err := e.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		return nil, err
	}
	if esc.State != escrow.StateUnderVerification || esc.DisputeID != d.ID {
		return nil, rejected("retry_selection", esc.Reject(escrow.ErrInvalidState, xerrors.WithMetadata("dispute_id", d.ID)))
	}

	entropy, err := e.entropy(ctx)
	if err != nil {
		return nil, err
	}
	d.Status = dispute.StatusOpen
	d.SeedEntropy = hex.EncodeToString(entropy)
	d.SelectionAttempts = 0
	d.NextSelectionAt = time.Time{}
	d.Quorum = nil
	d.UpdatedAt = e.now()
	if err := e.disputes.Update(ctx, d); err != nil {
		return nil, err
	}
	e.audit("运维重新遴选仲裁组", esc, slog.String("dispute_id", d.ID))
	if err := e.selectQuorum(ctx, esc, d); err != nil {
		return nil, err
	}
	return d, nil
}

// CastVote 接收仲裁组成员的一票。写入、判定与结算在同一把托管锁内完成。
func (e *Engine) CastVote(ctx context.Context, disputeID string, req VoteRequest) (*VoteReceipt, error) {
	located, err := e.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, rejected("cast_vote", err)
	}
	unlock, err := e.lock(ctx, located.EscrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := e.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, rejected("cast_vote", err)
	}
	now := e.now()
	vote := dispute.Vote{
		VoterID:     strings.TrimSpace(req.VoterID),
		Decision:    req.Decision,
		Confidence:  req.Confidence,
		Reasoning:   req.Reasoning,
		SubmittedAt: now,
	}
	res, castErr := e.collector.Cast(ctx, d, vote, notify.VoteAccepted(d.EscrowID, d.ID, vote.VoterID, now))
	if castErr != nil {
		if xerrors.CodeOf(castErr) == dispute.CodeDisputeClosed && d.Status == dispute.StatusCollecting &&
			!now.Before(d.ResolutionDeadline) {
			if err := e.expire(ctx, d, now); err != nil {
				e.logger.Error("截止后补做裁决失败", slog.String("dispute_id", d.ID), slog.Any("error", err))
			}
		}
		return nil, rejected("cast_vote", castErr)
	}

	metrics.ObserveVote(d.VerificationTier)

	if res != nil {
		if err := e.resolve(ctx, d, res); err != nil {
			return nil, err
		}
	}
	return &VoteReceipt{
		DisputeID:   d.ID,
		VoterID:     vote.VoterID,
		SubmittedAt: now,
		Status:      d.Status,
	}, nil
}

// expire 在截止时间后按已收票据裁决，结果无法确定时走超时兜底。
func (e *Engine) expire(ctx context.Context, d *dispute.Dispute, now time.Time) error {
	res, err := e.collector.Expire(ctx, d, now)
	if err != nil {
		return err
	}
	if res == nil {
		e.scheduleResolution(d)
		return nil
	}
	return e.resolve(ctx, d, res)
}

// resolve 记录裁决结果并驱动托管结算。每个争议只会执行一次。
func (e *Engine) resolve(ctx context.Context, d *dispute.Dispute, res *dispute.Resolution) error {
	now := e.now()
	d.Resolution = res
	d.Status = dispute.StatusResolved
	d.UpdatedAt = now
	if err := e.disputes.Update(ctx, d, notify.ConsensusReached(d.EscrowID, d.ID, string(res.Decision), string(res.Kind), now)); err != nil {
		return err
	}
	e.timers.Cancel(resolutionKey(d.ID))

	var sinceSelection time.Duration
	if d.Quorum != nil {
		sinceSelection = res.ResolvedAt.Sub(d.Quorum.SelectedAt)
	}
	metrics.ObserveResolution(string(res.Kind), string(res.Decision), sinceSelection)

	esc, err := e.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		return err
	}
	e.audit("争议已裁决", esc,
		slog.String("dispute_id", d.ID),
		slog.String("decision", string(res.Decision)),
		slog.String("kind", string(res.Kind)),
		slog.Int("approval_bps", res.ApprovalBps),
		slog.Int("pay_worker", res.Tally.PayWorker),
		slog.Int("refund_requester", res.Tally.RefundRequester),
	)
	return e.finalize(ctx, esc, d)
}

// finalize 把已裁决争议的结果转换为出账明细并结算。
// 托管已不在 UnderVerification 或已有待出账标记时不做任何事。
func (e *Engine) finalize(ctx context.Context, esc *escrow.Escrow, d *dispute.Dispute) error {
	if esc.State != escrow.StateUnderVerification || esc.Pending != nil || d.Resolution == nil || d.Quorum == nil {
		return nil
	}
	votes, err := e.disputes.Votes(ctx, d.ID)
	if err != nil {
		return err
	}
	agreed := make(map[string]bool, len(votes))
	for _, v := range votes {
		agreed[v.VoterID] = v.Decision == d.Resolution.Decision
	}

	verdict := settlement.Verdict{
		Principal: esc.Amount,
		FeeRate:   d.FeeRate,
		Members:   d.Quorum.MemberIDs(),
		Votes:     agreed,
	}
	target := escrow.StateRefunded
	verdict.Winner = esc.Requester
	if d.Resolution.Decision == dispute.DecisionPayWorker {
		target = escrow.StateCompleted
		verdict.Winner = esc.Worker
		verdict.WinnerIsWorker = true
	}
	plan, err := e.distributor.Resolve(verdict)
	if err != nil {
		e.escalate(ctx, err, esc.ID, d.ID, 0, 0)
		return err
	}
	return e.settle(ctx, esc, target, plan.Legs)
}
