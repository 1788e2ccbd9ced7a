package dispute

import (
	"context"
	"sort"
	"time"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/notify"
)

// Collector 负责收集盲投票并判定裁决结果。
//
// 调用方必须对同一争议持有互斥：投票写入、结果判定与状态提交在同一把锁内完成，
// 保证两张几乎同时到达的票不会都认为自己完成了裁决。
type Collector struct {
	store            Store
	defaultDecision  Decision
	earlyTermination bool
}

// CollectorOption 定义可选配置。
type CollectorOption func(*Collector)

// WithDefaultDecision 指定超时兜底裁决，默认退款给需求方。
func WithDefaultDecision(d Decision) CollectorOption {
	return func(c *Collector) {
		if d.Valid() {
			c.defaultDecision = d
		}
	}
}

// WithEarlyTermination 控制是否在结果确定后立即裁决。关闭后等待全部成员投票或截止。
func WithEarlyTermination(enabled bool) CollectorOption {
	return func(c *Collector) {
		c.earlyTermination = enabled
	}
}

// NewCollector 创建 Collector。
func NewCollector(store Store, opts ...CollectorOption) *Collector {
	c := &Collector{
		store:            store,
		defaultDecision:  DecisionRefundRequester,
		earlyTermination: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// DefaultDecision 返回超时兜底裁决。
func (c *Collector) DefaultDecision() Decision {
	return c.defaultDecision
}

// Cast 校验并写入一票，events 与选票一起登记。若写入后结果已确定，返回 Resolution；否则返回 nil。
// 任何拒绝都不会修改状态。
func (c *Collector) Cast(ctx context.Context, d *Dispute, v Vote, events ...notify.Event) (*Resolution, error) {
	if !v.Decision.Valid() {
		return nil, d.Reject(ErrValidation, xerrors.WithMetadata("field", "decision"))
	}
	if v.Confidence < 0 || v.Confidence > 100 {
		return nil, d.Reject(ErrValidation, xerrors.WithMetadata("field", "confidence"))
	}
	if d.Status != StatusCollecting || d.Quorum == nil {
		return nil, d.Reject(ErrDisputeClosed)
	}
	if !d.Quorum.Contains(v.VoterID) {
		return nil, d.Reject(ErrNotQuorumMember, xerrors.WithMetadata("voter_id", v.VoterID))
	}
	if !v.SubmittedAt.Before(d.ResolutionDeadline) {
		return nil, d.Reject(ErrDisputeClosed, xerrors.WithMetadata("reason", "deadline elapsed"))
	}

	v.DisputeID = d.ID
	if err := c.store.InsertVote(ctx, &v, events...); err != nil {
		if xerrors.CodeOf(err) == CodeDuplicateVote {
			return nil, d.Reject(ErrDuplicateVote, xerrors.WithMetadata("voter_id", v.VoterID))
		}
		return nil, err
	}

	votes, err := c.store.Votes(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	return c.decide(*d.Quorum, votes), nil
}

func (c *Collector) decide(q Quorum, votes []Vote) *Resolution {
	if c.earlyTermination || len(votes) >= q.Size {
		if res, ok := Evaluate(q, votes); ok {
			return &res
		}
	}
	if len(votes) >= q.Size {
		// 全员已投且双方都未达到阈值，只能走兜底，不做随机裁决。
		res := TimeoutDefault(q, votes, c.defaultDecision, votes[len(votes)-1].SubmittedAt)
		return &res
	}
	return nil
}

// Expire 在截止时间到达时调用。仍在收票的争议按已收票据判定，无法确定时走超时兜底。
func (c *Collector) Expire(ctx context.Context, d *Dispute, now time.Time) (*Resolution, error) {
	if d.Status != StatusCollecting || d.Quorum == nil {
		return nil, d.Reject(ErrDisputeClosed)
	}
	if now.Before(d.ResolutionDeadline) {
		return nil, nil
	}
	votes, err := c.store.Votes(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if res, ok := Evaluate(*d.Quorum, votes); ok {
		return &res, nil
	}
	res := TimeoutDefault(*d.Quorum, votes, c.defaultDecision, d.ResolutionDeadline)
	return &res, nil
}

// RevealedVotes 仅在争议裁决后返回全部票据。
func (c *Collector) RevealedVotes(ctx context.Context, d *Dispute) ([]Vote, error) {
	if d.Status != StatusResolved {
		return nil, d.Reject(ErrVotesSealed)
	}
	return c.store.Votes(ctx, d.ID)
}

// Evaluate 按提交顺序回放票据，返回第一次有一方达到阈值时的结果。
// 因为结果只取决于决定性前缀，提前终止与等待全部投票得到完全相同的 Resolution。
func Evaluate(q Quorum, votes []Vote) (Resolution, bool) {
	ordered := orderVotes(votes)
	required := q.Required
	if required <= 0 {
		required = RequiredVotes(q.Size, q.ApprovalRatio)
	}
	var tally Tally
	for _, v := range ordered {
		tally.add(v.Decision)
		count := tally.Count(v.Decision)
		if count >= required {
			return Resolution{
				Decision:     v.Decision,
				Kind:         OutcomeQuorumConsensus,
				ApprovalBps:  ratioBps(count, q.Size),
				WinningVotes: count,
				QuorumSize:   q.Size,
				Required:     required,
				Tally:        tally,
				ResolvedAt:   v.SubmittedAt,
			}, true
		}
	}
	return Resolution{}, false
}

// TimeoutDefault 生成兜底裁决。
func TimeoutDefault(q Quorum, votes []Vote, decision Decision, at time.Time) Resolution {
	var tally Tally
	for _, v := range votes {
		tally.add(v.Decision)
	}
	required := q.Required
	if required <= 0 {
		required = RequiredVotes(q.Size, q.ApprovalRatio)
	}
	return Resolution{
		Decision:     decision,
		Kind:         OutcomeTimeoutDefault,
		ApprovalBps:  ratioBps(tally.Count(decision), q.Size),
		WinningVotes: tally.Count(decision),
		QuorumSize:   q.Size,
		Required:     required,
		Tally:        tally,
		ResolvedAt:   at,
	}
}

func orderVotes(votes []Vote) []Vote {
	ordered := append([]Vote(nil), votes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Seq != ordered[j].Seq {
			return ordered[i].Seq < ordered[j].Seq
		}
		return ordered[i].SubmittedAt.Before(ordered[j].SubmittedAt)
	})
	return ordered
}

func ratioBps(count, size int) int {
	if size <= 0 {
		return 0
	}
	return count * 10000 / size
}
