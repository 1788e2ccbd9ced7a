package dispute

import (
	"time"

	xerrors "AgentEscrow/internal/errors"
)

// Status 表示争议的处理阶段。
type Status string

// 争议状态枚举。
const (
	StatusOpen       Status = "open"
	StatusCollecting Status = "collecting"
	StatusResolved   Status = "resolved"
	// StatusEscalated 表示验证者遴选重试耗尽，等待人工处理。
	StatusEscalated Status = "escalated"
)

// Decision 是验证者的裁决选项。
type Decision string

// 裁决枚举。
const (
	DecisionPayWorker       Decision = "pay_worker"
	DecisionRefundRequester Decision = "refund_requester"
)

// Valid 判断裁决是否为已知值。
func (d Decision) Valid() bool {
	return d == DecisionPayWorker || d == DecisionRefundRequester
}

// OutcomeKind 区分结果是由多数票达成还是超时兜底。
type OutcomeKind string

// 结果类型枚举。
const (
	OutcomeQuorumConsensus OutcomeKind = "quorum_consensus"
	OutcomeTimeoutDefault  OutcomeKind = "timeout_default"
)

// Member 是被选入仲裁组的验证者及其入选时的等级快照。
type Member struct {
	AgentID string `json:"agent_id"`
	Tier    int    `json:"tier"`
}

// Quorum 是某个争议的验证者集合。规模与阈值在遴选时确定，之后不再重新计算。
type Quorum struct {
	Size          int       `json:"size"`
	ApprovalRatio int       `json:"approval_ratio"`
	Required      int       `json:"required"`
	Members       []Member  `json:"members"`
	Seed          string    `json:"seed"`
	SelectedAt    time.Time `json:"selected_at"`
}

// Contains 判断 agentID 是否为仲裁组成员。
func (q *Quorum) Contains(agentID string) bool {
	if q == nil {
		return false
	}
	for _, m := range q.Members {
		if m.AgentID == agentID {
			return true
		}
	}
	return false
}

// MemberIDs 按遴选顺序返回成员 ID。
func (q *Quorum) MemberIDs() []string {
	if q == nil {
		return nil
	}
	ids := make([]string, len(q.Members))
	for i, m := range q.Members {
		ids[i] = m.AgentID
	}
	return ids
}

// Vote 是仲裁组成员的一票。Confidence 与 Reasoning 对共识算法不透明。
type Vote struct {
	DisputeID   string    `json:"dispute_id"`
	VoterID     string    `json:"voter_id"`
	Decision    Decision  `json:"decision"`
	Confidence  int       `json:"confidence"`
	Reasoning   string    `json:"reasoning,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	Seq         int64     `json:"seq"`
}

// Tally 是计票结果。
type Tally struct {
	PayWorker       int `json:"pay_worker"`
	RefundRequester int `json:"refund_requester"`
}

// Count 返回某一裁决的票数。
func (t Tally) Count(d Decision) int {
	if d == DecisionPayWorker {
		return t.PayWorker
	}
	return t.RefundRequester
}

func (t *Tally) add(d Decision) {
	if d == DecisionPayWorker {
		t.PayWorker++
		return
	}
	t.RefundRequester++
}

// Resolution 是争议的最终输出，由 Collector 生成一次，由托管状态机消费一次。
type Resolution struct {
	Decision Decision    `json:"decision"`
	Kind     OutcomeKind `json:"kind"`
	// ApprovalBps 是获胜裁决票数占完整仲裁组规模的比例，单位为万分之一。
	ApprovalBps  int       `json:"approval_bps"`
	WinningVotes int       `json:"winning_votes"`
	QuorumSize   int       `json:"quorum_size"`
	Required     int       `json:"required"`
	Tally        Tally     `json:"tally"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

// Dispute 是托管被拒绝后由执行方发起的申诉。
type Dispute struct {
	ID                 string      `json:"id"`
	EscrowID           string      `json:"escrow_id"`
	Initiator          string      `json:"initiator"`
	Reason             string      `json:"reason"`
	FeeRate            int         `json:"fee_rate"`
	VerificationTier   string      `json:"verification_tier"`
	MinVerifierTier    int         `json:"min_verifier_tier"`
	Status             Status      `json:"status"`
	SeedEntropy        string      `json:"seed_entropy"`
	SelectionAttempts  int         `json:"selection_attempts"`
	NextSelectionAt    time.Time   `json:"next_selection_at,omitempty"`
	Quorum             *Quorum     `json:"quorum,omitempty"`
	Resolution         *Resolution `json:"resolution,omitempty"`
	ResolutionDeadline time.Time   `json:"resolution_deadline,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	Version            int64       `json:"version"`
}

// Clone 返回深拷贝。
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Quorum != nil {
		q := *d.Quorum
		q.Members = append([]Member(nil), d.Quorum.Members...)
		clone.Quorum = &q
	}
	if d.Resolution != nil {
		r := *d.Resolution
		clone.Resolution = &r
	}
	return &clone
}

// Reject 以当前状态为上下文派生一个拒绝错误。
func (d *Dispute) Reject(sentinel *xerrors.Error, opts ...xerrors.Option) error {
	opts = append(opts, xerrors.WithState(string(d.Status)), xerrors.WithMetadata("dispute_id", d.ID))
	return sentinel.With(opts...)
}

const (
	CodeDisputeNotFound        xerrors.Code = "DISPUTE_NOT_FOUND"
	CodeDisputeValidation      xerrors.Code = "DISPUTE_VALIDATION"
	CodeDisputeExists          xerrors.Code = "DISPUTE_EXISTS"
	CodeDisputeClosed          xerrors.Code = "DISPUTE_CLOSED"
	CodeDuplicateVote          xerrors.Code = "DUPLICATE_VOTE"
	CodeNotQuorumMember        xerrors.Code = "NOT_QUORUM_MEMBER"
	CodeVotesSealed            xerrors.Code = "VOTES_SEALED"
	CodeDisputeVersionConflict xerrors.Code = "DISPUTE_VERSION_CONFLICT"
	CodeDisputeNotEscalated    xerrors.Code = "DISPUTE_NOT_ESCALATED"
)

var (
	// ErrNotFound 表示争议不存在。
	ErrNotFound = xerrors.New(CodeDisputeNotFound, "争议不存在")
	// ErrValidation 表示争议或投票参数不合法。
	ErrValidation = xerrors.New(CodeDisputeValidation, "争议参数不合法")
	// ErrExists 表示该托管已经发起过争议。
	ErrExists = xerrors.New(CodeDisputeExists, "该托管已存在争议")
	// ErrDisputeClosed 表示争议不在收票阶段或已过截止时间。
	ErrDisputeClosed = xerrors.New(CodeDisputeClosed, "争议已关闭，不再接受投票")
	// ErrDuplicateVote 表示该验证者已经投过票。
	ErrDuplicateVote = xerrors.New(CodeDuplicateVote, "重复投票")
	// ErrNotQuorumMember 表示投票者不在仲裁组中。
	ErrNotQuorumMember = xerrors.New(CodeNotQuorumMember, "投票者不是仲裁组成员")
	// ErrVotesSealed 表示争议尚未裁决，票据不可读。
	ErrVotesSealed = xerrors.New(CodeVotesSealed, "争议裁决前票据不可见")
	// ErrVersionConflict 表示并发写入导致版本号不一致。
	ErrVersionConflict = xerrors.New(CodeDisputeVersionConflict, "争议版本冲突")
	// ErrNotEscalated 表示争议未处于人工处理状态，不能重新遴选。
	ErrNotEscalated = xerrors.New(CodeDisputeNotEscalated, "争议未升级人工处理")
)

func init() {
	xerrors.Register(CodeDisputeNotFound, xerrors.Attributes{
		Message:  "dispute not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDisputeValidation, xerrors.Attributes{
		Message:  "dispute validation failed",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDisputeExists, xerrors.Attributes{
		Message:  "dispute already raised for escrow",
		Kind:     xerrors.KindStateConflict,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDisputeClosed, xerrors.Attributes{
		Message:  "dispute is not accepting votes",
		Kind:     xerrors.KindStateConflict,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDuplicateVote, xerrors.Attributes{
		Message:  "voter already voted",
		Kind:     xerrors.KindStateConflict,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeNotQuorumMember, xerrors.Attributes{
		Message:  "voter is not a quorum member",
		Kind:     xerrors.KindAuthorization,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeVotesSealed, xerrors.Attributes{
		Message:  "votes are sealed until resolution",
		Kind:     xerrors.KindAuthorization,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDisputeVersionConflict, xerrors.Attributes{
		Message:   "dispute modified concurrently",
		Kind:      xerrors.KindStateConflict,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeDisputeNotEscalated, xerrors.Attributes{
		Message:  "dispute is not escalated",
		Kind:     xerrors.KindStateConflict,
		Severity: xerrors.SeverityInfo,
	})
}
