package escrow

import (
	"time"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/ledger"
)

// State 表示托管在生命周期中的位置。
type State string

// 托管状态枚举。
const (
	StateActive               State = "active"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateRejected             State = "rejected"
	StateUnderVerification    State = "under_verification"
	StateCompleted            State = "completed"
	StateRefunded             State = "refunded"
	StateCancelled            State = "cancelled"
)

// transitions 列出每个非终态允许进入的下一状态。
var transitions = map[State][]State{
	StateActive:               {StateAwaitingConfirmation, StateRefunded, StateCancelled},
	StateAwaitingConfirmation: {StateCompleted, StateRejected, StateRefunded},
	StateRejected:             {StateUnderVerification, StateRefunded},
	StateUnderVerification:    {StateCompleted, StateRefunded},
}

// IsValidState 判断状态是否为已知枚举值。
func IsValidState(s State) bool {
	switch s {
	case StateActive, StateAwaitingConfirmation, StateRejected, StateUnderVerification,
		StateCompleted, StateRefunded, StateCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateRefunded || s == StateCancelled
}

// CanTransition 判断 from -> to 是否为合法迁移。
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PendingSettlement 是终态出账的待重试标记。
// 在账本确认之前，托管停留在迁移前状态，并持有同一条幂等指令。
type PendingSettlement struct {
	Target      State        `json:"target"`
	Key         string       `json:"key"`
	Legs        []ledger.Leg `json:"legs"`
	Attempts    int          `json:"attempts"`
	LastError   string       `json:"last_error,omitempty"`
	NextRetryAt time.Time    `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Escrow 记录一笔被冻结的任务资金。
type Escrow struct {
	ID               string             `json:"id"`
	TaskRef          string             `json:"task_ref"`
	Requester        string             `json:"requester"`
	Worker           string             `json:"worker,omitempty"`
	Amount           int64              `json:"amount"`
	Currency         string             `json:"currency"`
	VerificationTier string             `json:"verification_tier"`
	MinVerifierTier  int                `json:"min_verifier_tier"`
	State            State              `json:"state"`
	Deadline         time.Time          `json:"deadline"`
	AppealDeadline   time.Time          `json:"appeal_deadline,omitempty"`
	DeliverableRef   string             `json:"deliverable_ref,omitempty"`
	RejectReason     string             `json:"reject_reason,omitempty"`
	WorkerSubmitted  bool               `json:"worker_submitted"`
	RequesterDecided bool               `json:"requester_decided"`
	DisputeID        string             `json:"dispute_id,omitempty"`
	Pending          *PendingSettlement `json:"pending_settlement,omitempty"`
	Stuck            bool               `json:"stuck"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	SettledAt        time.Time          `json:"settled_at,omitempty"`
	Version          int64              `json:"version"`
}

// Clone 返回深拷贝，存储层在读写两侧都使用它隔离调用方。
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Pending != nil {
		pending := *e.Pending
		pending.Legs = append([]ledger.Leg(nil), e.Pending.Legs...)
		clone.Pending = &pending
	}
	return &clone
}

// HasWorker 表示是否已经指派执行方。
func (e *Escrow) HasWorker() bool {
	return e.Worker != ""
}

// Transition 将托管推进到 to，非法迁移返回带当前状态的冲突错误。
func (e *Escrow) Transition(to State, now time.Time) error {
	if !CanTransition(e.State, to) {
		return e.Reject(ErrInvalidState, xerrors.WithMetadata("target", string(to)))
	}
	e.State = to
	e.UpdatedAt = now
	if to.IsTerminal() {
		e.SettledAt = now
	}
	return nil
}

// Reject 以当前状态为上下文派生一个拒绝错误。
func (e *Escrow) Reject(sentinel *xerrors.Error, opts ...xerrors.Option) error {
	opts = append(opts, xerrors.WithState(string(e.State)), xerrors.WithMetadata("escrow_id", e.ID))
	return sentinel.With(opts...)
}

const (
	CodeEscrowNotFound        xerrors.Code = "ESCROW_NOT_FOUND"
	CodeEscrowValidation      xerrors.Code = "ESCROW_VALIDATION"
	CodeEscrowInvalidState    xerrors.Code = "ESCROW_INVALID_STATE"
	CodeEscrowPending         xerrors.Code = "ESCROW_SETTLEMENT_PENDING"
	CodeEscrowUnauthorized    xerrors.Code = "ESCROW_UNAUTHORIZED"
	CodeEscrowConflict        xerrors.Code = "ESCROW_CONFLICT"
	CodeEscrowVersionConflict xerrors.Code = "ESCROW_VERSION_CONFLICT"
	CodeEscrowStuck           xerrors.Code = "ESCROW_SETTLEMENT_STUCK"
	CodeEscrowDeadlinePassed  xerrors.Code = "ESCROW_DEADLINE_PASSED"
)

var (
	// ErrNotFound 表示托管不存在。
	ErrNotFound = xerrors.New(CodeEscrowNotFound, "托管不存在")
	// ErrValidation 表示请求参数不合法。
	ErrValidation = xerrors.New(CodeEscrowValidation, "托管参数不合法")
	// ErrInvalidState 表示当前状态不允许该操作。
	ErrInvalidState = xerrors.New(CodeEscrowInvalidState, "当前状态不允许该操作")
	// ErrSettlementPending 表示终态出账尚待账本确认。
	ErrSettlementPending = xerrors.New(CodeEscrowPending, "终态出账待确认")
	// ErrUnauthorized 表示调用方不是该操作要求的参与方。
	ErrUnauthorized = xerrors.New(CodeEscrowUnauthorized, "调用方无权执行该操作")
	// ErrConflict 表示同 ID 托管已存在且参数不一致。
	ErrConflict = xerrors.New(CodeEscrowConflict, "托管 ID 冲突")
	// ErrVersionConflict 表示并发写入导致版本号不一致。
	ErrVersionConflict = xerrors.New(CodeEscrowVersionConflict, "托管版本冲突")
	// ErrStuck 表示出账重试耗尽，等待人工介入。
	ErrStuck = xerrors.New(CodeEscrowStuck, "托管出账重试耗尽，等待人工处理")
	// ErrDeadlinePassed 表示托管截止时间已过。
	ErrDeadlinePassed = xerrors.New(CodeEscrowDeadlinePassed, "托管已过截止时间")
)

func init() {
	xerrors.Register(CodeEscrowNotFound, xerrors.Attributes{
		Message:  "escrow not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeEscrowValidation, xerrors.Attributes{
		Message:  "escrow validation failed",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeEscrowInvalidState, xerrors.Attributes{
		Message:  "escrow state does not allow this operation",
		Kind:     xerrors.KindStateConflict,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeEscrowPending, xerrors.Attributes{
		Message:  "escrow settlement awaiting ledger confirmation",
		Kind:     xerrors.KindStateConflict,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeEscrowUnauthorized, xerrors.Attributes{
		Message:  "actor is not a party permitted to perform this operation",
		Kind:     xerrors.KindAuthorization,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeEscrowConflict, xerrors.Attributes{
		Message:  "escrow id already used with different parameters",
		Kind:     xerrors.KindStateConflict,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeEscrowVersionConflict, xerrors.Attributes{
		Message:   "escrow modified concurrently",
		Kind:      xerrors.KindStateConflict,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeEscrowStuck, xerrors.Attributes{
		Message:  "escrow settlement retries exhausted",
		Kind:     xerrors.KindResource,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeEscrowDeadlinePassed, xerrors.Attributes{
		Message:  "escrow deadline has passed",
		Kind:     xerrors.KindStateConflict,
		Severity: xerrors.SeverityInfo,
	})
}

// IsEscrowError 判断错误是否属于托管模块。
func IsEscrowError(err error) bool {
	switch xerrors.CodeOf(err) {
	case CodeEscrowNotFound, CodeEscrowValidation, CodeEscrowInvalidState, CodeEscrowPending,
		CodeEscrowUnauthorized, CodeEscrowConflict, CodeEscrowVersionConflict, CodeEscrowStuck,
		CodeEscrowDeadlinePassed:
		return true
	default:
		return false
	}
}
