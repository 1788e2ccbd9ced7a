// Package engine 把托管状态机、验证者遴选、共识收集与费用分配串成一条完整的生命周期。
//
// 所有入站触发（提交、确认、拒绝、申诉、投票、定时回调）都在所属托管的互斥锁内执行。
// 资金指令先以待出账标记持久化，账本确认后才提交终态迁移；失败时按退避重放同一条幂等指令。
// 对外通知随状态写入一起登记到存储的 Outbox，由 notify.Dispatcher 异步投递。
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"AgentEscrow/internal/dispute"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/ledger"
	"AgentEscrow/internal/observability/alerting"
	"AgentEscrow/internal/observability/metrics"
	"AgentEscrow/internal/scheduler"
	"AgentEscrow/internal/selection"
	"AgentEscrow/internal/settlement"
	"AgentEscrow/pkg/logger"
)

// QuorumSelector 从资格池中抽取仲裁组。
type QuorumSelector interface {
	Select(ctx context.Context, req selection.Request) (*dispute.Quorum, error)
}

// Policy 是运行期策略。
type Policy struct {
	AppealWindow           time.Duration
	ResolutionWindow       time.Duration
	FeeBounds              dispute.FeeBounds
	AllowRequesterDisputes bool
	SelectionRetry         RetrySchedule
	SettlementRetry        RetrySchedule
}

// DefaultPolicy 返回默认策略：72 小时申诉窗口、48 小时裁决窗口、费率 [1,20]。
func DefaultPolicy() Policy {
	return Policy{
		AppealWindow:     72 * time.Hour,
		ResolutionWindow: 48 * time.Hour,
		FeeBounds:        dispute.DefaultFeeBounds(),
		SelectionRetry:   RetrySchedule{MaxAttempts: 6, Initial: time.Minute, Max: 30 * time.Minute},
		SettlementRetry:  RetrySchedule{MaxAttempts: 8, Initial: 10 * time.Second, Max: 10 * time.Minute},
	}
}

// Dependencies 是 Engine 必需的协作方。
type Dependencies struct {
	Escrows     escrow.Store
	Disputes    dispute.Store
	Ledger      ledger.Gateway
	Selector    QuorumSelector
	Collector   *dispute.Collector
	Distributor *settlement.Distributor
	Beacon      selection.Beacon
	Tiers       *dispute.PolicyTable
}

// Engine 是托管核心的唯一入口。
type Engine struct {
	escrows     escrow.Store
	disputes    dispute.Store
	ledger      ledger.Gateway
	selector    QuorumSelector
	collector   *dispute.Collector
	distributor *settlement.Distributor
	beacon      selection.Beacon
	tiers       *dispute.PolicyTable

	alerts alerting.Dispatcher
	locker Locker
	timers *scheduler.Scheduler
	policy Policy
	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	pageSize int
}

// Option 定义 Engine 的可选配置。
type Option func(*Engine)

// WithPolicy 替换默认策略。
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithClock 替换时间源，测试中配合 Tick 驱动定时器。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator 替换 ID 生成器。
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithLocker 替换按记录互斥的实现。
func WithLocker(l Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithAlertDispatcher 设置运维告警分发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(e *Engine) {
		if d != nil {
			e.alerts = d
		}
	}
}

// WithLogger 替换组件日志。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New 创建 Engine。
func New(deps Dependencies, opts ...Option) (*Engine, error) {
	if deps.Escrows == nil || deps.Disputes == nil || deps.Ledger == nil || deps.Selector == nil ||
		deps.Collector == nil || deps.Distributor == nil || deps.Tiers == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "engine dependencies incomplete")
	}
	e := &Engine{
		escrows:     deps.Escrows,
		disputes:    deps.Disputes,
		ledger:      deps.Ledger,
		selector:    deps.Selector,
		collector:   deps.Collector,
		distributor: deps.Distributor,
		beacon:      deps.Beacon,
		tiers:       deps.Tiers,
		alerts:      alerting.NewFanout(&alerting.AuditNotifier{}),
		locker:      NewMemoryLocker(),
		policy:      DefaultPolicy(),
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      logger.Named("engine"),
		pageSize:    500,
	}
	if e.beacon == nil {
		e.beacon = selection.RandomBeacon{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.policy.FeeBounds == (dispute.FeeBounds{}) {
		e.policy.FeeBounds = dispute.DefaultFeeBounds()
	}
	e.timers = scheduler.New(scheduler.WithClock(e.now))
	return e, nil
}

// Get 返回托管的当前快照。
func (e *Engine) Get(ctx context.Context, id string) (*escrow.Escrow, error) {
	return e.escrows.Get(ctx, id)
}

// List 按过滤条件返回托管。
func (e *Engine) List(ctx context.Context, opts ...escrow.ListOption) ([]*escrow.Escrow, error) {
	return e.escrows.List(ctx, escrow.BuildListOptions(opts...))
}

// GetDispute 返回争议快照。裁决前不包含任何计票信息。
func (e *Engine) GetDispute(ctx context.Context, id string) (*dispute.Dispute, error) {
	return e.disputes.Get(ctx, id)
}

// Votes 返回争议的全部票据，仅在裁决后可读。
func (e *Engine) Votes(ctx context.Context, disputeID string) ([]dispute.Vote, error) {
	d, err := e.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	return e.collector.RevealedVotes(ctx, d)
}

// Tick 执行所有已到期的定时回调，返回执行数量。
func (e *Engine) Tick(ctx context.Context) int {
	return e.timers.FireDue(ctx, e.now())
}

// Pending 返回尚未触发的定时器数量。
func (e *Engine) Pending() int {
	return e.timers.Len()
}

// Run 先从存储重建定时器，然后持续触发到期回调直到 ctx 取消。
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Recover(ctx); err != nil {
		return err
	}
	return e.timers.Run(ctx)
}

func (e *Engine) lock(ctx context.Context, escrowID string) (func(), error) {
	unlock, err := e.locker.Lock(ctx, "escrow:"+escrowID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "acquire escrow lock")
	}
	return unlock, nil
}

// escalate 记录并广播需要人工介入的事件。
func (e *Engine) escalate(ctx context.Context, err error, escrowID, disputeID string, attempts, maxAttempts int) {
	event := alerting.FromError(err, escrowID, disputeID, attempts, maxAttempts, e.now())
	metrics.ObserveEscalation(string(event.Code))
	if notifyErr := e.alerts.Notify(ctx, event); notifyErr != nil {
		e.logger.Error("发送运维告警失败",
			slog.String("escrow_id", escrowID),
			slog.String("dispute_id", disputeID),
			slog.Any("error", notifyErr),
		)
	}
}

// rejected 统计同步拒绝并原样返回错误。
func rejected(operation string, err error) error {
	if err != nil {
		metrics.ObserveRejection(operation, string(xerrors.KindOf(err)))
	}
	return err
}

func (e *Engine) audit(msg string, esc *escrow.Escrow, attrs ...any) {
	base := []any{
		slog.String("escrow_id", esc.ID),
		slog.String("state", string(esc.State)),
		slog.Int64("version", esc.Version),
	}
	logger.Audit().Info(msg, append(base, attrs...)...)
}
