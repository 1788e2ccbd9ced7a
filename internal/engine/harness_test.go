package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AgentEscrow/internal/dispute"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/identity"
	"AgentEscrow/internal/ledger"
	"AgentEscrow/internal/notify"
	"AgentEscrow/internal/observability/alerting"
	"AgentEscrow/internal/selection"
	"AgentEscrow/internal/settlement"
	"AgentEscrow/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerts) Codes() []xerrors.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	codes := make([]xerrors.Code, len(r.events))
	for i, e := range r.events {
		codes[i] = e.Code
	}
	return codes
}

type harness struct {
	t         *testing.T
	engine    *Engine
	clock     *fakeClock
	escrows   *escrow.MemoryStore
	disputes  *dispute.MemoryStore
	ledger    *ledger.MemoryGateway
	directory *identity.Directory
	beacon    selection.Beacon
	outbox    *notify.MemoryOutbox
	publisher *notify.MemoryPublisher
	bus       *notify.Dispatcher
	alerts    *recordingAlerts
	policy    Policy
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.SelectionRetry = RetrySchedule{MaxAttempts: 3, Initial: time.Minute, Max: time.Minute}
	p.SettlementRetry = RetrySchedule{MaxAttempts: 3, Initial: time.Second, Max: 10 * time.Second}
	return p
}

func newHarness(t *testing.T, verifiers int, opts ...func(*harness)) *harness {
	t.Helper()
	outbox := notify.NewMemoryOutbox()
	h := &harness{
		t:         t,
		clock:     &fakeClock{now: time.Unix(1700000000, 0).UTC()},
		escrows:   escrow.NewMemoryStore(escrow.WithOutbox(outbox)),
		disputes:  dispute.NewMemoryStore(dispute.WithOutbox(outbox)),
		ledger:    ledger.NewMemoryGateway(),
		outbox:    outbox,
		directory: identity.NewDirectory(),
		beacon:    selection.StaticBeacon("block-entropy"),
		publisher: notify.NewMemoryPublisher(),
		alerts:    &recordingAlerts{},
		policy:    testPolicy(),
	}
	h.bus = h.dispatcher()
	h.directory.Upsert(identity.Agent{ID: "requester", Tier: 5, Active: true})
	h.directory.Upsert(identity.Agent{ID: "worker", Tier: 5, Active: true})
	for i := 0; i < verifiers; i++ {
		h.directory.Upsert(identity.Agent{ID: fmt.Sprintf("verifier-%02d", i), Tier: 3, Active: true})
	}
	for _, opt := range opts {
		opt(h)
	}
	h.engine = h.build()
	return h
}

// build 在同一组存储上创建一个新的引擎实例，用于模拟进程重启。
func (h *harness) build() *Engine {
	h.t.Helper()
	tiers, err := dispute.NewPolicyTable(append(dispute.DefaultTierPolicies(),
		dispute.TierPolicy{Name: "panel5", QuorumSize: 5, ApprovalRatio: 66},
	))
	if err != nil {
		h.t.Fatalf("build tier table: %v", err)
	}
	var seq atomic.Int64
	e, err := New(Dependencies{
		Escrows:     h.escrows,
		Disputes:    h.disputes,
		Ledger:      h.ledger,
		Selector:    selection.NewSelector(h.directory, selection.WithLogger(logger.Discard())),
		Collector:   dispute.NewCollector(h.disputes),
		Distributor: settlement.NewDistributor(settlement.Policy{}),
		Beacon:      h.beacon,
		Tiers:       tiers,
	},
		WithClock(h.clock.Now),
		WithPolicy(h.policy),
		WithAlertDispatcher(h.alerts),
		WithLogger(logger.Discard()),
		WithIDGenerator(func() string { return fmt.Sprintf("d-%d", seq.Add(1)) }),
	)
	if err != nil {
		h.t.Fatalf("build engine: %v", err)
	}
	return e
}

// dispatcher 创建一个读取同一 Outbox 的新分发器，用于模拟重启后的补发。
func (h *harness) dispatcher() *notify.Dispatcher {
	return notify.NewDispatcher(h.publisher,
		notify.WithOutbox(h.outbox),
		notify.WithRetry(1, time.Millisecond, time.Millisecond),
		notify.WithLogger(logger.Discard()),
	)
}

// roundBeacon 每次返回不同的熵，模拟逐块变化的链上随机源。
type roundBeacon struct {
	round atomic.Int64
}

func (b *roundBeacon) Entropy(context.Context) ([]byte, error) {
	return []byte(fmt.Sprintf("round-%d", b.round.Add(1))), nil
}

func (h *harness) create(id, tier string) *escrow.Escrow {
	h.t.Helper()
	esc, err := h.engine.CreateEscrow(context.Background(), CreateRequest{
		ID:               id,
		TaskRef:          "task-" + id,
		Requester:        "requester",
		Worker:           "worker",
		Amount:           100,
		Currency:         "usdc",
		VerificationTier: tier,
		MinVerifierTier:  2,
		Deadline:         h.clock.Now().Add(24 * time.Hour),
	})
	if err != nil {
		h.t.Fatalf("创建托管失败: %v", err)
	}
	return esc
}

// rejected 把托管推进到 Rejected。
func (h *harness) rejected(id, tier string) *escrow.Escrow {
	h.t.Helper()
	ctx := context.Background()
	h.create(id, tier)
	if _, err := h.engine.SubmitDeliverable(ctx, id, "worker", "ipfs://deliverable"); err != nil {
		h.t.Fatalf("提交交付物失败: %v", err)
	}
	esc, err := h.engine.Reject(ctx, id, "requester", "incomplete output")
	if err != nil {
		h.t.Fatalf("拒绝交付物失败: %v", err)
	}
	return esc
}

// disputed 把托管推进到收票阶段并返回争议。
func (h *harness) disputed(id, tier string, feeRate int) *dispute.Dispute {
	h.t.Helper()
	h.rejected(id, tier)
	d, err := h.engine.RaiseDispute(context.Background(), id, "worker", DisputeRequest{Reason: "work matches brief", FeeRate: feeRate})
	if err != nil {
		h.t.Fatalf("发起争议失败: %v", err)
	}
	if d.Status != dispute.StatusCollecting {
		h.t.Fatalf("expected collecting dispute, got %s", d.Status)
	}
	return d
}

func (h *harness) escrow(id string) *escrow.Escrow {
	h.t.Helper()
	esc, err := h.engine.Get(context.Background(), id)
	if err != nil {
		h.t.Fatalf("读取托管失败: %v", err)
	}
	return esc
}

func (h *harness) dispute(id string) *dispute.Dispute {
	h.t.Helper()
	d, err := h.engine.GetDispute(context.Background(), id)
	if err != nil {
		h.t.Fatalf("读取争议失败: %v", err)
	}
	return d
}

func (h *harness) flush() []notify.Event {
	h.t.Helper()
	if err := h.bus.Flush(context.Background()); err != nil {
		h.t.Fatalf("flush notifications: %v", err)
	}
	return h.publisher.Events()
}

func (h *harness) vote(disputeID, voter string, decision dispute.Decision) error {
	_, err := h.engine.CastVote(context.Background(), disputeID, VoteRequest{
		VoterID:    voter,
		Decision:   decision,
		Confidence: 80,
	})
	return err
}

func expectCode(t *testing.T, err error, code xerrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %s, got nil", code)
	}
	if got := xerrors.CodeOf(err); got != code {
		t.Fatalf("expected error %s, got %s (%v)", code, got, err)
	}
}
