// Package settlement computes the exact ledger legs for every terminal
// escrow disbursement.
//
// All amounts are integer minor units. The verification fee pool is
// principal * rate / 100 rounded down, split by a Splitter across the full
// quorum, with any indivisible remainder routed to the platform sink.
package settlement

import (
	"fmt"

	"github.com/holiman/uint256"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/ledger"
)

const (
	CodeSettlementInvalid  xerrors.Code = "SETTLEMENT_INVALID"
	CodeSettlementOverflow xerrors.Code = "SETTLEMENT_OVERFLOW"
)

var (
	// ErrInvalid is returned for inputs that cannot produce a balanced plan.
	ErrInvalid = xerrors.New(CodeSettlementInvalid, "invalid settlement input")
	// ErrOverflow is returned when an intermediate product exceeds int64.
	ErrOverflow = xerrors.New(CodeSettlementOverflow, "settlement amount overflow")
)

func init() {
	xerrors.Register(CodeSettlementInvalid, xerrors.Attributes{
		Message:  "invalid settlement input",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeSettlementOverflow, xerrors.Attributes{
		Message:  "settlement amount overflow",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Policy configures platform-level routing.
type Policy struct {
	// PlatformFeeBps is charged on every payout to the worker, in basis points.
	PlatformFeeBps int
	// PlatformAccount receives platform fees and fee-pool remainders.
	PlatformAccount string
}

// Plan is the computed settlement for one escrow.
type Plan struct {
	Legs         []ledger.Leg `json:"legs"`
	Winner       string       `json:"winner"`
	WinnerAmount int64        `json:"winner_amount"`
	FeePool      int64        `json:"fee_pool"`
	MemberShare  int64        `json:"member_share"`
	Remainder    int64        `json:"remainder"`
	PlatformFee  int64        `json:"platform_fee"`
}

// Total sums all legs. It always equals the principal.
func (p Plan) Total() int64 {
	var total int64
	for _, leg := range p.Legs {
		total += leg.Amount
	}
	return total
}

// Distributor builds settlement plans.
type Distributor struct {
	policy   Policy
	splitter Splitter
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithSplitter replaces the default equal split.
func WithSplitter(s Splitter) Option {
	return func(d *Distributor) {
		if s != nil {
			d.splitter = s
		}
	}
}

// NewDistributor returns a distributor with the equal-split policy.
func NewDistributor(policy Policy, opts ...Option) *Distributor {
	if policy.PlatformAccount == "" {
		policy.PlatformAccount = "platform"
	}
	d := &Distributor{policy: policy, splitter: EqualSplit{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PlatformAccount returns the sink for fees and remainders.
func (d *Distributor) PlatformAccount() string {
	return d.policy.PlatformAccount
}

// Release pays the full principal to the worker, less the platform fee if one is configured.
func (d *Distributor) Release(principal int64, worker string) (Plan, error) {
	if err := checkPrincipal(principal); err != nil {
		return Plan{}, err
	}
	if worker == "" {
		return Plan{}, ErrInvalid.With(xerrors.WithMetadata("field", "worker"))
	}
	platformFee, err := d.platformFee(principal)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Winner: worker, WinnerAmount: principal - platformFee, PlatformFee: platformFee}
	plan.Legs = appendLeg(plan.Legs, worker, plan.WinnerAmount)
	plan.Legs = appendLeg(plan.Legs, d.policy.PlatformAccount, platformFee)
	return plan, nil
}

// Refund returns the full principal to the requester.
func (d *Distributor) Refund(principal int64, requester string) (Plan, error) {
	if err := checkPrincipal(principal); err != nil {
		return Plan{}, err
	}
	if requester == "" {
		return Plan{}, ErrInvalid.With(xerrors.WithMetadata("field", "requester"))
	}
	return Plan{
		Winner:       requester,
		WinnerAmount: principal,
		Legs:         []ledger.Leg{{To: requester, Amount: principal}},
	}, nil
}

// Verdict describes a resolved dispute for fee distribution.
type Verdict struct {
	Principal int64
	FeeRate   int
	Winner    string
	// WinnerIsWorker applies the platform fee when the worker wins.
	WinnerIsWorker bool
	Members        []string
	Votes          map[string]bool
}

// Resolve deducts the fee pool from the winner's award and splits it across the quorum.
func (d *Distributor) Resolve(v Verdict) (Plan, error) {
	if err := checkPrincipal(v.Principal); err != nil {
		return Plan{}, err
	}
	if v.Winner == "" {
		return Plan{}, ErrInvalid.With(xerrors.WithMetadata("field", "winner"))
	}
	if v.FeeRate < 0 || v.FeeRate > 100 {
		return Plan{}, ErrInvalid.With(xerrors.WithMetadata("field", "fee_rate"))
	}
	if len(v.Members) == 0 {
		return Plan{}, ErrInvalid.With(xerrors.WithMetadata("field", "members"))
	}

	pool, err := mulDiv(v.Principal, int64(v.FeeRate), 100)
	if err != nil {
		return Plan{}, err
	}
	shares, remainder := d.splitter.Split(pool, v.Members, v.Votes)

	award := v.Principal - pool
	var platformFee int64
	if v.WinnerIsWorker {
		if platformFee, err = d.platformFee(award); err != nil {
			return Plan{}, err
		}
	}

	plan := Plan{
		Winner:       v.Winner,
		WinnerAmount: award - platformFee,
		FeePool:      pool,
		Remainder:    remainder,
		PlatformFee:  platformFee,
	}
	if len(v.Members) > 0 {
		plan.MemberShare = shares[v.Members[0]]
	}

	plan.Legs = appendLeg(plan.Legs, v.Winner, plan.WinnerAmount)
	for _, m := range v.Members {
		plan.Legs = appendLeg(plan.Legs, m, shares[m])
	}
	plan.Legs = appendLeg(plan.Legs, d.policy.PlatformAccount, remainder+platformFee)

	if plan.Total() != v.Principal {
		return Plan{}, ErrInvalid.With(xerrors.WithMetadata("reason", fmt.Sprintf("plan sums to %d, principal %d", plan.Total(), v.Principal)))
	}
	return plan, nil
}

func (d *Distributor) platformFee(amount int64) (int64, error) {
	if d.policy.PlatformFeeBps <= 0 {
		return 0, nil
	}
	return mulDiv(amount, int64(d.policy.PlatformFeeBps), 10000)
}

// appendLeg merges legs for the same account and skips zero amounts.
func appendLeg(legs []ledger.Leg, to string, amount int64) []ledger.Leg {
	if amount <= 0 {
		return legs
	}
	for i := range legs {
		if legs[i].To == to {
			legs[i].Amount += amount
			return legs
		}
	}
	return append(legs, ledger.Leg{To: to, Amount: amount})
}

func checkPrincipal(principal int64) error {
	if principal <= 0 {
		return ErrInvalid.With(xerrors.WithMetadata("field", "principal"))
	}
	return nil
}

// mulDiv returns floor(a*b/c) without overflowing the intermediate product.
func mulDiv(a, b, c int64) (int64, error) {
	if a < 0 || b < 0 || c <= 0 {
		return 0, ErrInvalid.With(xerrors.WithMetadata("reason", "negative operand"))
	}
	product, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(a)), uint256.NewInt(uint64(b)))
	if overflow {
		return 0, ErrOverflow
	}
	q := new(uint256.Int).Div(product, uint256.NewInt(uint64(c)))
	if !q.IsUint64() || q.Uint64() > uint64(1<<63-1) {
		return 0, ErrOverflow
	}
	return int64(q.Uint64()), nil
}
