// Package selection samples a verifier quorum for a dispute.
//
// The pool comes from the identity provider as a read-only snapshot. Every
// candidate is ranked by keccak256(seed || id) and the lowest quorum-size
// ranks are taken, which is a uniform sample without replacement that anyone
// holding the seed can reproduce.
package selection

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"AgentEscrow/internal/dispute"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/identity"
	"AgentEscrow/pkg/logger"
)

const (
	CodeInsufficientVerifiers xerrors.Code = "INSUFFICIENT_ELIGIBLE_VERIFIERS"
	CodeBeaconFailure         xerrors.Code = "SELECTION_BEACON_FAILURE"
)

var (
	// ErrInsufficientVerifiers means the eligible pool is smaller than the quorum.
	ErrInsufficientVerifiers = xerrors.New(CodeInsufficientVerifiers, "eligible verifier pool smaller than quorum")
	// ErrBeaconFailure means no entropy could be obtained for the seed.
	ErrBeaconFailure = xerrors.New(CodeBeaconFailure, "selection beacon unavailable")
)

func init() {
	xerrors.Register(CodeInsufficientVerifiers, xerrors.Attributes{
		Message:   "insufficient eligible verifiers",
		Kind:      xerrors.KindResource,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeBeaconFailure, xerrors.Attributes{
		Message:   "selection beacon unavailable",
		Kind:      xerrors.KindResource,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Request carries everything needed for one selection attempt.
type Request struct {
	DisputeID       string
	Tier            dispute.TierPolicy
	MinVerifierTier int
	Requester       string
	Worker          string
	Seed            []byte
	Now             time.Time
}

// Selector picks quorums.
type Selector struct {
	provider identity.Provider
	maxLoad  int
	logger   *slog.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithMaxConcurrentVerifications excludes agents already at this load.
func WithMaxConcurrentVerifications(n int) Option {
	return func(s *Selector) { s.maxLoad = n }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSelector builds a Selector over the identity provider.
func NewSelector(provider identity.Provider, opts ...Option) *Selector {
	s := &Selector{provider: provider, logger: logger.Named("selection")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ranked struct {
	id  string
	key []byte
}

// Select returns a quorum or ErrInsufficientVerifiers.
func (s *Selector) Select(ctx context.Context, req Request) (*dispute.Quorum, error) {
	size := req.Tier.QuorumSize
	if size <= 0 || len(req.Seed) == 0 {
		return nil, dispute.ErrValidation.With(xerrors.WithMetadata("field", "selection request"))
	}

	pool, err := s.provider.EligiblePool(ctx, identity.Criteria{
		MinTier:                req.MinVerifierTier,
		Exclude:                []string{req.Requester, req.Worker},
		MaxActiveVerifications: s.maxLoad,
	})
	if err != nil {
		return nil, xerrors.Wrap(identity.CodeUnavailable, err, "query eligible pool")
	}
	pool = dedupe(pool, req.Requester, req.Worker)

	if len(pool) < size {
		s.logger.Warn("eligible verifier pool too small",
			slog.String("dispute_id", req.DisputeID),
			slog.Int("pool", len(pool)),
			slog.Int("quorum_size", size),
		)
		return nil, ErrInsufficientVerifiers.With(
			xerrors.WithMetadata("dispute_id", req.DisputeID),
			xerrors.WithMetadata("pool", strconv.Itoa(len(pool))),
			xerrors.WithMetadata("quorum_size", strconv.Itoa(size)),
		)
	}

	candidates := make([]ranked, len(pool))
	for i, id := range pool {
		candidates[i] = ranked{id: id, key: permutationKey(req.Seed, id)}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if c := bytes.Compare(candidates[i].key, candidates[j].key); c != 0 {
			return c < 0
		}
		return candidates[i].id < candidates[j].id
	})

	members := make([]dispute.Member, 0, size)
	for _, c := range candidates[:size] {
		tier, err := s.provider.TierOf(ctx, c.id)
		if err != nil {
			return nil, xerrors.Wrap(identity.CodeUnavailable, err, "tier snapshot for "+c.id)
		}
		members = append(members, dispute.Member{AgentID: c.id, Tier: tier})
	}

	return &dispute.Quorum{
		Size:          size,
		ApprovalRatio: req.Tier.ApprovalRatio,
		Required:      req.Tier.Required(),
		Members:       members,
		Seed:          hex.EncodeToString(req.Seed),
		SelectedAt:    req.Now,
	}, nil
}

// dedupe sorts the pool, drops duplicates and any conflicted party that slipped through.
func dedupe(pool []string, excluded ...string) []string {
	sorted := append([]string(nil), pool...)
	sort.Strings(sorted)
	out := make([]string, 0, len(sorted))
	for i, id := range sorted {
		if id == "" || (i > 0 && sorted[i-1] == id) {
			continue
		}
		skip := false
		for _, ex := range excluded {
			if id == ex {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, id)
		}
	}
	return out
}
