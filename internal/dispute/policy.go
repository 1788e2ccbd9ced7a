package dispute

import (
	"fmt"
	"sort"

	xerrors "AgentEscrow/internal/errors"
)

// TierPolicy maps a task's verification tier to quorum size and approval ratio.
type TierPolicy struct {
	Name          string `yaml:"name" json:"name"`
	QuorumSize    int    `yaml:"quorum_size" json:"quorum_size"`
	ApprovalRatio int    `yaml:"approval_ratio" json:"approval_ratio"`
}

// Required returns the number of same-side votes needed out of the full quorum.
func (p TierPolicy) Required() int {
	return RequiredVotes(p.QuorumSize, p.ApprovalRatio)
}

// RequiredVotes computes ceil(size * ratio / 100) in integers.
func RequiredVotes(size, ratio int) int {
	return (size*ratio + 99) / 100
}

// Built-in verification tiers.
const (
	TierStandard = "standard"
	TierElevated = "elevated"
	TierCritical = "critical"
)

// DefaultTierPolicies returns the 3/66, 5/75, 7/80 table.
func DefaultTierPolicies() []TierPolicy {
	return []TierPolicy{
		{Name: TierStandard, QuorumSize: 3, ApprovalRatio: 66},
		{Name: TierElevated, QuorumSize: 5, ApprovalRatio: 75},
		{Name: TierCritical, QuorumSize: 7, ApprovalRatio: 80},
	}
}

// PolicyTable resolves tier names. It is immutable once built.
type PolicyTable struct {
	byName map[string]TierPolicy
	names  []string
}

// NewPolicyTable validates and indexes the given tiers.
func NewPolicyTable(policies []TierPolicy) (*PolicyTable, error) {
	if len(policies) == 0 {
		policies = DefaultTierPolicies()
	}
	table := &PolicyTable{byName: make(map[string]TierPolicy, len(policies))}
	for _, p := range policies {
		if p.Name == "" {
			return nil, fmt.Errorf("tier policy name is required")
		}
		if p.QuorumSize <= 0 {
			return nil, fmt.Errorf("tier %s: quorum size must be positive", p.Name)
		}
		// A ratio at or below 50 lets both sides reach threshold at once.
		if p.ApprovalRatio <= 50 || p.ApprovalRatio > 100 {
			return nil, fmt.Errorf("tier %s: approval ratio must be in (50,100]", p.Name)
		}
		if _, dup := table.byName[p.Name]; dup {
			return nil, fmt.Errorf("tier %s defined twice", p.Name)
		}
		table.byName[p.Name] = p
		table.names = append(table.names, p.Name)
	}
	sort.Strings(table.names)
	return table, nil
}

// Lookup returns the policy for a tier name.
func (t *PolicyTable) Lookup(name string) (TierPolicy, error) {
	p, ok := t.byName[name]
	if !ok {
		return TierPolicy{}, ErrValidation.With(
			xerrors.WithMetadata("field", "verification_tier"),
			xerrors.WithMetadata("value", name),
		)
	}
	return p, nil
}

// Names lists the configured tiers in sorted order.
func (t *PolicyTable) Names() []string {
	return append([]string(nil), t.names...)
}

// FeeBounds is the inclusive range of allowed verification-fee percentages.
type FeeBounds struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// DefaultFeeBounds is [1,20].
func DefaultFeeBounds() FeeBounds {
	return FeeBounds{Min: 1, Max: 20}
}

// Validate rejects rates outside the bounds.
func (b FeeBounds) Validate(rate int) error {
	if rate < b.Min || rate > b.Max {
		return ErrValidation.With(
			xerrors.WithMetadata("field", "fee_rate"),
			xerrors.WithMetadata("allowed", fmt.Sprintf("[%d,%d]", b.Min, b.Max)),
		)
	}
	return nil
}
