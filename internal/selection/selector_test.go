package selection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"AgentEscrow/internal/dispute"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/identity"
)

type MockProvider struct{ mock.Mock }

func (m *MockProvider) EligiblePool(ctx context.Context, c identity.Criteria) ([]string, error) {
	args := m.Called(ctx, c)
	pool, _ := args.Get(0).([]string)
	return pool, args.Error(1)
}

func (m *MockProvider) TierOf(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func directory(n int) *identity.Directory {
	dir := identity.NewDirectory(
		identity.Agent{ID: "requester", Tier: 5, Active: true},
		identity.Agent{ID: "worker", Tier: 5, Active: true},
	)
	for i := 0; i < n; i++ {
		dir.Upsert(identity.Agent{ID: fmt.Sprintf("verifier-%02d", i), Tier: 2 + i%3, Active: true})
	}
	return dir
}

func request(seed []byte) Request {
	return Request{
		DisputeID:       "d-1",
		Tier:            dispute.TierPolicy{Name: dispute.TierElevated, QuorumSize: 5, ApprovalRatio: 75},
		MinVerifierTier: 2,
		Requester:       "requester",
		Worker:          "worker",
		Seed:            seed,
		Now:             time.Unix(1700000000, 0),
	}
}

func TestSelectIsDeterministicForSeed(t *testing.T) {
	sel := NewSelector(directory(20))
	seed := DeriveSeed("d-1", "e-1", time.Unix(1700000000, 0), []byte("block-hash"))

	first, err := sel.Select(context.Background(), request(seed))
	require.NoError(t, err)
	second, err := sel.Select(context.Background(), request(seed))
	require.NoError(t, err)

	assert.Equal(t, first.MemberIDs(), second.MemberIDs())
	assert.Len(t, first.Members, 5)
	assert.Equal(t, 4, first.Required)
	assert.Equal(t, 75, first.ApprovalRatio)

	seen := map[string]bool{}
	for _, m := range first.Members {
		assert.False(t, seen[m.AgentID], "duplicate member %s", m.AgentID)
		seen[m.AgentID] = true
		assert.NotEqual(t, "requester", m.AgentID)
		assert.NotEqual(t, "worker", m.AgentID)
		assert.GreaterOrEqual(t, m.Tier, 2)
	}
}

func TestSelectDependsOnEntropy(t *testing.T) {
	sel := NewSelector(directory(40))
	created := time.Unix(1700000000, 0)
	differs := false
	base, err := sel.Select(context.Background(), request(DeriveSeed("d-1", "e-1", created, []byte{0})))
	require.NoError(t, err)
	for i := 1; i < 8 && !differs; i++ {
		q, err := sel.Select(context.Background(), request(DeriveSeed("d-1", "e-1", created, []byte{byte(i)})))
		require.NoError(t, err)
		differs = fmt.Sprint(q.MemberIDs()) != fmt.Sprint(base.MemberIDs())
	}
	assert.True(t, differs, "different beacon entropy should change the quorum")
}

func TestSelectInsufficientPool(t *testing.T) {
	sel := NewSelector(directory(4))
	_, err := sel.Select(context.Background(), request([]byte("seed")))
	require.Error(t, err)
	assert.Equal(t, CodeInsufficientVerifiers, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.KindResource, xerrors.KindOf(err))
	assert.True(t, xerrors.RetryableError(err))
}

func TestSelectFiltersConflictedPartiesFromProvider(t *testing.T) {
	provider := new(MockProvider)
	provider.On("EligiblePool", mock.Anything, mock.MatchedBy(func(c identity.Criteria) bool {
		return c.MinTier == 2 && c.MaxActiveVerifications == 3
	})).Return([]string{"worker", "v1", "v2", "v2", "v3", "requester"}, nil)
	provider.On("TierOf", mock.Anything, mock.Anything).Return(2, nil)

	sel := NewSelector(provider, WithMaxConcurrentVerifications(3))
	req := request([]byte("seed"))
	req.Tier = dispute.TierPolicy{Name: dispute.TierStandard, QuorumSize: 3, ApprovalRatio: 66}

	q, err := sel.Select(context.Background(), req)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v1", "v2", "v3"}, q.MemberIDs())
	provider.AssertNumberOfCalls(t, "TierOf", 3)
}

func TestRandomBeaconProducesEntropy(t *testing.T) {
	a, err := RandomBeacon{}.Entropy(context.Background())
	require.NoError(t, err)
	b, err := RandomBeacon{}.Entropy(context.Background())
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
