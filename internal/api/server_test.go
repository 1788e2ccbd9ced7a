package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentEscrow/internal/dispute"
	"AgentEscrow/internal/engine"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/identity"
	"AgentEscrow/internal/ledger"
	"AgentEscrow/internal/selection"
	"AgentEscrow/internal/settlement"
	"AgentEscrow/pkg/logger"
)

type fixture struct {
	t         *testing.T
	handler   http.Handler
	ledger    *ledger.MemoryGateway
	directory *identity.Directory
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, 5)
}

func newFixtureWith(t *testing.T, verifiers int, opts ...engine.Option) *fixture {
	t.Helper()
	directory := identity.NewDirectory(
		identity.Agent{ID: "requester", Tier: 5, Active: true},
		identity.Agent{ID: "worker", Tier: 5, Active: true},
	)
	for i := 0; i < verifiers; i++ {
		directory.Upsert(identity.Agent{ID: fmt.Sprintf("verifier-%d", i), Tier: 3, Active: true})
	}
	tiers, err := dispute.NewPolicyTable(dispute.DefaultTierPolicies())
	require.NoError(t, err)

	disputes := dispute.NewMemoryStore()
	gateway := ledger.NewMemoryGateway()
	eng, err := engine.New(engine.Dependencies{
		Escrows:     escrow.NewMemoryStore(),
		Disputes:    disputes,
		Ledger:      gateway,
		Selector:    selection.NewSelector(directory, selection.WithLogger(logger.Discard())),
		Collector:   dispute.NewCollector(disputes),
		Distributor: settlement.NewDistributor(settlement.Policy{}),
		Beacon:      selection.StaticBeacon("api-test"),
		Tiers:       tiers,
	}, append([]engine.Option{engine.WithLogger(logger.Discard())}, opts...)...)
	require.NoError(t, err)

	srv := NewServer(":0", eng, WithLogger(logger.Discard()))
	return &fixture{t: t, handler: srv.Routes(), ledger: gateway, directory: directory}
}

func (f *fixture) do(method, path, agent string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if agent != "" {
		req.Header.Set(AgentHeader, agent)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createEscrow(id string) {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/v1/escrows", "requester", map[string]any{
		"id":       id,
		"task_ref": "task-" + id,
		"worker":   "worker",
		"amount":   100,
		"currency": "USDC",
		"deadline": time.Now().Add(24 * time.Hour),
	})
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.createEscrow("e-1")

	rec := f.do(http.MethodPost, "/api/v1/escrows/e-1/submit", "worker", submitRequest{DeliverableRef: "ipfs://out"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, escrow.StateAwaitingConfirmation, decodeBody[escrow.Escrow](t, rec).State)

	rec = f.do(http.MethodPost, "/api/v1/escrows/e-1/approve", "worker", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody[ErrorBody](t, rec)
	assert.Equal(t, string(escrow.CodeEscrowUnauthorized), body.Code)
	assert.Equal(t, "authorization", body.Kind)
	assert.Equal(t, string(escrow.StateAwaitingConfirmation), body.State)

	rec = f.do(http.MethodPost, "/api/v1/escrows/e-1/approve", "requester", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, escrow.StateCompleted, decodeBody[escrow.Escrow](t, rec).State)
	assert.EqualValues(t, 100, f.ledger.Balance("worker"))

	rec = f.do(http.MethodPost, "/api/v1/escrows/e-1/approve", "requester", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	body = decodeBody[ErrorBody](t, rec)
	assert.Equal(t, "state_conflict", body.Kind)
	assert.Equal(t, string(escrow.StateCompleted), body.State)

	rec = f.do(http.MethodGet, "/api/v1/escrows?state=completed&party=worker", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]escrow.Escrow](t, rec), 1)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/escrows", "", map[string]any{"task_ref": "t"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/escrows", bytes.NewBufferString("{not json"))
	req.Header.Set(AgentHeader, "requester")
	bad := httptest.NewRecorder()
	f.handler.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	rec = f.do(http.MethodPost, "/api/v1/escrows", "requester", map[string]any{
		"task_ref": "t", "requester": "someone-else", "amount": 1, "currency": "USDC",
		"deadline": time.Now().Add(time.Hour),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/escrows", "requester", map[string]any{
		"task_ref": "t", "amount": 0, "currency": "USDC", "deadline": time.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(escrow.CodeEscrowValidation), decodeBody[ErrorBody](t, rec).Code)

	rec = f.do(http.MethodGet, "/api/v1/escrows/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/escrows?state=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.createEscrow("e-1")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/escrows/e-1/submit", "worker", nil).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/escrows/e-1/reject", "requester", rejectRequest{Reason: "missing tests"}).Code)

	rec := f.do(http.MethodPost, "/api/v1/escrows/e-1/disputes", "worker", engine.DisputeRequest{Reason: "tests included", FeeRate: 10})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decodeBody[dispute.Dispute](t, rec)
	require.Equal(t, dispute.StatusCollecting, d.Status)
	require.NotNil(t, d.Quorum)
	members := d.Quorum.MemberIDs()
	require.Len(t, members, 3)

	votesPath := "/api/v1/disputes/" + d.ID + "/votes"
	rec = f.do(http.MethodGet, votesPath, "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(dispute.CodeVotesSealed), decodeBody[ErrorBody](t, rec).Code)

	rec = f.do(http.MethodPost, votesPath, members[0], engine.VoteRequest{VoterID: members[1], Decision: dispute.DecisionPayWorker})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	for _, m := range members[:2] {
		rec = f.do(http.MethodPost, votesPath, m, engine.VoteRequest{Decision: dispute.DecisionPayWorker, Confidence: 70})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}
	rec = f.do(http.MethodPost, votesPath, members[2], engine.VoteRequest{Decision: dispute.DecisionRefundRequester})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(dispute.CodeDisputeClosed), decodeBody[ErrorBody](t, rec).Code)

	rec = f.do(http.MethodGet, votesPath, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]dispute.Vote](t, rec), 2)

	rec = f.do(http.MethodGet, "/api/v1/disputes/"+d.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := decodeBody[dispute.Dispute](t, rec)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, dispute.DecisionPayWorker, resolved.Resolution.Decision)

	rec = f.do(http.MethodGet, "/api/v1/escrows/e-1", "", nil)
	assert.Equal(t, escrow.StateCompleted, decodeBody[escrow.Escrow](t, rec).State)
	assert.EqualValues(t, 90, f.ledger.Balance("worker"))
}

func TestPendingSettlementReturnsAccepted(t *testing.T) {
	f := newFixture(t)
	f.createEscrow("e-1")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/escrows/e-1/submit", "worker", nil).Code)

	f.ledger.FailNextDisbursements(1)
	rec := f.do(http.MethodPost, "/api/v1/escrows/e-1/approve", "requester", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	esc := decodeBody[escrow.Escrow](t, rec)
	assert.Equal(t, escrow.StateAwaitingConfirmation, esc.State)
	require.NotNil(t, esc.Pending)
	assert.Equal(t, "e-1:completed", esc.Pending.Key)

	rec = f.do(http.MethodPost, "/api/v1/escrows/e-1/settlement/retry", "operator", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, escrow.StateCompleted, decodeBody[escrow.Escrow](t, rec).State)
}

func TestRetrySelectionOverHTTP(t *testing.T) {
	policy := engine.DefaultPolicy()
	policy.SelectionRetry = engine.RetrySchedule{MaxAttempts: 1}
	f := newFixtureWith(t, 2, engine.WithPolicy(policy))
	f.createEscrow("e-1")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/escrows/e-1/submit", "worker", nil).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/escrows/e-1/reject", "requester", rejectRequest{Reason: "missing tests"}).Code)

	rec := f.do(http.MethodPost, "/api/v1/escrows/e-1/disputes", "worker", engine.DisputeRequest{Reason: "tests included", FeeRate: 10})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decodeBody[dispute.Dispute](t, rec)
	require.Equal(t, dispute.StatusEscalated, d.Status)

	retryPath := "/api/v1/disputes/" + d.ID + "/selection/retry"
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, retryPath, "", nil).Code)

	f.directory.Upsert(identity.Agent{ID: "verifier-late", Tier: 3, Active: true})
	rec = f.do(http.MethodPost, retryPath, "operator", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	retried := decodeBody[dispute.Dispute](t, rec)
	assert.Equal(t, dispute.StatusCollecting, retried.Status)
	require.NotNil(t, retried.Quorum)
	assert.Len(t, retried.Quorum.MemberIDs(), 3)

	rec = f.do(http.MethodPost, retryPath, "operator", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(dispute.CodeDisputeNotEscalated), decodeBody[ErrorBody](t, rec).Code)

	rec = f.do(http.MethodPost, "/api/v1/disputes/missing/selection/retry", "operator", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOperationalEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/tick", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeBody[tickResponse](t, rec).Fired)

	f.do(http.MethodGet, "/api/v1/escrows/unknown", "", nil)
	rec = f.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "escrow_http_requests_total")
}

func TestStatusForKinds(t *testing.T) {
	cases := map[string]int{
		"validation":     http.StatusBadRequest,
		"state_conflict": http.StatusConflict,
		"authorization":  http.StatusForbidden,
		"not_found":      http.StatusNotFound,
		"resource":       http.StatusServiceUnavailable,
		"timeout":        http.StatusServiceUnavailable,
		"internal":       http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusFor(xerrors.Kind(kind)), kind)
	}
}
