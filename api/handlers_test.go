/*
handlers_test.go - HTTP tests for the claim, user and admin endpoints

Tests for:
- Claim settles the referral chain and declines a same-day replay
- Error mapping of validation, not-found and unavailable failures
- Pending queue listing and on-demand retry
- Scenarios, health and metrics endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AzimPower/investpro-sub001/metrics"
	"github.com/AzimPower/investpro-sub001/settlement"
	"github.com/AzimPower/investpro-sub001/settlement/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var claimTime = time.Date(2025, time.March, 10, 14, 0, 0, 0, time.UTC)

type testServer struct {
	mem     *store.Memory
	coord   *settlement.Coordinator
	metrics *metrics.Collector
	router  http.Handler
}

// newTestServer wires a handler over local; a nil local uses a fresh
// memory store.
func newTestServer(t *testing.T, local LocalStore) *testServer {
	t.Helper()
	mem := store.NewMemory()
	if local == nil {
		local = mem
	}
	coord := settlement.NewCoordinator(settlement.CoordinatorConfig{
		Store:   local,
		Pending: local,
		Retry:   settlement.RetryPolicy{MaxAttempts: 3},
		Clock:   settlement.FixedClock{At: claimTime},
	})
	collector := metrics.New()
	h := NewHandler(HandlerConfig{
		Coordinator: coord,
		Store:       local,
		Pending:     local,
		Local:       local,
	})
	return &testServer{
		mem:     mem,
		coord:   coord,
		metrics: collector,
		router:  NewRouter(h, RouterOptions{Metrics: collector}),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func claimBody(user, pos, amount string) ClaimRequest {
	return ClaimRequest{UserID: user, LotPositionID: pos, Amount: decimal.RequireFromString(amount)}
}

func (s *testServer) loadReferralChain(t *testing.T) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/scenarios/referral-chain", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (s *testServer) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/api/users/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[UserDTO](t, rec).Balance
}

// =============================================================================
// CLAIMS
// =============================================================================

func TestClaim_SettlesReferralChain(t *testing.T) {
	s := newTestServer(t, nil)
	s.loadReferralChain(t)

	rec := s.do(t, http.MethodPost, "/api/claims", claimBody("U", "pos-u", "1000"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[ClaimResponse](t, rec)
	assert.Equal(t, "done", resp.Stage)
	assert.Equal(t, "2025-03-10", resp.ClaimDay)
	assert.NotEmpty(t, resp.EarningTransactionID)
	assert.False(t, resp.CommissionsPending)
	assert.False(t, resp.Resumed)
	require.Len(t, resp.Commissions, 2)
	assert.Equal(t, "S1", resp.Commissions[0].RecipientID)
	assert.True(t, resp.Commissions[0].Amount.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, settlement.LegPaid, resp.Commissions[0].Status)
	assert.Equal(t, "S2", resp.Commissions[1].RecipientID)
	assert.True(t, resp.Commissions[1].Amount.Equal(decimal.NewFromInt(20)))

	assert.True(t, s.balance(t, "U").Equal(decimal.NewFromInt(1000)))
	assert.True(t, s.balance(t, "S1").Equal(decimal.NewFromInt(50)))
	assert.True(t, s.balance(t, "S2").Equal(decimal.NewFromInt(20)))

	rec = s.do(t, http.MethodGet, "/api/users/S1/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decode[[]TransactionDTO](t, rec)
	require.Len(t, txs, 1)
	assert.Equal(t, "commission", txs[0].Type)

	for _, id := range []string{"U", "S1", "S2"} {
		rec = s.do(t, http.MethodGet, "/api/users/"+id+"/audit", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decode[AuditDTO](t, rec).Consistent, id)
	}
}

func TestClaim_SecondClaimSameDayConflicts(t *testing.T) {
	s := newTestServer(t, nil)
	s.loadReferralChain(t)

	rec := s.do(t, http.MethodPost, "/api/claims", claimBody("U", "pos-u", "1000"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/claims", claimBody("U", "pos-u", "1000"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_claimed_today", decode[ErrorResponse](t, rec).Code)

	assert.True(t, s.balance(t, "U").Equal(decimal.NewFromInt(1000)))
	assert.True(t, s.balance(t, "S1").Equal(decimal.NewFromInt(50)))
}

func TestClaim_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"negative amount", claimBody("U", "pos-u", "-5"), http.StatusBadRequest, "invalid_amount"},
		{"zero amount", claimBody("U", "pos-u", "0"), http.StatusBadRequest, "invalid_amount"},
		{"missing ids", claimBody("", "", "10"), http.StatusBadRequest, "validation_failed"},
		{"unknown user", claimBody("ghost", "pos-u", "10"), http.StatusNotFound, "user_not_found"},
		{"unknown position", claimBody("U", "pos-x", "10"), http.StatusNotFound, "lot_position_not_found"},
		{"someone else's position", claimBody("S1", "pos-u", "10"), http.StatusUnprocessableEntity, "ownership_mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			s.loadReferralChain(t)

			rec := s.do(t, http.MethodPost, "/api/claims", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestClaim_InactiveLotIsUnprocessable(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "inactive-lot"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/claims", claimBody("U", "pos-u-old", "10"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "lot_inactive", decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/claims", claimBody("U", "pos-u", "10"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClaim_MalformedBody(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/claims", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClaim_StoreUnavailableIsRetryable(t *testing.T) {
	s := newTestServer(t, nil)
	s.loadReferralChain(t)
	s.mem.FailNext(store.OpGetUser, 3)

	rec := s.do(t, http.MethodPost, "/api/claims", claimBody("U", "pos-u", "1000"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "settlement_incomplete", decode[ErrorResponse](t, rec).Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// the replay goes through once the store is back
	rec = s.do(t, http.MethodPost, "/api/claims", claimBody("U", "pos-u", "1000"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// ADMIN
// =============================================================================

// flakySponsor fails S1's balance writes a set number of times.
type flakySponsor struct {
	*store.Memory
	mu       sync.Mutex
	failures int
}

func (f *flakySponsor) UpdateUser(ctx context.Context, u settlement.UserUpdate) error {
	f.mu.Lock()
	fail := u.ID == "S1" && f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return settlement.ErrStoreUnavailable
	}
	return f.Memory.UpdateUser(ctx, u)
}

func TestAdmin_PendingCommissionIsRetriedOnDemand(t *testing.T) {
	flaky := &flakySponsor{Memory: store.NewMemory()}
	s := newTestServer(t, flaky)
	s.loadReferralChain(t)
	flaky.failures = 3

	rec := s.do(t, http.MethodPost, "/api/claims", claimBody("U", "pos-u", "1000"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ClaimResponse](t, rec)
	assert.True(t, resp.CommissionsPending)
	assert.NotEmpty(t, resp.PendingReason)

	rec = s.do(t, http.MethodGet, "/api/admin/commissions/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[[]PendingCascadeDTO](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, resp.EarningTransactionID, pending[0].SourceTransactionID)
	assert.Equal(t, "2025-03-10", pending[0].ClaimDay)

	rec = s.do(t, http.MethodPost, "/api/admin/commissions/retry", RetryRequest{Limit: 10})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, RetrySummaryDTO{Attempted: 1, Resolved: 1}, decode[RetrySummaryDTO](t, rec))

	assert.True(t, s.balance(t, "S1").Equal(decimal.NewFromInt(50)))
	assert.True(t, s.balance(t, "S2").Equal(decimal.NewFromInt(20)))

	rec = s.do(t, http.MethodGet, "/api/admin/commissions/pending", nil)
	assert.Empty(t, decode[[]PendingCascadeDTO](t, rec))
}

func TestAdmin_PendingLimitValidation(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/api/admin/commissions/pending?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_RetryWithoutBody(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/commissions/retry", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, RetrySummaryDTO{}, decode[RetrySummaryDTO](t, rec))
}

// =============================================================================
// SCENARIOS, HEALTH, METRICS
// =============================================================================

func TestScenarios_ListAndUnknown(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]ScenarioDTO](t, rec)
	assert.Len(t, list, len(scenarios))
	assert.Equal(t, "referral-chain", list[0].ID)

	rec = s.do(t, http.MethodPost, "/api/scenarios/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScenarios_ReloadResetsState(t *testing.T) {
	s := newTestServer(t, nil)
	s.loadReferralChain(t)
	rec := s.do(t, http.MethodPost, "/api/claims", claimBody("U", "pos-u", "1000"))
	require.Equal(t, http.StatusOK, rec.Code)

	s.loadReferralChain(t)
	assert.True(t, s.balance(t, "U").IsZero())

	rec = s.do(t, http.MethodPost, "/api/claims", claimBody("U", "pos-u", "1000"))
	assert.Equal(t, http.StatusOK, rec.Code, "claim date was reset with the store")
}

func TestScenarios_NeedLocalStore(t *testing.T) {
	mem := store.NewMemory()
	coord := settlement.NewCoordinator(settlement.CoordinatorConfig{Store: mem})
	router := NewRouter(NewHandler(HandlerConfig{Coordinator: coord, Store: mem}), RouterOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scenarios/referral-chain", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/store/users/U", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "store protocol is not mounted")
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	s.loadReferralChain(t)
	s.do(t, http.MethodPost, "/api/claims", claimBody("U", "pos-u", "1000"))

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `settlement_http_requests_total{method="POST",path="/api/claims",status="200"} 1`)
}

func TestHealth_Unhealthy(t *testing.T) {
	mem := store.NewMemory()
	coord := settlement.NewCoordinator(settlement.CoordinatorConfig{Store: mem})
	router := NewRouter(NewHandler(HandlerConfig{Coordinator: coord, Store: mem}), RouterOptions{
		Health: func(context.Context) error { return settlement.ErrStoreUnavailable },
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{settlement.ErrAlreadyClaimedToday, http.StatusConflict},
		{&settlement.DeclineError{Reason: settlement.DeclineLotInactive}, http.StatusUnprocessableEntity},
		{settlement.ErrInsufficientBalance, http.StatusBadRequest},
		{&settlement.StageError{Stage: settlement.StageCreditingClaimant, Err: settlement.ErrSettlementIncomplete}, http.StatusServiceUnavailable},
		{settlement.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{settlement.ErrLotPositionNotFound, http.StatusNotFound},
		{context.Canceled, http.StatusServiceUnavailable},
		{settlement.ErrInconsistentState, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := statusFor(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}
