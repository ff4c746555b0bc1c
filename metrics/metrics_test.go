package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AzimPower/investpro-sub001/settlement"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCollector_Observer(t *testing.T) {
	c := New()

	c.ClaimFinished(settlement.OutcomeSettled, settlement.StageDone, 0.01)
	c.ClaimFinished(settlement.OutcomeSettled, settlement.StageDone, 0.02)
	c.ClaimFinished(settlement.OutcomeDeclined, settlement.StageValidating, 0.001)
	c.CommissionLeg(settlement.LegPaid)
	c.StageFailed(settlement.StageCreditingClaimant)
	c.Resumed(settlement.StageCreditingClaimant)
	c.PendingEnqueued()
	c.PendingResolved()

	body := scrape(t, c)
	assert.Contains(t, body, `settlement_claims_total{outcome="settled",stage="done"} 2`)
	assert.Contains(t, body, `settlement_claims_total{outcome="declined",stage="validating"} 1`)
	assert.Contains(t, body, `settlement_commissions_legs_total{status="paid"} 1`)
	assert.Contains(t, body, `settlement_claims_stage_failures_total{stage="crediting_claimant"} 1`)
	assert.Contains(t, body, `settlement_claims_resumed_total{stage="crediting_claimant"} 1`)
	assert.Contains(t, body, "settlement_pending_enqueued_total 1")
	assert.Contains(t, body, "settlement_pending_resolved_total 1")
	assert.Contains(t, body, `settlement_claims_duration_seconds_count{outcome="settled"} 2`)
}

func TestCollector_ObserveStoreCall(t *testing.T) {
	c := New()
	c.ObserveStoreCall("get_user", 0.01, nil)
	c.ObserveStoreCall("get_user", 0.01, settlement.ErrStoreUnavailable)
	c.ObserveStoreCall("get_user", 0.01, settlement.ErrUserNotFound)

	body := scrape(t, c)
	assert.Contains(t, body, `settlement_record_store_requests_total{op="get_user",result="ok"} 1`)
	assert.Contains(t, body, `settlement_record_store_requests_total{op="get_user",result="unavailable"} 1`)
	assert.Contains(t, body, `settlement_record_store_requests_total{op="get_user",result="error"} 1`)
}

func TestCollector_InstrumentHandlerUsesRoutePattern(t *testing.T) {
	c := New()
	r := chi.NewRouter()
	r.Use(c.InstrumentHandler)
	r.Get("/api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/U", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	assert.Contains(t, scrape(t, c), `settlement_http_requests_total{method="GET",path="/api/users/{id}",status="418"} 1`)
}
