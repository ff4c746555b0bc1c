/*
scenarios.go - Demo fixtures for testing and demonstrations

PURPOSE:

	Provides pre-built referral chains that populate a local store so the
	claim flow can be exercised end to end with curl.

AVAILABLE SCENARIOS:

	referral-chain:  U -> S1 -> S2, one active lot position for U.
	                 Claiming 1000 pays S1 50 and S2 20.
	deep-chain:      U -> S1 -> S2 -> S3. S3 is past the cascade depth and
	                 receives nothing.
	broken-chain:    U's sponsor does not exist. The claimant is credited
	                 and no commission is paid.
	inactive-lot:    U holds an inactive position and an active one.

HOW SCENARIOS WORK:
 1. Reset the local store (clear all data)
 2. Create users with their referredBy links
 3. Create lot positions

USAGE VIA API:

	POST /api/scenarios/referral-chain
	POST /api/scenarios/load {"scenario_id": "deep-chain"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.
	They need a local store; with STORE_DRIVER=remote they answer 409.

SEE ALSO:
  - handlers.go: claim endpoint
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/AzimPower/investpro-sub001/settlement"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	users     []settlement.User
	positions []settlement.LotPosition
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "referral-chain",
			Name:        "Two-level referral chain",
			Description: "U referred by S1, S1 referred by S2. Claim 1000 on pos-u: S1 earns 50, S2 earns 20.",
		},
		users: []settlement.User{
			{ID: "U", ReferredBy: "S1"},
			{ID: "S1", ReferredBy: "S2"},
			{ID: "S2"},
		},
		positions: []settlement.LotPosition{
			{ID: "pos-u", UserID: "U", LotID: "lot-1", Active: true},
			{ID: "pos-s1", UserID: "S1", LotID: "lot-1", Active: true},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "deep-chain",
			Name:        "Chain deeper than the cascade",
			Description: "U -> S1 -> S2 -> S3. Only the first two sponsors are paid.",
		},
		users: []settlement.User{
			{ID: "U", ReferredBy: "S1"},
			{ID: "S1", ReferredBy: "S2"},
			{ID: "S2", ReferredBy: "S3"},
			{ID: "S3"},
		},
		positions: []settlement.LotPosition{
			{ID: "pos-u", UserID: "U", LotID: "lot-1", Active: true},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "broken-chain",
			Name:        "Missing sponsor",
			Description: "U references a sponsor that does not exist. U is credited, no commission is paid.",
		},
		users: []settlement.User{
			{ID: "U", ReferredBy: "ghost"},
		},
		positions: []settlement.LotPosition{
			{ID: "pos-u", UserID: "U", LotID: "lot-1", Active: true},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "inactive-lot",
			Name:        "Inactive position",
			Description: "U holds pos-u-old (inactive, declined) and pos-u (active).",
		},
		users: []settlement.User{
			{ID: "U", ReferredBy: "S1"},
			{ID: "S1"},
		},
		positions: []settlement.LotPosition{
			{ID: "pos-u-old", UserID: "U", LotID: "lot-0", Active: false},
			{ID: "pos-u", UserID: "U", LotID: "lot-1", Active: true},
		},
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns the available fixtures.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario loads the scenario named in the body.
// POST /api/scenarios/load {"scenario_id": "..."}
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	h.loadScenario(w, r, req.ScenarioID)
}

// LoadScenarioByID loads the scenario named in the path.
// POST /api/scenarios/{id}
func (h *Handler) LoadScenarioByID(w http.ResponseWriter, r *http.Request) {
	h.loadScenario(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) loadScenario(w http.ResponseWriter, r *http.Request, id string) {
	if h.Local == nil {
		writeError(w, http.StatusConflict, "Scenarios need a local store", nil)
		return
	}
	s, ok := findScenario(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario: "+id, nil)
		return
	}

	if err := h.seed(r.Context(), s); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.Log.WithField("scenario", s.ID).Info("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": s.ID,
	})
}

// ResetStore clears the local store.
// POST /api/scenarios/reset
func (h *Handler) ResetStore(w http.ResponseWriter, r *http.Request) {
	if h.Local == nil {
		writeError(w, http.StatusConflict, "Reset needs a local store", nil)
		return
	}
	if err := h.Local.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) seed(ctx context.Context, s scenario) error {
	if err := h.Local.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	for _, u := range s.users {
		if err := h.Local.SaveUser(ctx, u); err != nil {
			return fmt.Errorf("user %s: %w", u.ID, err)
		}
	}
	for _, p := range s.positions {
		if err := h.Local.SaveLotPosition(ctx, p); err != nil {
			return fmt.Errorf("lot position %s: %w", p.ID, err)
		}
	}
	return nil
}
