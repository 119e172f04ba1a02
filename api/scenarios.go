/*
scenarios.go - Demo data sets for testing and demonstrations

PURPOSE:

	Replaces the ledger contents with a small, known history so a fresh
	install (or a UI under development) has something to reconcile. Every
	connected client sees the load through the change feed like any other
	write.

AVAILABLE SCENARIOS:

	weekend-trip:   Shared costs only, second participant owes the first
	settled-month:  Expenses followed by a reimbursement that settles them
	overpaid:       A reimbursement larger than the debt, so the debt flips
	empty:          No events

HOW SCENARIOS WORK:
 1. Delete every event (one reset notification)
 2. Insert the scenario's events, oldest first (one insert each)

NOTE:

	Loading is not atomic. A store failure half way leaves a partial
	history; load again to recover.

SEE ALSO:
  - handlers.go: ResetEvents
  - cmd/splitctl/cmd/commands.go: demo command
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/shared-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// scenarioEvent is one row of a scenario. first selects the pair's first
// participant, otherwise the second.
type scenarioEvent struct {
	first  bool
	kind   ledger.Kind
	amount string
}

type scenario struct {
	ScenarioDTO
	events []scenarioEvent
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "weekend-trip",
			Name:        "Weekend Trip",
			Description: "Hotel, dinners and taxis paid by both; nothing reimbursed yet",
		},
		events: []scenarioEvent{
			{true, ledger.KindShared, "1200"},
			{false, ledger.KindShared, "450"},
			{true, ledger.KindShared, "180"},
			{false, ledger.KindShared, "90"},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "settled-month",
			Name:        "Settled Month",
			Description: "A month of groceries closed by a single reimbursement",
		},
		events: []scenarioEvent{
			{true, ledger.KindShared, "800"},
			{false, ledger.KindShared, "300"},
			{false, ledger.KindReimbursement, "250"},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "overpaid",
			Name:        "Overpaid",
			Description: "The debtor transfers more than owed and becomes the creditor",
		},
		events: []scenarioEvent{
			{true, ledger.KindShared, "100"},
			{false, ledger.KindReimbursement, "80"},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "empty",
			Name:        "Empty",
			Description: "No events",
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

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario replaces every event with a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	n, err := h.loadScenario(r.Context(), s, time.Now().UTC())
	if err != nil {
		h.writeStoreError(w, "Failed to load scenario", err)
		return
	}

	h.Logger.Info("scenario loaded", "scenario", s.ID, "events", n)
	writeJSON(w, http.StatusOK, LoadScenarioResponse{Scenario: s.ID, Events: n})
}

// loadScenario spaces the events one hour apart, ending at now.
func (h *Handler) loadScenario(ctx context.Context, s scenario, now time.Time) (int, error) {
	if err := h.Store.DeleteAll(ctx); err != nil {
		return 0, err
	}

	pair := h.Classifier.Pair()
	start := now.Add(-time.Duration(len(s.events)) * time.Hour)
	for i, se := range s.events {
		p := pair.Second
		if se.first {
			p = pair.First
		}
		e := ledger.NewEvent{
			Amount:      decimal.RequireFromString(se.amount),
			Participant: p,
			Kind:        se.kind,
			Timestamp:   start.Add(time.Duration(i+1) * time.Hour),
		}
		if _, err := h.Store.Insert(ctx, e); err != nil {
			return i, err
		}
	}
	return len(s.events), nil
}
