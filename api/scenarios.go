/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates a production task with
	its mixing plan, the reservations inventory made for it and, optionally,
	purchase-order reservations and existing links.

AVAILABLE SCENARIOS:

	citric-acid:      One ingredient, one 12 kg batch, nothing linked yet
	partial-links:    Two batches, one already linked and partly consumed
	purchase-orders:  Costing from linked batches plus open purchase orders

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create the task
 3. Save reservations and purchase-order reservations as inventory would
 4. Optionally link and consume through the ledger

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "citric-acid"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase handler
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/mixing-engine/ledger"
	"github.com/warp/mixing-engine/mixplan"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "citric-acid",
		Name:        "Citric Acid",
		Description: "One ingredient needing 12 kg and one 12 kg batch reservation",
	},
	{
		ID:          "partial-links",
		Name:        "Partial Links",
		Description: "Two sugar batches, one linked and partly consumed",
	},
	{
		ID:          "purchase-orders",
		Name:        "Purchase Orders",
		Description: "Weighted material cost over a linked batch and an open purchase order",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		writeDomainError(w, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	loaders := map[string]func(context.Context) error{
		"citric-acid":     h.loadCitricAcidScenario,
		"partial-links":   h.loadPartialLinksScenario,
		"purchase-orders": h.loadPurchaseOrdersScenario,
	}
	load, ok := loaders[id]
	if !ok {
		return ledger.NewValidationError("scenario_id", "unknown scenario %q", id)
	}

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	h.dropCostViews()
	if err := load(ctx); err != nil {
		return fmt.Errorf("scenario %s: %w", id, err)
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.log.Infow("scenario loaded", "scenario_id", id)
	return nil
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadCitricAcidScenario(ctx context.Context) error {
	task := newScenarioTask("task-lemon", "Lemon syrup", "120",
		scenarioIngredient{id: "ing-citric", name: "Citric Acid", quantity: "12 kg", material: "mat-citric"},
	)
	task.Materials = []mixplan.MaterialRequirement{
		{ID: "mat-citric", Name: "Citric Acid", Quantity: dec("0.1"), Unit: "kg", UnitPrice: dec("2.8")},
	}
	if err := h.Store.CreateTask(ctx, task); err != nil {
		return err
	}

	return h.Store.SaveReservation(ctx, scenarioReservation("res-citric-041", task.ID, "mat-citric", "Citric Acid", "B-2026-041", "12", "2.5"))
}

func (h *Handler) loadPartialLinksScenario(ctx context.Context) error {
	task := newScenarioTask("task-candy", "Hard candy", "400",
		scenarioIngredient{id: "ing-sugar", name: "Sugar (RAWGW)", quantity: "40 kg", material: "mat-sugar"},
		scenarioIngredient{id: "ing-glucose", name: "Glucose syrup", quantity: "15 kg", material: "mat-glucose"},
	)
	task.Materials = []mixplan.MaterialRequirement{
		{ID: "mat-sugar", Name: "Sugar", Quantity: dec("0.1"), Unit: "kg", UnitPrice: dec("1.1")},
		{ID: "mat-glucose", Name: "Glucose syrup", Quantity: dec("0.0375"), Unit: "kg", UnitPrice: dec("1.9")},
	}
	task.LaborCost = dec("80")
	if err := h.Store.CreateTask(ctx, task); err != nil {
		return err
	}

	for _, r := range []ledger.Reservation{
		scenarioReservation("res-sugar-a", task.ID, "mat-sugar", "Sugar", "S-118", "25", "0.95"),
		scenarioReservation("res-sugar-b", task.ID, "mat-sugar", "Sugar", "S-121", "25", "1.05"),
		scenarioReservation("res-glucose", task.ID, "mat-glucose", "Glucose syrup", "G-007", "20", "1.8"),
	} {
		if err := h.Store.SaveReservation(ctx, r); err != nil {
			return err
		}
	}

	link, err := h.Ledger.CreateLink(ctx, ledger.CreateLinkRequest{
		TaskID: task.ID, IngredientID: "ing-sugar", ReservationID: "res-sugar-a",
		Source: ledger.SourceStandard, Quantity: dec("25"), ActorID: "scenario",
	})
	if err != nil {
		return err
	}
	_, err = h.Ledger.RecordConsumption(ctx, link.ID, dec("10"))
	return err
}

func (h *Handler) loadPurchaseOrdersScenario(ctx context.Context) error {
	task := newScenarioTask("task-jam", "Strawberry jam", "200",
		scenarioIngredient{id: "ing-pectin", name: "Pectin", quantity: "3 kg", material: "mat-pectin"},
	)
	task.Materials = []mixplan.MaterialRequirement{
		{ID: "mat-pectin", Name: "Pectin", Quantity: dec("0.015"), Unit: "kg", UnitPrice: dec("12")},
	}
	if err := h.Store.CreateTask(ctx, task); err != nil {
		return err
	}

	if err := h.Store.SaveReservation(ctx, scenarioReservation("res-pectin", task.ID, "mat-pectin", "Pectin", "P-552", "2", "10")); err != nil {
		return err
	}
	for _, po := range []ledger.POReservation{
		{ID: "po-pectin-open", TaskID: task.ID, MaterialID: "mat-pectin", Status: ledger.POPending,
			ReservedQuantity: dec("2"), ConvertedQuantity: decimal.Zero, UnitPrice: dec("14")},
		{ID: "po-pectin-cancelled", TaskID: task.ID, MaterialID: "mat-pectin", Status: ledger.POCancelled,
			ReservedQuantity: dec("5"), ConvertedQuantity: decimal.Zero, UnitPrice: dec("30")},
	} {
		if err := h.Store.SavePOReservation(ctx, po); err != nil {
			return err
		}
	}

	_, err := h.Ledger.CreateLink(ctx, ledger.CreateLinkRequest{
		TaskID: task.ID, IngredientID: "ing-pectin", ReservationID: "res-pectin",
		Source: ledger.SourceStandard, Quantity: dec("2"), ActorID: "scenario",
	})
	return err
}

// =============================================================================
// BUILDERS
// =============================================================================

type scenarioIngredient struct {
	id, name, quantity string
	material           ledger.MaterialID
}

func newScenarioTask(id ledger.TaskID, name, required string, ingredients ...scenarioIngredient) *mixplan.ProductionTask {
	created := time.Now().UTC().Truncate(time.Second)
	headerID := string(id) + "-mix-1"
	plan := []mixplan.MixingPlanItem{
		{ID: headerID, Kind: mixplan.KindHeader, Name: "Mixing 1", Details: required + " pcs", CreatedAt: &created},
	}
	for _, ing := range ingredients {
		plan = append(plan, mixplan.MixingPlanItem{
			ID: ing.id, Kind: mixplan.KindIngredient, ParentID: headerID,
			Name: ing.name, Quantity: ing.quantity, MaterialID: ing.material, CreatedAt: &created,
		})
	}
	plan = append(plan, mixplan.MixingPlanItem{
		ID: string(id) + "-check-1", Kind: mixplan.KindCheck, ParentID: headerID, Name: "Weights verified", CreatedAt: &created,
	})

	return &mixplan.ProductionTask{
		ID:               id,
		Name:             name,
		RequiredQuantity: dec(required),
		MixingPlan:       plan,
		UpdatedAt:        created,
	}
}

func scenarioReservation(id ledger.ReservationID, taskID ledger.TaskID, material ledger.MaterialID, name, batch, reserved, price string) ledger.Reservation {
	expiry := time.Now().UTC().AddDate(1, 0, 0).Truncate(24 * time.Hour)
	return ledger.Reservation{
		ID:               id,
		TaskID:           taskID,
		MaterialID:       material,
		MaterialName:     name,
		BatchNumber:      batch,
		ReservedQuantity: dec(reserved),
		LinkedQuantity:   decimal.Zero,
		Unit:             "kg",
		Warehouse:        "Main",
		ExpiryDate:       &expiry,
		Source:           ledger.SourceStandard,
		UnitPrice:        dec(price),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
