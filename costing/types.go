/*
Package costing computes weighted-average material and production costs for
a production task.

PURPOSE:
  Material prices come from several places: batches assigned directly to a
  task, ingredient links carrying the unit price of the batch they were
  taken from, and purchase-order reservations still waiting to arrive. The
  engine blends them per material into one quantity-weighted unit price and
  rolls material and labor costs up to per-task and per-unit totals.

KEY CONCEPTS IN THIS FILE (types.go):
  - Input: the normalized cost input, built once at the boundary
  - PriceSource: one priced quantity feeding a material's weighted price
  - CostSummary: the result, cached by Calculator

ROUNDING:
  Every monetary value is rounded to ledger.MoneyPlaces (4) decimal places
  so repeated recomputation never accumulates drift.

SEE ALSO:
  - engine.go: The calculation
  - calculator.go: TTL cache and fingerprint
*/
package costing

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/mixing-engine/ledger"
)

// =============================================================================
// INPUT
// =============================================================================

// Material is one raw material of the recipe. Quantity is per produced unit.
type Material struct {
	ID          ledger.MaterialID
	Name        string
	Quantity    decimal.Decimal
	Unit        string
	ListedPrice decimal.Decimal
}

// PriceSource is a priced quantity of one material: a legacy batch
// assignment or an ingredient link's snapshot price.
type PriceSource struct {
	// Key identifies the source in the fingerprint, e.g. "batch:<mat>:<no>"
	// or "link:<id>".
	Key        string
	MaterialID ledger.MaterialID
	Quantity   decimal.Decimal
	UnitPrice  decimal.Decimal
}

// Input is everything a cost calculation reads.
type Input struct {
	TaskID    ledger.TaskID
	Materials []Material
	Batches   []PriceSource

	// QuantityOverrides replaces Material.Quantity for the listed materials.
	QuantityOverrides map[ledger.MaterialID]decimal.Decimal

	// Included flags materials in or out of the cost. Missing means included.
	Included map[ledger.MaterialID]bool

	POReservations []ledger.POReservation

	RequiredQuantity  decimal.Decimal
	ProducedQuantity  decimal.Decimal
	LaborCost         decimal.Decimal
	ConsumedMaterials int

	// Revision is an opaque counter the caller bumps when priced data
	// changes in a way the other fields do not show.
	Revision uint64
}

func (in Input) included(id ledger.MaterialID) bool {
	flag, ok := in.Included[id]
	return !ok || flag
}

func (in Input) validate() error {
	switch {
	case in.RequiredQuantity.IsNegative():
		return ledger.NewValidationError("required_quantity", "must not be negative, got %s", in.RequiredQuantity)
	case in.ProducedQuantity.IsNegative():
		return ledger.NewValidationError("produced_quantity", "must not be negative, got %s", in.ProducedQuantity)
	case in.LaborCost.IsNegative():
		return ledger.NewValidationError("labor_cost", "must not be negative, got %s", in.LaborCost)
	}
	for id, q := range in.QuantityOverrides {
		if q.IsNegative() {
			return ledger.NewValidationError("quantity_override", "material %s: must not be negative, got %s", id, q)
		}
	}
	return nil
}

// =============================================================================
// RESULT
// =============================================================================

type MaterialCost struct {
	MaterialID ledger.MaterialID `json:"material_id"`
	Name       string            `json:"name"`

	// Quantity is the per-unit quantity used, after overrides.
	Quantity          decimal.Decimal `json:"quantity"`
	Unit              string          `json:"unit"`
	WeightedUnitPrice decimal.Decimal `json:"weighted_unit_price"`
	PricedQuantity    decimal.Decimal `json:"priced_quantity"`
	Cost              decimal.Decimal `json:"cost"`
	Excluded          bool            `json:"excluded"`

	// FromListedPrice is set when no priced quantity existed.
	FromListedPrice bool `json:"from_listed_price"`
}

type CostSummary struct {
	TaskID    ledger.TaskID  `json:"task_id"`
	Materials []MaterialCost `json:"materials"`

	TotalMaterialCost   decimal.Decimal `json:"total_material_cost"`
	UnitMaterialCost    decimal.Decimal `json:"unit_material_cost"`
	LaborCost           decimal.Decimal `json:"labor_cost"`
	TotalProductionCost decimal.Decimal `json:"total_production_cost"`
	UnitProductionCost  decimal.Decimal `json:"unit_production_cost"`

	// Denominator is the quantity unit costs were divided by.
	Denominator decimal.Decimal `json:"denominator"`

	Fingerprint  uint64    `json:"fingerprint"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// Material returns the line for id, if present.
func (s *CostSummary) Material(id ledger.MaterialID) (MaterialCost, bool) {
	for _, m := range s.Materials {
		if m.MaterialID == id {
			return m, true
		}
	}
	return MaterialCost{}, false
}
