/*
Package ledger provides the ingredient-to-reservation link ledger.

PURPOSE:
  A production task's mixing plan lists raw-material ingredients. Each
  ingredient is satisfied by linking it to one or more warehouse batch
  reservations. This package owns those links and the only code path that
  changes a reservation's linked counter.

KEY CONCEPTS IN THIS FILE (types.go):
  - Identifiers: typed IDs so task, ingredient, reservation and link IDs
    cannot be mixed up
  - Source: where a reservation comes from (standard batch or purchase order)
  - Quantity helpers over decimal.Decimal

DESIGN PRINCIPLES:
  1. Precision: every quantity and price is a decimal.Decimal
  2. Single writer: Reservation.LinkedQuantity changes only through Ledger
  3. History: links carry an immutable batch snapshot taken at link time

SEE ALSO:
  - reservation.go: Reservation and POReservation
  - link.go: Link and BatchSnapshot
  - ledger.go: CreateLink / Unlink / RecordConsumption
  - matcher.go: candidate reservation matching
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TaskID string
type IngredientID string
type ReservationID string
type LinkID string
type MaterialID string
type ActorID string

// =============================================================================
// RESERVATION SOURCE
// =============================================================================

type Source string

const (
	SourceStandard      Source = "standard"       // Batch reservation from stock
	SourcePurchaseOrder Source = "purchase-order" // Reservation against an open purchase order
)

func (s Source) Valid() bool {
	return s == SourceStandard || s == SourcePurchaseOrder
}

// =============================================================================
// QUANTITY HELPERS
// =============================================================================

// MoneyPlaces is the rounding applied to every monetary result.
const MoneyPlaces = 4

func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// FloorZero returns d, or zero when d is negative.
func FloorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
