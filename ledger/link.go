package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BATCH SNAPSHOT - Immutable copy taken at link time
// =============================================================================

// BatchSnapshot keeps link history readable after the reservation it came
// from is changed or removed by the inventory subsystem.
type BatchSnapshot struct {
	BatchNumber  string
	Unit         string
	MaterialID   MaterialID
	MaterialName string
	Warehouse    string
	ExpiryDate   *time.Time
	UnitPrice    decimal.Decimal
}

// =============================================================================
// LINK - Ingredient requirement tied to one reservation
// =============================================================================

// Link ties one ingredient of a task to one reservation for a quantity.
//
// INVARIANTS:
//   - 0 <= ConsumedQuantity <= LinkedQuantity
//   - ConsumedQuantity never decreases
//   - LinkedQuantity is fixed at creation
type Link struct {
	ID               LinkID
	TaskID           TaskID
	IngredientID     IngredientID
	ReservationID    ReservationID
	Source           Source
	LinkedQuantity   decimal.Decimal
	ConsumedQuantity decimal.Decimal
	Snapshot         BatchSnapshot

	CreatedBy ActorID
	CreatedAt time.Time
}

func (l Link) Remaining() decimal.Decimal {
	return l.LinkedQuantity.Sub(l.ConsumedQuantity)
}

func (l Link) IsFullyConsumed() bool {
	return !l.Remaining().IsPositive()
}

// ConsumptionPercentage is consumed/linked*100, or 0 for an empty link.
func (l Link) ConsumptionPercentage() decimal.Decimal {
	if l.LinkedQuantity.IsZero() {
		return decimal.Zero
	}
	return l.ConsumedQuantity.Div(l.LinkedQuantity).Mul(decimal.NewFromInt(100))
}

// LinkedTotal sums LinkedQuantity over links.
func LinkedTotal(links []Link) decimal.Decimal {
	total := decimal.Zero
	for _, l := range links {
		total = total.Add(l.LinkedQuantity)
	}
	return total
}

// ReservationIDs returns the distinct reservation IDs referenced by links.
func ReservationIDs(links []Link) []ReservationID {
	seen := make(map[ReservationID]bool)
	var ids []ReservationID
	for _, l := range links {
		if !seen[l.ReservationID] {
			seen[l.ReservationID] = true
			ids = append(ids, l.ReservationID)
		}
	}
	return ids
}

// =============================================================================
// LINK EVENTS - Emitted after every successful mutation
// =============================================================================

type LinkOp string

const (
	LinkCreated  LinkOp = "created"
	LinkRemoved  LinkOp = "removed"
	LinkConsumed LinkOp = "consumed"
)

type LinkEvent struct {
	Op            LinkOp          `json:"op"`
	TaskID        TaskID          `json:"task_id"`
	IngredientID  IngredientID    `json:"ingredient_id"`
	LinkID        LinkID          `json:"link_id"`
	ReservationID ReservationID   `json:"reservation_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	ActorID       ActorID         `json:"actor_id,omitempty"`
	At            time.Time       `json:"at"`
}
