package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RESERVATION - Claim on a warehouse batch
// =============================================================================

// Reservation is owned by the inventory subsystem. The ledger only moves
// LinkedQuantity up and down; it never creates or deletes reservations.
//
// INVARIANT: 0 <= LinkedQuantity <= ReservedQuantity
type Reservation struct {
	ID               ReservationID
	TaskID           TaskID
	MaterialID       MaterialID
	MaterialName     string
	BatchNumber      string
	ReservedQuantity decimal.Decimal
	LinkedQuantity   decimal.Decimal
	Unit             string
	Warehouse        string
	ExpiryDate       *time.Time
	Source           Source
	UnitPrice        decimal.Decimal

	// Version is bumped on every LinkedQuantity change (compare-and-swap).
	Version int64
}

// Available is ReservedQuantity - LinkedQuantity.
func (r Reservation) Available() decimal.Decimal {
	return r.ReservedQuantity.Sub(r.LinkedQuantity)
}

// IsVirtual reports whether r is a display-only snapshot of links already
// made. Virtual reservations are never link targets.
func (r Reservation) IsVirtual() bool {
	return r.ReservedQuantity.Equal(r.LinkedQuantity)
}

// IsReal is the negation of IsVirtual for reservations with room left.
func (r Reservation) IsReal() bool {
	return r.ReservedQuantity.GreaterThan(r.LinkedQuantity)
}

// Snapshot captures the descriptive fields of r for a new link.
func (r Reservation) Snapshot() BatchSnapshot {
	s := BatchSnapshot{
		BatchNumber:  r.BatchNumber,
		Unit:         r.Unit,
		MaterialID:   r.MaterialID,
		MaterialName: r.MaterialName,
		Warehouse:    r.Warehouse,
		UnitPrice:    r.UnitPrice,
	}
	if r.ExpiryDate != nil {
		t := *r.ExpiryDate
		s.ExpiryDate = &t
	}
	return s
}

// =============================================================================
// PURCHASE-ORDER RESERVATION - Priced source for cost reconciliation
// =============================================================================

type POStatus string

const (
	POPending   POStatus = "pending"
	PODelivered POStatus = "delivered"
	POCancelled POStatus = "cancelled"
)

type POReservation struct {
	ID                string
	TaskID            TaskID
	MaterialID        MaterialID
	Status            POStatus
	ReservedQuantity  decimal.Decimal
	ConvertedQuantity decimal.Decimal
	UnitPrice         decimal.Decimal
}

// IsActive: pending, or delivered but not fully converted into stock.
func (p POReservation) IsActive() bool {
	switch p.Status {
	case POPending:
		return true
	case PODelivered:
		return p.ConvertedQuantity.LessThan(p.ReservedQuantity)
	default:
		return false
	}
}

// =============================================================================
// VIRTUAL RESERVATIONS - Rebuilt from link snapshots
// =============================================================================

// VirtualFromLinks rebuilds one display-only reservation per reservation ID
// referenced by links, using the first link's snapshot. Reserved and linked
// both equal the summed link quantity so the result is never matchable.
func VirtualFromLinks(taskID TaskID, links []Link) []Reservation {
	var order []ReservationID
	byID := make(map[ReservationID]*Reservation)
	for _, l := range links {
		if l.TaskID != taskID {
			continue
		}
		v, ok := byID[l.ReservationID]
		if !ok {
			s := l.Snapshot
			v = &Reservation{
				ID:               l.ReservationID,
				TaskID:           taskID,
				MaterialID:       s.MaterialID,
				MaterialName:     s.MaterialName,
				BatchNumber:      s.BatchNumber,
				ReservedQuantity: decimal.Zero,
				LinkedQuantity:   decimal.Zero,
				Unit:             s.Unit,
				Warehouse:        s.Warehouse,
				ExpiryDate:       s.ExpiryDate,
				Source:           l.Source,
				UnitPrice:        s.UnitPrice,
			}
			byID[l.ReservationID] = v
			order = append(order, l.ReservationID)
		}
		v.ReservedQuantity = v.ReservedQuantity.Add(l.LinkedQuantity)
		v.LinkedQuantity = v.LinkedQuantity.Add(l.LinkedQuantity)
	}

	result := make([]Reservation, 0, len(order))
	for _, id := range order {
		result = append(result, *byID[id])
	}
	return result
}
