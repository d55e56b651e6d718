package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AUDIT - Linked counters recomputed from links
// =============================================================================

// Drift is a reservation whose stored linked counter disagrees with the
// links that reference it, or breaks the reserved bound.
type Drift struct {
	ReservationID  ReservationID
	StoredLinked   decimal.Decimal
	LinkedFromRows decimal.Decimal
	Reserved       decimal.Decimal
	Reason         string
}

const (
	DriftCounterMismatch = "counter_mismatch"
	DriftOverLinked      = "over_linked"
	DriftOverConsumed    = "over_consumed"
)

// Audit checks every reservation referenced by the task's links. It reads
// only; repairs are an inventory-side decision.
func (l *Ledger) Audit(ctx context.Context, taskID TaskID) ([]Drift, error) {
	links, err := l.store.ListLinks(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var drifts []Drift
	for _, link := range links {
		if link.ConsumedQuantity.GreaterThan(link.LinkedQuantity) {
			drifts = append(drifts, Drift{
				ReservationID:  link.ReservationID,
				LinkedFromRows: link.LinkedQuantity,
				Reason:         DriftOverConsumed,
			})
		}
	}

	for _, id := range ReservationIDs(links) {
		res, err := l.store.GetReservation(ctx, id)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		all, err := l.store.ListLinksForReservation(ctx, id)
		if err != nil {
			return nil, err
		}
		fromRows := LinkedTotal(all)

		if !fromRows.Equal(res.LinkedQuantity) {
			drifts = append(drifts, Drift{
				ReservationID:  id,
				StoredLinked:   res.LinkedQuantity,
				LinkedFromRows: fromRows,
				Reserved:       res.ReservedQuantity,
				Reason:         DriftCounterMismatch,
			})
		}
		if res.LinkedQuantity.GreaterThan(res.ReservedQuantity) {
			drifts = append(drifts, Drift{
				ReservationID:  id,
				StoredLinked:   res.LinkedQuantity,
				LinkedFromRows: fromRows,
				Reserved:       res.ReservedQuantity,
				Reason:         DriftOverLinked,
			})
		}
	}
	return drifts, nil
}
