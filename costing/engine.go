package costing

import (
	"github.com/shopspring/decimal"
	"github.com/warp/mixing-engine/ledger"
)

// =============================================================================
// ENGINE - Pure cost calculation
// =============================================================================

// Compute runs the cost calculation without caching.
//
// Per material:
//  1. Excluded materials cost 0 and stay listed with Excluded set.
//  2. Weighted unit price over batch sources and active PO reservations,
//     falling back to the listed price when nothing is priced.
//  3. Line cost = price x (override or material quantity) x required quantity.
//
// Unit costs divide by the produced quantity when positive, else the
// required quantity, and never by less than 1.
func Compute(in Input) (*CostSummary, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	batches := groupSources(in.Batches)
	orders := groupOrders(in.POReservations)

	summary := &CostSummary{
		TaskID:    in.TaskID,
		Materials: make([]MaterialCost, 0, len(in.Materials)),
		LaborCost: round(in.LaborCost),
	}

	total := decimal.Zero
	for _, m := range in.Materials {
		line := MaterialCost{
			MaterialID: m.ID,
			Name:       m.Name,
			Quantity:   m.Quantity,
			Unit:       m.Unit,
			Cost:       decimal.Zero,
		}
		if q, ok := in.QuantityOverrides[m.ID]; ok {
			line.Quantity = q
		}

		if !in.included(m.ID) {
			line.Excluded = true
			line.WeightedUnitPrice = decimal.Zero
			line.PricedQuantity = decimal.Zero
			summary.Materials = append(summary.Materials, line)
			continue
		}

		price, priced := weightedPrice(batches[m.ID], orders[m.ID])
		if priced.IsZero() {
			price = m.ListedPrice
			line.FromListedPrice = true
		}
		line.WeightedUnitPrice = round(price)
		line.PricedQuantity = priced
		line.Cost = round(price.Mul(line.Quantity).Mul(in.RequiredQuantity))

		total = total.Add(line.Cost)
		summary.Materials = append(summary.Materials, line)
	}

	denominator := unitDenominator(in.ProducedQuantity, in.RequiredQuantity)
	summary.Denominator = denominator
	summary.TotalMaterialCost = round(total)
	summary.UnitMaterialCost = round(total.Div(denominator))
	summary.TotalProductionCost = round(total.Add(in.LaborCost))
	summary.UnitProductionCost = round(total.Add(in.LaborCost).Div(denominator))
	return summary, nil
}

// weightedPrice returns sum(q x p) / sum(q) over priced sources, and the
// priced quantity. A source is priced when both its quantity and unit price
// are positive.
func weightedPrice(batches []PriceSource, orders []ledger.POReservation) (decimal.Decimal, decimal.Decimal) {
	value, quantity := decimal.Zero, decimal.Zero
	add := func(q, p decimal.Decimal) {
		if q.IsPositive() && p.IsPositive() {
			value = value.Add(q.Mul(p))
			quantity = quantity.Add(q)
		}
	}
	for _, b := range batches {
		add(b.Quantity, b.UnitPrice)
	}
	for _, po := range orders {
		add(outstanding(po), po.UnitPrice)
	}
	if quantity.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	return value.Div(quantity), quantity
}

// outstanding is the part of an active PO reservation not yet converted into
// stock.
func outstanding(po ledger.POReservation) decimal.Decimal {
	return ledger.FloorZero(po.ReservedQuantity.Sub(po.ConvertedQuantity))
}

func unitDenominator(produced, required decimal.Decimal) decimal.Decimal {
	d := required
	if produced.IsPositive() {
		d = produced
	}
	if d.LessThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return d
}

func groupSources(sources []PriceSource) map[ledger.MaterialID][]PriceSource {
	grouped := make(map[ledger.MaterialID][]PriceSource)
	for _, s := range sources {
		grouped[s.MaterialID] = append(grouped[s.MaterialID], s)
	}
	return grouped
}

func groupOrders(orders []ledger.POReservation) map[ledger.MaterialID][]ledger.POReservation {
	grouped := make(map[ledger.MaterialID][]ledger.POReservation)
	for _, po := range orders {
		if po.IsActive() {
			grouped[po.MaterialID] = append(grouped[po.MaterialID], po)
		}
	}
	return grouped
}

func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(ledger.MoneyPlaces)
}
