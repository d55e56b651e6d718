package mixplan

import (
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/warp/mixing-engine/costing"
	"github.com/warp/mixing-engine/ledger"
)

// CostInput normalizes a task, its links and the PO reservations of its
// materials into the cost engine's input. Links without a material on their
// snapshot take it from the ingredient item they belong to.
func CostInput(task *ProductionTask, links []ledger.Link, orders []ledger.POReservation, revision uint64) costing.Input {
	in := costing.Input{
		TaskID:            task.ID,
		Materials:         make([]costing.Material, 0, len(task.Materials)),
		QuantityOverrides: make(map[ledger.MaterialID]decimal.Decimal, len(task.ActualMaterialUsage)),
		Included:          make(map[ledger.MaterialID]bool, len(task.MaterialInCosts)),
		POReservations:    orders,
		RequiredQuantity:  task.RequiredQuantity,
		ProducedQuantity:  task.CompletedQuantity,
		LaborCost:         task.LaborCost,
		ConsumedMaterials: len(task.ConsumedMaterials),
		Revision:          revision,
	}

	for _, m := range task.Materials {
		in.Materials = append(in.Materials, costing.Material{
			ID: m.ID, Name: m.Name, Quantity: m.Quantity, Unit: m.Unit, ListedPrice: m.UnitPrice,
		})
	}
	for id, q := range task.ActualMaterialUsage {
		in.QuantityOverrides[id] = q
	}
	for id, flag := range task.MaterialInCosts {
		in.Included[id] = flag
	}

	materialIDs := make([]ledger.MaterialID, 0, len(task.MaterialBatches))
	for id := range task.MaterialBatches {
		materialIDs = append(materialIDs, id)
	}
	sort.Slice(materialIDs, func(i, j int) bool { return materialIDs[i] < materialIDs[j] })
	for _, id := range materialIDs {
		for i, b := range task.MaterialBatches[id] {
			in.Batches = append(in.Batches, costing.PriceSource{
				Key:        batchKey(id, b.BatchNumber, i),
				MaterialID: id,
				Quantity:   b.Quantity,
				UnitPrice:  b.UnitPrice,
			})
		}
	}

	for _, l := range links {
		material := l.Snapshot.MaterialID
		if material == "" {
			if item, err := task.Ingredient(l.IngredientID); err == nil {
				material = item.MaterialID
			}
		}
		if material == "" {
			continue
		}
		in.Batches = append(in.Batches, costing.PriceSource{
			Key:        "link:" + string(l.ID),
			MaterialID: material,
			Quantity:   l.LinkedQuantity,
			UnitPrice:  l.Snapshot.UnitPrice,
		})
	}
	return in
}

func batchKey(material ledger.MaterialID, batch string, index int) string {
	if batch == "" {
		return "batch:" + string(material) + ":#" + strconv.Itoa(index)
	}
	return "batch:" + string(material) + ":" + batch
}
