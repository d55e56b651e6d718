/*
Package mixplan models a production task's mixing plan and drives it.

PURPOSE:
  A ProductionTask carries a checklist of mixing runs: a header per run,
  ingredient lines per required raw material and check lines per
  verification step. The Controller in this package is the thin surface the
  UI talks to; it combines the link ledger, the cost engine and the sync
  coordinator for one task.

KEY CONCEPTS IN THIS FILE (task.go):
  - ProductionTask: aggregate root, owns its MixingPlan
  - MixingPlanItem: tagged variant (header | ingredient | check)
  - BatchAssignment / MaterialRequirement: cost inputs held on the task

INVARIANT:
  Every ingredient/check ParentID references a header in the same list.

SEE ALSO:
  - quantity.go: Human-readable quantity strings
  - checklist.go: Checklist mutations (quantity edit, add/remove mixing)
  - controller.go: View controller
*/
package mixplan

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/mixing-engine/ledger"
)

// =============================================================================
// MIXING PLAN ITEMS
// =============================================================================

type ItemKind string

const (
	KindHeader     ItemKind = "header"
	KindIngredient ItemKind = "ingredient"
	KindCheck      ItemKind = "check"
)

type MixingPlanItem struct {
	ID       string   `json:"id"`
	Kind     ItemKind `json:"type"`
	ParentID string   `json:"parent_id,omitempty"`
	Name     string   `json:"name"`

	// Header: free text encoding piece count and unit, e.g. "120 pcs".
	Details string `json:"details,omitempty"`

	// Ingredient: human-readable quantity, e.g. "12 kg".
	Quantity   string            `json:"quantity,omitempty"`
	MaterialID ledger.MaterialID `json:"material_id,omitempty"`

	// Check.
	Completed   bool       `json:"completed,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty"`

	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// =============================================================================
// PRODUCTION TASK
// =============================================================================

// BatchAssignment is a legacy direct assignment of a batch to a material.
type BatchAssignment struct {
	BatchNumber string          `json:"batch_number"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// MaterialRequirement is one raw material of the product recipe.
// Quantity is per produced unit.
type MaterialRequirement struct {
	ID        ledger.MaterialID `json:"id"`
	Name      string            `json:"name"`
	Quantity  decimal.Decimal   `json:"quantity"`
	Unit      string            `json:"unit"`
	UnitPrice decimal.Decimal   `json:"unit_price"`
}

type ProductionTask struct {
	ID                ledger.TaskID   `json:"id"`
	Name              string          `json:"name"`
	RequiredQuantity  decimal.Decimal `json:"required_quantity"`
	CompletedQuantity decimal.Decimal `json:"completed_quantity"`
	MixingPlan        []MixingPlanItem `json:"mixing_plan"`

	Materials           []MaterialRequirement                      `json:"materials"`
	MaterialBatches     map[ledger.MaterialID][]BatchAssignment    `json:"material_batches,omitempty"`
	ActualMaterialUsage map[ledger.MaterialID]decimal.Decimal      `json:"actual_material_usage,omitempty"`
	MaterialInCosts     map[ledger.MaterialID]bool                 `json:"material_in_costs,omitempty"`
	ConsumedMaterials   []ledger.MaterialID                        `json:"consumed_materials,omitempty"`
	LaborCost           decimal.Decimal                            `json:"labor_cost"`

	// Version is compared and bumped by TaskStore.SaveTask.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Item returns the item with the given ID and its index, or -1.
func (t *ProductionTask) Item(id string) (*MixingPlanItem, int) {
	for i := range t.MixingPlan {
		if t.MixingPlan[i].ID == id {
			return &t.MixingPlan[i], i
		}
	}
	return nil, -1
}

// Ingredient returns the ingredient item with the given ID.
func (t *ProductionTask) Ingredient(id ledger.IngredientID) (*MixingPlanItem, error) {
	item, _ := t.Item(string(id))
	if item == nil || item.Kind != KindIngredient {
		return nil, ledger.NotFound("ingredient", id)
	}
	return item, nil
}

// Headers returns header items in chronological order when every header
// has a CreatedAt, else ordered by ID.
func (t *ProductionTask) Headers() []MixingPlanItem {
	var headers []MixingPlanItem
	timed := true
	for _, item := range t.MixingPlan {
		if item.Kind == KindHeader {
			headers = append(headers, item)
			if item.CreatedAt == nil {
				timed = false
			}
		}
	}
	sort.SliceStable(headers, func(i, j int) bool {
		if timed && !headers[i].CreatedAt.Equal(*headers[j].CreatedAt) {
			return headers[i].CreatedAt.Before(*headers[j].CreatedAt)
		}
		return headers[i].ID < headers[j].ID
	})
	return headers
}

// Children returns the items under a header in insertion order.
func (t *ProductionTask) Children(headerID string) []MixingPlanItem {
	var children []MixingPlanItem
	for _, item := range t.MixingPlan {
		if item.ParentID == headerID && item.Kind != KindHeader {
			children = append(children, item)
		}
	}
	return children
}

func (t *ProductionTask) Ingredients() []MixingPlanItem {
	var items []MixingPlanItem
	for _, item := range t.MixingPlan {
		if item.Kind == KindIngredient {
			items = append(items, item)
		}
	}
	return items
}

// ValidatePlan checks item kinds, ID uniqueness and the parent invariant.
func (t *ProductionTask) ValidatePlan() error {
	headers := make(map[string]bool)
	seen := make(map[string]bool)
	for _, item := range t.MixingPlan {
		if item.ID == "" {
			return ledger.NewValidationError("mixing_plan", "item without id")
		}
		if seen[item.ID] {
			return ledger.NewValidationError("mixing_plan", "duplicate item id %q", item.ID)
		}
		seen[item.ID] = true
		switch item.Kind {
		case KindHeader:
			headers[item.ID] = true
		case KindIngredient, KindCheck:
		default:
			return ledger.NewValidationError("mixing_plan", "item %q has unknown type %q", item.ID, item.Kind)
		}
	}
	for _, item := range t.MixingPlan {
		if item.Kind != KindHeader && !headers[item.ParentID] {
			return ledger.NewValidationError("mixing_plan", "item %q references missing header %q", item.ID, item.ParentID)
		}
	}
	return nil
}

// ChecklistJSON is the serialized mixing plan the sync coordinator hashes.
func (t *ProductionTask) ChecklistJSON() ([]byte, error) {
	b, err := json.Marshal(t.MixingPlan)
	if err != nil {
		return nil, fmt.Errorf("encode checklist: %w", err)
	}
	return b, nil
}

// Clone returns a deep copy so stores never share maps or slices with
// callers.
func (t *ProductionTask) Clone() *ProductionTask {
	if t == nil {
		return nil
	}
	c := *t
	c.MixingPlan = make([]MixingPlanItem, len(t.MixingPlan))
	for i, item := range t.MixingPlan {
		c.MixingPlan[i] = item
		if item.CompletedAt != nil {
			v := *item.CompletedAt
			c.MixingPlan[i].CompletedAt = &v
		}
		if item.CreatedAt != nil {
			v := *item.CreatedAt
			c.MixingPlan[i].CreatedAt = &v
		}
	}
	c.Materials = append([]MaterialRequirement(nil), t.Materials...)
	c.ConsumedMaterials = append([]ledger.MaterialID(nil), t.ConsumedMaterials...)
	if t.MaterialBatches != nil {
		c.MaterialBatches = make(map[ledger.MaterialID][]BatchAssignment, len(t.MaterialBatches))
		for k, v := range t.MaterialBatches {
			c.MaterialBatches[k] = append([]BatchAssignment(nil), v...)
		}
	}
	if t.ActualMaterialUsage != nil {
		c.ActualMaterialUsage = make(map[ledger.MaterialID]decimal.Decimal, len(t.ActualMaterialUsage))
		for k, v := range t.ActualMaterialUsage {
			c.ActualMaterialUsage[k] = v
		}
	}
	if t.MaterialInCosts != nil {
		c.MaterialInCosts = make(map[ledger.MaterialID]bool, len(t.MaterialInCosts))
		for k, v := range t.MaterialInCosts {
			c.MaterialInCosts[k] = v
		}
	}
	return &c
}
