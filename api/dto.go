/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model (which carries no JSON tags) from the external
  API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DECIMALS:
  Quantities and prices travel as JSON strings ("12.5") so no precision is
  lost in transit; shopspring/decimal marshals that way by default.

VALIDATION:
  Validation is done in handlers and domain code, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/mixing-engine/ledger"
	"github.com/warp/mixing-engine/mixplan"
)

// =============================================================================
// RESERVATIONS AND LINKS
// =============================================================================

type ReservationDTO struct {
	ID               string          `json:"id"`
	TaskID           string          `json:"task_id"`
	MaterialID       string          `json:"material_id"`
	MaterialName     string          `json:"material_name"`
	BatchNumber      string          `json:"batch_number"`
	ReservedQuantity decimal.Decimal `json:"reserved_quantity"`
	LinkedQuantity   decimal.Decimal `json:"linked_quantity"`
	Available        decimal.Decimal `json:"available"`
	Unit             string          `json:"unit"`
	Warehouse        string          `json:"warehouse,omitempty"`
	ExpiryDate       *string         `json:"expiry_date,omitempty"`
	Source           string          `json:"source"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	Virtual          bool            `json:"virtual"`
}

type LinkDTO struct {
	ID               string          `json:"id"`
	TaskID           string          `json:"task_id"`
	IngredientID     string          `json:"ingredient_id"`
	ReservationID    string          `json:"reservation_id"`
	Source           string          `json:"source"`
	LinkedQuantity   decimal.Decimal `json:"linked_quantity"`
	ConsumedQuantity decimal.Decimal `json:"consumed_quantity"`
	ConsumedPercent  decimal.Decimal `json:"consumed_percent"`
	BatchNumber      string          `json:"batch_number"`
	Unit             string          `json:"unit"`
	MaterialID       string          `json:"material_id,omitempty"`
	MaterialName     string          `json:"material_name"`
	Warehouse        string          `json:"warehouse,omitempty"`
	ExpiryDate       *string         `json:"expiry_date,omitempty"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	CreatedBy        string          `json:"created_by,omitempty"`
	CreatedAt        string          `json:"created_at"`
}

type LinkDialogDTO struct {
	Token        uint64           `json:"token"`
	IngredientID string           `json:"ingredient_id"`
	Ingredient   string           `json:"ingredient"`
	Required     decimal.Decimal  `json:"required"`
	Unit         string           `json:"unit"`
	Linked       decimal.Decimal  `json:"linked"`
	Remaining    decimal.Decimal  `json:"remaining"`
	Links        []LinkDTO        `json:"links"`
	Candidates   []ReservationDTO `json:"candidates"`
}

type UnlinkDTO struct {
	Link                 LinkDTO         `json:"link"`
	DiscardedConsumption decimal.Decimal `json:"discarded_consumption"`
}

type DriftDTO struct {
	ReservationID  string          `json:"reservation_id"`
	StoredLinked   decimal.Decimal `json:"stored_linked"`
	LinkedFromRows decimal.Decimal `json:"linked_from_rows"`
	Reserved       decimal.Decimal `json:"reserved"`
	Reason         string          `json:"reason"`
}

// =============================================================================
// TASKS
// =============================================================================

type TaskDTO struct {
	ID                string                   `json:"id"`
	Name              string                   `json:"name"`
	RequiredQuantity  decimal.Decimal          `json:"required_quantity"`
	CompletedQuantity decimal.Decimal          `json:"completed_quantity"`
	Version           int64                    `json:"version"`
	MixingPlan        []mixplan.MixingPlanItem `json:"mixing_plan"`
	Ingredients       []IngredientStatusDTO    `json:"ingredients"`
}

type IngredientStatusDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Quantity string `json:"quantity"`

	// Status is nil when the ingredient quantity cannot be parsed.
	Status *mixplan.IngredientStatus `json:"status,omitempty"`
}

// =============================================================================
// REQUESTS
// =============================================================================

type CreateLinkRequest struct {
	ReservationID string          `json:"reservation_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	ActorID       string          `json:"actor_id"`
}

type ConsumptionRequest struct {
	Delta decimal.Decimal `json:"delta"`
}

type UpdateQuantityRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
	ActorID  string          `json:"actor_id"`
}

type AddMixingRequest struct {
	Name        string                   `json:"name"`
	Details     string                   `json:"details"`
	Ingredients []mixplan.IngredientLine `json:"ingredients"`
	Checks      []string                 `json:"checks"`
	ActorID     string                   `json:"actor_id"`
}

type ToggleCheckRequest struct {
	Completed bool   `json:"completed"`
	ActorID   string `json:"actor_id"`
}

// ResultDTO is the outcome of a checklist write.
type ResultDTO struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	HeaderID string `json:"header_id,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toReservationDTO(r ledger.Reservation) ReservationDTO {
	return ReservationDTO{
		ID:               string(r.ID),
		TaskID:           string(r.TaskID),
		MaterialID:       string(r.MaterialID),
		MaterialName:     r.MaterialName,
		BatchNumber:      r.BatchNumber,
		ReservedQuantity: r.ReservedQuantity,
		LinkedQuantity:   r.LinkedQuantity,
		Available:        ledger.FloorZero(r.Available()),
		Unit:             r.Unit,
		Warehouse:        r.Warehouse,
		ExpiryDate:       formatDate(r.ExpiryDate),
		Source:           string(r.Source),
		UnitPrice:        r.UnitPrice,
		Virtual:          r.IsVirtual(),
	}
}

func toReservationDTOs(rs []ledger.Reservation) []ReservationDTO {
	dtos := make([]ReservationDTO, len(rs))
	for i, r := range rs {
		dtos[i] = toReservationDTO(r)
	}
	return dtos
}

func toLinkDTO(l ledger.Link) LinkDTO {
	return LinkDTO{
		ID:               string(l.ID),
		TaskID:           string(l.TaskID),
		IngredientID:     string(l.IngredientID),
		ReservationID:    string(l.ReservationID),
		Source:           string(l.Source),
		LinkedQuantity:   l.LinkedQuantity,
		ConsumedQuantity: l.ConsumedQuantity,
		ConsumedPercent:  l.ConsumptionPercentage().Round(1),
		BatchNumber:      l.Snapshot.BatchNumber,
		Unit:             l.Snapshot.Unit,
		MaterialID:       string(l.Snapshot.MaterialID),
		MaterialName:     l.Snapshot.MaterialName,
		Warehouse:        l.Snapshot.Warehouse,
		ExpiryDate:       formatDate(l.Snapshot.ExpiryDate),
		UnitPrice:        l.Snapshot.UnitPrice,
		CreatedBy:        string(l.CreatedBy),
		CreatedAt:        l.CreatedAt.Format(time.RFC3339),
	}
}

func toLinkDTOs(links []ledger.Link) []LinkDTO {
	dtos := make([]LinkDTO, len(links))
	for i, l := range links {
		dtos[i] = toLinkDTO(l)
	}
	return dtos
}

func toLinkDialogDTO(d *mixplan.LinkDialog) LinkDialogDTO {
	return LinkDialogDTO{
		Token:        d.Token,
		IngredientID: d.Ingredient.ID,
		Ingredient:   d.Ingredient.Name,
		Required:     d.Required.Value,
		Unit:         d.Required.Unit,
		Linked:       d.Linked,
		Remaining:    d.Remaining,
		Links:        toLinkDTOs(d.Links),
		Candidates:   toReservationDTOs(d.Candidates),
	}
}

func toDriftDTOs(drifts []ledger.Drift) []DriftDTO {
	dtos := make([]DriftDTO, len(drifts))
	for i, d := range drifts {
		dtos[i] = DriftDTO{
			ReservationID:  string(d.ReservationID),
			StoredLinked:   d.StoredLinked,
			LinkedFromRows: d.LinkedFromRows,
			Reserved:       d.Reserved,
			Reason:         d.Reason,
		}
	}
	return dtos
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format("2006-01-02")
	return &s
}
