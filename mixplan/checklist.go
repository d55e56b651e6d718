package mixplan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/mixing-engine/ledger"
	"go.uber.org/zap"
)

// =============================================================================
// CHECKLIST SERVICE - Task-level mixing plan writes
// =============================================================================
//
// Every write reads the task, mutates the plan, saves it with a version
// check and publishes the new checklist. A lost version race is retried.
// Acknowledge, when set on a request, runs after the save and before the
// publish so the writing view recognizes its own echo.

const checklistAttempts = 3

// Result is the outcome reported to the operator.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`

	// Checklist is the serialized plan after the write.
	Checklist []byte `json:"-"`
}

// LinkLister lists a task's ingredient links.
type LinkLister interface {
	ListLinks(ctx context.Context, taskID ledger.TaskID) ([]ledger.Link, error)
}

type Checklist struct {
	tasks     TaskStore
	links     LinkLister
	publisher TaskPublisher
	log       *zap.SugaredLogger
	now       func() time.Time
	newID     func() string
}

type ChecklistOption func(*Checklist)

func WithPublisher(p TaskPublisher) ChecklistOption {
	return func(c *Checklist) {
		if p != nil {
			c.publisher = p
		}
	}
}

func WithChecklistLogger(log *zap.SugaredLogger) ChecklistOption {
	return func(c *Checklist) {
		if log != nil {
			c.log = log
		}
	}
}

func WithChecklistClock(now func() time.Time) ChecklistOption {
	return func(c *Checklist) { c.now = now }
}

func NewChecklist(tasks TaskStore, links LinkLister, opts ...ChecklistOption) *Checklist {
	c := &Checklist{
		tasks:     tasks,
		links:     links,
		publisher: nopPublisher{},
		log:       zap.NewNop().Sugar(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// INGREDIENT QUANTITY
// =============================================================================

type UpdateQuantityRequest struct {
	TaskID       ledger.TaskID
	IngredientID ledger.IngredientID
	Quantity     decimal.Decimal
	ActorID      ledger.ActorID
	Acknowledge  func(checklist []byte)
}

// UpdateIngredientQuantity rewrites an ingredient's quantity string, keeping
// its unit.
func (c *Checklist) UpdateIngredientQuantity(ctx context.Context, req UpdateQuantityRequest) (Result, error) {
	if req.Quantity.IsNegative() {
		return Result{Message: "Quantity must not be negative"},
			ledger.NewValidationError("quantity", "must not be negative, got %s", req.Quantity)
	}

	var formatted, name string
	result, err := c.write(ctx, req.TaskID, req.Acknowledge, func(t *ProductionTask) error {
		item, err := t.Ingredient(req.IngredientID)
		if err != nil {
			return err
		}
		unit := ""
		if q, err := ParseQuantity(item.Quantity); err == nil {
			unit = q.Unit
		}
		formatted = FormatQuantity(req.Quantity, unit)
		name = item.Name
		item.Quantity = formatted
		return nil
	})
	if err != nil {
		return result, err
	}

	c.log.Infow("ingredient quantity updated", "task_id", req.TaskID, "ingredient_id", req.IngredientID,
		"quantity", formatted, "actor", req.ActorID)
	result.Message = fmt.Sprintf("%s set to %s", name, formatted)
	return result, nil
}

// =============================================================================
// MIXINGS
// =============================================================================

type IngredientLine struct {
	Name       string            `json:"name"`
	Quantity   string            `json:"quantity"`
	MaterialID ledger.MaterialID `json:"material_id,omitempty"`
}

type AddMixingRequest struct {
	TaskID      ledger.TaskID
	Name        string
	Details     string
	Ingredients []IngredientLine
	Checks      []string
	ActorID     ledger.ActorID
	Acknowledge func(checklist []byte)
}

func (r AddMixingRequest) validate() error {
	if r.Name == "" {
		return ledger.NewValidationError("name", "is required")
	}
	for i, ing := range r.Ingredients {
		if ing.Name == "" {
			return ledger.NewValidationError("ingredients", "line %d has no name", i+1)
		}
		if _, err := ParseQuantity(ing.Quantity); err != nil {
			return ledger.NewValidationError("ingredients", "line %d: cannot parse quantity %q", i+1, ing.Quantity)
		}
	}
	return nil
}

// AddMixing appends a header with its ingredient and check lines.
func (c *Checklist) AddMixing(ctx context.Context, req AddMixingRequest) (Result, string, error) {
	if err := req.validate(); err != nil {
		return Result{Message: err.Error()}, "", err
	}

	var headerID string
	result, err := c.write(ctx, req.TaskID, req.Acknowledge, func(t *ProductionTask) error {
		now := c.now()
		headerID = c.newID()
		t.MixingPlan = append(t.MixingPlan, MixingPlanItem{
			ID: headerID, Kind: KindHeader, Name: req.Name, Details: req.Details, CreatedAt: &now,
		})
		for _, ing := range req.Ingredients {
			t.MixingPlan = append(t.MixingPlan, MixingPlanItem{
				ID: c.newID(), Kind: KindIngredient, ParentID: headerID,
				Name: ing.Name, Quantity: ing.Quantity, MaterialID: ing.MaterialID, CreatedAt: &now,
			})
		}
		for _, check := range req.Checks {
			t.MixingPlan = append(t.MixingPlan, MixingPlanItem{
				ID: c.newID(), Kind: KindCheck, ParentID: headerID, Name: check, CreatedAt: &now,
			})
		}
		return t.ValidatePlan()
	})
	if err != nil {
		return result, "", err
	}

	c.log.Infow("mixing added", "task_id", req.TaskID, "header_id", headerID, "actor", req.ActorID)
	result.Message = fmt.Sprintf("Mixing %q added", req.Name)
	return result, headerID, nil
}

type RemoveMixingRequest struct {
	TaskID      ledger.TaskID
	HeaderID    string
	ActorID     ledger.ActorID
	Acknowledge func(checklist []byte)
}

// RemoveMixing deletes a header and its lines. Refused while any of its
// ingredients still holds reservation links.
func (c *Checklist) RemoveMixing(ctx context.Context, req RemoveMixingRequest) (Result, error) {
	links, err := c.links.ListLinks(ctx, req.TaskID)
	if err != nil {
		return Result{Message: "Could not load links"}, err
	}
	linked := make(map[ledger.IngredientID]bool, len(links))
	for _, l := range links {
		linked[l.IngredientID] = true
	}

	var name string
	result, err := c.write(ctx, req.TaskID, req.Acknowledge, func(t *ProductionTask) error {
		header, _ := t.Item(req.HeaderID)
		if header == nil || header.Kind != KindHeader {
			return ledger.NotFound("mixing", req.HeaderID)
		}
		name = header.Name

		kept := make([]MixingPlanItem, 0, len(t.MixingPlan))
		for _, item := range t.MixingPlan {
			if item.ID == req.HeaderID {
				continue
			}
			if item.ParentID == req.HeaderID {
				if item.Kind == KindIngredient && linked[ledger.IngredientID(item.ID)] {
					return ledger.NewValidationError("mixing", "ingredient %q still has linked reservations; unlink them first", item.Name)
				}
				continue
			}
			kept = append(kept, item)
		}
		t.MixingPlan = kept
		return nil
	})
	if err != nil {
		return result, err
	}

	c.log.Infow("mixing removed", "task_id", req.TaskID, "header_id", req.HeaderID, "actor", req.ActorID)
	result.Message = fmt.Sprintf("Mixing %q removed", name)
	return result, nil
}

// =============================================================================
// CHECKS
// =============================================================================

type ToggleCheckRequest struct {
	TaskID      ledger.TaskID
	CheckID     string
	Completed   bool
	ActorID     ledger.ActorID
	Acknowledge func(checklist []byte)
}

func (c *Checklist) ToggleCheck(ctx context.Context, req ToggleCheckRequest) (Result, error) {
	var name string
	result, err := c.write(ctx, req.TaskID, req.Acknowledge, func(t *ProductionTask) error {
		item, _ := t.Item(req.CheckID)
		if item == nil || item.Kind != KindCheck {
			return ledger.NotFound("check", req.CheckID)
		}
		name = item.Name
		item.Completed = req.Completed
		if req.Completed {
			now := c.now()
			item.CompletedAt = &now
			item.AssignedTo = string(req.ActorID)
		} else {
			item.CompletedAt = nil
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	state := "open"
	if req.Completed {
		state = "done"
	}
	result.Message = fmt.Sprintf("%s marked %s", name, state)
	return result, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func (c *Checklist) write(ctx context.Context, taskID ledger.TaskID, ack func([]byte), mutate func(*ProductionTask) error) (Result, error) {
	var (
		task *ProductionTask
		err  error
	)
	for attempt := 1; attempt <= checklistAttempts; attempt++ {
		task, err = c.tasks.GetTask(ctx, taskID)
		if err != nil {
			return Result{Message: "Task not found"}, err
		}
		if err = mutate(task); err != nil {
			return Result{Message: userMessage(err)}, err
		}
		task.UpdatedAt = c.now()
		if err = c.tasks.SaveTask(ctx, task); !errors.Is(err, ledger.ErrConcurrentModification) {
			break
		}
		c.log.Debugw("checklist write lost a version race", "task_id", taskID, "attempt", attempt)
	}
	if err != nil {
		return Result{Message: userMessage(err)}, err
	}

	checklist, err := task.ChecklistJSON()
	if err != nil {
		return Result{Message: "Could not encode checklist"}, err
	}
	if ack != nil {
		ack(checklist)
	}
	c.publisher.PublishTask(ctx, taskID, checklist)
	return Result{Success: true, Checklist: checklist}, nil
}

func userMessage(err error) string {
	var validation *ledger.ValidationError
	switch {
	case errors.As(err, &validation):
		return validation.Message
	case ledger.IsNotFound(err):
		return "The item no longer exists, reload the task"
	case errors.Is(err, ledger.ErrConcurrentModification):
		return "The task was changed by someone else, try again"
	default:
		return "Could not save the checklist"
	}
}
