package mixplan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/mixing-engine/costing"
	"github.com/warp/mixing-engine/ledger"
	"github.com/warp/mixing-engine/notify"
	"github.com/warp/mixing-engine/realtime"
	"go.uber.org/zap"
)

// =============================================================================
// CONTROLLER - One task view
// =============================================================================
//
// The Controller is the only place errors become user-facing messages.
// Every local ledger mutation invalidates the cost cache before returning;
// the stream echo arrives later and refreshes the rest.

// ErrDialogSuperseded is returned for a link dialog that a newer
// OpenLinkDialog or CancelLinkDialog replaced.
var ErrDialogSuperseded = errors.New("link dialog superseded")

// ControllerDeps are the collaborators of a Controller. Hub is optional;
// without it Attach is a no-op.
type ControllerDeps struct {
	Tasks     TaskStore
	Checklist *Checklist
	Ledger    *ledger.Ledger
	Source    ledger.ReservationSource
	Links     LinkLister
	Hub       *realtime.Hub
	Notifier  notify.Notifier
	Logger    *zap.SugaredLogger

	CostOptions []costing.Option
	SyncOptions []realtime.Option
}

type Controller struct {
	taskID    ledger.TaskID
	tasks     TaskStore
	checklist *Checklist
	ledger    *ledger.Ledger
	source    ledger.ReservationSource
	links     LinkLister
	hub       *realtime.Hub
	calc      *costing.Calculator
	notifier  notify.Notifier
	log       *zap.SugaredLogger
	syncOpts  []realtime.Option

	mu       sync.Mutex
	token    uint64
	revision uint64
	coord    *realtime.Coordinator
}

func NewController(taskID ledger.TaskID, deps ControllerDeps) *Controller {
	c := &Controller{
		taskID:    taskID,
		tasks:     deps.Tasks,
		checklist: deps.Checklist,
		ledger:    deps.Ledger,
		source:    deps.Source,
		links:     deps.Links,
		hub:       deps.Hub,
		notifier:  deps.Notifier,
		log:       deps.Logger,
		syncOpts:  deps.SyncOptions,
	}
	if c.notifier == nil {
		c.notifier = notify.Nop
	}
	if c.log == nil {
		c.log = zap.NewNop().Sugar()
	}
	c.log = c.log.With("task_id", taskID)
	c.calc = costing.NewCalculator(append([]costing.Option{costing.WithLogger(c.log)}, deps.CostOptions...)...)
	return c
}

func (c *Controller) TaskID() ledger.TaskID { return c.taskID }

// =============================================================================
// LINK DIALOG
// =============================================================================

// LinkDialog is the state of the "link reservations" dialog of one
// ingredient. It has no side effects until ConfirmLink.
type LinkDialog struct {
	Token      uint64
	Ingredient MixingPlanItem
	Required   Quantity
	Linked     decimal.Decimal
	Remaining  decimal.Decimal
	Links      []ledger.Link
	Candidates []ledger.Reservation
}

// Candidate returns the dialog's candidate reservation with id.
func (d *LinkDialog) Candidate(id ledger.ReservationID) (ledger.Reservation, bool) {
	for _, r := range d.Candidates {
		if r.ID == id {
			return r, true
		}
	}
	return ledger.Reservation{}, false
}

// OpenLinkDialog computes required, linked and remaining quantities of an
// ingredient and its candidate reservations. A call that is overtaken by a
// newer one returns ErrDialogSuperseded.
func (c *Controller) OpenLinkDialog(ctx context.Context, ingredientID ledger.IngredientID) (*LinkDialog, error) {
	token := c.nextToken()

	dialog, err := c.loadDialog(ctx, ingredientID)
	if err != nil {
		c.present(err)
		return nil, err
	}
	if !c.current(token) {
		return nil, ErrDialogSuperseded
	}
	dialog.Token = token
	return dialog, nil
}

// CancelLinkDialog closes the dialog with token, superseding any call still
// loading it. It never mutates anything.
func (c *Controller) CancelLinkDialog(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token++
	}
}

func (c *Controller) loadDialog(ctx context.Context, ingredientID ledger.IngredientID) (*LinkDialog, error) {
	task, err := c.tasks.GetTask(ctx, c.taskID)
	if err != nil {
		return nil, err
	}
	item, err := task.Ingredient(ingredientID)
	if err != nil {
		return nil, err
	}
	required, err := ParseQuantity(item.Quantity)
	if err != nil {
		return nil, err
	}

	links, err := c.ingredientLinks(ctx, ingredientID)
	if err != nil {
		return nil, err
	}
	reservations, err := c.source.StandardReservationsForTask(ctx, c.taskID)
	if err != nil {
		return nil, fmt.Errorf("load reservations: %w", err)
	}

	linked := ledger.LinkedTotal(links)
	return &LinkDialog{
		Ingredient: *item,
		Required:   required,
		Linked:     linked,
		Remaining:  ledger.FloorZero(required.Value.Sub(linked)),
		Links:      links,
		Candidates: ledger.MatchCandidates(item.Name, reservations, ledger.ReservationIDs(links)),
	}, nil
}

// ConfirmLink links quantity of a candidate reservation to the dialog's
// ingredient. When another writer took the quantity first, the dialog's
// candidates are refreshed and the InsufficientReservationQuantityError is
// returned.
func (c *Controller) ConfirmLink(ctx context.Context, dialog *LinkDialog, reservationID ledger.ReservationID, quantity decimal.Decimal, actorID ledger.ActorID) (ledger.Link, error) {
	if !c.current(dialog.Token) {
		return ledger.Link{}, ErrDialogSuperseded
	}

	candidate, ok := dialog.Candidate(reservationID)
	if !ok {
		err := ledger.NewValidationError("reservation_id", "reservation %s is not a candidate for %s", reservationID, dialog.Ingredient.Name)
		c.present(err)
		return ledger.Link{}, err
	}
	if !quantity.IsPositive() || quantity.GreaterThan(candidate.Available()) {
		err := ledger.NewValidationError("quantity", "must be greater than 0 and at most %s %s", candidate.Available(), candidate.Unit)
		c.present(err)
		return ledger.Link{}, err
	}

	link, err := c.ledger.CreateLink(ctx, ledger.CreateLinkRequest{
		TaskID:        c.taskID,
		IngredientID:  ledger.IngredientID(dialog.Ingredient.ID),
		ReservationID: reservationID,
		Source:        candidate.Source,
		Quantity:      quantity,
		ActorID:       actorID,
	})
	if err != nil {
		c.present(err)
		if errors.Is(err, ledger.ErrInsufficientReservationQuantity) {
			if fresh, loadErr := c.loadDialog(ctx, ledger.IngredientID(dialog.Ingredient.ID)); loadErr == nil {
				fresh.Token = dialog.Token
				*dialog = *fresh
			}
		}
		return ledger.Link{}, err
	}

	c.linksChanged()
	c.notifier.Notify(notify.Success, fmt.Sprintf("Linked %s of batch %s to %s",
		FormatQuantity(quantity, link.Snapshot.Unit), link.Snapshot.BatchNumber, dialog.Ingredient.Name))
	return link, nil
}

// =============================================================================
// UNLINK / CONSUMPTION
// =============================================================================

func (c *Controller) Unlink(ctx context.Context, linkID ledger.LinkID, actorID ledger.ActorID) (ledger.UnlinkResult, error) {
	result, err := c.ledger.UnlinkSpecificReservation(ctx, linkID, actorID)
	if err != nil {
		c.present(err)
		return result, err
	}
	c.linksChanged()
	c.reportUnlinked([]ledger.UnlinkResult{result})
	return result, nil
}

func (c *Controller) UnlinkIngredient(ctx context.Context, ingredientID ledger.IngredientID, actorID ledger.ActorID) ([]ledger.UnlinkResult, error) {
	results, err := c.ledger.UnlinkAllForIngredient(ctx, c.taskID, ingredientID, actorID)
	if err != nil {
		c.present(err)
		return nil, err
	}
	c.linksChanged()
	c.reportUnlinked(results)
	return results, nil
}

func (c *Controller) reportUnlinked(results []ledger.UnlinkResult) {
	discarded := decimal.Zero
	unit := ""
	for _, r := range results {
		discarded = discarded.Add(r.DiscardedConsumption)
		unit = r.Link.Snapshot.Unit
	}
	switch {
	case len(results) == 0:
		c.notifier.Notify(notify.Info, "Nothing to unlink")
	case discarded.IsPositive():
		c.notifier.Notify(notify.Warn, fmt.Sprintf("Unlinked; recorded consumption of %s was discarded",
			FormatQuantity(discarded, unit)))
	default:
		c.notifier.Notify(notify.Success, fmt.Sprintf("Unlinked %d reservation(s)", len(results)))
	}
}

func (c *Controller) RecordConsumption(ctx context.Context, linkID ledger.LinkID, delta decimal.Decimal) (ledger.Link, error) {
	link, err := c.ledger.RecordConsumption(ctx, linkID, delta)
	if err != nil {
		c.present(err)
		return link, err
	}
	c.linksChanged()
	return link, nil
}

// =============================================================================
// CHECKLIST
// =============================================================================

// EditIngredientQuantity rewrites an ingredient's quantity. The written
// checklist is acknowledged on the coordinator so its echo is dropped.
func (c *Controller) EditIngredientQuantity(ctx context.Context, ingredientID ledger.IngredientID, quantity decimal.Decimal, actorID ledger.ActorID) (Result, error) {
	result, err := c.checklist.UpdateIngredientQuantity(ctx, UpdateQuantityRequest{
		TaskID:       c.taskID,
		IngredientID: ingredientID,
		Quantity:     quantity,
		ActorID:      actorID,
		Acknowledge:  c.acknowledge,
	})
	if err != nil {
		c.present(err)
		return result, err
	}
	c.calc.Invalidate()
	c.notifier.Notify(notify.Success, result.Message)
	return result, nil
}

func (c *Controller) AddMixing(ctx context.Context, req AddMixingRequest) (Result, string, error) {
	req.TaskID = c.taskID
	req.Acknowledge = c.acknowledge
	result, headerID, err := c.checklist.AddMixing(ctx, req)
	if err != nil {
		c.present(err)
		return result, "", err
	}
	c.notifier.Notify(notify.Success, result.Message)
	return result, headerID, nil
}

func (c *Controller) RemoveMixing(ctx context.Context, headerID string, actorID ledger.ActorID) (Result, error) {
	result, err := c.checklist.RemoveMixing(ctx, RemoveMixingRequest{
		TaskID: c.taskID, HeaderID: headerID, ActorID: actorID, Acknowledge: c.acknowledge,
	})
	if err != nil {
		c.present(err)
		return result, err
	}
	c.notifier.Notify(notify.Success, result.Message)
	return result, nil
}

func (c *Controller) ToggleCheck(ctx context.Context, checkID string, completed bool, actorID ledger.ActorID) (Result, error) {
	result, err := c.checklist.ToggleCheck(ctx, ToggleCheckRequest{
		TaskID: c.taskID, CheckID: checkID, Completed: completed, ActorID: actorID, Acknowledge: c.acknowledge,
	})
	if err != nil {
		c.present(err)
		return result, err
	}
	return result, nil
}

func (c *Controller) acknowledge(checklist []byte) {
	if coord := c.coordinator(); coord != nil {
		coord.Acknowledge(checklist)
	}
}

// =============================================================================
// COSTS / STATUS
// =============================================================================

// Costs returns the task's cost summary, cached for unchanged inputs.
func (c *Controller) Costs(ctx context.Context) (*costing.CostSummary, error) {
	task, err := c.tasks.GetTask(ctx, c.taskID)
	if err != nil {
		return nil, err
	}
	links, err := c.links.ListLinks(ctx, c.taskID)
	if err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}

	var orders []ledger.POReservation
	for _, m := range task.Materials {
		po, err := c.source.POReservationsForMaterial(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("load purchase orders for %s: %w", m.ID, err)
		}
		orders = append(orders, po...)
	}

	c.mu.Lock()
	revision := c.revision
	c.mu.Unlock()

	return c.calc.Calculate(CostInput(task, links, orders, revision))
}

// IngredientStatus summarizes an ingredient's linking progress.
type IngredientStatus struct {
	IngredientID   ledger.IngredientID `json:"ingredient_id"`
	Reservations   int                 `json:"reservations"`
	Total          int                 `json:"total"`
	LinkedQuantity decimal.Decimal     `json:"linked_quantity"`
	Required       decimal.Decimal     `json:"required"`
	Unit           string              `json:"unit"`
	Percent        decimal.Decimal     `json:"percent"`
	Label          string              `json:"label"`
}

// IngredientStatus reports "N/M linked, P%": N reservations linked, M = N
// plus open candidates, P = linked quantity over required quantity.
func (c *Controller) IngredientStatus(ctx context.Context, ingredientID ledger.IngredientID) (IngredientStatus, error) {
	dialog, err := c.loadDialog(ctx, ingredientID)
	if err != nil {
		return IngredientStatus{}, err
	}

	linkedReservations := len(ledger.ReservationIDs(dialog.Links))
	percent := decimal.Zero
	if dialog.Required.Value.IsPositive() {
		percent = dialog.Linked.Div(dialog.Required.Value).Mul(decimal.NewFromInt(100)).Round(1)
	}

	status := IngredientStatus{
		IngredientID:   ingredientID,
		Reservations:   linkedReservations,
		Total:          linkedReservations + len(dialog.Candidates),
		LinkedQuantity: dialog.Linked,
		Required:       dialog.Required.Value,
		Unit:           dialog.Required.Unit,
		Percent:        percent,
	}
	status.Label = fmt.Sprintf("%d/%d linked, %s%%", status.Reservations, status.Total, percent.Round(0).String())
	return status, nil
}

// =============================================================================
// SYNC
// =============================================================================

// Attach starts live sync for this view. Without a hub it does nothing.
func (c *Controller) Attach(ctx context.Context) error {
	if c.hub == nil {
		return nil
	}
	task, err := c.tasks.GetTask(ctx, c.taskID)
	if err != nil {
		return err
	}
	checklist, err := task.ChecklistJSON()
	if err != nil {
		return err
	}

	opts := append([]realtime.Option{
		realtime.WithLogger(c.log),
		realtime.WithNotifier(c.notifier),
		realtime.OnTaskChanged(c.remoteChecklistChanged),
		realtime.OnLinksRefreshed(c.linksRefreshed),
	}, c.syncOpts...)
	coord := realtime.NewCoordinator(c.hub, c.taskID, realtime.NewStoreFetcher(c.links, c.source), opts...)
	if err := coord.Start(ctx, checklist); err != nil {
		return err
	}

	c.mu.Lock()
	previous := c.coord
	c.coord = coord
	c.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}
	return nil
}

// Detach stops live sync.
func (c *Controller) Detach() {
	c.mu.Lock()
	coord := c.coord
	c.coord = nil
	c.mu.Unlock()
	if coord != nil {
		coord.Stop()
	}
}

// Syncing reports whether the "synchronizing" indicator is on.
func (c *Controller) Syncing() bool {
	if coord := c.coordinator(); coord != nil {
		return coord.Syncing()
	}
	return false
}

// SyncState returns the coordinator's state, StateIdle when detached.
func (c *Controller) SyncState() realtime.State {
	if coord := c.coordinator(); coord != nil {
		return coord.State()
	}
	return realtime.StateIdle
}

func (c *Controller) coordinator() *realtime.Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coord
}

func (c *Controller) remoteChecklistChanged([]byte) {
	c.calc.Invalidate()
	c.notifier.Notify(notify.Info, "Mixing plan updated by another user")
}

func (c *Controller) linksRefreshed(realtime.Snapshot) {
	c.linksChanged()
	c.log.Debugw("links refreshed from stream")
}

// =============================================================================
// INTERNALS
// =============================================================================

func (c *Controller) nextToken() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token++
	return c.token
}

func (c *Controller) current(token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token == token
}

// linksChanged drops cached costs and moves the cost revision.
func (c *Controller) linksChanged() {
	c.mu.Lock()
	c.revision++
	c.mu.Unlock()
	c.calc.Invalidate()
}

func (c *Controller) ingredientLinks(ctx context.Context, ingredientID ledger.IngredientID) ([]ledger.Link, error) {
	grouped, err := c.ledger.ListLinksForTask(ctx, c.taskID)
	if err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}
	return grouped[ingredientID], nil
}

// present turns an error into a notification.
func (c *Controller) present(err error) {
	var (
		validation   *ledger.ValidationError
		insufficient *ledger.InsufficientReservationQuantityError
		over         *ledger.OverConsumptionError
	)
	switch {
	case errors.As(err, &insufficient):
		c.notifier.Notify(notify.Error, fmt.Sprintf("Only %s left on this reservation, someone else linked it first", insufficient.Available))
	case errors.As(err, &over):
		c.notifier.Notify(notify.Error, fmt.Sprintf("Consumption exceeds the linked quantity (%s linked, %s already consumed)", over.Linked, over.Consumed))
	case errors.As(err, &validation):
		c.notifier.Notify(notify.Error, validation.Message)
	case ledger.IsNotFound(err):
		c.notifier.Notify(notify.Error, "This item no longer exists. Reload the task.")
	default:
		c.log.Errorw("operation failed", "error", err)
		c.notifier.Notify(notify.Error, "Something went wrong, try again")
	}
}
