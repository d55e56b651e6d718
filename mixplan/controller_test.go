package mixplan_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/mixing-engine/ledger"
	"github.com/warp/mixing-engine/mixplan"
	"github.com/warp/mixing-engine/notify"
	"github.com/warp/mixing-engine/realtime"
	"github.com/warp/mixing-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store    *memory.Memory
	ledger   *ledger.Ledger
	hub      *realtime.Hub
	notes    *notify.Recorder
	ctrl     *mixplan.Controller
	checkl   *mixplan.Checklist
	taskID   ledger.TaskID
	deps     mixplan.ControllerDeps
	citricID ledger.IngredientID
}

func citricTask() *mixplan.ProductionTask {
	created := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	return &mixplan.ProductionTask{
		ID:               "task-1",
		Name:             "Lemon syrup",
		RequiredQuantity: d("120"),
		MixingPlan: []mixplan.MixingPlanItem{
			{ID: "h1", Kind: mixplan.KindHeader, Name: "Mixing 1", Details: "120 pcs", CreatedAt: &created},
			{ID: "ing-citric", Kind: mixplan.KindIngredient, ParentID: "h1", Name: "Citric Acid", Quantity: "12 kg", MaterialID: "mat-citric"},
			{ID: "chk-ph", Kind: mixplan.KindCheck, ParentID: "h1", Name: "pH verified"},
		},
		Materials: []mixplan.MaterialRequirement{
			{ID: "mat-citric", Name: "Citric Acid", Quantity: d("0.1"), Unit: "kg", UnitPrice: d("9")},
		},
	}
}

func newFixture(t *testing.T, withHub bool) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateTask(ctx, citricTask()))
	require.NoError(t, store.SaveReservation(ctx, ledger.Reservation{
		ID: "res-citric", TaskID: "task-1", MaterialID: "mat-citric", MaterialName: "Citric Acid",
		BatchNumber: "B-041", ReservedQuantity: d("12"), LinkedQuantity: decimal.Zero,
		Unit: "kg", Source: ledger.SourceStandard, UnitPrice: d("2.5"),
	}))

	f := &fixture{store: store, notes: &notify.Recorder{}, taskID: "task-1", citricID: "ing-citric"}
	var ledgerOpts []ledger.Option
	var checklistOpts []mixplan.ChecklistOption
	if withHub {
		f.hub = realtime.NewHub()
		t.Cleanup(f.hub.Close)
		ledgerOpts = append(ledgerOpts, ledger.WithEventSink(f.hub))
		checklistOpts = append(checklistOpts, mixplan.WithPublisher(f.hub))
	}
	f.ledger = ledger.New(store, ledgerOpts...)
	f.checkl = mixplan.NewChecklist(store, store, checklistOpts...)
	f.deps = mixplan.ControllerDeps{
		Tasks:       store,
		Checklist:   f.checkl,
		Ledger:      f.ledger,
		Source:      store,
		Links:       store,
		Hub:         f.hub,
		Notifier:    f.notes,
		SyncOptions: []realtime.Option{realtime.WithDebounce(20 * time.Millisecond)},
	}
	f.ctrl = mixplan.NewController(f.taskID, f.deps)
	t.Cleanup(f.ctrl.Detach)
	return f
}

func (f *fixture) available(t *testing.T) decimal.Decimal {
	t.Helper()
	r, err := f.store.GetReservation(context.Background(), "res-citric")
	require.NoError(t, err)
	return r.Available()
}

// =============================================================================
// SCENARIO
// =============================================================================

func TestController_CitricAcidScenario(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	// GIVEN: the dialog for Citric Acid
	dialog, err := f.ctrl.OpenLinkDialog(ctx, f.citricID)
	require.NoError(t, err)
	assert.True(t, dialog.Required.Value.Equal(d("12")))
	assert.Equal(t, "kg", dialog.Required.Unit)
	assert.True(t, dialog.Remaining.Equal(d("12")))
	require.Len(t, dialog.Candidates, 1)

	// WHEN: the whole amount is linked
	link, err := f.ctrl.ConfirmLink(ctx, dialog, "res-citric", d("12"), "operator-1")
	require.NoError(t, err)

	// THEN: nothing is left on the reservation and the ingredient is complete
	assert.True(t, f.available(t).IsZero())
	status, err := f.ctrl.IngredientStatus(ctx, f.citricID)
	require.NoError(t, err)
	assert.Equal(t, "1/1 linked, 100%", status.Label)
	assert.Equal(t, notify.Success, f.notes.Last().Level)

	// WHEN: 5 kg are consumed
	link, err = f.ctrl.RecordConsumption(ctx, link.ID, d("5"))
	require.NoError(t, err)
	assert.True(t, link.Remaining().Equal(d("7")))
	assert.Equal(t, "41.7", link.ConsumptionPercentage().StringFixed(1))

	// WHEN: the link is removed
	result, err := f.ctrl.Unlink(ctx, link.ID, "operator-1")
	require.NoError(t, err)

	// THEN: 12 kg are back and the discarded consumption was reported
	assert.True(t, f.available(t).Equal(d("12")))
	assert.True(t, result.DiscardedConsumption.Equal(d("5")))
	assert.Equal(t, notify.Warn, f.notes.Last().Level)
	assert.Contains(t, f.notes.Last().Message, "5 kg")

	status, err = f.ctrl.IngredientStatus(ctx, f.citricID)
	require.NoError(t, err)
	assert.Equal(t, "0/1 linked, 0%", status.Label)
}

// =============================================================================
// LINK DIALOG
// =============================================================================

func TestController_ConfirmLink_ClientSideValidation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	dialog, err := f.ctrl.OpenLinkDialog(ctx, f.citricID)
	require.NoError(t, err)

	for _, qty := range []string{"0", "-1", "12.5"} {
		_, err := f.ctrl.ConfirmLink(ctx, dialog, "res-citric", d(qty), "operator-1")
		assert.ErrorIs(t, err, ledger.ErrValidation, "quantity %s", qty)
	}
	_, err = f.ctrl.ConfirmLink(ctx, dialog, "res-unknown", d("1"), "operator-1")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	assert.True(t, f.available(t).Equal(d("12")), "no mutation attempted")
}

func TestController_ConfirmLink_LostRaceRefreshesCandidates(t *testing.T) {
	// GIVEN: a dialog showing 12 kg available
	f := newFixture(t, false)
	ctx := context.Background()
	dialog, err := f.ctrl.OpenLinkDialog(ctx, f.citricID)
	require.NoError(t, err)

	// AND: another client links 10 kg of the batch to a second mixing first
	_, err = f.ledger.CreateLink(ctx, ledger.CreateLinkRequest{
		TaskID: "task-1", IngredientID: "ing-citric-2", ReservationID: "res-citric",
		Quantity: d("10"), ActorID: "operator-2",
	})
	require.NoError(t, err)

	// WHEN: this client confirms 5 kg from the stale dialog
	_, err = f.ctrl.ConfirmLink(ctx, dialog, "res-citric", d("5"), "operator-1")

	// THEN: the ledger rejects it, the user sees what is left, candidates refresh
	var insufficient *ledger.InsufficientReservationQuantityError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(d("2")))
	assert.Equal(t, notify.Error, f.notes.Last().Level)
	assert.Contains(t, f.notes.Last().Message, "2")

	candidate, ok := dialog.Candidate("res-citric")
	require.True(t, ok)
	assert.True(t, candidate.Available().Equal(d("2")))
	assert.True(t, dialog.Remaining.Equal(d("12")))
}

func TestController_CancelledDialogCannotConfirm(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	dialog, err := f.ctrl.OpenLinkDialog(ctx, f.citricID)
	require.NoError(t, err)

	f.ctrl.CancelLinkDialog(dialog.Token)

	_, err = f.ctrl.ConfirmLink(ctx, dialog, "res-citric", d("1"), "operator-1")
	assert.ErrorIs(t, err, mixplan.ErrDialogSuperseded)
	assert.True(t, f.available(t).Equal(d("12")))
}

func TestController_NewerDialogSupersedesOlder(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	first, err := f.ctrl.OpenLinkDialog(ctx, f.citricID)
	require.NoError(t, err)
	second, err := f.ctrl.OpenLinkDialog(ctx, f.citricID)
	require.NoError(t, err)

	_, err = f.ctrl.ConfirmLink(ctx, first, "res-citric", d("1"), "operator-1")
	assert.ErrorIs(t, err, mixplan.ErrDialogSuperseded)

	_, err = f.ctrl.ConfirmLink(ctx, second, "res-citric", d("1"), "operator-1")
	assert.NoError(t, err)
}

func TestController_OpenLinkDialog_UnknownIngredient(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.ctrl.OpenLinkDialog(context.Background(), "nope")

	assert.True(t, ledger.IsNotFound(err))
	assert.Equal(t, notify.Error, f.notes.Last().Level)
}

func TestController_OpenLinkDialog_MalformedQuantity(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	task, err := f.store.GetTask(ctx, f.taskID)
	require.NoError(t, err)
	item, _ := task.Item("ing-citric")
	item.Quantity = "a pinch"
	require.NoError(t, f.store.SaveTask(ctx, task))

	_, err = f.ctrl.OpenLinkDialog(ctx, f.citricID)

	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestController_UnlinkIngredient(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	dialog, err := f.ctrl.OpenLinkDialog(ctx, f.citricID)
	require.NoError(t, err)
	_, err = f.ctrl.ConfirmLink(ctx, dialog, "res-citric", d("4"), "operator-1")
	require.NoError(t, err)

	results, err := f.ctrl.UnlinkIngredient(ctx, f.citricID, "operator-1")
	require.NoError(t, err)

	assert.Len(t, results, 1)
	assert.True(t, f.available(t).Equal(d("12")))
	assert.Equal(t, notify.Success, f.notes.Last().Level)
}

func TestController_RecordConsumption_OverConsumption(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	dialog, err := f.ctrl.OpenLinkDialog(ctx, f.citricID)
	require.NoError(t, err)
	link, err := f.ctrl.ConfirmLink(ctx, dialog, "res-citric", d("4"), "operator-1")
	require.NoError(t, err)

	_, err = f.ctrl.RecordConsumption(ctx, link.ID, d("4.5"))

	assert.ErrorIs(t, err, ledger.ErrOverConsumption)
	assert.Equal(t, notify.Error, f.notes.Last().Level)
}

// =============================================================================
// CHECKLIST
// =============================================================================

func TestController_EditIngredientQuantity_KeepsUnit(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	result, err := f.ctrl.EditIngredientQuantity(ctx, f.citricID, d("10.5"), "operator-1")
	require.NoError(t, err)
	assert.True(t, result.Success)

	task, err := f.store.GetTask(ctx, f.taskID)
	require.NoError(t, err)
	item, _ := task.Item("ing-citric")
	assert.Equal(t, "10.5 kg", item.Quantity)
}

func TestController_EditIngredientQuantity_RejectsNegative(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.ctrl.EditIngredientQuantity(context.Background(), f.citricID, d("-1"), "operator-1")

	assert.ErrorIs(t, err, ledger.ErrValidation)
	assert.False(t, result.Success)
}

func TestController_RemoveMixing_RefusedWhileLinked(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	dialog, err := f.ctrl.OpenLinkDialog(ctx, f.citricID)
	require.NoError(t, err)
	_, err = f.ctrl.ConfirmLink(ctx, dialog, "res-citric", d("1"), "operator-1")
	require.NoError(t, err)

	result, err := f.ctrl.RemoveMixing(ctx, "h1", "operator-1")

	assert.ErrorIs(t, err, ledger.ErrValidation)
	assert.False(t, result.Success)
	assert.True(t, strings.Contains(result.Message, "unlink"))
}

func TestController_AddAndRemoveMixing(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, headerID, err := f.ctrl.AddMixing(ctx, mixplan.AddMixingRequest{
		Name:        "Mixing 2",
		Details:     "60 pcs",
		Ingredients: []mixplan.IngredientLine{{Name: "Water", Quantity: "40 l"}},
		Checks:      []string{"Temperature below 30C"},
	})
	require.NoError(t, err)

	task, err := f.store.GetTask(ctx, f.taskID)
	require.NoError(t, err)
	require.NoError(t, task.ValidatePlan())
	assert.Len(t, task.Children(headerID), 2)
	assert.Len(t, task.Headers(), 2)

	_, err = f.ctrl.RemoveMixing(ctx, headerID, "operator-1")
	require.NoError(t, err)

	task, err = f.store.GetTask(ctx, f.taskID)
	require.NoError(t, err)
	assert.Len(t, task.MixingPlan, 3)
}

func TestController_ToggleCheck(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.ctrl.ToggleCheck(ctx, "chk-ph", true, "operator-1")
	require.NoError(t, err)

	task, err := f.store.GetTask(ctx, f.taskID)
	require.NoError(t, err)
	item, _ := task.Item("chk-ph")
	assert.True(t, item.Completed)
	assert.NotNil(t, item.CompletedAt)
	assert.Equal(t, "operator-1", item.AssignedTo)

	_, err = f.ctrl.ToggleCheck(ctx, "ing-citric", true, "operator-1")
	assert.True(t, ledger.IsNotFound(err), "ingredients are not checks")
}

// =============================================================================
// COSTS
// =============================================================================

func TestController_Costs_UseLinkedBatchPrice(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	before, err := f.ctrl.Costs(ctx)
	require.NoError(t, err)
	line, _ := before.Material("mat-citric")
	assert.True(t, line.FromListedPrice)

	dialog, err := f.ctrl.OpenLinkDialog(ctx, f.citricID)
	require.NoError(t, err)
	_, err = f.ctrl.ConfirmLink(ctx, dialog, "res-citric", d("12"), "operator-1")
	require.NoError(t, err)

	// Invalidated locally: no need to wait out the cache TTL.
	after, err := f.ctrl.Costs(ctx)
	require.NoError(t, err)
	assert.NotSame(t, before, after)

	line, _ = after.Material("mat-citric")
	assert.True(t, line.WeightedUnitPrice.Equal(d("2.5")))
	// 2.5 x 0.1 kg x 120 pcs
	assert.True(t, after.TotalMaterialCost.Equal(d("30")))
	assert.True(t, after.UnitMaterialCost.Equal(d("0.25")))
}

func TestController_Costs_CachedWhileUnchanged(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	first, err := f.ctrl.Costs(ctx)
	require.NoError(t, err)
	second, err := f.ctrl.Costs(ctx)
	require.NoError(t, err)

	assert.Same(t, first, second)
}

func TestController_Costs_IncludePendingPurchaseOrders(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.store.SavePOReservation(ctx, ledger.POReservation{
		ID: "po-1", TaskID: "task-1", MaterialID: "mat-citric", Status: ledger.POPending,
		ReservedQuantity: d("12"), UnitPrice: d("3.5"),
	}))
	dialog, err := f.ctrl.OpenLinkDialog(ctx, f.citricID)
	require.NoError(t, err)
	_, err = f.ctrl.ConfirmLink(ctx, dialog, "res-citric", d("12"), "operator-1")
	require.NoError(t, err)

	summary, err := f.ctrl.Costs(ctx)
	require.NoError(t, err)

	line, _ := summary.Material("mat-citric")
	assert.True(t, line.WeightedUnitPrice.Equal(d("3")), "got %s", line.WeightedUnitPrice)
}

// =============================================================================
// LIVE SYNC
// =============================================================================

func TestController_OwnEditDoesNotEcho(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Attach(ctx))

	_, err := f.ctrl.EditIngredientQuantity(ctx, f.citricID, d("11"), "operator-1")
	require.NoError(t, err)

	assert.Never(t, func() bool {
		for _, n := range f.notes.All() {
			if n.Level == notify.Info {
				return true
			}
		}
		return false
	}, 150*time.Millisecond, 5*time.Millisecond)
}

func TestController_RemoteEditIsPickedUp(t *testing.T) {
	// GIVEN: two views of the same task
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Attach(ctx))

	otherNotes := &notify.Recorder{}
	deps := f.deps
	deps.Notifier = otherNotes
	other := mixplan.NewController(f.taskID, deps)
	require.NoError(t, other.Attach(ctx))
	t.Cleanup(other.Detach)

	// WHEN: the other view edits a quantity
	_, err := other.EditIngredientQuantity(ctx, f.citricID, d("11"), "operator-2")
	require.NoError(t, err)

	// THEN: the first view is told, the other view is not
	require.Eventually(t, func() bool {
		return f.notes.Last().Message == "Mixing plan updated by another user"
	}, time.Second, 5*time.Millisecond)
	for _, n := range otherNotes.All() {
		assert.NotEqual(t, notify.Info, n.Level)
	}
}

func TestController_DetachStopsSync(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Attach(ctx))
	assert.Equal(t, realtime.StateSubscribed, f.ctrl.SyncState())

	f.ctrl.Detach()

	assert.Equal(t, realtime.StateIdle, f.ctrl.SyncState())
	assert.Equal(t, 0, f.hub.Subscribers())
}
