/*
handlers_test.go - HTTP tests for the task, link and checklist endpoints

Tests for:
- The Citric Acid flow end to end (dialog, link, consume, unlink)
- Error status mapping
- Cost summaries with purchase orders
- The WebSocket change stream
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/mixing-engine/costing"
	"github.com/warp/mixing-engine/ledger"
	"github.com/warp/mixing-engine/mixplan"
	"github.com/warp/mixing-engine/realtime"
	"github.com/warp/mixing-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	*httptest.Server
	handler *Handler
	store   *sqlite.Store
	audit   *AuditScheduler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := NewHandler(store)
	t.Cleanup(h.Hub.Close)
	t.Cleanup(h.Close)
	audit := NewAuditScheduler(store, h.Ledger, nil)

	srv := httptest.NewServer(NewRouter(h, audit, []string{"*"}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, handler: h, store: store, audit: audit}
}

func (ts *testServer) load(t *testing.T, scenario string) {
	t.Helper()
	require.NoError(t, ts.handler.loadScenario(context.Background(), scenario))
}

// call sends body as JSON and decodes the response into out when non-nil.
func (ts *testServer) call(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func dd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// CITRIC ACID FLOW
// =============================================================================

func TestCitricAcidFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.load(t, "citric-acid")
	base := "/api/tasks/task-lemon/ingredients/ing-citric"

	// GIVEN: 12 kg required, one 12 kg batch
	var dialog LinkDialogDTO
	require.Equal(t, http.StatusOK, ts.call(t, "GET", base+"/link-dialog", nil, &dialog))
	assert.True(t, dialog.Required.Equal(dd("12")))
	assert.True(t, dialog.Remaining.Equal(dd("12")))
	require.Len(t, dialog.Candidates, 1)
	assert.Equal(t, "res-citric-041", dialog.Candidates[0].ID)

	// WHEN: the whole batch is linked
	var link LinkDTO
	require.Equal(t, http.StatusCreated, ts.call(t, "POST", base+"/links",
		CreateLinkRequest{ReservationID: "res-citric-041", Quantity: dd("12"), ActorID: "ana"}, &link))

	// THEN: the ingredient is fully linked
	assert.True(t, link.LinkedQuantity.Equal(dd("12")))
	assert.Equal(t, "B-2026-041", link.BatchNumber)
	var task TaskDTO
	require.Equal(t, http.StatusOK, ts.call(t, "GET", "/api/tasks/task-lemon", nil, &task))
	require.Len(t, task.Ingredients, 1)
	require.NotNil(t, task.Ingredients[0].Status)
	assert.Equal(t, "1/1 linked, 100%", task.Ingredients[0].Status.Label)

	// WHEN: 5 kg are consumed
	var consumed LinkDTO
	require.Equal(t, http.StatusOK, ts.call(t, "POST", "/api/links/"+link.ID+"/consumption",
		ConsumptionRequest{Delta: dd("5")}, &consumed))
	assert.True(t, consumed.ConsumedQuantity.Equal(dd("5")))
	assert.True(t, consumed.ConsumedPercent.Equal(dd("41.7")))

	// AND: the link is removed
	var unlinked UnlinkDTO
	require.Equal(t, http.StatusOK, ts.call(t, "DELETE", "/api/links/"+link.ID+"?actor_id=ana", nil, &unlinked))
	assert.True(t, unlinked.DiscardedConsumption.Equal(dd("5")))

	// THEN: the reservation is whole again
	r, err := ts.store.GetReservation(context.Background(), "res-citric-041")
	require.NoError(t, err)
	assert.True(t, r.LinkedQuantity.IsZero())
	require.Equal(t, http.StatusOK, ts.call(t, "GET", "/api/tasks/task-lemon", nil, &task))
	assert.Equal(t, "0/1 linked, 0%", task.Ingredients[0].Status.Label)
}

func TestReservations_IncludeVirtualSnapshots(t *testing.T) {
	ts := newTestServer(t)
	ts.load(t, "partial-links")

	var reservations []ReservationDTO
	require.Equal(t, http.StatusOK, ts.call(t, "GET", "/api/tasks/task-candy/reservations", nil, &reservations))

	virtual := 0
	for _, r := range reservations {
		if r.Virtual {
			virtual++
			assert.Equal(t, "res-sugar-a", r.ID)
		}
	}
	// res-sugar-a is fully linked, so it shows up as standard and as snapshot
	assert.Equal(t, 2, virtual)
	assert.Len(t, reservations, 4)

	var grouped map[string][]LinkDTO
	require.Equal(t, http.StatusOK, ts.call(t, "GET", "/api/tasks/task-candy/links", nil, &grouped))
	require.Len(t, grouped["ing-sugar"], 1)
	assert.True(t, grouped["ing-sugar"][0].ConsumedQuantity.Equal(dd("10")))
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrors_StatusMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.load(t, "citric-acid")
	base := "/api/tasks/task-lemon/ingredients/ing-citric"

	var errResp ErrorResponse
	assert.Equal(t, http.StatusNotFound, ts.call(t, "GET", "/api/tasks/nope", nil, &errResp))
	assert.Equal(t, http.StatusNotFound, ts.call(t, "GET", "/api/tasks/task-lemon/ingredients/nope/link-dialog", nil, nil))

	// More than available is rejected before the ledger is asked.
	assert.Equal(t, http.StatusBadRequest, ts.call(t, "POST", base+"/links",
		CreateLinkRequest{ReservationID: "res-citric-041", Quantity: dd("13")}, &errResp))
	assert.Contains(t, errResp.Details, "at most 12")

	assert.Equal(t, http.StatusBadRequest, ts.call(t, "POST", base+"/links",
		CreateLinkRequest{ReservationID: "res-citric-041", Quantity: dd("0")}, nil))

	var link LinkDTO
	require.Equal(t, http.StatusCreated, ts.call(t, "POST", base+"/links",
		CreateLinkRequest{ReservationID: "res-citric-041", Quantity: dd("4")}, &link))

	// Over-consumption is never clamped.
	assert.Equal(t, http.StatusUnprocessableEntity, ts.call(t, "POST", "/api/links/"+link.ID+"/consumption",
		ConsumptionRequest{Delta: dd("4.5")}, &errResp))

	assert.Equal(t, http.StatusNotFound, ts.call(t, "DELETE", "/api/links/nope", nil, nil))
	assert.Equal(t, http.StatusBadRequest, ts.call(t, "POST", "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, nil))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ledger.NewValidationError("quantity", "bad"), http.StatusBadRequest},
		{ledger.NotFound("link", "l1"), http.StatusNotFound},
		{fmt.Errorf("save: %w", ledger.ErrConcurrentModification), http.StatusConflict},
		{mixplan.ErrDialogSuperseded, http.StatusConflict},
		{&ledger.InsufficientReservationQuantityError{ReservationID: "r"}, http.StatusUnprocessableEntity},
		{&ledger.OverConsumptionError{}, http.StatusUnprocessableEntity},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

// =============================================================================
// CHECKLIST
// =============================================================================

func TestChecklist_Endpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.load(t, "citric-acid")

	// Quantity edit keeps the unit
	var result ResultDTO
	require.Equal(t, http.StatusOK, ts.call(t, "PUT", "/api/tasks/task-lemon/ingredients/ing-citric/quantity",
		UpdateQuantityRequest{Quantity: dd("10.5"), ActorID: "ana"}, &result))
	assert.True(t, result.Success)
	task, err := ts.store.GetTask(context.Background(), "task-lemon")
	require.NoError(t, err)
	ing, err := task.Ingredient("ing-citric")
	require.NoError(t, err)
	assert.Equal(t, "10.5 kg", ing.Quantity)

	// Add a mixing, toggle its check, remove it
	require.Equal(t, http.StatusCreated, ts.call(t, "POST", "/api/tasks/task-lemon/mixings", AddMixingRequest{
		Name:        "Mixing 2",
		Details:     "60 pcs",
		Ingredients: []mixplan.IngredientLine{{Name: "Sugar", Quantity: "3 kg"}},
		Checks:      []string{"Temperature logged"},
	}, &result))
	require.NotEmpty(t, result.HeaderID)

	task, err = ts.store.GetTask(context.Background(), "task-lemon")
	require.NoError(t, err)
	var checkID string
	for _, item := range task.Children(result.HeaderID) {
		if item.Kind == mixplan.KindCheck {
			checkID = item.ID
		}
	}
	require.NotEmpty(t, checkID)
	assert.Equal(t, http.StatusOK, ts.call(t, "POST", "/api/tasks/task-lemon/checks/"+checkID, ToggleCheckRequest{Completed: true, ActorID: "ana"}, nil))
	assert.Equal(t, http.StatusOK, ts.call(t, "DELETE", "/api/tasks/task-lemon/mixings/"+result.HeaderID, nil, nil))
}

func TestChecklist_RemoveRefusedWhileLinked(t *testing.T) {
	ts := newTestServer(t)
	ts.load(t, "purchase-orders")

	var errResp ErrorResponse
	assert.Equal(t, http.StatusBadRequest, ts.call(t, "DELETE", "/api/tasks/task-jam/mixings/task-jam-mix-1", nil, &errResp))
	assert.Contains(t, errResp.Details, "unlink them first")
}

// =============================================================================
// COSTS AND AUDIT
// =============================================================================

func TestCosts_WeightedOverLinksAndOpenOrders(t *testing.T) {
	ts := newTestServer(t)
	ts.load(t, "purchase-orders")

	// 2 kg linked at 10 and 2 kg open on a PO at 14; the cancelled PO is ignored
	var summary costing.CostSummary
	require.Equal(t, http.StatusOK, ts.call(t, "GET", "/api/tasks/task-jam/costs", nil, &summary))
	pectin, ok := summary.Material("mat-pectin")
	require.True(t, ok)
	assert.True(t, pectin.WeightedUnitPrice.Equal(dd("12")), "price %s", pectin.WeightedUnitPrice)
	assert.True(t, summary.TotalMaterialCost.Equal(dd("36")), "total %s", summary.TotalMaterialCost)
	assert.True(t, summary.UnitMaterialCost.Equal(dd("0.18")), "unit %s", summary.UnitMaterialCost)

	// The cost view stays attached for live updates
	var sync SyncStateDTO
	require.Equal(t, http.StatusOK, ts.call(t, "GET", "/api/tasks/task-jam/sync", nil, &sync))
	assert.Equal(t, "subscribed", sync.State)
	assert.Equal(t, http.StatusNotFound, ts.call(t, "GET", "/api/tasks/nope/sync", nil, nil))
}

func TestAudit_ReportsCounterDrift(t *testing.T) {
	ts := newTestServer(t)
	ts.load(t, "partial-links")
	ctx := context.Background()

	run := ts.audit.RunNow(ctx)
	assert.Equal(t, 1, run.Tasks)
	assert.Empty(t, run.Drift)

	// GIVEN: a counter changed behind the ledger's back
	r, err := ts.store.GetReservation(ctx, "res-sugar-a")
	require.NoError(t, err)
	require.NoError(t, ts.store.UpdateLinkedQuantity(ctx, r.ID, r.Version, dd("20")))

	// THEN: both the per-task endpoint and the scheduler see it
	var drifts []DriftDTO
	require.Equal(t, http.StatusOK, ts.call(t, "GET", "/api/tasks/task-candy/audit", nil, &drifts))
	require.Len(t, drifts, 1)
	assert.Equal(t, ledger.DriftCounterMismatch, drifts[0].Reason)

	var latest AuditRun
	require.Equal(t, http.StatusOK, ts.call(t, "POST", "/api/audit/run", nil, &latest))
	assert.Len(t, latest.Drift["task-candy"], 1)
	assert.NotNil(t, ts.audit.LastRun())
}

// =============================================================================
// STREAM
// =============================================================================

func TestStream_ForwardsLinkChanges(t *testing.T) {
	ts := newTestServer(t)
	ts.load(t, "citric-acid")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/tasks/task-lemon/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// GIVEN: the stream subscribed to the task and its links
	require.Eventually(t, func() bool { return ts.handler.Hub.Subscribers() >= 2 }, time.Second, 10*time.Millisecond)

	// WHEN: a link is created
	require.Equal(t, http.StatusCreated, ts.call(t, "POST", "/api/tasks/task-lemon/ingredients/ing-citric/links",
		CreateLinkRequest{ReservationID: "res-citric-041", Quantity: dd("3")}, nil))

	// THEN: the change arrives on the socket
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg StreamMessage
	for msg.Collection != realtime.CollectionLinks {
		require.NoError(t, conn.ReadJSON(&msg))
	}
	assert.Equal(t, "change", msg.Type)

	var event ledger.LinkEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &event))
	assert.Equal(t, ledger.TaskID("task-lemon"), event.TaskID)
	assert.True(t, event.Quantity.Equal(dd("3")))
}

func TestStream_UnknownTask(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, ts.call(t, "GET", "/api/tasks/nope/stream", nil, nil))
}
