/*
handlers.go - HTTP API handlers for the mixing plan engine

PURPOSE:
  Exposes the link ledger, the mixing plan checklist and cost reconciliation
  via REST API. Handles HTTP request/response and JSON serialization, and
  delegates to mixplan.Controller for everything a task view does.

ENDPOINTS:
  Tasks:
    GET    /api/tasks                                         List task IDs
    GET    /api/tasks/{id}                                    Task, plan, ingredient status
    GET    /api/tasks/{id}/links                              Links per ingredient
    GET    /api/tasks/{id}/reservations                       Standard + virtual reservations
    GET    /api/tasks/{id}/costs                              Cost summary
    GET    /api/tasks/{id}/audit                              Counter drift report
    GET    /api/tasks/{id}/stream                             WebSocket change stream

  Ingredients:
    GET    /api/tasks/{id}/ingredients/{ingredientID}/link-dialog
    POST   /api/tasks/{id}/ingredients/{ingredientID}/links   Link a reservation
    DELETE /api/tasks/{id}/ingredients/{ingredientID}/links   Unlink all
    PUT    /api/tasks/{id}/ingredients/{ingredientID}/quantity

  Checklist:
    POST   /api/tasks/{id}/mixings
    DELETE /api/tasks/{id}/mixings/{headerID}
    POST   /api/tasks/{id}/checks/{checkID}

  Links:
    DELETE /api/links/{id}
    POST   /api/links/{id}/consumption

ARCHITECTURE:
  Handler holds the shared store, ledger, checklist service and hub. Every
  request that opens a link dialog gets its own Controller so dialog tokens
  of concurrent clients never supersede each other. Cost summaries come from
  one cached Controller per task so its cost cache is shared.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Task, ingredient, link or reservation not found
  - 409: Concurrent modification, superseded dialog
  - 422: Insufficient reservation quantity, over-consumption
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public;
  actor IDs are taken from request bodies as given.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/warp/mixing-engine/costing"
	"github.com/warp/mixing-engine/ledger"
	"github.com/warp/mixing-engine/mixplan"
	"github.com/warp/mixing-engine/notify"
	"github.com/warp/mixing-engine/realtime"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the API needs from persistence. Both store/sqlite and
// store/memory satisfy it.
type Store interface {
	ledger.TxStore
	ledger.ReservationSource
	mixplan.TaskStore

	SaveReservation(ctx context.Context, r ledger.Reservation) error
	SavePOReservation(ctx context.Context, p ledger.POReservation) error
	CreateTask(ctx context.Context, t *mixplan.ProductionTask) error
	ListTasks(ctx context.Context) ([]ledger.TaskID, error)
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     Store
	Ledger    *ledger.Ledger
	Checklist *mixplan.Checklist
	Hub       *realtime.Hub

	log      *zap.SugaredLogger
	notifier notify.Notifier
	costOpts []costing.Option
	syncOpts []realtime.Option
	upgrader websocket.Upgrader

	mu        sync.Mutex
	costViews map[ledger.TaskID]*mixplan.Controller

	// Track currently loaded scenario
	currentScenario string
}

type HandlerOption func(*Handler)

func WithLogger(log *zap.SugaredLogger) HandlerOption {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

func WithHub(hub *realtime.Hub) HandlerOption {
	return func(h *Handler) { h.Hub = hub }
}

func WithCostOptions(opts ...costing.Option) HandlerOption {
	return func(h *Handler) { h.costOpts = append(h.costOpts, opts...) }
}

// WithSyncOptions tunes the coordinators behind cost views.
func WithSyncOptions(opts ...realtime.Option) HandlerOption {
	return func(h *Handler) { h.syncOpts = append(h.syncOpts, opts...) }
}

// WithAllowedOrigins restricts WebSocket upgrades to origins. Empty allows
// any origin.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handler) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
}

// NewHandler creates a new handler with the given store. The ledger and the
// checklist publish to the hub, so every write reaches live streams.
func NewHandler(store Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		Store:     store,
		log:       zap.NewNop().Sugar(),
		costViews: make(map[ledger.TaskID]*mixplan.Controller),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.Hub == nil {
		h.Hub = realtime.NewHub(realtime.WithHubLogger(h.log))
	}
	h.notifier = notify.NewLog(h.log)
	h.Ledger = ledger.New(store, ledger.WithEventSink(h.Hub), ledger.WithLogger(h.log))
	h.Checklist = mixplan.NewChecklist(store, store,
		mixplan.WithPublisher(h.Hub), mixplan.WithChecklistLogger(h.log))
	return h
}

// view returns a fresh controller for one request.
func (h *Handler) view(taskID ledger.TaskID) *mixplan.Controller {
	return mixplan.NewController(taskID, h.deps())
}

// costView returns the task's shared controller for cost summaries. It stays
// attached to the hub so remote writes invalidate its cached summary. A view
// that fails to attach is returned but not kept.
func (h *Handler) costView(taskID ledger.TaskID) *mixplan.Controller {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.costViews[taskID]; ok {
		return c
	}
	c := mixplan.NewController(taskID, h.deps())
	if err := c.Attach(context.Background()); err != nil {
		h.log.Debugw("cost view not attached", "task_id", taskID, "error", err)
		return c
	}
	h.costViews[taskID] = c
	return c
}

func (h *Handler) dropCostViews() {
	h.mu.Lock()
	views := h.costViews
	h.costViews = make(map[ledger.TaskID]*mixplan.Controller)
	h.mu.Unlock()

	for _, c := range views {
		c.Detach()
	}
}

// Close detaches every cost view. The hub is left to its owner.
func (h *Handler) Close() {
	h.dropCostViews()
}

func (h *Handler) deps() mixplan.ControllerDeps {
	return mixplan.ControllerDeps{
		Tasks:       h.Store,
		Checklist:   h.Checklist,
		Ledger:      h.Ledger,
		Source:      h.Store,
		Links:       h.Store,
		Hub:         h.Hub,
		Notifier:    h.notifier,
		Logger:      h.log,
		CostOptions: h.costOpts,
		SyncOptions: h.syncOpts,
	}
}

// =============================================================================
// TASK HANDLERS
// =============================================================================

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Store.ListTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tasks", err)
		return
	}
	if ids == nil {
		ids = []ledger.TaskID{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// GetTask returns the task, its mixing plan and per-ingredient link status.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := taskParam(r)

	task, err := h.Store.GetTask(ctx, taskID)
	if err != nil {
		writeDomainError(w, "Failed to get task", err)
		return
	}

	view := h.view(taskID)
	dto := TaskDTO{
		ID:                string(task.ID),
		Name:              task.Name,
		RequiredQuantity:  task.RequiredQuantity,
		CompletedQuantity: task.CompletedQuantity,
		Version:           task.Version,
		MixingPlan:        task.MixingPlan,
		Ingredients:       []IngredientStatusDTO{},
	}
	for _, item := range task.Ingredients() {
		entry := IngredientStatusDTO{ID: item.ID, Name: item.Name, Quantity: item.Quantity}
		status, err := view.IngredientStatus(ctx, ledger.IngredientID(item.ID))
		switch {
		case err == nil:
			entry.Status = &status
		case errors.Is(err, ledger.ErrValidation):
			h.log.Debugw("ingredient status unavailable", "task_id", taskID, "ingredient_id", item.ID, "error", err)
		default:
			writeDomainError(w, "Failed to compute ingredient status", err)
			return
		}
		dto.Ingredients = append(dto.Ingredients, entry)
	}

	writeJSON(w, http.StatusOK, dto)
}

// ListLinks returns the task's links grouped by ingredient.
func (h *Handler) ListLinks(w http.ResponseWriter, r *http.Request) {
	grouped, err := h.Ledger.ListLinksForTask(r.Context(), taskParam(r))
	if err != nil {
		writeDomainError(w, "Failed to list links", err)
		return
	}

	resp := make(map[string][]LinkDTO, len(grouped))
	for ingredientID, links := range grouped {
		resp[string(ingredientID)] = toLinkDTOs(links)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListReservations returns standard reservations followed by virtual ones
// rebuilt from link snapshots.
func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	reservations, err := realtime.NewStoreFetcher(h.Store, h.Store).Reservations(r.Context(), taskParam(r))
	if err != nil {
		writeDomainError(w, "Failed to list reservations", err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTOs(reservations))
}

func (h *Handler) GetCosts(w http.ResponseWriter, r *http.Request) {
	summary, err := h.costView(taskParam(r)).Costs(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to compute costs", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// SyncStateDTO reports the live-sync status of the task's cost view.
type SyncStateDTO struct {
	State   string `json:"state"`
	Syncing bool   `json:"syncing"`
}

// GetSyncState returns the coordinator state behind the task's cost view.
func (h *Handler) GetSyncState(w http.ResponseWriter, r *http.Request) {
	taskID := taskParam(r)
	if _, err := h.Store.GetTask(r.Context(), taskID); err != nil {
		writeDomainError(w, "Failed to load task", err)
		return
	}
	c := h.costView(taskID)
	writeJSON(w, http.StatusOK, SyncStateDTO{State: c.SyncState().String(), Syncing: c.Syncing()})
}

func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	drifts, err := h.Ledger.Audit(r.Context(), taskParam(r))
	if err != nil {
		writeDomainError(w, "Failed to audit links", err)
		return
	}
	writeJSON(w, http.StatusOK, toDriftDTOs(drifts))
}

// =============================================================================
// INGREDIENT HANDLERS
// =============================================================================

func (h *Handler) GetLinkDialog(w http.ResponseWriter, r *http.Request) {
	dialog, err := h.view(taskParam(r)).OpenLinkDialog(r.Context(), ingredientParam(r))
	if err != nil {
		writeDomainError(w, "Failed to open link dialog", err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkDialogDTO(dialog))
}

// CreateLink opens the ingredient's link dialog and confirms one candidate.
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	var req CreateLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	view := h.view(taskParam(r))
	dialog, err := view.OpenLinkDialog(ctx, ingredientParam(r))
	if err != nil {
		writeDomainError(w, "Failed to open link dialog", err)
		return
	}

	link, err := view.ConfirmLink(ctx, dialog, ledger.ReservationID(req.ReservationID), req.Quantity, ledger.ActorID(req.ActorID))
	if err != nil {
		writeDomainError(w, "Failed to link reservation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLinkDTO(link))
}

func (h *Handler) UnlinkIngredient(w http.ResponseWriter, r *http.Request) {
	results, err := h.view(taskParam(r)).UnlinkIngredient(r.Context(), ingredientParam(r), ledger.ActorID(r.URL.Query().Get("actor_id")))
	if err != nil {
		writeDomainError(w, "Failed to unlink ingredient", err)
		return
	}
	writeJSON(w, http.StatusOK, toUnlinkDTOs(results))
}

func (h *Handler) UpdateIngredientQuantity(w http.ResponseWriter, r *http.Request) {
	var req UpdateQuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.view(taskParam(r)).EditIngredientQuantity(r.Context(), ingredientParam(r), req.Quantity, ledger.ActorID(req.ActorID))
	if err != nil {
		writeDomainError(w, result.Message, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultDTO{Success: result.Success, Message: result.Message})
}

// =============================================================================
// CHECKLIST HANDLERS
// =============================================================================

func (h *Handler) AddMixing(w http.ResponseWriter, r *http.Request) {
	var req AddMixingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, headerID, err := h.view(taskParam(r)).AddMixing(r.Context(), mixplan.AddMixingRequest{
		Name:        req.Name,
		Details:     req.Details,
		Ingredients: req.Ingredients,
		Checks:      req.Checks,
		ActorID:     ledger.ActorID(req.ActorID),
	})
	if err != nil {
		writeDomainError(w, result.Message, err)
		return
	}
	writeJSON(w, http.StatusCreated, ResultDTO{Success: true, Message: result.Message, HeaderID: headerID})
}

func (h *Handler) RemoveMixing(w http.ResponseWriter, r *http.Request) {
	result, err := h.view(taskParam(r)).RemoveMixing(r.Context(), chi.URLParam(r, "headerID"), ledger.ActorID(r.URL.Query().Get("actor_id")))
	if err != nil {
		writeDomainError(w, result.Message, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultDTO{Success: true, Message: result.Message})
}

func (h *Handler) ToggleCheck(w http.ResponseWriter, r *http.Request) {
	var req ToggleCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.view(taskParam(r)).ToggleCheck(r.Context(), chi.URLParam(r, "checkID"), req.Completed, ledger.ActorID(req.ActorID))
	if err != nil {
		writeDomainError(w, result.Message, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultDTO{Success: true, Message: result.Message})
}

// =============================================================================
// LINK HANDLERS
// =============================================================================

func (h *Handler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	link, err := h.Store.GetLink(ctx, ledger.LinkID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to find link", err)
		return
	}

	result, err := h.view(link.TaskID).Unlink(ctx, link.ID, ledger.ActorID(r.URL.Query().Get("actor_id")))
	if err != nil {
		writeDomainError(w, "Failed to unlink", err)
		return
	}
	writeJSON(w, http.StatusOK, toUnlinkDTOs([]ledger.UnlinkResult{result})[0])
}

func (h *Handler) RecordConsumption(w http.ResponseWriter, r *http.Request) {
	var req ConsumptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	link, err := h.Store.GetLink(ctx, ledger.LinkID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to find link", err)
		return
	}

	updated, err := h.view(link.TaskID).RecordConsumption(ctx, link.ID, req.Delta)
	if err != nil {
		writeDomainError(w, "Failed to record consumption", err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkDTO(updated))
}

// =============================================================================
// LIVE STREAM
// =============================================================================

// StreamMessage is one frame on the task's WebSocket stream.
type StreamMessage struct {
	Type       string          `json:"type"` // change | error
	Collection string          `json:"collection,omitempty"`
	DocumentID string          `json:"document_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	At         time.Time       `json:"at,omitempty"`
	Error      string          `json:"error,omitempty"`
}

const streamBuffer = 64

// Stream forwards the task document and its link changes over a WebSocket
// until the client disconnects. Frames that do not fit the buffer are
// dropped; clients recover by refetching.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	taskID := taskParam(r)
	if _, err := h.Store.GetTask(r.Context(), taskID); err != nil {
		writeDomainError(w, "Failed to open stream", err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "task_id", taskID, "error", err)
		return
	}
	defer conn.Close()

	frames := make(chan StreamMessage, streamBuffer)
	done := make(chan struct{})
	forward := func(change realtime.Change, err error) {
		msg := StreamMessage{Type: "change", Collection: change.Collection, DocumentID: change.DocumentID, Payload: change.Payload, At: change.At}
		if err != nil {
			msg = StreamMessage{Type: "error", Error: err.Error()}
		}
		select {
		case frames <- msg:
		case <-done:
		default:
			h.log.Warnw("stream frame dropped", "task_id", taskID, "collection", change.Collection)
		}
	}

	unsubTask := h.Hub.SubscribeDocument(realtime.CollectionTasks, string(taskID), forward)
	unsubLinks := h.Hub.SubscribeQuery(realtime.CollectionLinks, realtime.FieldTaskID, string(taskID), forward)
	defer func() {
		unsubTask()
		unsubLinks()
		close(done)
	}()

	// Reader: detects disconnects; clients send nothing meaningful.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.log.Debugw("stream opened", "task_id", taskID)
	for {
		select {
		case msg := <-frames:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debugw("stream write failed", "task_id", taskID, "error", err)
				return
			}
		case <-closed:
			h.log.Debugw("stream closed", "task_id", taskID)
			return
		case <-r.Context().Done():
			return
		}
	}
}

// =============================================================================
// ADMIN
// =============================================================================

func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.dropCostViews()
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// HELPERS
// =============================================================================

func taskParam(r *http.Request) ledger.TaskID {
	return ledger.TaskID(chi.URLParam(r, "id"))
}

func ingredientParam(r *http.Request) ledger.IngredientID {
	return ledger.IngredientID(chi.URLParam(r, "ingredientID"))
}

func toUnlinkDTOs(results []ledger.UnlinkResult) []UnlinkDTO {
	dtos := make([]UnlinkDTO, len(results))
	for i, res := range results {
		dtos[i] = UnlinkDTO{Link: toLinkDTO(res.Link), DiscardedConsumption: res.DiscardedConsumption}
	}
	return dtos
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger and controller errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	if message == "" {
		message = "Request failed"
	}
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrConcurrentModification), errors.Is(err, mixplan.ErrDialogSuperseded):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientReservationQuantity), errors.Is(err, ledger.ErrOverConsumption):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
