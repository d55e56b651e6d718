/*
Package realtime propagates task and link changes to every open view.

PURPOSE:
  Several operators may look at the same production task at once. Every
  ledger mutation and checklist write is published on the Hub; each view's
  Coordinator listens to its task document and to the link collection
  filtered by task, and refreshes its local state.

KEY CONCEPTS IN THIS FILE (hub.go):
  - Change: one document change on a collection
  - Subscription: a document or filtered-query listener, in-order delivery
  - Retained changes: the last change of a retained document is replayed to
    new document subscribers, so a fresh subscriber sees current state

SEE ALSO:
  - coordinator.go: Per-view sync state machine
*/
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/warp/mixing-engine/ledger"
	"go.uber.org/zap"
)

const (
	CollectionTasks = "production_tasks"
	CollectionLinks = "ingredient_reservation_links"

	FieldTaskID = "task_id"

	queueSize = 64
)

// =============================================================================
// CHANGES
// =============================================================================

type Change struct {
	Collection string            `json:"collection"`
	DocumentID string            `json:"document_id"`
	Fields     map[string]string `json:"fields,omitempty"`
	Payload    json.RawMessage   `json:"payload"`
	At         time.Time         `json:"at"`

	// Retain keeps this change as the document's current state.
	Retain bool `json:"-"`
}

// StreamError reports a failed delivery on a subscription.
type StreamError struct {
	Collection string
	Err        error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Collection, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Handler receives either a change or a stream error.
type Handler func(change Change, err error)

// Unsubscribe cancels a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// =============================================================================
// HUB
// =============================================================================

type Hub struct {
	mu       sync.RWMutex
	subs     map[uint64]*subscription
	nextID   uint64
	retained map[string]Change
	now      func() time.Time
	log      *zap.SugaredLogger
}

type HubOption func(*Hub)

func WithHubLogger(log *zap.SugaredLogger) HubOption {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:     make(map[uint64]*subscription),
		retained: make(map[string]Change),
		now:      time.Now,
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type subscription struct {
	id         uint64
	collection string
	documentID string // document subscription when set
	field      string // query subscription when set
	value      string
	handler    Handler

	queue chan delivery
	done  chan struct{}
	once  sync.Once
}

type delivery struct {
	change Change
	err    error
}

func (s *subscription) matches(c Change) bool {
	if s.collection != c.Collection {
		return false
	}
	if s.documentID != "" {
		return s.documentID == c.DocumentID
	}
	if s.field != "" {
		return c.Fields[s.field] == s.value
	}
	return true
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(d.change, d.err)
		}
	}
}

// SubscribeDocument listens to one document. The document's retained
// change, if any, is delivered first.
func (h *Hub) SubscribeDocument(collection, documentID string, handler Handler) Unsubscribe {
	sub := h.add(&subscription{collection: collection, documentID: documentID, handler: handler})

	h.mu.RLock()
	current, ok := h.retained[retainKey(collection, documentID)]
	h.mu.RUnlock()
	if ok {
		h.deliver(sub, delivery{change: current})
	}
	return h.unsubscribe(sub)
}

// SubscribeQuery listens to every change in collection whose field equals
// value.
func (h *Hub) SubscribeQuery(collection, field, value string, handler Handler) Unsubscribe {
	sub := h.add(&subscription{collection: collection, field: field, value: value, handler: handler})
	return h.unsubscribe(sub)
}

// SubscribeCollection listens to every change in collection.
func (h *Hub) SubscribeCollection(collection string, handler Handler) Unsubscribe {
	sub := h.add(&subscription{collection: collection, handler: handler})
	return h.unsubscribe(sub)
}

func (h *Hub) add(sub *subscription) *subscription {
	sub.queue = make(chan delivery, queueSize)
	sub.done = make(chan struct{})

	h.mu.Lock()
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	h.mu.Unlock()

	go sub.run()
	return sub
}

func (h *Hub) unsubscribe(sub *subscription) Unsubscribe {
	return func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub.id)
			h.mu.Unlock()
			close(sub.done)
		})
	}
}

// Publish delivers change to every matching subscription, in publish order
// per subscription.
func (h *Hub) Publish(change Change) {
	if change.At.IsZero() {
		change.At = h.now()
	}

	h.mu.Lock()
	if change.Retain {
		h.retained[retainKey(change.Collection, change.DocumentID)] = change
	}
	targets := h.matching(func(s *subscription) bool { return s.matches(change) })
	h.mu.Unlock()

	for _, sub := range targets {
		h.deliver(sub, delivery{change: change})
	}
}

// Fail delivers a StreamError to every subscription on collection.
func (h *Hub) Fail(collection string, err error) {
	h.mu.RLock()
	targets := h.matching(func(s *subscription) bool { return s.collection == collection })
	h.mu.RUnlock()

	h.log.Warnw("stream failure", "collection", collection, "subscribers", len(targets), "error", err)
	for _, sub := range targets {
		h.deliver(sub, delivery{err: &StreamError{Collection: collection, Err: err}})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.matching(func(*subscription) bool { return true })
	h.mu.Unlock()
	for _, sub := range subs {
		h.unsubscribe(sub)()
	}
}

func (h *Hub) matching(keep func(*subscription) bool) []*subscription {
	var out []*subscription
	for _, s := range h.subs {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func (h *Hub) deliver(sub *subscription, d delivery) {
	select {
	case sub.queue <- d:
	case <-sub.done:
	}
}

func retainKey(collection, id string) string { return collection + "/" + id }

// =============================================================================
// PUBLISHERS - Hub as ledger.EventSink and checklist publisher
// =============================================================================

// LinkChanged publishes a ledger event on the link collection.
func (h *Hub) LinkChanged(_ context.Context, e ledger.LinkEvent) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.log.Errorw("encode link event", "link_id", e.LinkID, "error", err)
		return
	}
	h.Publish(Change{
		Collection: CollectionLinks,
		DocumentID: string(e.LinkID),
		Fields: map[string]string{
			FieldTaskID:      string(e.TaskID),
			"ingredient_id":  string(e.IngredientID),
			"reservation_id": string(e.ReservationID),
			"op":             string(e.Op),
		},
		Payload: payload,
		At:      e.At,
	})
}

// PublishTask publishes a task's serialized checklist as its current state.
func (h *Hub) PublishTask(_ context.Context, taskID ledger.TaskID, checklist []byte) {
	h.Publish(Change{
		Collection: CollectionTasks,
		DocumentID: string(taskID),
		Fields:     map[string]string{FieldTaskID: string(taskID)},
		Payload:    append(json.RawMessage(nil), checklist...),
		Retain:     true,
	})
}
