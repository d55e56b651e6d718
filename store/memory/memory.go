// Package memory provides an in-memory store (for testing/dev).
//
// Memory implements ledger.TxStore, ledger.ReservationSource and
// mixplan.TaskStore. WithTx is simulated with a snapshot + rollback on error.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/mixing-engine/ledger"
	"github.com/warp/mixing-engine/mixplan"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state state
}

type state struct {
	reservations map[ledger.ReservationID]ledger.Reservation
	links        map[ledger.LinkID]ledger.Link
	po           map[string]ledger.POReservation
	tasks        map[ledger.TaskID]*mixplan.ProductionTask
}

func New() *Memory {
	return &Memory{state: state{
		reservations: make(map[ledger.ReservationID]ledger.Reservation),
		links:        make(map[ledger.LinkID]ledger.Link),
		po:           make(map[string]ledger.POReservation),
		tasks:        make(map[ledger.TaskID]*mixplan.ProductionTask),
	}}
}

// =============================================================================
// SEEDING - Inventory-side writes
// =============================================================================

// SaveReservation inserts or replaces a reservation. Owned by the inventory
// subsystem; the ledger never calls it.
func (m *Memory) SaveReservation(_ context.Context, r ledger.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.reservations[r.ID] = r
	return nil
}

// DeleteReservation removes a reservation, as the inventory subsystem may.
func (m *Memory) DeleteReservation(_ context.Context, id ledger.ReservationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state.reservations, id)
	return nil
}

func (m *Memory) SavePOReservation(_ context.Context, p ledger.POReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.po[p.ID] = p
	return nil
}

// CreateTask stores a new task as-is, without the version check.
func (m *Memory) CreateTask(_ context.Context, t *mixplan.ProductionTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.tasks[t.ID] = t.Clone()
	return nil
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = New().state
	return nil
}

// ListTasks returns all task IDs in ID order.
func (m *Memory) ListTasks(_ context.Context) ([]ledger.TaskID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]ledger.TaskID, 0, len(m.state.tasks))
	for id := range m.state.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// =============================================================================
// ledger.Store
// =============================================================================

func (m *Memory) GetReservation(_ context.Context, id ledger.ReservationID) (ledger.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getReservation(id)
}

func (m *Memory) UpdateLinkedQuantity(_ context.Context, id ledger.ReservationID, expectedVersion int64, linked decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updateLinked(id, expectedVersion, linked)
}

func (m *Memory) InsertLink(_ context.Context, link ledger.Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.links[link.ID] = link
	return nil
}

func (m *Memory) GetLink(_ context.Context, id ledger.LinkID) (ledger.Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getLink(id)
}

func (m *Memory) DeleteLink(_ context.Context, id ledger.LinkID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.deleteLink(id)
}

func (m *Memory) UpdateConsumedQuantity(_ context.Context, id ledger.LinkID, consumed decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updateConsumed(id, consumed)
}

func (m *Memory) ListLinks(_ context.Context, taskID ledger.TaskID) ([]ledger.Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listLinks(func(l ledger.Link) bool { return l.TaskID == taskID }), nil
}

func (m *Memory) ListLinksForReservation(_ context.Context, id ledger.ReservationID) ([]ledger.Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listLinks(func(l ledger.Link) bool { return l.ReservationID == id }), nil
}

// =============================================================================
// TRANSACTIONS (ledger.TxStore)
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txView{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// txView runs against the locked state held by WithTx.
type txView struct {
	s *state
}

func (v *txView) GetReservation(_ context.Context, id ledger.ReservationID) (ledger.Reservation, error) {
	return v.s.getReservation(id)
}

func (v *txView) UpdateLinkedQuantity(_ context.Context, id ledger.ReservationID, expectedVersion int64, linked decimal.Decimal) error {
	return v.s.updateLinked(id, expectedVersion, linked)
}

func (v *txView) InsertLink(_ context.Context, link ledger.Link) error {
	v.s.links[link.ID] = link
	return nil
}

func (v *txView) GetLink(_ context.Context, id ledger.LinkID) (ledger.Link, error) {
	return v.s.getLink(id)
}

func (v *txView) DeleteLink(_ context.Context, id ledger.LinkID) error {
	return v.s.deleteLink(id)
}

func (v *txView) UpdateConsumedQuantity(_ context.Context, id ledger.LinkID, consumed decimal.Decimal) error {
	return v.s.updateConsumed(id, consumed)
}

func (v *txView) ListLinks(_ context.Context, taskID ledger.TaskID) ([]ledger.Link, error) {
	return v.s.listLinks(func(l ledger.Link) bool { return l.TaskID == taskID }), nil
}

func (v *txView) ListLinksForReservation(_ context.Context, id ledger.ReservationID) ([]ledger.Link, error) {
	return v.s.listLinks(func(l ledger.Link) bool { return l.ReservationID == id }), nil
}

// =============================================================================
// ledger.ReservationSource
// =============================================================================

func (m *Memory) StandardReservationsForTask(_ context.Context, taskID ledger.TaskID) ([]ledger.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Reservation
	for _, r := range m.state.reservations {
		if r.TaskID == taskID && r.Source == ledger.SourceStandard {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) VirtualReservationsFromSnapshots(_ context.Context, taskID ledger.TaskID) ([]ledger.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	links := m.state.listLinks(func(l ledger.Link) bool { return l.TaskID == taskID })
	return ledger.VirtualFromLinks(taskID, links), nil
}

func (m *Memory) POReservationsForMaterial(_ context.Context, materialID ledger.MaterialID) ([]ledger.POReservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listPO(func(p ledger.POReservation) bool { return p.MaterialID == materialID }), nil
}

func (m *Memory) POReservationsForTask(_ context.Context, taskID ledger.TaskID) ([]ledger.POReservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listPO(func(p ledger.POReservation) bool { return p.TaskID == taskID }), nil
}

// =============================================================================
// mixplan.TaskStore
// =============================================================================

func (m *Memory) GetTask(_ context.Context, id ledger.TaskID) (*mixplan.ProductionTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.state.tasks[id]
	if !ok {
		return nil, ledger.NotFound("task", id)
	}
	return t.Clone(), nil
}

func (m *Memory) SaveTask(_ context.Context, t *mixplan.ProductionTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.state.tasks[t.ID]
	if !ok {
		return ledger.NotFound("task", t.ID)
	}
	if stored.Version != t.Version {
		return ledger.ErrConcurrentModification
	}
	t.Version++
	m.state.tasks[t.ID] = t.Clone()
	return nil
}

// =============================================================================
// STATE HELPERS - Callers hold the lock
// =============================================================================

func (s *state) getReservation(id ledger.ReservationID) (ledger.Reservation, error) {
	r, ok := s.reservations[id]
	if !ok {
		return ledger.Reservation{}, ledger.NotFound("reservation", id)
	}
	return r, nil
}

func (s *state) updateLinked(id ledger.ReservationID, expectedVersion int64, linked decimal.Decimal) error {
	r, ok := s.reservations[id]
	if !ok {
		return ledger.NotFound("reservation", id)
	}
	if r.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}
	r.LinkedQuantity = linked
	r.Version++
	s.reservations[id] = r
	return nil
}

func (s *state) getLink(id ledger.LinkID) (ledger.Link, error) {
	l, ok := s.links[id]
	if !ok {
		return ledger.Link{}, ledger.NotFound("link", id)
	}
	return l, nil
}

func (s *state) deleteLink(id ledger.LinkID) error {
	if _, ok := s.links[id]; !ok {
		return ledger.NotFound("link", id)
	}
	delete(s.links, id)
	return nil
}

func (s *state) updateConsumed(id ledger.LinkID, consumed decimal.Decimal) error {
	l, ok := s.links[id]
	if !ok {
		return ledger.NotFound("link", id)
	}
	l.ConsumedQuantity = consumed
	s.links[id] = l
	return nil
}

func (s *state) listLinks(keep func(ledger.Link) bool) []ledger.Link {
	var result []ledger.Link
	for _, l := range s.links {
		if keep(l) {
			result = append(result, l)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *state) listPO(keep func(ledger.POReservation) bool) []ledger.POReservation {
	var result []ledger.POReservation
	for _, p := range s.po {
		if keep(p) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *state) clone() state {
	c := state{
		reservations: make(map[ledger.ReservationID]ledger.Reservation, len(s.reservations)),
		links:        make(map[ledger.LinkID]ledger.Link, len(s.links)),
		po:           s.po,
		tasks:        s.tasks,
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.links {
		c.links[k] = v
	}
	return c
}
