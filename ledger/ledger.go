/*
ledger.go - Ingredient-to-reservation link ledger

PURPOSE:
  The Ledger is the only writer of Reservation.LinkedQuantity. It creates
  links, releases them and accrues consumption against them while keeping
  the quantity invariants of both sides intact.

CRITICAL INVARIANTS:
  1. 0 <= reservation.LinkedQuantity <= reservation.ReservedQuantity
  2. 0 <= link.ConsumedQuantity <= link.LinkedQuantity
  3. Link then unlink of Q restores the reservation's Available exactly

CONCURRENCY:
  Two layers keep two writers from spending the same available quantity:
  - In process: a keyed mutex serializes every mutation on one reservation.
  - Across processes: inside the store transaction the reservation is
    re-read, availability re-validated and the counter swapped on Version.
    A lost swap is retried; a real shortage is returned as
    InsufficientReservationQuantityError, never clamped.

UNLINKING CONSUMED LINKS:
  Unlinking a link with ConsumedQuantity > 0 is allowed. The consumed amount
  is reported back in UnlinkResult.DiscardedConsumption so the caller can
  warn. Blocking it would freeze the reserved stock.

EXAMPLE FLOW:
  1. Reservation R: reserved 12, linked 0
  2. CreateLink(R, 12):        R linked 12, link L{linked 12}
  3. RecordConsumption(L, 5):  L consumed 5, remaining 7
  4. UnlinkSpecificReservation(L): R linked 0, L deleted, discarded 5

SEE ALSO:
  - store.go: Store / TxStore
  - errors.go: Error taxonomy
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultMaxAttempts = 3

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store       TxStore
	sink        EventSink
	log         *zap.SugaredLogger
	locks       *keyedMutex
	now         func() time.Time
	newID       func() LinkID
	maxAttempts int
}

type Option func(*Ledger)

func WithEventSink(sink EventSink) Option {
	return func(l *Ledger) {
		if sink != nil {
			l.sink = sink
		}
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithIDGenerator(newID func() LinkID) Option {
	return func(l *Ledger) { l.newID = newID }
}

// WithMaxAttempts bounds compare-and-swap retries per mutation.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

func New(store TxStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		sink:        nopSink{},
		log:         zap.NewNop().Sugar(),
		locks:       newKeyedMutex(),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() LinkID { return LinkID(uuid.NewString()) },
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// =============================================================================
// CREATE
// =============================================================================

type CreateLinkRequest struct {
	TaskID        TaskID
	IngredientID  IngredientID
	ReservationID ReservationID
	Source        Source
	Quantity      decimal.Decimal
	ActorID       ActorID
}

func (r CreateLinkRequest) validate() error {
	switch {
	case r.TaskID == "":
		return NewValidationError("task_id", "is required")
	case r.IngredientID == "":
		return NewValidationError("ingredient_id", "is required")
	case r.ReservationID == "":
		return NewValidationError("reservation_id", "is required")
	case !r.Quantity.IsPositive():
		return NewValidationError("quantity", "must be greater than zero, got %s", r.Quantity)
	case r.Source != "" && !r.Source.Valid():
		return NewValidationError("source", "unknown reservation source %q", r.Source)
	}
	return nil
}

// CreateLink links Quantity of a reservation to an ingredient.
// Returns InsufficientReservationQuantityError when the reservation no
// longer has Quantity available at commit time.
func (l *Ledger) CreateLink(ctx context.Context, req CreateLinkRequest) (Link, error) {
	if err := req.validate(); err != nil {
		return Link{}, err
	}

	unlock := l.locks.Lock(reservationKey(req.ReservationID))
	defer unlock()

	var created Link
	err := l.retry(ctx, func() error {
		return l.store.WithTx(ctx, func(s Store) error {
			res, err := s.GetReservation(ctx, req.ReservationID)
			if err != nil {
				return err
			}
			if res.TaskID != "" && res.TaskID != req.TaskID {
				return NewValidationError("reservation_id", "reservation %s belongs to task %s", res.ID, res.TaskID)
			}

			available := res.Available()
			if req.Quantity.GreaterThan(available) {
				return &InsufficientReservationQuantityError{
					ReservationID: res.ID,
					Available:     FloorZero(available),
					Requested:     req.Quantity,
				}
			}

			if err := s.UpdateLinkedQuantity(ctx, res.ID, res.Version, res.LinkedQuantity.Add(req.Quantity)); err != nil {
				return err
			}

			source := req.Source
			if source == "" {
				source = res.Source
			}
			created = Link{
				ID:               l.newID(),
				TaskID:           req.TaskID,
				IngredientID:     req.IngredientID,
				ReservationID:    res.ID,
				Source:           source,
				LinkedQuantity:   req.Quantity,
				ConsumedQuantity: decimal.Zero,
				Snapshot:         res.Snapshot(),
				CreatedBy:        req.ActorID,
				CreatedAt:        l.now(),
			}
			return s.InsertLink(ctx, created)
		})
	})
	if err != nil {
		l.log.Debugw("create link rejected",
			"task_id", req.TaskID, "ingredient_id", req.IngredientID,
			"reservation_id", req.ReservationID, "quantity", req.Quantity, "error", err)
		return Link{}, err
	}

	l.log.Infow("link created",
		"link_id", created.ID, "task_id", created.TaskID, "ingredient_id", created.IngredientID,
		"reservation_id", created.ReservationID, "quantity", created.LinkedQuantity, "actor", req.ActorID)
	l.emit(ctx, LinkCreated, created, created.LinkedQuantity, req.ActorID)
	return created, nil
}

// =============================================================================
// UNLINK
// =============================================================================

// UnlinkResult reports what an unlink released.
type UnlinkResult struct {
	Link Link

	// DiscardedConsumption is the consumption recorded on the removed link.
	// Non-zero means consumption history on the link itself is gone; only
	// production-session records keep it.
	DiscardedConsumption decimal.Decimal
}

// UnlinkSpecificReservation deletes one link and gives its quantity back to
// the reservation.
func (l *Ledger) UnlinkSpecificReservation(ctx context.Context, linkID LinkID, actorID ActorID) (UnlinkResult, error) {
	link, err := l.store.GetLink(ctx, linkID)
	if err != nil {
		return UnlinkResult{}, err
	}

	unlock := l.locks.LockAll([]string{reservationKey(link.ReservationID), linkKey(link.ID)})
	defer unlock()

	var result UnlinkResult
	err = l.retry(ctx, func() error {
		return l.store.WithTx(ctx, func(s Store) error {
			current, err := s.GetLink(ctx, linkID)
			if err != nil {
				return err
			}
			if err := l.release(ctx, s, current); err != nil {
				return err
			}
			result = UnlinkResult{Link: current, DiscardedConsumption: current.ConsumedQuantity}
			return nil
		})
	})
	if err != nil {
		return UnlinkResult{}, err
	}

	if result.DiscardedConsumption.IsPositive() {
		l.log.Warnw("unlinked a partially consumed link",
			"link_id", linkID, "consumed", result.DiscardedConsumption, "actor", actorID)
	}
	l.log.Infow("link removed", "link_id", linkID, "reservation_id", result.Link.ReservationID, "actor", actorID)
	l.emit(ctx, LinkRemoved, result.Link, result.Link.LinkedQuantity, actorID)
	return result, nil
}

// UnlinkAllForIngredient releases every link of an ingredient. All or
// nothing: if one release fails, none are applied.
func (l *Ledger) UnlinkAllForIngredient(ctx context.Context, taskID TaskID, ingredientID IngredientID, actorID ActorID) ([]UnlinkResult, error) {
	links, err := l.linksForIngredient(ctx, l.store, taskID, ingredientID)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(links)*2)
	for _, link := range links {
		keys = append(keys, reservationKey(link.ReservationID), linkKey(link.ID))
	}
	unlock := l.locks.LockAll(keys)
	defer unlock()

	var results []UnlinkResult
	err = l.retry(ctx, func() error {
		results = results[:0]
		return l.store.WithTx(ctx, func(s Store) error {
			current, err := l.linksForIngredient(ctx, s, taskID, ingredientID)
			if err != nil {
				return err
			}
			for _, link := range current {
				if err := l.release(ctx, s, link); err != nil {
					return fmt.Errorf("release link %s: %w", link.ID, err)
				}
				results = append(results, UnlinkResult{Link: link, DiscardedConsumption: link.ConsumedQuantity})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		l.emit(ctx, LinkRemoved, r.Link, r.Link.LinkedQuantity, actorID)
	}
	l.log.Infow("ingredient unlinked", "task_id", taskID, "ingredient_id", ingredientID, "links", len(results), "actor", actorID)
	return results, nil
}

// release gives link.LinkedQuantity back to its reservation (floored at
// zero) and deletes the link. A reservation already removed by the
// inventory subsystem only costs the counter update.
func (l *Ledger) release(ctx context.Context, s Store, link Link) error {
	res, err := s.GetReservation(ctx, link.ReservationID)
	switch {
	case IsNotFound(err):
		l.log.Warnw("reservation missing on unlink", "link_id", link.ID, "reservation_id", link.ReservationID)
	case err != nil:
		return err
	default:
		linked := FloorZero(res.LinkedQuantity.Sub(link.LinkedQuantity))
		if err := s.UpdateLinkedQuantity(ctx, res.ID, res.Version, linked); err != nil {
			return err
		}
	}
	return s.DeleteLink(ctx, link.ID)
}

// =============================================================================
// CONSUMPTION
// =============================================================================

// RecordConsumption adds delta to a link's consumed quantity.
func (l *Ledger) RecordConsumption(ctx context.Context, linkID LinkID, delta decimal.Decimal) (Link, error) {
	if !delta.IsPositive() {
		return Link{}, NewValidationError("delta", "must be greater than zero, got %s", delta)
	}

	unlock := l.locks.Lock(linkKey(linkID))
	defer unlock()

	var updated Link
	err := l.store.WithTx(ctx, func(s Store) error {
		link, err := s.GetLink(ctx, linkID)
		if err != nil {
			return err
		}
		consumed := link.ConsumedQuantity.Add(delta)
		if consumed.GreaterThan(link.LinkedQuantity) {
			return &OverConsumptionError{
				LinkID:   link.ID,
				Linked:   link.LinkedQuantity,
				Consumed: link.ConsumedQuantity,
				Delta:    delta,
			}
		}
		if err := s.UpdateConsumedQuantity(ctx, link.ID, consumed); err != nil {
			return err
		}
		link.ConsumedQuantity = consumed
		updated = link
		return nil
	})
	if err != nil {
		return Link{}, err
	}

	l.emit(ctx, LinkConsumed, updated, delta, "")
	return updated, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// ListLinksForTask groups a task's links by ingredient. Each list is ordered
// by creation time, then ID.
func (l *Ledger) ListLinksForTask(ctx context.Context, taskID TaskID) (map[IngredientID][]Link, error) {
	links, err := l.store.ListLinks(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return GroupByIngredient(links), nil
}

func GroupByIngredient(links []Link) map[IngredientID][]Link {
	grouped := make(map[IngredientID][]Link)
	for _, link := range links {
		grouped[link.IngredientID] = append(grouped[link.IngredientID], link)
	}
	for id := range grouped {
		sortLinks(grouped[id])
	}
	return grouped
}

func sortLinks(links []Link) {
	sort.SliceStable(links, func(i, j int) bool {
		if !links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].CreatedAt.Before(links[j].CreatedAt)
		}
		return links[i].ID < links[j].ID
	})
}

func (l *Ledger) linksForIngredient(ctx context.Context, s Store, taskID TaskID, ingredientID IngredientID) ([]Link, error) {
	all, err := s.ListLinks(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var links []Link
	for _, link := range all {
		if link.IngredientID == ingredientID {
			links = append(links, link)
		}
	}
	sortLinks(links)
	return links, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func (l *Ledger) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(err, ctxErr)
		}
		l.log.Debugw("retrying after concurrent modification", "attempt", attempt, "error", err)
	}
	return err
}

func (l *Ledger) emit(ctx context.Context, op LinkOp, link Link, qty decimal.Decimal, actor ActorID) {
	l.sink.LinkChanged(ctx, LinkEvent{
		Op:            op,
		TaskID:        link.TaskID,
		IngredientID:  link.IngredientID,
		LinkID:        link.ID,
		ReservationID: link.ReservationID,
		Quantity:      qty,
		ActorID:       actor,
		At:            l.now(),
	})
}
