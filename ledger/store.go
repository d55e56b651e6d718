/*
store.go - Persistence interface for reservations and links

PURPOSE:
  Defines the boundary between the ledger and the database. Reservations
  belong to the inventory subsystem; the ledger only reads them and moves
  their linked counter through UpdateLinkedQuantity.

KEY INTERFACES:
  Store:             Reservation counter + link persistence
  TxStore:           Store with all-or-nothing transactions
  ReservationSource: Read-only inventory queries used by the view layer
  EventSink:         Receives LinkEvents after successful mutations

ATOMICITY:
  UpdateLinkedQuantity is a compare-and-swap on Reservation.Version. Inside
  WithTx the ledger re-reads the reservation, re-validates availability and
  swaps; a lost race returns ErrConcurrentModification and is retried.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - store/memory/memory.go: In-memory for tests and demos

SEE ALSO:
  - ledger.go: Uses Store/TxStore
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Reservations (read + counter) and links
// =============================================================================

type Store interface {
	// GetReservation returns a NotFoundError when the reservation is gone.
	GetReservation(ctx context.Context, id ReservationID) (Reservation, error)

	// UpdateLinkedQuantity sets LinkedQuantity and bumps Version iff the
	// stored Version equals expectedVersion. Otherwise ErrConcurrentModification.
	UpdateLinkedQuantity(ctx context.Context, id ReservationID, expectedVersion int64, linked decimal.Decimal) error

	InsertLink(ctx context.Context, link Link) error

	// GetLink returns a NotFoundError when the link is gone.
	GetLink(ctx context.Context, id LinkID) (Link, error)

	DeleteLink(ctx context.Context, id LinkID) error

	// UpdateConsumedQuantity overwrites ConsumedQuantity of a link.
	UpdateConsumedQuantity(ctx context.Context, id LinkID, consumed decimal.Decimal) error

	// ListLinks returns all links of a task ordered by CreatedAt, then ID.
	ListLinks(ctx context.Context, taskID TaskID) ([]Link, error)

	// ListLinksForReservation returns all links against a reservation.
	ListLinksForReservation(ctx context.Context, id ReservationID) ([]Link, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// RESERVATION SOURCE - Inventory queries consumed by the view layer
// =============================================================================

type ReservationSource interface {
	// StandardReservationsForTask returns real and fully linked standard
	// batch reservations made for the task.
	StandardReservationsForTask(ctx context.Context, taskID TaskID) ([]Reservation, error)

	// VirtualReservationsFromSnapshots rebuilds historical, non-linkable
	// reservations from the task's link snapshots.
	VirtualReservationsFromSnapshots(ctx context.Context, taskID TaskID) ([]Reservation, error)

	POReservationsForMaterial(ctx context.Context, materialID MaterialID) ([]POReservation, error)

	POReservationsForTask(ctx context.Context, taskID TaskID) ([]POReservation, error)
}

// =============================================================================
// EVENT SINK - Change propagation
// =============================================================================

type EventSink interface {
	LinkChanged(ctx context.Context, event LinkEvent)
}

type nopSink struct{}

func (nopSink) LinkChanged(context.Context, LinkEvent) {}
