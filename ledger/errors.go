/*
errors.go - Centralized error types for the link ledger

PURPOSE:
  All error types the ledger, the cost engine and the view controller agree
  on. Callers classify with errors.Is against the sentinels, or errors.As
  against the structured types when they need the details.

ERROR CATEGORIES:
  1. Validation     - bad input, nothing was written
  2. Quantity       - insufficient reservation quantity, over-consumption
  3. Lookup         - task, ingredient, link or reservation vanished
  4. Store          - optimistic-lock conflicts

SEE ALSO:
  - ledger.go: Raises these errors
  - mixplan/controller.go: Turns them into user-facing notifications
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for non-positive or non-numeric quantities and
	// malformed ingredient quantity strings. No mutation was attempted.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientReservationQuantity is returned when a link would exceed
	// the reservation's available quantity at commit time.
	ErrInsufficientReservationQuantity = errors.New("insufficient reservation quantity")

	// ErrOverConsumption is returned when recorded consumption would exceed
	// the linked quantity. Never clamped.
	ErrOverConsumption = errors.New("consumption exceeds linked quantity")

	// ErrNotFound is returned when a task, ingredient, link or reservation no
	// longer exists.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned when a compare-and-swap on a
	// reservation counter or a task version loses a race.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientReservationQuantityError carries the quantity that was
// actually available when the ledger re-checked inside the transaction.
type InsufficientReservationQuantityError struct {
	ReservationID ReservationID
	Available     decimal.Decimal
	Requested     decimal.Decimal
}

func (e *InsufficientReservationQuantityError) Error() string {
	return fmt.Sprintf("insufficient reservation quantity on %s: available %s, requested %s",
		e.ReservationID, e.Available, e.Requested)
}

func (e *InsufficientReservationQuantityError) Unwrap() error {
	return ErrInsufficientReservationQuantity
}

// OverConsumptionError describes a rejected consumption record.
type OverConsumptionError struct {
	LinkID   LinkID
	Linked   decimal.Decimal
	Consumed decimal.Decimal
	Delta    decimal.Decimal
}

func (e *OverConsumptionError) Error() string {
	return fmt.Sprintf("over-consumption on link %s: linked %s, consumed %s, delta %s",
		e.LinkID, e.Linked, e.Consumed, e.Delta)
}

func (e *OverConsumptionError) Unwrap() error { return ErrOverConsumption }

// NotFoundError names the missing thing.
type NotFoundError struct {
	Kind string // "task", "ingredient", "link", "reservation"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(kind string, id any) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
