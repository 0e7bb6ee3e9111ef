package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for the reservation protocol. Handlers match these with
// errors.Is/errors.As to map them onto structured responses.
var (
	// ErrReservationNotFound is returned when no reservation exists for the
	// operation ID. Fatal for Consume, a no-op for Cancel.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationExpired is returned when the reservation's TTL elapsed
	// before Consume was called.
	ErrReservationExpired = errors.New("reservation expired")

	// ErrStoreUnavailable is returned when the coordination store cannot be
	// reached. Credit operations fail closed: unreachable never means
	// unlimited credits.
	ErrStoreUnavailable = errors.New("coordination store unavailable")

	// ErrAccountNotFound is returned for operations against unknown users.
	ErrAccountNotFound = errors.New("account not found")
)

// InsufficientCreditsError is returned by Reserve when the requested amount
// exceeds the available balance. User-correctable; surfaced verbatim.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d (shortfall %d)",
		e.Required, e.Available, e.Shortfall())
}

// Shortfall is how many credits the user is missing.
func (e *InsufficientCreditsError) Shortfall() int64 {
	return e.Required - e.Available
}

// InvalidStateError is returned when a reservation is not in a state that
// permits the requested transition (for example consuming a cancelled
// reservation, or reserving with an operation ID that already exists).
type InvalidStateError struct {
	OperationID string
	Status      string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("reservation %s is in state %q", e.OperationID, e.Status)
}

// ReconciliationError is returned when the reservation was marked consumed
// but the ledger write could not be completed within the retry budget. The
// charge is recorded as intent in the coordination store and must be
// reconciled; it is never silently dropped.
type ReconciliationError struct {
	OperationID string
	Err         error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("ledger write for consumed reservation %s failed after retries: %v", e.OperationID, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}
