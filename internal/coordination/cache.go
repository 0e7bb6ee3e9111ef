// Package coordination provides the shared low-latency cache that holds
// reservation bookkeeping and short-lived derived values. The ledger store
// stays authoritative; everything here is reconstructible and TTL-bounded.
package coordination

import (
	"context"
	"errors"
	"time"

	"metergate/internal/models"
)

// ErrNotFound is returned when no reservation exists for the operation ID.
var ErrNotFound = errors.New("reservation not found")

// CreateResult reports the outcome of an atomic reservation attempt.
type CreateResult struct {
	// Created is true when the hold was placed.
	Created bool
	// Duplicate is true when a reservation with the same operation ID
	// already exists; nothing was written.
	Duplicate bool
	// ReservedSum is the sum of active holds for the user at decision time,
	// excluding the new one.
	ReservedSum int64
}

// FinishResult reports the outcome of a reservation state transition.
type FinishResult struct {
	// Transitioned is true when this call moved the reservation out of the
	// reserved state. At most one finish per reservation observes true.
	Transitioned bool
	// Status is the reservation status after the call.
	Status string
	// Amount is the reserved credit amount.
	Amount int64
	// Service is the metered service the reservation was created for.
	Service string
}

// Cache is the coordination contract. Reservation operations are atomic with
// respect to concurrent callers: the check-and-create in CreateReservation
// and the exactly-once transition in FinishReservation cannot interleave.
type Cache interface {
	// CreateReservation places a hold for res.Amount if, after pruning
	// expired holds, amount <= headroom - sum(active holds). headroom is the
	// caller-supplied spendable figure from the authoritative ledger.
	CreateReservation(ctx context.Context, res models.Reservation, headroom int64) (CreateResult, error)

	// GetReservation returns the stored reservation, with lazy expiry
	// already resolved into its status.
	GetReservation(ctx context.Context, userID, operationID string) (*models.Reservation, error)

	// FinishReservation transitions a reserved hold to the given terminal
	// status (consumed or cancelled) and releases it from the active set.
	// An already-terminal or logically expired reservation is left alone
	// and reported via FinishResult.Status.
	FinishReservation(ctx context.Context, userID, operationID, status string) (FinishResult, error)

	// ActiveReservedSum prunes expired holds and returns the total credits
	// currently held for the user.
	ActiveReservedSum(ctx context.Context, userID string) (int64, error)

	// PruneExpired removes expired holds for one user and returns how many
	// were released.
	PruneExpired(ctx context.Context, userID string) (int, error)

	// ReservingUsers lists users with at least one tracked hold, for the
	// background reaper.
	ReservingUsers(ctx context.Context) ([]string, error)

	// GetValue / SetValue / DeleteValue implement the generic short-TTL
	// cache used for derived values such as balances.
	GetValue(ctx context.Context, key string) ([]byte, bool, error)
	SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteValue(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
