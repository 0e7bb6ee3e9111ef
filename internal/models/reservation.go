// Package models - Credit reservation lifecycle.
package models

import (
	"time"
)

// Reservation status values. A reservation leaves StatusReserved exactly
// once; consumed, cancelled and expired are terminal.
const (
	StatusReserved  = "reserved"
	StatusConsumed  = "consumed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Reservation is a time-bounded hold on credits created before a metered
// operation runs. It lives in the coordination cache with a TTL so a crashed
// caller can lock credits for at most one TTL window.
//
// Reservations are plain values: they are serialized into the cache and
// deserialized back without any behavior attached to the cached form.
type Reservation struct {
	OperationID string     `json:"operation_id"`
	UserID      string     `json:"user_id"`
	Service     string     `json:"service"`
	Amount      int64      `json:"amount"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Terminal reports whether the reservation has left the reserved state.
func (r *Reservation) Terminal() bool {
	return r.Status != StatusReserved
}

// ExpiredAt reports whether a still-reserved hold has logically expired.
// Expiry is detected lazily on read; the reaper only accelerates it.
func (r *Reservation) ExpiredAt(now time.Time) bool {
	return r.Status == StatusReserved && now.After(r.ExpiresAt)
}

// EffectiveStatus resolves the lazy-expiry view of the reservation.
func (r *Reservation) EffectiveStatus(now time.Time) string {
	if r.ExpiredAt(now) {
		return StatusExpired
	}
	return r.Status
}
