// Package models - Account credit state and ledger history.
// This file defines the authoritative per-account credit record owned by the
// ledger store. All mutation goes through the credit ledger service; nothing
// else writes these fields.
package models

import (
	"time"
)

// History operation types. Every ledger mutation appends exactly one entry
// (ResetMonthlyCredits appends two: rollover then reset).
const (
	HistoryOpConsumed = "consumed"
	HistoryOpAdded    = "added"
	HistoryOpRollover = "rollover"
	HistoryOpReset    = "reset"
)

// Account is the durable credit state for a single user.
//
// Invariant: Used <= MonthlyAllotment + Rollover at every committed state.
// Reservations can drive the derived available figure to zero but can never
// push Used past the cap; the store enforces the cap on every increment.
type Account struct {
	UserID            string           `json:"user_id"`
	Plan              string           `json:"plan"`
	MonthlyAllotment  int64            `json:"monthly_allotment"`
	Used              int64            `json:"used"`
	Rollover          int64            `json:"rollover"`
	RolloverExpiresAt *time.Time       `json:"rollover_expires_at,omitempty"`
	UsageByService    map[string]int64 `json:"usage_by_service"`
	PeriodStart       time.Time        `json:"period_start"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Cap returns the maximum value Used may reach in the current period.
// Expired rollover credits no longer count.
func (a *Account) Cap(now time.Time) int64 {
	return a.MonthlyAllotment + a.ActiveRollover(now)
}

// ActiveRollover returns the rollover amount still valid at the given time.
func (a *Account) ActiveRollover(now time.Time) int64 {
	if a.RolloverExpiresAt != nil && !now.Before(*a.RolloverExpiresAt) {
		return 0
	}
	return a.Rollover
}

// Headroom returns the credits not yet consumed this period, before
// subtracting in-flight reservations. Never negative.
func (a *Account) Headroom(now time.Time) int64 {
	h := a.Cap(now) - a.Used
	if h < 0 {
		return 0
	}
	return h
}

// HistoryEntry is one append-only record of a credit movement.
// OperationID doubles as the idempotency key for consumed entries: replaying
// a consume with the same OperationID must not append a second entry.
type HistoryEntry struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Service     string            `json:"service,omitempty"`
	Delta       int64             `json:"delta"`
	Operation   string            `json:"operation"`
	OperationID string            `json:"operation_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Balance is the derived credit view returned by GetBalance. It is computed,
// never stored: Available folds in the live reservation set.
type Balance struct {
	UserID             string    `json:"user_id"`
	Monthly            int64     `json:"monthly"`
	Rollover           int64     `json:"rollover"`
	Used               int64     `json:"used"`
	Reserved           int64     `json:"reserved"`
	Available          int64     `json:"available"`
	UtilizationPercent float64   `json:"utilization_percent"`
	ResetDate          time.Time `json:"reset_date"`
}

// ComputeAvailable applies the balance arithmetic:
// available = max(0, monthly + rollover - used - reserved).
func (b *Balance) ComputeAvailable() {
	avail := b.Monthly + b.Rollover - b.Used - b.Reserved
	if avail < 0 {
		avail = 0
	}
	b.Available = avail
}

// ComputeUtilization sets UtilizationPercent as used over total credits.
// A zero total yields 0%, not a division artifact.
func (b *Balance) ComputeUtilization() {
	total := b.Monthly + b.Rollover
	if total <= 0 {
		b.UtilizationPercent = 0
		return
	}
	b.UtilizationPercent = float64(b.Used) / float64(total) * 100
}
