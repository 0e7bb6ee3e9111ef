// Package ledgerstore persists authoritative account credit state.
// It provides a clean abstraction implemented by memory, PostgreSQL, and
// SQLite backends; the credit ledger service is the only writer.
package ledgerstore

import (
	"context"
	"time"

	"metergate/internal/models"
)

// Store defines the ledger persistence contract.
//
// IncrementUsed is the correctness-critical operation: it must apply the
// usage increment, the per-service breakdown, and the history append as one
// atomic step, conditional on the account cap, and must be idempotent by
// the history entry's OperationID (a replay applies nothing and reports
// Applied=false).
type Store interface {
	// GetAccount retrieves the credit state for a user.
	GetAccount(ctx context.Context, userID string) (*models.Account, error)

	// CreateAccount stores a new account. Fails if the user already exists.
	CreateAccount(ctx context.Context, account *models.Account) error

	// IncrementUsed atomically charges amount against the account, updates
	// the service breakdown, and appends entry. The increment only applies
	// when used+amount <= monthlyAllotment+rollover; otherwise
	// ErrCapExceeded is returned and nothing changes.
	IncrementUsed(ctx context.Context, userID string, amount int64, service string, entry models.HistoryEntry) (IncrementResult, error)

	// AddCredits raises the monthly allotment by amount and appends entry.
	AddCredits(ctx context.Context, userID string, amount int64, entry models.HistoryEntry) error

	// ResetPeriod starts a new billing period: new allotment, computed
	// rollover, zeroed usage, advanced period start, plus history entries
	// (rollover and reset) appended in order.
	ResetPeriod(ctx context.Context, userID string, newAllotment, rollover int64, rolloverExpiresAt *time.Time, entries []models.HistoryEntry) error

	// History returns the most recent history entries, newest first.
	History(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error)

	// Close releases backend resources.
	Close() error
}

// IncrementResult reports the outcome of IncrementUsed.
type IncrementResult struct {
	// Applied is false when the entry's OperationID was already recorded
	// and the charge was skipped (idempotent replay).
	Applied bool
	// Used is the account's used counter after the call.
	Used int64
}

// Config holds configuration for ledger store backends.
type Config struct {
	// Type selects the backend (memory, postgres, sqlite).
	Type string `json:"type" yaml:"type"`

	// DSN is the connection string for database backends.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	// MaxOpenConns / MaxIdleConns bound database pool sizes.
	MaxOpenConns int `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`
	MaxIdleConns int `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty"`
}
