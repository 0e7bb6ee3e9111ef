package ledgerstore

import (
	"context"
	"sync"
	"time"

	"metergate/internal/models"
)

// MemoryStore implements Store using in-memory data structures. It is the
// test double for the database backends and serves development setups where
// durability is not required. All methods copy data in and out so callers
// never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*models.Account
	history  map[string][]models.HistoryEntry // keyed by userID, append order
	// consumed operation IDs already applied, for idempotent replays
	appliedOps map[string]struct{}
}

// NewMemoryStore creates a new memory-backed ledger store.
func NewMemoryStore(cfg Config) (*MemoryStore, error) {
	return &MemoryStore{
		accounts:   make(map[string]*models.Account),
		history:    make(map[string][]models.HistoryEntry),
		appliedOps: make(map[string]struct{}),
	}, nil
}

// GetAccount retrieves the credit state for a user.
func (m *MemoryStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, exists := m.accounts[userID]
	if !exists {
		return nil, ErrNotFound
	}
	return copyAccount(account), nil
}

// CreateAccount stores a new account.
func (m *MemoryStore) CreateAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[account.UserID]; exists {
		return ErrAccountExists
	}

	stored := copyAccount(account)
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.UsageByService == nil {
		stored.UsageByService = make(map[string]int64)
	}
	m.accounts[account.UserID] = stored
	return nil
}

// IncrementUsed atomically charges amount against the account.
func (m *MemoryStore) IncrementUsed(ctx context.Context, userID string, amount int64, service string, entry models.HistoryEntry) (IncrementResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, exists := m.accounts[userID]
	if !exists {
		return IncrementResult{}, ErrNotFound
	}

	if entry.OperationID != "" {
		if _, seen := m.appliedOps[entry.OperationID]; seen {
			return IncrementResult{Applied: false, Used: account.Used}, nil
		}
	}

	if account.Used+amount > account.Cap(time.Now().UTC()) {
		return IncrementResult{}, ErrCapExceeded
	}

	account.Used += amount
	account.UsageByService[service] += amount
	account.UpdatedAt = time.Now().UTC()

	if entry.OperationID != "" {
		m.appliedOps[entry.OperationID] = struct{}{}
	}
	m.history[userID] = append(m.history[userID], entry)

	return IncrementResult{Applied: true, Used: account.Used}, nil
}

// AddCredits raises the monthly allotment by amount.
func (m *MemoryStore) AddCredits(ctx context.Context, userID string, amount int64, entry models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, exists := m.accounts[userID]
	if !exists {
		return ErrNotFound
	}

	account.MonthlyAllotment += amount
	account.UpdatedAt = time.Now().UTC()
	m.history[userID] = append(m.history[userID], entry)
	return nil
}

// ResetPeriod starts a new billing period for the user.
func (m *MemoryStore) ResetPeriod(ctx context.Context, userID string, newAllotment, rollover int64, rolloverExpiresAt *time.Time, entries []models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, exists := m.accounts[userID]
	if !exists {
		return ErrNotFound
	}

	account.MonthlyAllotment = newAllotment
	account.Rollover = rollover
	account.RolloverExpiresAt = rolloverExpiresAt
	account.Used = 0
	account.UsageByService = make(map[string]int64)
	account.PeriodStart = time.Now().UTC()
	account.UpdatedAt = account.PeriodStart

	m.history[userID] = append(m.history[userID], entries...)
	return nil
}

// History returns the most recent history entries, newest first.
func (m *MemoryStore) History(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[userID]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}

	out := make([]models.HistoryEntry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}

func copyAccount(a *models.Account) *models.Account {
	cp := *a
	cp.UsageByService = make(map[string]int64, len(a.UsageByService))
	for k, v := range a.UsageByService {
		cp.UsageByService[k] = v
	}
	if a.RolloverExpiresAt != nil {
		t := *a.RolloverExpiresAt
		cp.RolloverExpiresAt = &t
	}
	return &cp
}
