package coordination

import (
	"context"
	"sync"
	"time"

	"metergate/internal/models"
)

// MemoryCache mirrors the Redis coordination semantics in process. It backs
// tests and single-node deployments; the mutex gives it the same atomicity
// the Lua scripts give the Redis cache.
type MemoryCache struct {
	mu           sync.Mutex
	reservations map[string]map[string]*models.Reservation // userID -> operationID
	values       map[string]memoryValue
	now          func() time.Time
}

var _ Cache = (*MemoryCache)(nil)

type memoryValue struct {
	data      []byte
	expiresAt time.Time
}

// MemoryOption configures MemoryCache.
type MemoryOption func(*MemoryCache)

// WithClock overrides the time source, for expiry tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(mc *MemoryCache) { mc.now = now }
}

// NewMemoryCache creates an in-process coordination cache.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	mc := &MemoryCache{
		reservations: make(map[string]map[string]*models.Reservation),
		values:       make(map[string]memoryValue),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(mc)
	}
	return mc
}

// CreateReservation places a hold if headroom allows it.
func (mc *MemoryCache) CreateReservation(ctx context.Context, res models.Reservation, headroom int64) (CreateResult, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	mc.pruneLocked(res.UserID, now)

	userRes := mc.reservations[res.UserID]
	if existing, ok := userRes[res.OperationID]; ok && existing != nil {
		return CreateResult{Duplicate: true}, nil
	}

	var sum int64
	for _, r := range userRes {
		if r.Status == models.StatusReserved {
			sum += r.Amount
		}
	}

	if res.Amount > headroom-sum {
		return CreateResult{Created: false, ReservedSum: sum}, nil
	}

	if userRes == nil {
		userRes = make(map[string]*models.Reservation)
		mc.reservations[res.UserID] = userRes
	}
	stored := res
	stored.Status = models.StatusReserved
	userRes[res.OperationID] = &stored
	return CreateResult{Created: true, ReservedSum: sum}, nil
}

// GetReservation reads a reservation, resolving lazy expiry.
func (mc *MemoryCache) GetReservation(ctx context.Context, userID, operationID string) (*models.Reservation, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	res, ok := mc.reservations[userID][operationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *res
	cp.Status = cp.EffectiveStatus(mc.now())
	return &cp, nil
}

// FinishReservation transitions a hold to consumed or cancelled.
func (mc *MemoryCache) FinishReservation(ctx context.Context, userID, operationID, status string) (FinishResult, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	res, ok := mc.reservations[userID][operationID]
	if !ok {
		return FinishResult{}, ErrNotFound
	}

	now := mc.now()
	if res.ExpiredAt(now) {
		res.Status = models.StatusExpired
		return FinishResult{Status: models.StatusExpired, Amount: res.Amount, Service: res.Service}, nil
	}
	if res.Terminal() {
		return FinishResult{Status: res.Status, Amount: res.Amount, Service: res.Service}, nil
	}

	res.Status = status
	switch status {
	case models.StatusConsumed:
		res.ConsumedAt = &now
	case models.StatusCancelled:
		res.CancelledAt = &now
	}
	return FinishResult{Transitioned: true, Status: status, Amount: res.Amount, Service: res.Service}, nil
}

// ActiveReservedSum prunes and totals the user's live holds.
func (mc *MemoryCache) ActiveReservedSum(ctx context.Context, userID string) (int64, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.pruneLocked(userID, mc.now())
	var sum int64
	for _, r := range mc.reservations[userID] {
		if r.Status == models.StatusReserved {
			sum += r.Amount
		}
	}
	return sum, nil
}

// PruneExpired releases expired holds for one user.
func (mc *MemoryCache) PruneExpired(ctx context.Context, userID string) (int, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.pruneLocked(userID, mc.now()), nil
}

func (mc *MemoryCache) pruneLocked(userID string, now time.Time) int {
	count := 0
	for _, r := range mc.reservations[userID] {
		if r.ExpiredAt(now) {
			r.Status = models.StatusExpired
			count++
		}
	}
	return count
}

// ReservingUsers lists users with tracked holds.
func (mc *MemoryCache) ReservingUsers(ctx context.Context) ([]string, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	users := make([]string, 0, len(mc.reservations))
	for userID, userRes := range mc.reservations {
		for _, r := range userRes {
			if r.Status == models.StatusReserved {
				users = append(users, userID)
				break
			}
		}
	}
	return users, nil
}

// GetValue reads a cached value.
func (mc *MemoryCache) GetValue(ctx context.Context, key string) ([]byte, bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	v, ok := mc.values[key]
	if !ok || mc.now().After(v.expiresAt) {
		delete(mc.values, key)
		return nil, false, nil
	}
	return v.data, true, nil
}

// SetValue writes a cached value with a TTL.
func (mc *MemoryCache) SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.values[key] = memoryValue{data: value, expiresAt: mc.now().Add(ttl)}
	return nil
}

// DeleteValue removes a cached value.
func (mc *MemoryCache) DeleteValue(ctx context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.values, key)
	return nil
}

// Close is a no-op for the memory cache.
func (mc *MemoryCache) Close() error {
	return nil
}
