// Package ledger implements the credit accounting core: the two-phase
// reserve/consume protocol, balance derivation, monthly resets with capped
// rollover, and the append-only history. The ledger store is authoritative;
// the coordination cache holds in-flight reservations and derived values.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"metergate/internal/coordination"
	"metergate/internal/events"
	"metergate/internal/ledgerstore"
	"metergate/internal/models"
)

// Service coordinates credit state across the authoritative store and the
// coordination cache. Credit decisions fail closed: if either backend is
// unreachable, no credits are granted.
type Service struct {
	store  ledgerstore.Store
	cache  coordination.Cache
	events events.Sink
	cfg    models.CreditsConfig
	plans  map[string]models.PlanConfig
	now    func() time.Time
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithClock overrides the time source, for expiry tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates the credit ledger service.
func NewService(store ledgerstore.Store, cache coordination.Cache, sink events.Sink, cfg models.CreditsConfig, plans map[string]models.PlanConfig, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		cache:  cache,
		events: sink,
		cfg:    cfg,
		plans:  plans,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConsumeOutcome reports a completed consume.
type ConsumeOutcome struct {
	// Amount is the credits charged for the operation.
	Amount int64
	// Remaining is the available balance after the charge.
	Remaining int64
	// Replayed is true when this call was an idempotent retry of an
	// already-consumed operation; nothing was charged again.
	Replayed bool
}

// CreateAccount provisions a new account on the given plan.
func (s *Service) CreateAccount(ctx context.Context, userID, plan string) (*models.Account, error) {
	planCfg, ok := s.plans[plan]
	if !ok {
		return nil, fmt.Errorf("unknown plan %q", plan)
	}

	now := s.now()
	account := &models.Account{
		UserID:           userID,
		Plan:             plan,
		MonthlyAllotment: planCfg.MonthlyCredits,
		UsageByService:   make(map[string]int64),
		PeriodStart:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccount returns the account credit state, possibly served from the
// short-TTL cache.
func (s *Service) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	return s.getAccountCached(ctx, userID)
}

// GetBalance derives the user's current balance. The account portion may be
// served from the short-TTL cache; the reserved figure is always live so a
// fresh reservation is visible immediately.
func (s *Service) GetBalance(ctx context.Context, userID string) (*models.Balance, error) {
	account, err := s.getAccountCached(ctx, userID)
	if err != nil {
		return nil, err
	}

	reserved, err := s.cache.ActiveReservedSum(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	now := s.now()
	balance := &models.Balance{
		UserID:    userID,
		Monthly:   account.MonthlyAllotment,
		Rollover:  account.ActiveRollover(now),
		Used:      account.Used,
		Reserved:  reserved,
		ResetDate: account.PeriodStart.AddDate(0, 1, 0),
	}
	balance.ComputeAvailable()
	balance.ComputeUtilization()
	return balance, nil
}

// Reserve places a time-bounded hold on amount credits. The headroom check
// and the hold creation happen atomically in the coordination cache, so
// concurrent reserves can never over-commit the account.
func (s *Service) Reserve(ctx context.Context, userID, service string, amount int64, operationID string) (*models.Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reservation amount must be positive, got %d", amount)
	}
	if operationID == "" {
		return nil, fmt.Errorf("operation ID is required")
	}

	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, ledgerstore.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		// Fail closed: an unreadable ledger grants nothing.
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	now := s.now()
	headroom := account.Headroom(now)
	res := models.Reservation{
		OperationID: operationID,
		UserID:      userID,
		Service:     service,
		Amount:      amount,
		Status:      models.StatusReserved,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.ReservationTTL),
	}

	result, err := s.cache.CreateReservation(ctx, res, headroom)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if result.Duplicate {
		status := "exists"
		if existing, gerr := s.cache.GetReservation(ctx, userID, operationID); gerr == nil {
			status = existing.Status
		}
		return nil, &InvalidStateError{OperationID: operationID, Status: status}
	}
	if !result.Created {
		available := headroom - result.ReservedSum
		if available < 0 {
			available = 0
		}
		return nil, &InsufficientCreditsError{Required: amount, Available: available}
	}
	return &res, nil
}

// Consume settles a reservation: the hold transitions to consumed exactly
// once, then the charge is written to the authoritative ledger. The ledger
// write is idempotent by operation ID, so replays (including retries after a
// crash between the two steps) converge on a single charge.
func (s *Service) Consume(ctx context.Context, userID, operationID string) (ConsumeOutcome, error) {
	finish, err := s.cache.FinishReservation(ctx, userID, operationID, models.StatusConsumed)
	if err != nil {
		if errors.Is(err, coordination.ErrNotFound) {
			return ConsumeOutcome{}, ErrReservationNotFound
		}
		return ConsumeOutcome{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	switch {
	case finish.Status == models.StatusExpired:
		return ConsumeOutcome{}, ErrReservationExpired
	case !finish.Transitioned && finish.Status == models.StatusCancelled:
		return ConsumeOutcome{}, &InvalidStateError{OperationID: operationID, Status: finish.Status}
	}

	// Reaching here means the reservation is consumed, either by this call
	// or a previous one. The ledger write runs in both cases: for a replay
	// it is a no-op that heals a crash between transition and write.
	entry := models.HistoryEntry{
		ID:          uuid.NewString(),
		UserID:      userID,
		Timestamp:   s.now(),
		Service:     finish.Service,
		Delta:       -finish.Amount,
		Operation:   models.HistoryOpConsumed,
		OperationID: operationID,
	}

	var applied bool
	backoff := retry.WithMaxRetries(uint64(s.cfg.ConsumeRetryAttempts-1), retry.NewExponential(s.cfg.ConsumeRetryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		result, ierr := s.store.IncrementUsed(ctx, userID, finish.Amount, finish.Service, entry)
		if ierr != nil {
			if errors.Is(ierr, ledgerstore.ErrNotFound) || errors.Is(ierr, ledgerstore.ErrCapExceeded) {
				return ierr
			}
			return retry.RetryableError(ierr)
		}
		applied = result.Applied
		return nil
	})
	if err != nil {
		// The hold is consumed but the charge is not durably recorded.
		// Surfacing this is mandatory; it is never silently dropped.
		return ConsumeOutcome{}, &ReconciliationError{OperationID: operationID, Err: err}
	}

	s.invalidateAccount(ctx, userID)

	if applied {
		s.events.Publish(ctx, events.Event{
			ID:        uuid.NewString(),
			Name:      events.EventCreditsConsumed,
			UserID:    userID,
			Service:   finish.Service,
			Amount:    finish.Amount,
			Timestamp: s.now(),
		})
	}

	outcome := ConsumeOutcome{Amount: finish.Amount, Replayed: !finish.Transitioned}
	if balance, berr := s.GetBalance(ctx, userID); berr == nil {
		outcome.Remaining = balance.Available
	} else {
		slog.Warn("failed to derive balance after consume",
			"user_id", userID,
			"error", berr,
		)
	}
	return outcome, nil
}

// Cancel releases a reservation without charging. Cancelling an absent,
// expired, or already-settled reservation is a no-op: callers fire Cancel
// from cleanup paths and must be able to do so blindly.
func (s *Service) Cancel(ctx context.Context, userID, operationID string) error {
	_, err := s.cache.FinishReservation(ctx, userID, operationID, models.StatusCancelled)
	if err != nil {
		if errors.Is(err, coordination.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// GetReservation returns the current reservation state.
func (s *Service) GetReservation(ctx context.Context, userID, operationID string) (*models.Reservation, error) {
	res, err := s.cache.GetReservation(ctx, userID, operationID)
	if err != nil {
		if errors.Is(err, coordination.ErrNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return res, nil
}

// AddCredits raises the user's monthly allotment mid-period.
func (s *Service) AddCredits(ctx context.Context, userID string, amount int64, metadata map[string]string) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	entry := models.HistoryEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Timestamp: s.now(),
		Delta:     amount,
		Operation: models.HistoryOpAdded,
		Metadata:  metadata,
	}
	if err := s.store.AddCredits(ctx, userID, amount, entry); err != nil {
		if errors.Is(err, ledgerstore.ErrNotFound) {
			return ErrAccountNotFound
		}
		return err
	}

	s.invalidateAccount(ctx, userID)
	s.events.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Name:      events.EventCreditsAdded,
		UserID:    userID,
		Amount:    amount,
		Timestamp: s.now(),
	})
	return nil
}

// ResetMonthlyCredits starts a new billing period. Unused monthly credits
// carry over when the plan allows it, capped at half the allotment; prior
// rollover is not compounded. Carried credits expire after the plan's
// rollover horizon.
func (s *Service) ResetMonthlyCredits(ctx context.Context, userID string) (*models.Account, error) {
	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, ledgerstore.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	plan, ok := s.plans[account.Plan]
	if !ok {
		return nil, fmt.Errorf("unknown plan %q for user %s", account.Plan, userID)
	}

	now := s.now()
	var rollover int64
	var rolloverExpiresAt *time.Time
	if plan.RolloverEnabled {
		unused := account.MonthlyAllotment - account.Used
		if unused < 0 {
			unused = 0
		}
		rollover = unused
		if half := account.MonthlyAllotment / 2; rollover > half {
			rollover = half
		}
		if rollover > 0 {
			months := plan.RolloverMonths
			if months < 1 {
				months = 1
			}
			t := now.AddDate(0, months, 0)
			rolloverExpiresAt = &t
		}
	}

	var entries []models.HistoryEntry
	if rollover > 0 {
		entries = append(entries, models.HistoryEntry{
			ID:        uuid.NewString(),
			UserID:    userID,
			Timestamp: now,
			Delta:     rollover,
			Operation: models.HistoryOpRollover,
		})
	}
	entries = append(entries, models.HistoryEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Timestamp: now.Add(time.Millisecond),
		Delta:     plan.MonthlyCredits,
		Operation: models.HistoryOpReset,
	})

	if err := s.store.ResetPeriod(ctx, userID, plan.MonthlyCredits, rollover, rolloverExpiresAt, entries); err != nil {
		if errors.Is(err, ledgerstore.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	s.invalidateAccount(ctx, userID)
	s.events.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Name:      events.EventCreditsReset,
		UserID:    userID,
		Amount:    plan.MonthlyCredits,
		Metadata:  map[string]string{"rollover": fmt.Sprintf("%d", rollover)},
		Timestamp: now,
	})

	return s.store.GetAccount(ctx, userID)
}

// History returns the most recent credit movements, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error) {
	return s.store.History(ctx, userID, limit)
}

func (s *Service) accountCacheKey(userID string) string {
	return "account:" + userID
}

// getAccountCached serves reads through the short-TTL cache. Cache failures
// degrade to the store; only store failures surface.
func (s *Service) getAccountCached(ctx context.Context, userID string) (*models.Account, error) {
	key := s.accountCacheKey(userID)
	if s.cfg.BalanceCacheTTL > 0 {
		if raw, found, err := s.cache.GetValue(ctx, key); err == nil && found {
			var account models.Account
			if uerr := json.Unmarshal(raw, &account); uerr == nil {
				return &account, nil
			}
		}
	}

	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, ledgerstore.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	if s.cfg.BalanceCacheTTL > 0 {
		if raw, merr := json.Marshal(account); merr == nil {
			if cerr := s.cache.SetValue(ctx, key, raw, s.cfg.BalanceCacheTTL); cerr != nil {
				slog.Debug("failed to cache account", "user_id", userID, "error", cerr)
			}
		}
	}
	return account, nil
}

// invalidateAccount drops the cached account after a write. Invalidate, not
// update: the next read repopulates from the authoritative store.
func (s *Service) invalidateAccount(ctx context.Context, userID string) {
	if err := s.cache.DeleteValue(ctx, s.accountCacheKey(userID)); err != nil {
		slog.Warn("failed to invalidate cached account",
			"user_id", userID,
			"error", err,
		)
	}
}
