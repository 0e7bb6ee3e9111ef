// Package admission composes the two gates every metered request passes
// through: the sliding-window rate limiter and the credit reservation. The
// rate gate fails open, the credit gate fails closed; a request proceeds
// only when both admit it.
package admission

import (
	"context"
	"log/slog"

	"metergate/internal/cost"
	"metergate/internal/ledger"
	"metergate/internal/models"
	"metergate/internal/ratelimit"
)

// Service is the admission facade used by the HTTP layer.
type Service struct {
	ledger *ledger.Service
	gate   ratelimit.Gate // nil when rate limiting is disabled
	costs  cost.Calculator
}

// NewService creates the admission service. gate may be nil to disable
// rate limiting.
func NewService(ledgerSvc *ledger.Service, gate ratelimit.Gate, costs cost.Calculator) *Service {
	return &Service{
		ledger: ledgerSvc,
		gate:   gate,
		costs:  costs,
	}
}

// CheckRate evaluates the rate gate for the caller. A gate outage admits
// the request and flags the decision as failed open: rate limiting protects
// capacity and must never become the outage itself.
func (s *Service) CheckRate(ctx context.Context, ip, userID string) models.AdmitResult {
	if s.gate == nil {
		return models.AdmitResult{Allowed: true}
	}

	decision, err := s.gate.Check(ctx, ip, userID)
	if err != nil {
		slog.Error("rate gate unavailable, failing open",
			"ip", ip,
			"user_id", userID,
			"error", err,
		)
		return models.AdmitResult{Allowed: true, FailedOpen: true}
	}

	return models.AdmitResult{
		Allowed:    decision.Allowed,
		Remaining:  decision.Remaining,
		Limit:      decision.Limit,
		RetryAfter: decision.RetryAfter,
	}
}

// ReserveCredits prices the requested operation and places a credit hold.
// A zero-cost operation admits immediately without a reservation; callers
// skip the commit for those.
func (s *Service) ReserveCredits(ctx context.Context, req models.ReserveCreditsRequest) (*models.ReserveResult, error) {
	account, err := s.ledger.GetAccount(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	amount, err := s.costs.Cost(account.Plan, req.Service, req.Params)
	if err != nil {
		return nil, err
	}

	if amount == 0 {
		return &models.ReserveResult{
			OK:            true,
			OperationID:   req.OperationID,
			FreeOperation: true,
		}, nil
	}

	res, err := s.ledger.Reserve(ctx, req.UserID, req.Service, amount, req.OperationID)
	if err != nil {
		return nil, err
	}
	return &models.ReserveResult{
		OK:          true,
		OperationID: res.OperationID,
		Amount:      res.Amount,
		ExpiresAt:   res.ExpiresAt,
	}, nil
}

// CommitCredits settles a reservation after the operation succeeded.
// Replays return the same result without charging twice.
func (s *Service) CommitCredits(ctx context.Context, req models.CommitCreditsRequest) (*models.CommitResult, error) {
	outcome, err := s.ledger.Consume(ctx, req.UserID, req.OperationID)
	if err != nil {
		return nil, err
	}
	return &models.CommitResult{
		OK:               true,
		CreditsConsumed:  outcome.Amount,
		RemainingCredits: outcome.Remaining,
	}, nil
}

// ReleaseCredits cancels a reservation. Safe to fire blindly: unknown,
// expired, and already-settled reservations are no-ops.
func (s *Service) ReleaseCredits(ctx context.Context, req models.ReleaseCreditsRequest) error {
	return s.ledger.Cancel(ctx, req.UserID, req.OperationID)
}

// CreateAccount provisions a credit account for a new user.
func (s *Service) CreateAccount(ctx context.Context, req models.CreateAccountRequest) (*models.Account, error) {
	return s.ledger.CreateAccount(ctx, req.UserID, req.Plan)
}

// Balance returns the user's derived credit balance.
func (s *Service) Balance(ctx context.Context, userID string) (*models.Balance, error) {
	return s.ledger.GetBalance(ctx, userID)
}

// AddCredits applies an administrative top-up.
func (s *Service) AddCredits(ctx context.Context, req models.AddCreditsRequest) error {
	metadata := req.Metadata
	if req.Reason != "" {
		if metadata == nil {
			metadata = make(map[string]string)
		}
		metadata["reason"] = req.Reason
	}
	return s.ledger.AddCredits(ctx, req.UserID, req.Amount, metadata)
}

// ResetCredits starts a new billing period for the user.
func (s *Service) ResetCredits(ctx context.Context, req models.ResetCreditsRequest) (*models.Account, error) {
	return s.ledger.ResetMonthlyCredits(ctx, req.UserID)
}

// History returns the user's recent credit movements.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error) {
	return s.ledger.History(ctx, userID, limit)
}
