// Package models - API response types and error codes.
// Responses keep a consistent JSON shape across endpoints; admission
// failures are structured results rather than opaque errors so the layer
// above can map them to user-facing output without inspecting internals.
package models

import (
	"time"
)

// Error codes surfaced in ErrorResponse.Code.
const (
	ErrorCodeInvalidRequest       = "INVALID_REQUEST"
	ErrorCodeInsufficientCredits  = "INSUFFICIENT_CREDITS"
	ErrorCodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	ErrorCodeReservationNotFound  = "RESERVATION_NOT_FOUND"
	ErrorCodeReservationExpired   = "RESERVATION_EXPIRED"
	ErrorCodeReservationConflict  = "RESERVATION_INVALID_STATE"
	ErrorCodeStoreUnavailable     = "STORE_UNAVAILABLE"
	ErrorCodeCostCalculation      = "COST_CALCULATION_ERROR"
	ErrorCodePlanNotFound         = "PLAN_NOT_FOUND"
	ErrorCodeAccountNotFound      = "ACCOUNT_NOT_FOUND"
	ErrorCodeInternalError        = "INTERNAL_ERROR"
)

// ErrorResponse is the uniform error envelope for all endpoints.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewErrorResponse creates an error response with the current timestamp.
func NewErrorResponse(message, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     message,
		Code:      code,
		Timestamp: time.Now().UTC(),
	}
}

// WithDetail attaches a key/value detail and returns the response for chaining.
func (e *ErrorResponse) WithDetail(key, value string) *ErrorResponse {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// AdmitResult is the outcome of the rate admission gate.
type AdmitResult struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	Limit      int           `json:"limit"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// FailedOpen marks decisions taken while the coordination store was
	// unreachable; rate limiting fails open by policy.
	FailedOpen bool `json:"failed_open,omitempty"`
}

// ReserveResult is returned by ReserveCredits.
type ReserveResult struct {
	OK          bool      `json:"ok"`
	OperationID string    `json:"operation_id"`
	Amount      int64     `json:"amount"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	// FreeOperation is set when the calculated cost was zero and no
	// reservation was created. Callers skip commit for free operations;
	// release is always safe to fire.
	FreeOperation bool `json:"free_operation,omitempty"`
}

// CommitResult is returned by CommitCredits. Replaying the same operation ID
// returns the identical result without re-charging.
type CommitResult struct {
	OK               bool  `json:"ok"`
	CreditsConsumed  int64 `json:"credits_consumed"`
	RemainingCredits int64 `json:"remaining_credits"`
}

// HealthResponse reports service and dependency status.
type HealthResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}
