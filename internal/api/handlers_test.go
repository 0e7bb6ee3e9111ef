package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metergate/internal/admission"
	"metergate/internal/coordination"
	"metergate/internal/cost"
	"metergate/internal/events"
	"metergate/internal/ledger"
	"metergate/internal/ledgerstore"
	"metergate/internal/models"
	"metergate/internal/ratelimit"
)

func testPlans() map[string]models.PlanConfig {
	return map[string]models.PlanConfig{
		"pro": {
			MonthlyCredits:  1000,
			RolloverEnabled: true,
			RolloverMonths:  1,
			Pricing: map[string]models.ServicePricing{
				models.ServiceTextToSpeech:    {Mode: models.PricingPerCharacter, CharactersPerCredit: 100},
				models.ServiceMusicGeneration: {Mode: models.PricingPerSecond, CreditsPerSecond: 2},
				models.ServiceVoiceClone:      {Mode: models.PricingFixed, FixedCredits: 50},
			},
		},
	}
}

func newTestRouter(t *testing.T, opts ...RouteOption) *mux.Router {
	t.Helper()
	store, err := ledgerstore.NewMemoryStore(ledgerstore.Config{})
	require.NoError(t, err)
	cache := coordination.NewMemoryCache()
	plans := testPlans()

	cfg := models.CreditsConfig{
		ReservationTTL:       30 * time.Minute,
		ConsumeRetryAttempts: 3,
		ConsumeRetryBase:     time.Millisecond,
	}
	ledgerSvc := ledger.NewService(store, cache, events.NoopSink{}, cfg, plans)
	_, err = ledgerSvc.CreateAccount(context.Background(), "user-1", "pro")
	require.NoError(t, err)

	t.Cleanup(func() {
		cache.Close()
		store.Close()
	})

	handlers := NewHandlers(admission.NewService(ledgerSvc, nil, cost.NewPlanCalculator(plans)))
	return SetupRoutes(handlers, opts...)
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealthCheck(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Contains(t, resp.Dependencies, "ledger")
}

func TestReserveCredits(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/admission/reserve", models.ReserveCreditsRequest{
		UserID:      "user-1",
		Service:     models.ServiceTextToSpeech,
		OperationID: "op-1",
		Params:      models.ServiceParams{Characters: 2500},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var result models.ReserveResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.OK)
	assert.Equal(t, "op-1", result.OperationID)
	assert.Equal(t, int64(25), result.Amount)
	assert.False(t, result.ExpiresAt.IsZero())
}

func TestReserveCredits_InvalidJSON(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/admission/reserve", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, models.ErrorCodeInvalidRequest, decodeError(t, rec).Code)
}

func TestReserveCredits_MissingFields(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/admission/reserve", models.ReserveCreditsRequest{
		UserID: "user-1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, models.ErrorCodeInvalidRequest, decodeError(t, rec).Code)
}

func TestReserveCredits_UnknownAccount(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/admission/reserve", models.ReserveCreditsRequest{
		UserID:      "ghost",
		Service:     models.ServiceTextToSpeech,
		OperationID: "op-1",
		Params:      models.ServiceParams{Characters: 100},
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, models.ErrorCodeAccountNotFound, decodeError(t, rec).Code)
}

func TestReserveCredits_Insufficient(t *testing.T) {
	router := newTestRouter(t)

	// 1000 credits buy 20 voice clones at 50 each; the 21st fails.
	for i := 0; i < 20; i++ {
		rec := doJSON(t, router, http.MethodPost, "/v1/admission/reserve", models.ReserveCreditsRequest{
			UserID:      "user-1",
			Service:     models.ServiceVoiceClone,
			OperationID: fmt.Sprintf("op-%d", i),
			Params:      models.ServiceParams{Fixed: true},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, router, http.MethodPost, "/v1/admission/reserve", models.ReserveCreditsRequest{
		UserID:      "user-1",
		Service:     models.ServiceVoiceClone,
		OperationID: "op-over",
		Params:      models.ServiceParams{Fixed: true},
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, models.ErrorCodeInsufficientCredits, resp.Code)
	assert.Equal(t, "50", resp.Details["required"])
	assert.Equal(t, "0", resp.Details["available"])
	assert.Equal(t, "50", resp.Details["shortfall"])
}

func TestReserveCredits_UnpricedService(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/admission/reserve", models.ReserveCreditsRequest{
		UserID:      "user-1",
		Service:     "holograms",
		OperationID: "op-1",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, models.ErrorCodeCostCalculation, decodeError(t, rec).Code)
}

func TestCommitCredits(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/admission/reserve", models.ReserveCreditsRequest{
		UserID:      "user-1",
		Service:     models.ServiceVoiceClone,
		OperationID: "op-1",
		Params:      models.ServiceParams{Fixed: true},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/admission/commit", models.CommitCreditsRequest{
		UserID:      "user-1",
		OperationID: "op-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result models.CommitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.OK)
	assert.Equal(t, int64(50), result.CreditsConsumed)
	assert.Equal(t, int64(950), result.RemainingCredits)

	assert.Equal(t, "1000", rec.Header().Get("X-Credits-Limit"))
	assert.Equal(t, "950", rec.Header().Get("X-Credits-Remaining"))
	assert.Equal(t, "50", rec.Header().Get("X-Credits-Used"))
}

func TestCommitCredits_UnknownReservation(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/admission/commit", models.CommitCreditsRequest{
		UserID:      "user-1",
		OperationID: "never-reserved",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, models.ErrorCodeReservationNotFound, decodeError(t, rec).Code)
}

func TestCommitCredits_AfterRelease(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/admission/reserve", models.ReserveCreditsRequest{
		UserID:      "user-1",
		Service:     models.ServiceVoiceClone,
		OperationID: "op-1",
		Params:      models.ServiceParams{Fixed: true},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/admission/release", models.ReleaseCreditsRequest{
		UserID:      "user-1",
		OperationID: "op-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/admission/commit", models.CommitCreditsRequest{
		UserID:      "user-1",
		OperationID: "op-1",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, models.ErrorCodeReservationConflict, resp.Code)
	assert.Equal(t, models.StatusCancelled, resp.Details["status"])
}

func TestReleaseCredits_UnknownIsNoOp(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/admission/release", models.ReleaseCreditsRequest{
		UserID:      "user-1",
		OperationID: "never-reserved",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetBalance(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/v1/balance/user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var balance models.Balance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	assert.Equal(t, "user-1", balance.UserID)
	assert.Equal(t, int64(1000), balance.Available)
	assert.Equal(t, "1000", rec.Header().Get("X-Credits-Remaining"))
}

func TestGetBalance_UnknownUser(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/v1/balance/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, models.ErrorCodeAccountNotFound, decodeError(t, rec).Code)
}

func TestGetHistory(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/admission/reserve", models.ReserveCreditsRequest{
		UserID:      "user-1",
		Service:     models.ServiceVoiceClone,
		OperationID: "op-1",
		Params:      models.ServiceParams{Fixed: true},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, router, http.MethodPost, "/v1/admission/commit", models.CommitCreditsRequest{
		UserID:      "user-1",
		OperationID: "op-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/history/user-1?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		UserID  string                `json:"user_id"`
		History []models.HistoryEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "user-1", resp.UserID)
	require.Len(t, resp.History, 1)
	assert.Equal(t, models.HistoryOpConsumed, resp.History[0].Operation)
	assert.Equal(t, int64(-50), resp.History[0].Delta)
}

func TestGetHistory_BadLimit(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/v1/history/user-1?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAccount(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/admin/accounts", models.CreateAccountRequest{
		UserID: "user-2",
		Plan:   "pro",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var account models.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &account))
	assert.Equal(t, "user-2", account.UserID)
	assert.Equal(t, int64(1000), account.MonthlyAllotment)

	// Duplicate user conflicts
	rec = doJSON(t, router, http.MethodPost, "/v1/admin/accounts", models.CreateAccountRequest{
		UserID: "user-2",
		Plan:   "pro",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAddCredits(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/admin/credits/add", models.AddCreditsRequest{
		UserID: "user-1",
		Amount: 500,
		Reason: "support goodwill",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var balance models.Balance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	assert.Equal(t, int64(1500), balance.Available)
}

func TestAddCredits_Validation(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/admin/credits/add", models.AddCreditsRequest{
		UserID: "user-1",
		Amount: -5,
		Reason: "oops",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetCredits(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/admin/credits/reset", models.ResetCreditsRequest{
		UserID: "user-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var account models.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &account))
	assert.Equal(t, int64(1000), account.MonthlyAllotment)
	// Full unused allotment rolls over, capped at half.
	assert.Equal(t, int64(500), account.Rollover)
}

func TestMethodNotAllowed(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodDelete, "/v1/admission/reserve", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRateLimiterOption(t *testing.T) {
	gate := ratelimit.NewMemoryGate(ratelimit.Limits{
		Window: time.Minute,
		IP:     2,
		User:   2,
		IPUser: 2,
	}, 0)
	defer gate.Close()

	router := newTestRouter(t, WithRateLimiter(ratelimit.Middleware(gate)))

	for i := 0; i < 2; i++ {
		rec := doJSON(t, router, http.MethodGet, "/v1/balance/user-1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, router, http.MethodGet, "/v1/balance/user-1", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, models.ErrorCodeRateLimitExceeded, decodeError(t, rec).Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Health probes bypass the gate
	rec = doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
