// Package api is the HTTP surface of the metergate service: admission
// (reserve/commit/release), balance and history reads, and the admin credit
// operations. Handlers decode and validate, delegate to the admission
// service, and map the ledger error taxonomy onto status codes.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"metergate/internal/admission"
	"metergate/internal/cost"
	"metergate/internal/ledger"
	"metergate/internal/ledgerstore"
	"metergate/internal/models"
	"metergate/internal/version"
)

// Handlers contains HTTP handlers for the metergate API
type Handlers struct {
	admission *admission.Service
}

// NewHandlers creates a new handlers instance
func NewHandlers(admissionSvc *admission.Service) *Handlers {
	return &Handlers{
		admission: admissionSvc,
	}
}

// ReserveCredits handles credit reservation requests
// POST /v1/admission/reserve
func (h *Handlers) ReserveCredits(w http.ResponseWriter, r *http.Request) {
	var req models.ReserveCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "Invalid JSON body")
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, err.Error())
		return
	}

	result, err := h.admission.ReserveCredits(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, result)
}

// CommitCredits handles reservation settlement after a successful operation
// POST /v1/admission/commit
func (h *Handlers) CommitCredits(w http.ResponseWriter, r *http.Request) {
	var req models.CommitCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "Invalid JSON body")
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, err.Error())
		return
	}

	result, err := h.admission.CommitCredits(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if balance, err := h.admission.Balance(r.Context(), req.UserID); err == nil {
		admission.SetBalanceHeaders(w.Header(), balance)
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// ReleaseCredits handles reservation cancellation
// POST /v1/admission/release
func (h *Handlers) ReleaseCredits(w http.ResponseWriter, r *http.Request) {
	var req models.ReleaseCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "Invalid JSON body")
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, err.Error())
		return
	}

	if err := h.admission.ReleaseCredits(r.Context(), req); err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// GetBalance handles balance queries
// GET /v1/balance/{user_id}
func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID := vars["user_id"]

	balance, err := h.admission.Balance(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	admission.SetBalanceHeaders(w.Header(), balance)
	h.writeJSONResponse(w, http.StatusOK, balance)
}

// GetHistory handles credit history queries
// GET /v1/history/{user_id}?limit=N
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID := vars["user_id"]

	limit := 50
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n < 1 {
			h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	history, err := h.admission.History(r.Context(), userID, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"history": history,
	})
}

// CreateAccount handles account provisioning
// POST /v1/admin/accounts
func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "Invalid JSON body")
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, err.Error())
		return
	}

	account, err := h.admission.CreateAccount(r.Context(), req)
	if err != nil {
		if errors.Is(err, ledgerstore.ErrAccountExists) {
			h.writeErrorResponse(w, http.StatusConflict, models.ErrorCodeInvalidRequest, "Account already exists")
			return
		}
		h.writeServiceError(w, err)
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, account)
}

// AddCredits handles administrative credit top-ups
// POST /v1/admin/credits/add
func (h *Handlers) AddCredits(w http.ResponseWriter, r *http.Request) {
	var req models.AddCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "Invalid JSON body")
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, err.Error())
		return
	}

	if err := h.admission.AddCredits(r.Context(), req); err != nil {
		h.writeServiceError(w, err)
		return
	}

	balance, err := h.admission.Balance(r.Context(), req.UserID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, balance)
}

// ResetCredits starts a new billing period for a user
// POST /v1/admin/credits/reset
func (h *Handlers) ResetCredits(w http.ResponseWriter, r *http.Request) {
	var req models.ResetCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "Invalid JSON body")
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, err.Error())
		return
	}

	account, err := h.admission.ResetCredits(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, account)
}

// HealthCheck handles health check requests
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := &models.HealthResponse{
		Status:  "healthy",
		Version: version.GetInfo().Version,
		Dependencies: map[string]string{
			"ledger":       "operational",
			"coordination": "operational",
		},
		Timestamp: time.Now().UTC(),
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; log instead of sending a second response
		slog.Error("Error encoding JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSONResponse(w, statusCode, models.NewErrorResponse(message, errorCode))
}

// writeServiceError maps ledger and cost errors onto HTTP status codes.
// Unknown errors become opaque 500s so internals never leak to clients.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientCreditsError
	var invalid *ledger.InvalidStateError
	var reconciliation *ledger.ReconciliationError

	switch {
	case errors.As(err, &insufficient):
		resp := models.NewErrorResponse(err.Error(), models.ErrorCodeInsufficientCredits).
			WithDetail("required", strconv.FormatInt(insufficient.Required, 10)).
			WithDetail("available", strconv.FormatInt(insufficient.Available, 10)).
			WithDetail("shortfall", strconv.FormatInt(insufficient.Shortfall(), 10))
		h.writeJSONResponse(w, http.StatusPaymentRequired, resp)

	case errors.Is(err, ledger.ErrAccountNotFound):
		h.writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeAccountNotFound, "Account not found")

	case errors.Is(err, ledger.ErrReservationNotFound):
		h.writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeReservationNotFound, "Reservation not found")

	case errors.Is(err, ledger.ErrReservationExpired):
		h.writeErrorResponse(w, http.StatusGone, models.ErrorCodeReservationExpired, "Reservation expired")

	case errors.As(err, &invalid):
		resp := models.NewErrorResponse(err.Error(), models.ErrorCodeReservationConflict).
			WithDetail("status", invalid.Status)
		h.writeJSONResponse(w, http.StatusConflict, resp)

	case errors.Is(err, ledger.ErrStoreUnavailable):
		h.writeErrorResponse(w, http.StatusServiceUnavailable, models.ErrorCodeStoreUnavailable, "Coordination store unavailable")

	case errors.As(err, &reconciliation):
		slog.Error("Consumed reservation awaiting ledger reconciliation",
			"operation_id", reconciliation.OperationID,
			"error", reconciliation.Err,
		)
		h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Charge recorded, ledger write pending")

	case errors.Is(err, cost.ErrPlanNotFound):
		h.writeErrorResponse(w, http.StatusUnprocessableEntity, models.ErrorCodePlanNotFound, err.Error())

	case errors.Is(err, cost.ErrCostCalculation):
		h.writeErrorResponse(w, http.StatusUnprocessableEntity, models.ErrorCodeCostCalculation, err.Error())

	default:
		slog.Error("Unhandled service error", "error", err)
		h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Internal server error")
	}
}
