package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"

	"metergate/internal/models"
)

// RouteOption configures optional route behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" && r.URL.Path != "/metrics"
			}),
		))
	}
}

// WithRateLimiter adds rate limiting middleware to the router. Health
// probes bypass the gate so orchestrators never see a 429.
func WithRateLimiter(middleware func(http.Handler) http.Handler) RouteOption {
	return func(r *mux.Router) {
		r.Use(func(next http.Handler) http.Handler {
			limited := middleware(next)
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if req.URL.Path == "/health" {
					next.ServeHTTP(w, req)
					return
				}
				limited.ServeHTTP(w, req)
			})
		})
	}
}

// SetupRoutes configures the HTTP routes for the API
func SetupRoutes(handlers *Handlers, opts ...RouteOption) *mux.Router {
	router := mux.NewRouter()

	for _, opt := range opts {
		opt(router)
	}

	v1 := router.PathPrefix("/v1").Subrouter()

	admissionAPI := v1.PathPrefix("/admission").Subrouter()
	admissionAPI.HandleFunc("/reserve", handlers.ReserveCredits).Methods("POST")
	admissionAPI.HandleFunc("/commit", handlers.CommitCredits).Methods("POST")
	admissionAPI.HandleFunc("/release", handlers.ReleaseCredits).Methods("POST")

	v1.HandleFunc("/balance/{user_id}", handlers.GetBalance).Methods("GET")
	v1.HandleFunc("/history/{user_id}", handlers.GetHistory).Methods("GET")

	adminAPI := v1.PathPrefix("/admin").Subrouter()
	adminAPI.HandleFunc("/accounts", handlers.CreateAccount).Methods("POST")
	adminAPI.HandleFunc("/credits/add", handlers.AddCredits).Methods("POST")
	adminAPI.HandleFunc("/credits/reset", handlers.ResetCredits).Methods("POST")

	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")

	router.Use(loggingMiddleware)
	router.Use(recoveryMiddleware)

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		errorResp := models.NewErrorResponse("Method not allowed", models.ErrorCodeInvalidRequest)
		json.NewEncoder(w).Encode(errorResp)
	})

	return router
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware handles panics
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("Panic recovered", "error", err, "path", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				errorResp := models.NewErrorResponse("Internal server error", models.ErrorCodeInternalError)
				json.NewEncoder(w).Encode(errorResp)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
