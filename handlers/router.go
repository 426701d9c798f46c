package handlers

import (
	"net/http"

	"github.com/Nexora-Open-Source/job-feed-importer/config"
	"github.com/Nexora-Open-Source/job-feed-importer/handlers/health"
	"github.com/Nexora-Open-Source/job-feed-importer/middleware"
	"github.com/Nexora-Open-Source/job-feed-importer/monitoring"
	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger/v2"
)

// NewRouter mounts the API, health, metrics and docs routes and wraps them
// in access logging and CORS. limiter guards the trigger endpoint and may be nil.
func NewRouter(h *Handler, hh *health.Handler, corsConfig config.CORSConfig, limiter *middleware.RateLimiter) http.Handler {
	router := mux.NewRouter()

	monitoring.SetupMetricsEndpoint(router)

	// No rate limiting on health checks
	router.HandleFunc("/health", hh.HandleHealthCheck).Methods("GET")
	router.HandleFunc("/health/live", hh.HandleLivenessCheck).Methods("GET")
	router.HandleFunc("/health/ready", hh.HandleReadinessCheck).Methods("GET")

	router.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)

	router.HandleFunc("/jobs", middleware.MonitoringMiddleware(h.HandleListJobs)).Methods("GET")
	router.HandleFunc("/jobs/{id}", middleware.MonitoringMiddleware(h.HandleGetJob)).Methods("GET")
	router.HandleFunc("/imports/logs", middleware.MonitoringMiddleware(h.HandleListImportLogs)).Methods("GET")
	router.HandleFunc("/imports/logs/{id}", middleware.MonitoringMiddleware(h.HandleGetImportLog)).Methods("GET")

	trigger := h.HandleRunImport
	if limiter != nil {
		trigger = middleware.RateLimitMiddleware(limiter, trigger)
	}
	router.HandleFunc("/imports/run", middleware.MonitoringMiddleware(trigger)).Methods("POST")

	withLogging := middleware.LoggingMiddleware(router)
	return middleware.CORSMiddleware(withLogging, corsConfig)
}
