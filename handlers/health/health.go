// Package health provides health check handlers for the job feed importer
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/middleware"
	"github.com/Nexora-Open-Source/job-feed-importer/queue"
	"github.com/sirupsen/logrus"
)

// Version is reported by the health endpoints
var Version = "1.0.0"

// HealthStatus represents the health check response structure
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Version   string                 `json:"version"`
	Services  map[string]string      `json:"services"`
	Queues    map[string]queue.Stats `json:"queues,omitempty"`
	Uptime    string                 `json:"uptime"`
}

// Pinger is a dependency that can report its connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueInspector reports queue depths
type QueueInspector interface {
	Stats(ctx context.Context, queue string) (queue.Stats, error)
}

// Handler contains dependencies for health handlers
type Handler struct {
	Logger  *logrus.Logger
	Timeout time.Duration

	checks map[string]Pinger
	queues QueueInspector
	names  []string
	start  time.Time
}

// NewHandler creates a new health handler with no checks
func NewHandler(logger *logrus.Logger) *Handler {
	return &Handler{
		Logger:  logger,
		Timeout: 5 * time.Second,
		checks:  make(map[string]Pinger),
		start:   time.Now(),
	}
}

// AddCheck registers a dependency reported under name
func (h *Handler) AddCheck(name string, p Pinger) *Handler {
	h.checks[name] = p
	return h
}

// WithQueues reports the depth of the named queues
func (h *Handler) WithQueues(inspector QueueInspector, names ...string) *Handler {
	h.queues = inspector
	h.names = names
	return h
}

// @Summary Health check
// @Description Reports dependency connectivity and queue depths.
// @Tags Health
// @Produce json
// @Success 200 {object} HealthStatus "Health report"
// @Router /health [get]
func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	health := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Version:   Version,
		Services:  make(map[string]string),
		Uptime:    time.Since(h.start).String(),
	}

	for name, err := range h.runChecks(ctx) {
		if err != nil {
			health.Status = "unhealthy"
			health.Services[name] = "unhealthy: " + err.Error()
			h.Logger.WithFields(logrus.Fields{
				"service": name,
				"error":   err.Error(),
			}).Error("Health check failed")
		} else {
			health.Services[name] = "healthy"
		}
	}

	if h.queues != nil {
		health.Queues = make(map[string]queue.Stats, len(h.names))
		for _, name := range h.names {
			stats, err := h.queues.Stats(ctx, name)
			if err != nil {
				h.Logger.WithError(err).WithField("queue", name).Warn("Failed to read queue stats")
				continue
			}
			health.Queues[name] = stats
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}

// @Summary Liveness probe
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]interface{} "Process is alive"
// @Router /health/live [get]
func (h *Handler) HandleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(h.start).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// @Summary Readiness probe
// @Description Fails with 503 while any dependency is unreachable.
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]interface{} "Ready"
// @Failure 503 {object} middleware.APIError "A dependency is unavailable"
// @Router /health/ready [get]
func (h *Handler) HandleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	services := make(map[string]string)
	results := h.runChecks(ctx)
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := results[name]; err != nil {
			middleware.RespondServiceUnavailable(w, fmt.Errorf("%s: %w", name, err), middleware.RequestID(r))
			return
		}
		services[name] = "ready"
	}

	response := map[string]interface{}{
		"status":    "ready",
		"timestamp": time.Now().Format(time.RFC3339),
		"services":  services,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

func (h *Handler) runChecks(ctx context.Context) map[string]error {
	results := make(map[string]error, len(h.checks))
	for name, p := range h.checks {
		results[name] = p.Ping(ctx)
	}
	return results
}
