package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Nexora-Open-Source/job-feed-importer/cache"
	"github.com/Nexora-Open-Source/job-feed-importer/middleware"
	"github.com/Nexora-Open-Source/job-feed-importer/scheduler"
	"github.com/Nexora-Open-Source/job-feed-importer/store"
	"github.com/Nexora-Open-Source/job-feed-importer/types"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// maxRunRequestBytes bounds the trigger request body
const maxRunRequestBytes = 8 << 10

// RunImportRequest is the body of POST /imports/run. An empty body or an
// empty sourceUrl triggers every configured feed.
type RunImportRequest struct {
	SourceURL string `json:"sourceUrl" validate:"omitempty,url,max=2048"`
}

// RunImportResponse acknowledges enqueued runs
type RunImportResponse struct {
	Message   string   `json:"message"`
	SourceURL string   `json:"sourceUrl,omitempty"`
	Total     int      `json:"total,omitempty"`
	Feeds     []string `json:"feeds,omitempty"`
}

// @Summary List import runs
// @Description Returns import logs newest first, filtered by feed URL and status.
// @Tags Imports
// @Produce json
// @Param page query int false "Page number (default: 1)"
// @Param limit query int false "Page size (default: 20, max: 200)"
// @Param sourceUrl query string false "Feed URL"
// @Param status query string false "running, success or failed"
// @Success 200 {object} ImportLogListResponse "One page of import logs"
// @Failure 400 {object} middleware.APIError "Bad request"
// @Failure 500 {object} middleware.APIError "Internal server error"
// @Router /imports/logs [get]
func (h *Handler) HandleListImportLogs(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.RequestID(r)
	query := r.URL.Query()

	page, err := parsePagination(query)
	if err != nil {
		middleware.RespondBadRequest(w, err, requestID)
		return
	}

	status := types.RunStatus(strings.ToLower(strings.TrimSpace(query.Get("status"))))
	if status != "" && !status.Valid() {
		middleware.RespondValidationError(w, fmt.Errorf("status must be one of running, success, failed"), requestID)
		return
	}

	filter := store.ImportLogFilter{
		SourceURL: strings.TrimSpace(query.Get("sourceUrl")),
		Status:    status,
		Skip:      page.Skip(),
		Limit:     page.Limit,
	}

	key := page.setPagination(url.Values{})
	setIfPresent(key, "sourceUrl", filter.SourceURL)
	setIfPresent(key, "status", string(filter.Status))

	if h.serveCachedListing(w, r, cache.KindImportLogs, key) {
		return
	}

	rows, total, err := h.Store.ListImportLogs(r.Context(), filter)
	if err != nil {
		h.Logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to list import logs")
		middleware.RespondInternalError(w, fmt.Errorf("failed to list import logs"), requestID)
		return
	}

	h.writeListing(w, r, cache.KindImportLogs, key, total, ImportLogListResponse{
		Total: total,
		Page:  page.Page,
		Limit: page.Limit,
		Rows:  rows,
	})
}

// @Summary Get an import run
// @Description Returns one import log with its counters and failure reasons.
// @Tags Imports
// @Produce json
// @Param id path string true "Import log id"
// @Success 200 {object} types.ImportLog "The import log"
// @Failure 404 {object} middleware.APIError "Import log not found"
// @Failure 500 {object} middleware.APIError "Internal server error"
// @Router /imports/logs/{id} [get]
func (h *Handler) HandleGetImportLog(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.RequestID(r)
	id := mux.Vars(r)["id"]

	log, err := h.Store.GetImportLog(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		middleware.RespondNotFound(w, fmt.Errorf("import log %s not found", id), requestID)
		return
	}
	if err != nil {
		h.Logger.WithFields(logrus.Fields{
			"request_id":    requestID,
			"import_log_id": id,
			"error":         err.Error(),
		}).Error("Failed to get import log")
		middleware.RespondInternalError(w, fmt.Errorf("failed to get import log"), requestID)
		return
	}

	writeJSON(w, http.StatusOK, log)
}

// @Summary Trigger an import
// @Description Enqueues an import run for sourceUrl, or for every configured feed when sourceUrl is omitted. Runs execute asynchronously; poll /imports/logs for progress.
// @Tags Imports
// @Accept json
// @Produce json
// @Param request body RunImportRequest false "Feed to import"
// @Success 202 {object} RunImportResponse "Runs enqueued"
// @Failure 400 {object} middleware.APIError "Invalid request or no feeds configured"
// @Failure 429 {object} middleware.APIError "Rate limit exceeded"
// @Failure 500 {object} middleware.APIError "Internal server error"
// @Router /imports/run [post]
func (h *Handler) HandleRunImport(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.RequestID(r)

	var req RunImportRequest
	if r.Body != nil {
		err := json.NewDecoder(io.LimitReader(r.Body, maxRunRequestBytes)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			middleware.RespondBadRequest(w, fmt.Errorf("invalid request body: %w", err), requestID)
			return
		}
	}

	req.SourceURL = strings.TrimSpace(req.SourceURL)
	if err := h.validate.Struct(req); err != nil {
		middleware.RespondValidationError(w, err, requestID)
		return
	}

	if req.SourceURL != "" {
		sanitized, err := validateFeedURL(req.SourceURL, h.AllowPrivateHosts)
		if err != nil {
			middleware.RespondValidationError(w, err, requestID)
			return
		}
		if !looksLikeFeedURL(sanitized) {
			// Feeds come in many shapes; only note it
			h.Logger.WithField("source_url", sanitized).Warn("URL does not match typical feed patterns")
		}
		req.SourceURL = sanitized
	}

	feeds, err := h.Trigger.RunNow(r.Context(), req.SourceURL)
	if errors.Is(err, scheduler.ErrNoFeeds) {
		middleware.RespondNoFeeds(w, err, requestID)
		return
	}
	if err != nil {
		h.Logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"source_url": req.SourceURL,
			"error":      err.Error(),
		}).Error("Failed to enqueue import runs")
		middleware.RespondInternalError(w, fmt.Errorf("failed to enqueue import runs"), requestID)
		return
	}

	// A new run will show up in the listings shortly
	_ = h.CacheManager.InvalidateKind(r.Context(), cache.KindImportLogs)

	h.Logger.WithFields(logrus.Fields{
		"request_id":  requestID,
		"source_url":  req.SourceURL,
		"feeds_count": len(feeds),
	}).Info("Import runs enqueued via API")

	if req.SourceURL != "" {
		writeJSON(w, http.StatusAccepted, RunImportResponse{
			Message:   "Import run enqueued",
			SourceURL: req.SourceURL,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, RunImportResponse{
		Message: "Import runs enqueued",
		Total:   len(feeds),
		Feeds:   feeds,
	})
}
