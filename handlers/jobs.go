package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Nexora-Open-Source/job-feed-importer/cache"
	"github.com/Nexora-Open-Source/job-feed-importer/middleware"
	"github.com/Nexora-Open-Source/job-feed-importer/store"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// @Summary List imported jobs
// @Description Returns jobs newest first by publication date, filtered by exact source, company, location and type, plus a case-insensitive search over title and description.
// @Tags Jobs
// @Produce json
// @Param page query int false "Page number (default: 1)"
// @Param limit query int false "Page size (default: 20, max: 200)"
// @Param sourceUrl query string false "Feed URL the job was imported from"
// @Param company query string false "Company"
// @Param location query string false "Location"
// @Param type query string false "Job type"
// @Param search query string false "Case-insensitive search in title and description"
// @Success 200 {object} JobListResponse "One page of jobs"
// @Failure 400 {object} middleware.APIError "Bad request"
// @Failure 500 {object} middleware.APIError "Internal server error"
// @Router /jobs [get]
func (h *Handler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.RequestID(r)
	query := r.URL.Query()

	page, err := parsePagination(query)
	if err != nil {
		middleware.RespondBadRequest(w, err, requestID)
		return
	}

	filter := store.JobFilter{
		SourceURL: strings.TrimSpace(query.Get("sourceUrl")),
		Company:   strings.TrimSpace(query.Get("company")),
		Location:  strings.TrimSpace(query.Get("location")),
		Type:      strings.TrimSpace(query.Get("type")),
		Search:    strings.TrimSpace(query.Get("search")),
		Skip:      page.Skip(),
		Limit:     page.Limit,
	}

	key := page.setPagination(url.Values{})
	setIfPresent(key, "sourceUrl", filter.SourceURL)
	setIfPresent(key, "company", filter.Company)
	setIfPresent(key, "location", filter.Location)
	setIfPresent(key, "type", filter.Type)
	setIfPresent(key, "search", filter.Search)

	if h.serveCachedListing(w, r, cache.KindJobs, key) {
		return
	}

	rows, total, err := h.Store.ListJobs(r.Context(), filter)
	if err != nil {
		h.Logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to list jobs")
		middleware.RespondInternalError(w, fmt.Errorf("failed to list jobs"), requestID)
		return
	}

	h.Logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"page":       page.Page,
		"limit":      page.Limit,
		"total":      total,
	}).Debug("Listed jobs")

	h.writeListing(w, r, cache.KindJobs, key, total, JobListResponse{
		Total: total,
		Page:  page.Page,
		Limit: page.Limit,
		Rows:  rows,
	})
}

// @Summary Get a job
// @Description Returns one job by its store id.
// @Tags Jobs
// @Produce json
// @Param id path string true "Job id"
// @Success 200 {object} types.Job "The job"
// @Failure 404 {object} middleware.APIError "Job not found"
// @Failure 500 {object} middleware.APIError "Internal server error"
// @Router /jobs/{id} [get]
func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.RequestID(r)
	id := mux.Vars(r)["id"]

	job, err := h.Store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		middleware.RespondNotFound(w, fmt.Errorf("job %s not found", id), requestID)
		return
	}
	if err != nil {
		h.Logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"job_id":     id,
			"error":      err.Error(),
		}).Error("Failed to get job")
		middleware.RespondInternalError(w, fmt.Errorf("failed to get job"), requestID)
		return
	}

	writeJSON(w, http.StatusOK, job)
}
