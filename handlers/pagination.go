package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Nexora-Open-Source/job-feed-importer/middleware"
	"github.com/Nexora-Open-Source/job-feed-importer/store"
	"github.com/Nexora-Open-Source/job-feed-importer/types"
)

// PaginationParams is the page window requested by a listing call
type PaginationParams struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Skip is the number of rows before the page
func (p PaginationParams) Skip() int {
	return (p.Page - 1) * p.Limit
}

// JobListResponse is one page of jobs
type JobListResponse struct {
	Total int          `json:"total"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
	Rows  []*types.Job `json:"rows"`
}

// ImportLogListResponse is one page of import logs
type ImportLogListResponse struct {
	Total int                `json:"total"`
	Page  int                `json:"page"`
	Limit int                `json:"limit"`
	Rows  []*types.ImportLog `json:"rows"`
}

// parsePagination reads page and limit. Missing values default to page 1
// and store.DefaultListLimit; limit is capped at store.MaxListLimit.
func parsePagination(query url.Values) (PaginationParams, error) {
	params := PaginationParams{Page: 1, Limit: store.DefaultListLimit}

	if pageStr := query.Get("page"); pageStr != "" {
		page, err := strconv.Atoi(pageStr)
		if err != nil {
			return params, fmt.Errorf("invalid page parameter: %w", err)
		}
		if page < 1 {
			return params, fmt.Errorf("page must be at least 1")
		}
		params.Page = page
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return params, fmt.Errorf("invalid limit parameter: %w", err)
		}
		if limit < 1 {
			return params, fmt.Errorf("limit must be at least 1")
		}
		params.Limit = min(limit, store.MaxListLimit)
	}

	return params, nil
}

// setPagination writes the canonical page window into a cache key
func (p PaginationParams) setPagination(v url.Values) url.Values {
	v.Set("page", strconv.Itoa(p.Page))
	v.Set("limit", strconv.Itoa(p.Limit))
	return v
}

// setIfPresent adds key only for non-empty values so unset filters do not
// fragment the cache
func setIfPresent(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeListing renders body, caching it under kind and params
func (h *Handler) writeListing(w http.ResponseWriter, r *http.Request, kind string, params url.Values, total int, body interface{}) {
	encoded, err := json.Marshal(body)
	if err != nil {
		middleware.RespondInternalError(w, err, middleware.RequestID(r))
		return
	}
	_ = h.CacheManager.SetListing(r.Context(), kind, params, encoded)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(http.StatusOK)
	w.Write(encoded)
}

// serveCachedListing answers from the cache when possible
func (h *Handler) serveCachedListing(w http.ResponseWriter, r *http.Request, kind string, params url.Values) bool {
	body, found := h.CacheManager.GetListing(r.Context(), kind, params)
	if !found {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", "HIT")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return true
}
