// Package types contains the canonical records shared across the job feed importer
package types

import (
	"time"
)

// RunStatus is the lifecycle state of an import run.
// Transitions are forward-only: running -> success, running -> failed.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Valid reports whether s is one of the known run states
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusSuccess, RunStatusFailed:
		return true
	}
	return false
}

// Job is the canonical job listing produced from a feed item
type Job struct {
	ID          string         `json:"id"`
	ExternalID  string         `json:"externalId"`
	Source      string         `json:"source"`
	SourceURL   string         `json:"sourceUrl"`
	Title       string         `json:"title"`
	Company     string         `json:"company"`
	Location    string         `json:"location"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Salary      string         `json:"salary"`
	URL         string         `json:"url"`
	PublishedAt *time.Time     `json:"publishedAt"`
	Raw         map[string]any `json:"raw,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// ContentEquals compares the tracked fields of two jobs.
// Timestamps are compared by instant; nil only equals nil.
func (j *Job) ContentEquals(other *Job) bool {
	if j.Title != other.Title ||
		j.Company != other.Company ||
		j.Location != other.Location ||
		j.Type != other.Type ||
		j.Description != other.Description ||
		j.Salary != other.Salary ||
		j.URL != other.URL {
		return false
	}
	switch {
	case j.PublishedAt == nil && other.PublishedAt == nil:
		return true
	case j.PublishedAt == nil || other.PublishedAt == nil:
		return false
	default:
		return j.PublishedAt.Equal(*other.PublishedAt)
	}
}

// Failure records why a single item of a run could not be imported
type Failure struct {
	ExternalID string `json:"externalId"`
	Reason     string `json:"reason"`
}

// ImportLog is the provenance record of one import run
type ImportLog struct {
	ID            string     `json:"id"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt"`
	SourceURL     string     `json:"sourceUrl"`
	Status        RunStatus  `json:"status"`
	TotalFetched  int        `json:"totalFetched"`
	TotalImported int        `json:"totalImported"`
	NewJobs       int        `json:"newJobs"`
	UpdatedJobs   int        `json:"updatedJobs"`
	FailedJobs    int        `json:"failedJobs"`
	Failures      []Failure  `json:"failures"`
}

// IsComplete reports whether every fetched item has been accounted for
func (l *ImportLog) IsComplete() bool {
	return l.TotalImported+l.FailedJobs >= l.TotalFetched
}
