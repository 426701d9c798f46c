/*
Package store persists job listings and import run logs.

Every backend implements the ImportLog counters as atomic field-level
operations and finalizes a run with a single conditional update, so any
number of workers may report progress for the same run concurrently.
*/
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/types"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface shared by the pipeline and the API
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// FindJobByExternalID returns ErrNotFound when no job carries externalID
	FindJobByExternalID(ctx context.Context, externalID string) (*types.Job, error)
	GetJob(ctx context.Context, id string) (*types.Job, error)
	// InsertJob assigns ID, CreatedAt and UpdatedAt. It returns ErrDuplicateKey
	// when a job with the same ExternalID already exists.
	InsertJob(ctx context.Context, job *types.Job) error
	// UpdateJob overwrites the content fields of the job with job.ExternalID
	UpdateJob(ctx context.Context, job *types.Job) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, int, error)

	CreateImportLog(ctx context.Context, log *types.ImportLog) error
	GetImportLog(ctx context.Context, id string) (*types.ImportLog, error)
	ListImportLogs(ctx context.Context, filter ImportLogFilter) ([]*types.ImportLog, int, error)
	SetTotalFetched(ctx context.Context, id string, total int) error
	// IncrementImported adds one to totalImported and to newJobs or updatedJobs
	IncrementImported(ctx context.Context, id string, isNew bool) error
	// RecordFailure adds one to failedJobs and appends f to failures
	RecordFailure(ctx context.Context, id string, f types.Failure) error
	// MarkSuccessIfComplete moves a running log whose items are all accounted
	// for to success. It reports whether this call made the transition.
	MarkSuccessIfComplete(ctx context.Context, id string, now time.Time) (bool, error)
	// MarkFailed moves a running log to failed and appends f
	MarkFailed(ctx context.Context, id string, f types.Failure, now time.Time) (bool, error)
}

// JobFilter selects jobs for listing. Empty fields do not filter.
type JobFilter struct {
	SourceURL string
	Company   string
	Location  string
	Type      string
	// Search matches title or description, case-insensitively
	Search string
	Skip   int
	Limit  int
}

// ImportLogFilter selects import logs for listing
type ImportLogFilter struct {
	SourceURL string
	Status    types.RunStatus
	Skip      int
	Limit     int
}

const DefaultListLimit = 20
const MaxListLimit = 200

func normalizeWindow(skip, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return skip, limit
}
