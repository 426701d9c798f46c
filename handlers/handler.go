/*
Package handlers provides the HTTP API of the job feed importer.

The Handler struct carries every service dependency, so routes are plain
methods that can be exercised with mocks.
*/
package handlers

import (
	"context"

	"github.com/Nexora-Open-Source/job-feed-importer/cache"
	"github.com/Nexora-Open-Source/job-feed-importer/store"
	"github.com/Nexora-Open-Source/job-feed-importer/types"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// StoreReader is the read side of the store used by the listing endpoints
type StoreReader interface {
	GetJob(ctx context.Context, id string) (*types.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*types.Job, int, error)
	GetImportLog(ctx context.Context, id string) (*types.ImportLog, error)
	ListImportLogs(ctx context.Context, filter store.ImportLogFilter) ([]*types.ImportLog, int, error)
}

// RunTrigger enqueues import runs on demand
type RunTrigger interface {
	RunNow(ctx context.Context, sourceURL string) ([]string, error)
}

// Handler contains all service dependencies for HTTP handlers
type Handler struct {
	Store        StoreReader
	Trigger      RunTrigger
	CacheManager *cache.CacheManager
	Logger       *logrus.Logger
	// AllowPrivateHosts skips the private network check on triggered URLs
	AllowPrivateHosts bool

	validate *validator.Validate
}

// NewHandler creates a new handler instance with injected dependencies.
// cacheManager may be nil.
func NewHandler(reader StoreReader, trigger RunTrigger, cacheManager *cache.CacheManager, logger *logrus.Logger) *Handler {
	return &Handler{
		Store:        reader,
		Trigger:      trigger,
		CacheManager: cacheManager,
		Logger:       logger,
		validate:     validator.New(),
	}
}
