package cache

import (
	"context"
	"net/url"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/monitoring"
	"github.com/sirupsen/logrus"
)

// Listing kinds
const (
	KindJobs       = "jobs"
	KindImportLogs = "import_logs"
)

// CacheManager caches rendered listing pages per kind and query
type CacheManager struct {
	cache  Cache
	logger *logrus.Logger
	ttl    time.Duration
}

// NewCacheManager creates a new cache manager. A zero ttl disables caching.
func NewCacheManager(cache Cache, logger *logrus.Logger, ttl time.Duration) *CacheManager {
	return &CacheManager{
		cache:  cache,
		logger: logger,
		ttl:    ttl,
	}
}

// ListingKey builds the cache key of one listing query. Parameter order
// does not matter.
func ListingKey(kind string, params url.Values) string {
	return kind + ":" + params.Encode()
}

// GetListing returns a cached page. Backend errors count as misses.
func (cm *CacheManager) GetListing(ctx context.Context, kind string, params url.Values) ([]byte, bool) {
	if cm == nil || cm.ttl <= 0 {
		return nil, false
	}
	key := ListingKey(kind, params)
	body, found, err := cm.cache.Get(ctx, key)
	if err != nil {
		cm.logger.WithError(err).WithField("cache_key", key).Warn("Listing cache read failed")
		found = false
	}

	if found {
		monitoring.RecordCacheHit(kind)
		cm.logger.WithField("cache_key", key).Debug("Cache hit for listing")
	} else {
		monitoring.RecordCacheMiss(kind)
		cm.logger.WithField("cache_key", key).Debug("Cache miss for listing")
	}
	return body, found
}

// SetListing stores a rendered page
func (cm *CacheManager) SetListing(ctx context.Context, kind string, params url.Values, body []byte) error {
	if cm == nil || cm.ttl <= 0 {
		return nil
	}
	key := ListingKey(kind, params)
	if err := cm.cache.Set(ctx, key, body, cm.ttl); err != nil {
		cm.logger.WithFields(logrus.Fields{
			"cache_key": key,
			"error":     err.Error(),
		}).Error("Failed to cache listing")
		return err
	}
	return nil
}

// InvalidateKind drops every cached page of kind
func (cm *CacheManager) InvalidateKind(ctx context.Context, kind string) error {
	if cm == nil {
		return nil
	}
	if err := cm.cache.DeletePrefix(ctx, kind+":"); err != nil {
		cm.logger.WithError(err).WithField("kind", kind).Error("Failed to invalidate listing cache")
		return err
	}
	cm.logger.WithField("kind", kind).Debug("Invalidated listing cache")
	return nil
}

// Ping checks the backend
func (cm *CacheManager) Ping(ctx context.Context) error {
	return cm.cache.Ping(ctx)
}

// Close releases the backend
func (cm *CacheManager) Close() error {
	return cm.cache.Close()
}
