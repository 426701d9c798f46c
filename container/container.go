/*
Package container wires the job feed importer together.

Build turns a Config into the store, broker, pipeline, scheduler, cache and
HTTP handlers, and records every component that holds a connection so Close
can release them in reverse order of creation.
*/
package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/archive"
	"github.com/Nexora-Open-Source/job-feed-importer/cache"
	"github.com/Nexora-Open-Source/job-feed-importer/config"
	"github.com/Nexora-Open-Source/job-feed-importer/feed"
	"github.com/Nexora-Open-Source/job-feed-importer/handlers"
	"github.com/Nexora-Open-Source/job-feed-importer/handlers/health"
	"github.com/Nexora-Open-Source/job-feed-importer/middleware"
	"github.com/Nexora-Open-Source/job-feed-importer/monitoring"
	"github.com/Nexora-Open-Source/job-feed-importer/normalize"
	"github.com/Nexora-Open-Source/job-feed-importer/pipeline"
	"github.com/Nexora-Open-Source/job-feed-importer/queue"
	"github.com/Nexora-Open-Source/job-feed-importer/scheduler"
	"github.com/Nexora-Open-Source/job-feed-importer/store"
	"github.com/sirupsen/logrus"
)

type closer struct {
	name  string
	close func() error
}

// Container holds all service dependencies
type Container struct {
	Config       *config.Config
	Store        store.Store
	Broker       queue.Broker
	Pipeline     *pipeline.Pipeline
	Scheduler    *scheduler.Scheduler
	CacheManager *cache.CacheManager
	Alerts       *monitoring.AlertManager
	Limiter      *middleware.RateLimiter
	Handler      *handlers.Handler
	Health       *health.Handler

	logger  *logrus.Logger
	mu      sync.Mutex
	closers []closer
	closed  bool
}

// Build validates cfg and constructs every component. On error, anything
// already opened is closed before returning.
func Build(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Container{Config: cfg, logger: logger}
	if err := c.build(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) build(ctx context.Context) error {
	cfg := c.Config

	st, err := c.buildStore(ctx)
	if err != nil {
		return err
	}
	c.Store = store.WithMetrics(st)
	c.register("store", c.Store.Close)

	broker, err := c.buildBroker()
	if err != nil {
		return err
	}
	c.Broker = broker
	c.register("broker", broker.Close)

	c.Alerts = monitoring.NewAlertManager(c.logger, monitoring.AlertConfig{
		Interval:             cfg.Alerts.Interval,
		ItemFailureThreshold: cfg.Alerts.ItemFailureThreshold,
		MinItemSample:        cfg.Alerts.MinItemSample,
	})
	if cfg.Alerts.QueueBacklog > 0 {
		c.Alerts.AddRule(queueBacklogRule(c.Broker, cfg.Alerts.QueueBacklog))
	}

	opts := []pipeline.Option{pipeline.WithAlerter(c.Alerts)}
	if cfg.Archive.Bucket != "" {
		arch, err := archive.NewS3Archive(ctx, archive.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("failed to create feed archive: %w", err)
		}
		opts = append(opts, pipeline.WithArchiver(arch))
		c.logger.WithField("bucket", cfg.Archive.Bucket).Info("Feed snapshots enabled")
	}

	c.Pipeline = pipeline.New(
		c.Store,
		c.Broker,
		feed.NewFetcher(cfg.Import.FetchTimeout, cfg.Import.FetchMaxBytes, c.logger),
		normalize.NewRegistry(),
		pipeline.Config{
			ItemAttempts:    cfg.Import.ItemAttempts,
			ItemBackoff:     cfg.Import.ItemBackoff,
			RunConcurrency:  cfg.Import.RunConcurrency,
			ItemConcurrency: cfg.Import.WorkerConcurrency,
		},
		c.logger,
		opts...,
	)

	c.Scheduler = scheduler.New(c.Broker, scheduler.Config{
		RunAttempts: cfg.Import.RunAttempts,
		RunBackoff:  cfg.Import.RunBackoff,
	}, c.logger)
	if err := c.Scheduler.Register(cfg.FeedURLs(), cfg.CronEvery); err != nil {
		return fmt.Errorf("failed to register feeds: %w", err)
	}

	backend, err := c.buildCache()
	if err != nil {
		return err
	}
	c.CacheManager = cache.NewCacheManager(backend, c.logger, cfg.Cache.TTL)
	c.register("cache", c.CacheManager.Close)

	c.Handler = handlers.NewHandler(c.Store, c.Scheduler, c.CacheManager, c.logger)
	c.Handler.AllowPrivateHosts = cfg.AllowPrivateFeeds

	c.Health = health.NewHandler(c.logger).
		AddCheck("store", c.Store).
		AddCheck("queue", c.Broker).
		AddCheck("cache", c.CacheManager).
		WithQueues(c.Broker, queue.RunQueue, queue.ItemQueue)

	c.Limiter = middleware.NewRateLimiter(cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)

	c.logger.WithFields(logrus.Fields{
		"store_backend": cfg.Store.Backend,
		"queue_backend": cfg.Queue.Backend,
		"cache_backend": cfg.Cache.Backend,
		"feeds_count":   len(cfg.FeedURLs()),
	}).Info("Services initialized")
	return nil
}

func (c *Container) buildStore(ctx context.Context) (store.Store, error) {
	cfg := c.Config.Store
	switch cfg.Backend {
	case config.StorePostgres:
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		pool, err := store.Connect(ctx, store.PostgresConfig{
			URL:             cfg.DatabaseURL,
			MaxConns:        int(cfg.MaxConns),
			MinConns:        int(cfg.MinConns),
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return store.NewPostgresStore(pool), nil
	case config.StoreDatastore:
		client, err := store.NewDatastoreClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, err
		}
		return store.NewDatastoreStore(client), nil
	default:
		c.logger.Warn("Using in-memory store; jobs and import logs are lost on restart")
		return store.NewMemoryStore(), nil
	}
}

func (c *Container) buildBroker() (queue.Broker, error) {
	cfg := c.Config.Queue
	if cfg.Backend == config.BackendRedis {
		client, err := queue.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis queue: %w", err)
		}
		return queue.NewRedisBroker(client, queue.RedisConfig{
			Prefix:            cfg.Prefix,
			VisibilityTimeout: cfg.VisibilityTimeout,
		}, c.logger), nil
	}
	return queue.NewMemoryBroker(queue.MemoryConfig{Capacity: cfg.Capacity}, c.logger), nil
}

func (c *Container) buildCache() (cache.Cache, error) {
	cfg := c.Config.Cache
	if cfg.Backend == config.BackendRedis {
		rc, err := cache.NewRedisCache(cfg.RedisURL, c.Config.Queue.Prefix+":cache")
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis cache: %w", err)
		}
		return rc, nil
	}
	return cache.NewInMemoryCache(cfg.TTL, cfg.CleanupInterval), nil
}

// queueBacklogRule fires while at least threshold item messages wait
func queueBacklogRule(broker queue.Broker, threshold int64) monitoring.AlertRule {
	return monitoring.AlertRule{
		Name:     "item_queue_backlog",
		Type:     monitoring.AlertTypeQueueBacklog,
		Severity: monitoring.SeverityMedium,
		Condition: func() (bool, map[string]interface{}) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stats, err := broker.Stats(ctx, queue.ItemQueue)
			if err != nil {
				return false, nil
			}
			return stats.Waiting >= threshold, map[string]interface{}{
				"waiting":   stats.Waiting,
				"delayed":   stats.Delayed,
				"threshold": threshold,
			}
		},
		Title:       "Item queue backlog",
		Description: "Item messages are queued faster than workers drain them",
		Labels:      map[string]string{"service": "job-feed-importer", "queue": queue.ItemQueue},
		Enabled:     true,
	}
}

func (c *Container) register(name string, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, closer{name: name, close: fn})
}

// Router returns the HTTP handler for the API
func (c *Container) Router() http.Handler {
	return handlers.NewRouter(c.Handler, c.Health, c.Config.CORSConfig, c.Limiter)
}

// Close gracefully closes all service connections, newest first. It is safe
// to call more than once.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	closers := c.closers
	c.mu.Unlock()

	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.Alerts != nil {
		c.Alerts.Stop()
	}

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].close(); err != nil {
			c.logger.WithFields(logrus.Fields{
				"service": closers[i].name,
				"error":   err.Error(),
			}).Error("Failed to close service")
			errs = append(errs, fmt.Errorf("close %s: %w", closers[i].name, err))
		}
	}
	return errors.Join(errs...)
}
