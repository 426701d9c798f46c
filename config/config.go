/*
Package config provides configuration management for the job feed importer.

Values are read from the environment, optionally seeded from a .env file, and
grouped by the component that consumes them: the HTTP API, the import pipeline,
the store and queue backends, the listing cache and the feed archive.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StoreMemory    = "memory"
	StorePostgres  = "postgres"
	StoreDatastore = "datastore"
)

// Queue and cache backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	LogLevel    string
	LogFormat   string
	ServerPort  string
	Environment string
	// Rate limiting configuration for the trigger endpoint
	RateLimitRequestsPerMinute float64
	RateLimitBurst             int
	RateLimitCleanupInterval   time.Duration
	CORSConfig                 CORSConfig
	// AllowPrivateFeeds lets the trigger endpoint accept localhost and private hosts
	AllowPrivateFeeds bool
	// Feeds is the raw comma-separated FEEDS value, see FeedURLs
	Feeds     string
	CronEvery string
	Import    ImportConfig
	Store     StoreConfig
	Queue     QueueConfig
	Cache     CacheConfig
	Archive   ArchiveConfig
	// TraceSampleRatio is the share of root spans recorded
	TraceSampleRatio float64
	Alerts           AlertConfig
}

// ImportConfig controls fetching and the two consumer pools
type ImportConfig struct {
	FetchTimeout      time.Duration
	FetchMaxBytes     int64
	WorkerConcurrency int
	RunConcurrency    int
	ItemAttempts      int
	ItemBackoff       time.Duration
	RunAttempts       int
	RunBackoff        time.Duration
}

// StoreConfig selects and connects the job store
type StoreConfig struct {
	Backend         string
	DatabaseURL     string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ProjectID       string
}

// QueueConfig selects the broker
type QueueConfig struct {
	Backend  string
	RedisURL string
	Prefix   string
	// Capacity bounds each in-memory queue backlog
	Capacity int
	// VisibilityTimeout is how long a Redis consumer may hold a message
	// without renewing its lease before another consumer takes it back
	VisibilityTimeout time.Duration
}

// CacheConfig controls the listing cache
type CacheConfig struct {
	Backend  string
	RedisURL string
	TTL      time.Duration
	// CleanupInterval is how often the memory backend drops expired entries
	CleanupInterval time.Duration
}

// ArchiveConfig enables raw feed snapshots in S3 when Bucket is set
type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// AlertConfig tunes the in-process alert rules
type AlertConfig struct {
	Interval             time.Duration
	ItemFailureThreshold float64
	MinItemSample        int64
	// QueueBacklog raises an alert once this many item messages wait; 0 disables it
	QueueBacklog int64
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	// Environment-specific settings
	Environment string
	// Allowed origins based on environment
	DevelopmentOrigins []string
	StagingOrigins     []string
	ProductionOrigins  []string
	// Additional CORS settings
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int
	// Dynamic origin validation
	AllowSubdomains bool
	AllowedDomains  []string
}

// LoadEnv loads variables from path into the environment without overriding
// values that are already set. A missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// NewConfig creates a new configuration instance
func NewConfig() *Config {
	environment := getEnv("ENVIRONMENT", "development")

	return &Config{
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
		ServerPort:  getEnv("PORT", getEnv("SERVER_PORT", "4000")),
		Environment: environment,
		// 10 triggers per minute, burst of 5
		RateLimitRequestsPerMinute: getEnvFloat("RATE_LIMIT_RPM", 10.0),
		RateLimitBurst:             getEnvInt("RATE_LIMIT_BURST", 5),
		RateLimitCleanupInterval:   getEnvDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		CORSConfig: CORSConfig{
			Environment: environment,
			DevelopmentOrigins: getEnvSlice("DEV_CORS_ORIGINS", []string{
				"http://localhost:3000",
				"http://localhost:5173",
				"http://127.0.0.1:3000",
				"http://localhost:4000",
			}),
			StagingOrigins:    getEnvSlice("STAGING_CORS_ORIGINS", []string{}),
			ProductionOrigins: getEnvSlice("PROD_CORS_ORIGINS", []string{}),
			AllowedMethods: getEnvSlice("CORS_ALLOWED_METHODS", []string{
				"GET", "POST", "OPTIONS",
			}),
			AllowedHeaders: getEnvSlice("CORS_ALLOWED_HEADERS", []string{
				"Content-Type", "Authorization", "X-Requested-With",
				"X-Request-ID", "Accept", "Origin", "Cache-Control",
			}),
			ExposedHeaders: getEnvSlice("CORS_EXPOSED_HEADERS", []string{
				"X-Request-ID", "X-Total-Count", "X-Cache",
			}),
			AllowCredentials: getEnvBool("CORS_ALLOW_CREDENTIALS", true),
			MaxAge:           getEnvInt("CORS_MAX_AGE", 86400), // 24 hours
			AllowSubdomains:  getEnvBool("CORS_ALLOW_SUBDOMAINS", false),
			AllowedDomains:   getEnvSlice("CORS_ALLOWED_DOMAINS", []string{}),
		},
		AllowPrivateFeeds: getEnvBool("ALLOW_PRIVATE_FEEDS", false),
		Feeds:             getEnv("FEEDS", ""),
		CronEvery:         getEnv("CRON_EVERY", "0 * * * *"),
		Import: ImportConfig{
			FetchTimeout:      getEnvMillis("FETCH_TIMEOUT_MS", 15*time.Second),
			FetchMaxBytes:     int64(getEnvInt("FETCH_MAX_BYTES", 10<<20)),
			WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 10),
			RunConcurrency:    getEnvInt("RUN_CONCURRENCY", 2),
			ItemAttempts:      getEnvInt("ITEMS_RETRY_ATTEMPTS", 3),
			ItemBackoff:       getEnvMillis("ITEMS_BACKOFF_DELAY", 500*time.Millisecond),
			RunAttempts:       getEnvInt("RUN_RETRY_ATTEMPTS", 1),
			RunBackoff:        getEnvMillis("RUN_BACKOFF", 5*time.Second),
		},
		Store: StoreConfig{
			Backend:         strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
			DatabaseURL:     getEnv("DATABASE_URL", ""),
			MaxConns:        int32(getEnvInt("DATABASE_MAX_CONNS", 10)),
			MinConns:        int32(getEnvInt("DATABASE_MIN_CONNS", 1)),
			ConnMaxLifetime: getEnvDuration("DATABASE_CONN_MAX_LIFETIME", time.Hour),
			ProjectID:       getEnv("PROJECT_ID", ""),
		},
		Queue: QueueConfig{
			Backend:  strings.ToLower(getEnv("QUEUE_BACKEND", BackendMemory)),
			RedisURL: getEnv("REDIS_URL", ""),
			Prefix:   getEnv("REDIS_PREFIX", "jobfeed"),
			Capacity: getEnvInt("QUEUE_CAPACITY", 10000),

			VisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 30*time.Second),
		},
		Cache: CacheConfig{
			Backend:         strings.ToLower(getEnv("CACHE_BACKEND", BackendMemory)),
			RedisURL:        getEnv("CACHE_REDIS_URL", getEnv("REDIS_URL", "")),
			TTL:             getEnvDuration("CACHE_TTL", 30*time.Second),
			CleanupInterval: getEnvDuration("CACHE_CLEANUP_INTERVAL", 5*time.Minute),
		},
		Archive: ArchiveConfig{
			Bucket:          getEnv("ARCHIVE_S3_BUCKET", ""),
			Region:          getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint:        getEnv("ARCHIVE_S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
		},
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 0.1),
		Alerts: AlertConfig{
			Interval:             getEnvDuration("ALERT_INTERVAL", time.Minute),
			ItemFailureThreshold: getEnvFloat("ALERT_ITEM_FAILURE_THRESHOLD", 0.25),
			MinItemSample:        int64(getEnvInt("ALERT_MIN_ITEM_SAMPLE", 20)),
			QueueBacklog:         int64(getEnvInt("ALERT_QUEUE_BACKLOG", 5000)),
		},
	}
}

// FeedURLs returns the configured feeds, trimmed, without blanks or repeats
func (c *Config) FeedURLs() []string {
	seen := make(map[string]bool)
	feeds := make([]string, 0)
	for _, f := range strings.Split(c.Feeds, ",") {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		feeds = append(feeds, f)
	}
	return feeds
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL environment variable is required for the postgres store")
		}
	case StoreDatastore:
		if c.Store.ProjectID == "" {
			return fmt.Errorf("PROJECT_ID environment variable is required for the datastore store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	switch c.Queue.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("REDIS_URL environment variable is required for the redis queue")
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend)
	}

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("CACHE_REDIS_URL or REDIS_URL is required for the redis cache")
		}
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.Cache.Backend)
	}

	if c.Import.WorkerConcurrency <= 0 || c.Import.RunConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY and RUN_CONCURRENCY must be positive")
	}
	if c.Import.ItemAttempts <= 0 || c.Import.RunAttempts <= 0 {
		return fmt.Errorf("ITEMS_RETRY_ATTEMPTS and RUN_RETRY_ATTEMPTS must be positive")
	}
	if c.Import.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT_MS must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be within [0,1]")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvFloat gets an environment variable as float64 with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvInt gets an environment variable as int with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration gets an environment variable as time.Duration with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvMillis reads a plain millisecond count, also accepting duration syntax
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as bool with a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvSlice gets an environment variable as a string slice with a default value
func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
