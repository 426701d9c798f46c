/*
Package pipeline implements the two-stage import workflow.

A run message names one feed. The dispatcher opens an ImportLog, fetches and
parses the feed and fans its items out to the item queue in a single bulk
enqueue. Item messages are normalized and upserted independently, in any
order and with retries; every outcome is counted on the run's ImportLog and
whichever actor accounts for the last item moves the run to success.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/feed"
	"github.com/Nexora-Open-Source/job-feed-importer/monitoring"
	"github.com/Nexora-Open-Source/job-feed-importer/queue"
	"github.com/Nexora-Open-Source/job-feed-importer/store"
	"github.com/Nexora-Open-Source/job-feed-importer/types"
	"github.com/sirupsen/logrus"
)

// RunMessage asks for one import run of a feed
type RunMessage struct {
	SourceURL string `json:"sourceUrl"`
}

// ItemMessage carries one raw feed item of a run
type ItemMessage struct {
	ImportLogID string       `json:"importLogId"`
	SourceURL   string       `json:"sourceUrl"`
	Payload     feed.RawItem `json:"payload"`
}

// NewRunMessage builds a run queue message. id deduplicates the enqueue and may be empty.
func NewRunMessage(sourceURL, id string, attempts int, backoff time.Duration) (queue.Message, error) {
	if sourceURL == "" {
		return queue.Message{}, errors.New("run message needs a source URL")
	}
	return queue.NewMessage(RunMessage{SourceURL: sourceURL}, queue.Options{
		ID:       id,
		Attempts: attempts,
		Backoff:  backoff,
	})
}

// Fetcher downloads a feed body
type Fetcher interface {
	FetchBody(ctx context.Context, url string) ([]byte, error)
}

// Normalizer maps a raw item to a job
type Normalizer interface {
	Normalize(item feed.RawItem, sourceURL string) (*types.Job, error)
}

// Archiver keeps a copy of each fetched feed body
type Archiver interface {
	Store(ctx context.Context, sourceURL, runID string, body []byte, at time.Time) (string, error)
}

// Alerter is told about runs finalized as failed
type Alerter interface {
	NotifyRunFailed(importLogID, sourceURL, reason string)
}

// Config controls fan-out and worker pools
type Config struct {
	// ItemAttempts caps deliveries of each item message
	ItemAttempts int
	// ItemBackoff is the base of the exponential retry delay
	ItemBackoff time.Duration
	// RunConcurrency and ItemConcurrency size the two consumer pools
	RunConcurrency  int
	ItemConcurrency int
}

// DefaultConfig mirrors the environment defaults
func DefaultConfig() Config {
	return Config{
		ItemAttempts:    3,
		ItemBackoff:     500 * time.Millisecond,
		RunConcurrency:  2,
		ItemConcurrency: 10,
	}
}

// Option configures optional collaborators
type Option func(*Pipeline)

// WithArchiver stores every fetched body before parsing
func WithArchiver(a Archiver) Option {
	return func(p *Pipeline) { p.archiver = a }
}

// WithAlerter reports runs that end as failed
func WithAlerter(a Alerter) Option {
	return func(p *Pipeline) { p.alerter = a }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline wires the dispatcher, item processor and failure recorder to a broker and store
type Pipeline struct {
	store      store.Store
	broker     queue.Broker
	fetcher    Fetcher
	normalizer Normalizer
	archiver   Archiver
	alerter    Alerter
	cfg        Config
	logger     *logrus.Logger
	now        func() time.Time
}

// New creates a pipeline
func New(st store.Store, broker queue.Broker, fetcher Fetcher, normalizer Normalizer, cfg Config, logger *logrus.Logger, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.ItemAttempts <= 0 {
		cfg.ItemAttempts = def.ItemAttempts
	}
	if cfg.ItemBackoff < 0 {
		cfg.ItemBackoff = 0
	}
	if cfg.RunConcurrency <= 0 {
		cfg.RunConcurrency = def.RunConcurrency
	}
	if cfg.ItemConcurrency <= 0 {
		cfg.ItemConcurrency = def.ItemConcurrency
	}

	p := &Pipeline{
		store:      st,
		broker:     broker,
		fetcher:    fetcher,
		normalizer: normalizer,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run registers the failure recorder and consumes both queues until ctx is
// cancelled. In-flight messages are finished before it returns.
func (p *Pipeline) Run(ctx context.Context) error {
	p.broker.OnFailed(queue.ItemQueue, p.RecordFailure)

	p.logger.WithFields(logrus.Fields{
		"run_concurrency":  p.cfg.RunConcurrency,
		"item_concurrency": p.cfg.ItemConcurrency,
		"item_attempts":    p.cfg.ItemAttempts,
	}).Info("Starting import workers")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	consume := func(name string, concurrency int, h queue.Handler) {
		defer wg.Done()
		if err := p.broker.Consume(ctx, name, concurrency, h); err != nil {
			errs <- fmt.Errorf("consume %s: %w", name, err)
		}
	}

	wg.Add(2)
	go consume(queue.RunQueue, p.cfg.RunConcurrency, p.Dispatch)
	go consume(queue.ItemQueue, p.cfg.ItemConcurrency, p.ProcessItem)
	wg.Wait()
	close(errs)

	var joined []error
	for err := range errs {
		joined = append(joined, err)
	}
	p.logger.Info("Import workers stopped")
	return errors.Join(joined...)
}

// completeRun attempts the running -> success transition for id
func (p *Pipeline) completeRun(ctx context.Context, id string) {
	done, err := p.store.MarkSuccessIfComplete(ctx, id, p.now())
	if err != nil {
		p.logger.WithError(err).WithField("import_log_id", id).Error("Completion check failed")
		return
	}
	if !done {
		return
	}

	monitoring.RecordRun(string(types.RunStatusSuccess))
	fields := logrus.Fields{"import_log_id": id}
	if l, err := p.store.GetImportLog(ctx, id); err == nil {
		fields["source_url"] = l.SourceURL
		fields["total_fetched"] = l.TotalFetched
		fields["new_jobs"] = l.NewJobs
		fields["updated_jobs"] = l.UpdatedJobs
		fields["failed_jobs"] = l.FailedJobs
	}
	p.logger.WithFields(fields).Info("Import run completed")
}
