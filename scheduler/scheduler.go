// Package scheduler triggers recurring and on-demand import runs
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/pipeline"
	"github.com/Nexora-Open-Source/job-feed-importer/queue"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ErrNoFeeds is returned by RunNow when no URL was given and no feeds are registered
var ErrNoFeeds = errors.New("no FEEDS configured")

const repeatPrefix = "repeat:"

// EntryKey identifies the recurring entry of a feed
func EntryKey(sourceURL string) string {
	return repeatPrefix + sourceURL
}

// Enqueuer is the part of a broker the scheduler needs
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, msgs ...queue.Message) (int, error)
}

// Config sets the retry policy of the run messages the scheduler creates
type Config struct {
	RunAttempts int
	RunBackoff  time.Duration
	// EnqueueTimeout bounds each scheduled enqueue
	EnqueueTimeout time.Duration
}

// Scheduler owns one cron entry per feed. Cron expressions are evaluated in UTC.
type Scheduler struct {
	cron     *cron.Cron
	enqueuer Enqueuer
	cfg      Config
	logger   *logrus.Logger
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]cron.EntryID
	feeds   []string
	expr    string
}

// New creates a stopped scheduler with no entries
func New(enqueuer Enqueuer, cfg Config, logger *logrus.Logger) *Scheduler {
	if cfg.RunAttempts <= 0 {
		cfg.RunAttempts = 1
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 30 * time.Second
	}
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		enqueuer: enqueuer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]cron.EntryID),
	}
}

// Register replaces every recurring entry with one entry per feed on expr.
// Calling it again with the same input leaves the same set of entries.
func (s *Scheduler) Register(feeds []string, expr string) error {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, key)
	}

	s.feeds = s.feeds[:0]
	for _, f := range feeds {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		key := EntryKey(f)
		if _, dup := s.entries[key]; dup {
			continue
		}
		sourceURL := f
		s.entries[key] = s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(sourceURL) }))
		s.feeds = append(s.feeds, f)
	}
	s.expr = expr

	s.logger.WithFields(logrus.Fields{
		"feeds_count": len(s.feeds),
		"cron":        expr,
	}).Info("Registered recurring feed imports")
	return nil
}

// fire enqueues the run for one scheduled tick. The message id is derived
// from the tick so processes sharing a broker enqueue it once.
func (s *Scheduler) fire(sourceURL string) {
	tick := s.now().UTC().Truncate(time.Minute)
	id := fmt.Sprintf("%s:%d", EntryKey(sourceURL), tick.Unix())

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EnqueueTimeout)
	defer cancel()

	fields := logrus.Fields{
		"source_url": sourceURL,
		"message_id": id,
	}

	msg, err := pipeline.NewRunMessage(sourceURL, id, s.cfg.RunAttempts, s.cfg.RunBackoff)
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Error("Failed to build scheduled run")
		return
	}
	n, err := s.enqueuer.Enqueue(ctx, queue.RunQueue, msg)
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Error("Failed to enqueue scheduled run")
		return
	}
	if n == 0 {
		s.logger.WithFields(fields).Debug("Scheduled run already enqueued")
		return
	}
	s.logger.WithFields(fields).Info("Scheduled run enqueued")
}

// RunNow enqueues a run for sourceURL, or for every registered feed when
// sourceURL is empty. It returns the feeds that were enqueued.
func (s *Scheduler) RunNow(ctx context.Context, sourceURL string) ([]string, error) {
	targets := []string{sourceURL}
	if sourceURL == "" {
		targets = s.Feeds()
		if len(targets) == 0 {
			return nil, ErrNoFeeds
		}
	}

	msgs := make([]queue.Message, 0, len(targets))
	for _, u := range targets {
		m, err := pipeline.NewRunMessage(u, "", s.cfg.RunAttempts, s.cfg.RunBackoff)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}

	if _, err := s.enqueuer.Enqueue(ctx, queue.RunQueue, msgs...); err != nil {
		return nil, fmt.Errorf("enqueue runs: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"feeds_count": len(targets),
		"source_url":  sourceURL,
	}).Info("Import runs enqueued on demand")
	return targets, nil
}

// Feeds returns the registered feed URLs
func (s *Scheduler) Feeds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.feeds...)
}

// Entries maps each entry key to its next activation. Times are zero until Start.
func (s *Scheduler) Entries() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.entries))
	for key, id := range s.entries {
		out[key] = s.cron.Entry(id).Next
	}
	return out
}

// Start begins firing entries in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("cron", s.expr).Info("Scheduler started")
}

// Stop halts the scheduler and waits for running enqueues
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}
