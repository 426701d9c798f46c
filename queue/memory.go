package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/monitoring"
	"github.com/sirupsen/logrus"
)

// MemoryConfig bounds the in-process broker
type MemoryConfig struct {
	// Capacity is the ready backlog per queue
	Capacity int
	// EnqueueTimeout is how long Enqueue waits on a full backlog before ErrQueueFull
	EnqueueTimeout time.Duration
	// DedupeRetention is how long message ids are remembered
	DedupeRetention time.Duration
}

type memoryQueue struct {
	ready chan *Message
	seen  map[string]time.Time
	stats Stats
}

// MemoryBroker is a channel-backed worker pool. Messages do not survive a restart.
type MemoryBroker struct {
	mu       sync.Mutex
	queues   map[string]*memoryQueue
	onFailed map[string][]FailedHandler
	timers   map[*time.Timer]struct{}
	cfg      MemoryConfig
	logger   *logrus.Logger
	quit     chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewMemoryBroker creates an in-process broker
func NewMemoryBroker(cfg MemoryConfig, logger *logrus.Logger) *MemoryBroker {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 5 * time.Second
	}
	if cfg.DedupeRetention <= 0 {
		cfg.DedupeRetention = 24 * time.Hour
	}
	b := &MemoryBroker{
		queues:   make(map[string]*memoryQueue),
		onFailed: make(map[string][]FailedHandler),
		timers:   make(map[*time.Timer]struct{}),
		cfg:      cfg,
		logger:   logger,
		quit:     make(chan struct{}),
	}

	b.wg.Add(1)
	go b.cleanupSeen()

	return b
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{
			ready: make(chan *Message, b.cfg.Capacity),
			seen:  make(map[string]time.Time),
		}
		b.queues[name] = q
	}
	return q
}

// Enqueue implements Broker
func (b *MemoryBroker) Enqueue(ctx context.Context, queue string, msgs ...Message) (int, error) {
	now := time.Now()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	q := b.queue(queue)
	accepted := make([]*Message, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		m.prepare(queue, now)
		if _, dup := q.seen[m.ID]; dup {
			b.logger.WithFields(logrus.Fields{
				"queue":      queue,
				"message_id": m.ID,
			}).Debug("Skipping duplicate message")
			continue
		}
		q.seen[m.ID] = now
		accepted = append(accepted, &m)
	}
	b.mu.Unlock()

	timeout := time.NewTimer(b.cfg.EnqueueTimeout)
	defer timeout.Stop()

	for i, m := range accepted {
		b.adjust(&q.stats.Waiting, 1)
		select {
		case q.ready <- m:
			continue
		case <-ctx.Done():
			b.forget(q, accepted[i:])
			monitoring.RecordEnqueued(queue, i)
			return i, ctx.Err()
		case <-b.quit:
			b.forget(q, accepted[i:])
			monitoring.RecordEnqueued(queue, i)
			return i, ErrClosed
		case <-timeout.C:
			b.forget(q, accepted[i:])
			monitoring.RecordEnqueued(queue, i)
			b.logger.WithFields(logrus.Fields{
				"queue":        queue,
				"accepted":     i,
				"rejected":     len(accepted) - i,
				"max_backlog":  b.cfg.Capacity,
				"wait_timeout": b.cfg.EnqueueTimeout.String(),
			}).Warn("Enqueue timed out due to queue pressure")
			return i, fmt.Errorf("%w: %s after %v", ErrQueueFull, queue, b.cfg.EnqueueTimeout)
		}
	}

	monitoring.RecordEnqueued(queue, len(accepted))
	return len(accepted), nil
}

// forget releases dedupe ids of messages that never made it onto the queue
func (b *MemoryBroker) forget(q *memoryQueue, msgs []*Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q.stats.Waiting--
	for _, m := range msgs {
		delete(q.seen, m.ID)
	}
}

func (b *MemoryBroker) adjust(counter *int64, delta int64) {
	b.mu.Lock()
	*counter += delta
	b.mu.Unlock()
}

// OnFailed implements Broker
func (b *MemoryBroker) OnFailed(queue string, fn FailedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFailed[queue] = append(b.onFailed[queue], fn)
}

// Consume implements Broker. In-flight deliveries finish before it returns.
func (b *MemoryBroker) Consume(ctx context.Context, queue string, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	q := b.queue(queue)
	b.mu.Unlock()

	monitoring.AddActiveWorkers(queue, concurrency)
	defer monitoring.AddActiveWorkers(queue, -concurrency)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			b.worker(ctx, queue, q, workerID, handler)
		}(i)
	}

	b.logger.WithFields(logrus.Fields{
		"queue":       queue,
		"concurrency": concurrency,
	}).Info("Queue consumer started")

	wg.Wait()

	b.logger.WithField("queue", queue).Info("Queue consumer stopped")
	return nil
}

func (b *MemoryBroker) worker(ctx context.Context, queue string, q *memoryQueue, workerID int, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.quit:
			return
		case m := <-q.ready:
			b.deliver(context.WithoutCancel(ctx), queue, q, workerID, m, handler)
		}
	}
}

func (b *MemoryBroker) deliver(ctx context.Context, queue string, q *memoryQueue, workerID int, m *Message, handler Handler) {
	m.Attempt++

	b.mu.Lock()
	q.stats.Waiting--
	q.stats.Active++
	b.mu.Unlock()

	err := invoke(ctx, handler, m)

	b.mu.Lock()
	q.stats.Active--
	if err == nil {
		q.stats.Completed++
		b.mu.Unlock()
		return
	}

	m.LastError = err.Error()
	fields := logrus.Fields{
		"queue":      queue,
		"message_id": m.ID,
		"attempt":    m.Attempt,
		"worker_id":  workerID,
		"error":      err.Error(),
	}

	if !m.Exhausted() {
		q.stats.Delayed++
		b.mu.Unlock()
		delay := m.RetryDelay()
		fields["retry_in_ms"] = delay.Milliseconds()
		b.logger.WithFields(fields).Warn("Message attempt failed, scheduling retry")
		b.schedule(q, m, delay)
		return
	}

	q.stats.Failed++
	handlers := append([]FailedHandler(nil), b.onFailed[queue]...)
	b.mu.Unlock()

	b.logger.WithFields(fields).Error("Message failed permanently")
	notifyFailed(ctx, handlers, m, &ExhaustedError{Attempts: m.Attempt, Err: err})
}

// schedule puts m back on the ready channel after delay
func (b *MemoryBroker) schedule(q *memoryQueue, m *Message, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, t)
		q.stats.Delayed--
		q.stats.Waiting++
		b.mu.Unlock()

		select {
		case q.ready <- m:
		case <-b.quit:
		}
	})
	b.timers[t] = struct{}{}
}

// cleanupSeen expires remembered message ids
func (b *MemoryBroker) cleanupSeen() {
	defer b.wg.Done()

	interval := b.cfg.DedupeRetention / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.quit:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-b.cfg.DedupeRetention)
			removed := 0
			b.mu.Lock()
			for _, q := range b.queues {
				for id, at := range q.seen {
					if at.Before(cutoff) {
						delete(q.seen, id)
						removed++
					}
				}
			}
			b.mu.Unlock()

			if removed > 0 {
				b.logger.WithField("removed_count", removed).Debug("Expired remembered message ids")
			}
		}
	}
}

// Stats implements Broker
func (b *MemoryBroker) Stats(ctx context.Context, queue string) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return q.stats, nil
	}
	return Stats{}, nil
}

// Ping implements Broker
func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops pending retries and consumers
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	close(b.quit)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
