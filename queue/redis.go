package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/monitoring"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// go-redis rounds shorter blocking timeouts up to one second and warns on every call
const minPollTimeout = time.Second

const (
	reapBatch     = 100
	commitRetries = 3
)

// RedisConfig tunes the Redis backend
type RedisConfig struct {
	// Prefix namespaces every key, e.g. "jobfeed"
	Prefix string
	// PollTimeout bounds each blocking pop so workers notice cancellation.
	// Values under one second are raised to one second.
	PollTimeout time.Duration
	// PromoteInterval is how often due retries move from delayed to wait
	PromoteInterval time.Duration
	// VisibilityTimeout is how long a claimed message may go without a lease
	// renewal before another consumer takes it back
	VisibilityTimeout time.Duration
	// ReapInterval is how often expired leases are returned to wait
	ReapInterval time.Duration
	// CompletedRetention keeps finished message ids for deduplication
	CompletedRetention time.Duration
	// FailedRetention keeps terminally failed messages for inspection
	FailedRetention time.Duration
}

// enqueueScript writes every envelope with SET NX and pushes the ids that
// were new, in order. KEYS[1] is the wait list, KEYS[2..] the envelope keys;
// ARGV holds (id, body) pairs matching KEYS[2..].
var enqueueScript = redis.NewScript(`
local created = {}
for i = 2, #KEYS do
  local id, body = ARGV[2 * i - 3], ARGV[2 * i - 2]
  if redis.call('SET', KEYS[i], body, 'NX') then
    created[#created + 1] = id
  end
end
for i = 1, #created, 1000 do
  redis.call('RPUSH', KEYS[1], unpack(created, i, math.min(i + 999, #created)))
end
return created
`)

// promoteScript atomically moves due ids from the delayed set to the wait list
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('RPUSH', KEYS[2], id)
  end
end
return #ids
`)

// reapScript returns ids whose lease expired from active to wait. Active ids
// with no lease (their consumer died between the pop and the lease write)
// get one starting now.
var reapScript = redis.NewScript(`
local now, visibility = tonumber(ARGV[1]), tonumber(ARGV[2])
for _, id in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
  redis.call('ZADD', KEYS[2], 'NX', now + visibility, id)
end
local moved = 0
for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, tonumber(ARGV[3]))) do
  redis.call('ZREM', KEYS[2], id)
  if redis.call('LREM', KEYS[1], 1, id) > 0 then
    redis.call('RPUSH', KEYS[3], id)
    moved = moved + 1
  end
end
return moved
`)

// RedisBroker keeps queues in Redis so several processes can share them.
//
// Keys per queue, under <prefix>:<queue>:
//
//	wait      list of ready message ids
//	active    list of ids being processed
//	claimed   sorted set of active ids scored by lease expiry (unix ms)
//	delayed   sorted set of ids scored by ready time (unix ms)
//	failed    list of terminally failed ids
//	completed counter
//	msg:<id>  JSON envelope, created with SET NX
//
// Delivery is at-least-once: a consumer renews the lease of the message it is
// handling, and any consumer of the queue moves ids with an expired lease back
// to wait.
type RedisBroker struct {
	client   *redis.Client
	cfg      RedisConfig
	logger   *logrus.Logger
	mu       sync.RWMutex
	onFailed map[string][]FailedHandler
}

// NewRedisClient builds a client from a redis:// or rediss:// URL
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedisBroker wraps client. The broker owns the client and closes it.
func NewRedisBroker(client *redis.Client, cfg RedisConfig, logger *logrus.Logger) *RedisBroker {
	if cfg.Prefix == "" {
		cfg.Prefix = "jobfeed"
	}
	if cfg.PollTimeout < minPollTimeout {
		cfg.PollTimeout = minPollTimeout
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = 250 * time.Millisecond
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 5 * time.Second
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = 24 * time.Hour
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = 7 * 24 * time.Hour
	}
	return &RedisBroker{
		client:   client,
		cfg:      cfg,
		logger:   logger,
		onFailed: make(map[string][]FailedHandler),
	}
}

func (b *RedisBroker) key(queue, suffix string) string {
	return fmt.Sprintf("%s:%s:%s", b.cfg.Prefix, queue, suffix)
}

func (b *RedisBroker) msgKey(queue, id string) string {
	return b.key(queue, "msg:"+id)
}

func (b *RedisBroker) leaseDeadline() float64 {
	return float64(time.Now().Add(b.cfg.VisibilityTimeout).UnixMilli())
}

// Enqueue implements Broker. The whole batch is stored and pushed by one
// script call, so either every new id reaches the wait list or none does.
func (b *RedisBroker) Enqueue(ctx context.Context, queue string, msgs ...Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	now := time.Now()
	keys := make([]string, 0, len(msgs)+1)
	args := make([]interface{}, 0, 2*len(msgs))
	keys = append(keys, b.key(queue, "wait"))

	for i := range msgs {
		m := msgs[i]
		m.prepare(queue, now)
		body, err := json.Marshal(&m)
		if err != nil {
			return 0, fmt.Errorf("encode message: %w", err)
		}
		keys = append(keys, b.msgKey(queue, m.ID))
		args = append(args, m.ID, body)
	}

	created, err := enqueueScript.Run(ctx, b.client, keys, args...).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("push to %s: %w", queue, err)
	}

	if skipped := len(msgs) - len(created); skipped > 0 {
		b.logger.WithFields(logrus.Fields{
			"queue":         queue,
			"skipped_count": skipped,
		}).Debug("Skipping duplicate messages")
	}
	if len(created) > 0 {
		monitoring.RecordEnqueued(queue, len(created))
	}
	return len(created), nil
}

// OnFailed implements Broker
func (b *RedisBroker) OnFailed(queue string, fn FailedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFailed[queue] = append(b.onFailed[queue], fn)
}

// Consume implements Broker
func (b *RedisBroker) Consume(ctx context.Context, queue string, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	monitoring.AddActiveWorkers(queue, concurrency)
	defer monitoring.AddActiveWorkers(queue, -concurrency)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.promoter(ctx, queue)
	}()
	go func() {
		defer wg.Done()
		b.reaper(ctx, queue)
	}()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			b.worker(ctx, queue, workerID, handler)
		}(i)
	}

	b.logger.WithFields(logrus.Fields{
		"queue":       queue,
		"concurrency": concurrency,
		"prefix":      b.cfg.Prefix,
	}).Info("Redis queue consumer started")

	wg.Wait()

	b.logger.WithField("queue", queue).Info("Redis queue consumer stopped")
	return nil
}

func (b *RedisBroker) promoter(ctx context.Context, queue string) {
	ticker := time.NewTicker(b.cfg.PromoteInterval)
	defer ticker.Stop()

	keys := []string{b.key(queue, "delayed"), b.key(queue, "wait")}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := strconv.FormatInt(time.Now().UnixMilli(), 10)
			if err := promoteScript.Run(ctx, b.client, keys, now, 100).Err(); err != nil && ctx.Err() == nil {
				b.logger.WithError(err).WithField("queue", queue).Warn("Failed to promote delayed messages")
			}
		}
	}
}

func (b *RedisBroker) reaper(ctx context.Context, queue string) {
	ticker := time.NewTicker(b.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		if moved, err := b.reap(ctx, queue); err != nil {
			if ctx.Err() == nil {
				b.logger.WithError(err).WithField("queue", queue).Warn("Failed to reclaim expired messages")
			}
		} else if moved > 0 {
			b.logger.WithFields(logrus.Fields{
				"queue":       queue,
				"moved_count": moved,
			}).Warn("Reclaimed messages from expired leases")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reap moves ids with an expired lease from active back to wait
func (b *RedisBroker) reap(ctx context.Context, queue string) (int64, error) {
	keys := []string{b.key(queue, "active"), b.key(queue, "claimed"), b.key(queue, "wait")}
	return reapScript.Run(ctx, b.client, keys,
		time.Now().UnixMilli(), b.cfg.VisibilityTimeout.Milliseconds(), reapBatch).Int64()
}

func (b *RedisBroker) worker(ctx context.Context, queue string, workerID int, handler Handler) {
	waitKey, activeKey := b.key(queue, "wait"), b.key(queue, "active")

	for ctx.Err() == nil {
		id, err := b.client.BLMove(ctx, waitKey, activeKey, "LEFT", "RIGHT", b.cfg.PollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.WithError(err).WithField("queue", queue).Error("Failed to pop message")
			b.pause(ctx)
			continue
		}

		// Finish the claimed message even if shutdown begins mid-delivery
		dctx := context.WithoutCancel(ctx)
		if err := b.client.ZAdd(dctx, b.key(queue, "claimed"), redis.Z{Score: b.leaseDeadline(), Member: id}).Err(); err != nil {
			// The reaper leases unclaimed active ids, so delivery can go ahead
			b.logger.WithError(err).WithField("message_id", id).Warn("Failed to lease message")
		}
		if !b.deliver(dctx, queue, workerID, id, handler) {
			b.pause(ctx)
		}
	}
}

func (b *RedisBroker) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(b.cfg.PollTimeout):
	}
}

// renewLease extends the lease on id until stop is closed
func (b *RedisBroker) renewLease(ctx context.Context, queue, id string, stop <-chan struct{}) {
	every := b.cfg.VisibilityTimeout / 3
	if every <= 0 {
		every = b.cfg.VisibilityTimeout
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := b.client.ZAddXX(ctx, b.key(queue, "claimed"), redis.Z{Score: b.leaseDeadline(), Member: id}).Err()
			if err != nil {
				b.logger.WithError(err).WithField("message_id", id).Warn("Failed to renew message lease")
			}
		}
	}
}

// commit runs the queued commands in one transaction, retrying briefly. When
// it still fails, the message stays leased and is redelivered after the
// lease expires.
func (b *RedisBroker) commit(ctx context.Context, fn func(pipe redis.Pipeliner)) error {
	var err error
	for i := 0; i < commitRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * 100 * time.Millisecond)
		}
		pipe := b.client.TxPipeline()
		fn(pipe)
		if _, err = pipe.Exec(ctx); err == nil {
			return nil
		}
	}
	return err
}

// deliver runs handler for one claimed id. It reports false when Redis could
// not be reached, so the worker backs off.
func (b *RedisBroker) deliver(ctx context.Context, queue string, workerID int, id string, handler Handler) bool {
	activeKey, claimedKey := b.key(queue, "active"), b.key(queue, "claimed")
	msgKey := b.msgKey(queue, id)
	release := func(pipe redis.Pipeliner) {
		pipe.LRem(ctx, activeKey, 1, id)
		pipe.ZRem(ctx, claimedKey, id)
	}

	body, err := b.client.Get(ctx, msgKey).Bytes()
	if errors.Is(err, redis.Nil) {
		b.logger.WithFields(logrus.Fields{
			"queue":      queue,
			"message_id": id,
		}).Error("Dropping message without envelope")
		if err := b.commit(ctx, release); err != nil {
			b.logger.WithError(err).WithField("message_id", id).Warn("Failed to release message")
		}
		return true
	}
	if err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{
			"queue":      queue,
			"message_id": id,
		}).Warn("Failed to load message, returning it to the queue")
		err = b.commit(ctx, func(pipe redis.Pipeliner) {
			release(pipe)
			pipe.RPush(ctx, b.key(queue, "wait"), id)
		})
		if err != nil {
			b.logger.WithError(err).WithField("message_id", id).Warn("Message left leased for redelivery")
		}
		return false
	}

	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		b.logger.WithError(err).WithField("message_id", id).Error("Moving undecodable message to failed")
		err = b.commit(ctx, func(pipe redis.Pipeliner) {
			release(pipe)
			pipe.RPush(ctx, b.key(queue, "failed"), id)
		})
		if err != nil {
			b.logger.WithError(err).WithField("message_id", id).Warn("Message left leased for redelivery")
		}
		return true
	}
	m.Attempt++

	stop := make(chan struct{})
	go b.renewLease(ctx, queue, id, stop)
	herr := invoke(ctx, handler, &m)
	close(stop)

	if herr == nil {
		err := b.commit(ctx, func(pipe redis.Pipeliner) {
			release(pipe)
			pipe.Incr(ctx, b.key(queue, "completed"))
			pipe.Set(ctx, msgKey, mustJSON(&m), b.cfg.CompletedRetention)
		})
		if err != nil {
			b.logger.WithError(err).WithField("message_id", id).Error("Failed to acknowledge message; it will be redelivered")
		}
		return true
	}

	m.LastError = herr.Error()
	fields := logrus.Fields{
		"queue":      queue,
		"message_id": id,
		"attempt":    m.Attempt,
		"worker_id":  workerID,
		"error":      herr.Error(),
	}

	if !m.Exhausted() {
		delay := m.RetryDelay()
		err := b.commit(ctx, func(pipe redis.Pipeliner) {
			pipe.Set(ctx, msgKey, mustJSON(&m), redis.KeepTTL)
			release(pipe)
			pipe.ZAdd(ctx, b.key(queue, "delayed"), redis.Z{
				Score:  float64(time.Now().Add(delay).UnixMilli()),
				Member: id,
			})
		})
		if err != nil {
			b.logger.WithError(err).WithFields(fields).Error("Failed to schedule retry; it will be redelivered")
			return true
		}
		fields["retry_in_ms"] = delay.Milliseconds()
		b.logger.WithFields(fields).Warn("Message attempt failed, scheduling retry")
		return true
	}

	err = b.commit(ctx, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, msgKey, mustJSON(&m), b.cfg.FailedRetention)
		release(pipe)
		pipe.RPush(ctx, b.key(queue, "failed"), id)
	})
	if err != nil {
		// Without the attempt recorded the redelivery ends here again
		b.logger.WithError(err).WithFields(fields).Error("Failed to record terminal failure; it will be redelivered")
		return true
	}

	b.logger.WithFields(fields).Error("Message failed permanently")

	b.mu.RLock()
	handlers := append([]FailedHandler(nil), b.onFailed[queue]...)
	b.mu.RUnlock()
	notifyFailed(ctx, handlers, &m, &ExhaustedError{Attempts: m.Attempt, Err: herr})
	return true
}

func mustJSON(m *Message) []byte {
	b, _ := json.Marshal(m)
	return b
}

// Stats implements Broker
func (b *RedisBroker) Stats(ctx context.Context, queue string) (Stats, error) {
	pipe := b.client.Pipeline()
	waiting := pipe.LLen(ctx, b.key(queue, "wait"))
	active := pipe.LLen(ctx, b.key(queue, "active"))
	delayed := pipe.ZCard(ctx, b.key(queue, "delayed"))
	failed := pipe.LLen(ctx, b.key(queue, "failed"))
	completed := pipe.Get(ctx, b.key(queue, "completed"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("queue stats for %s: %w", queue, err)
	}

	done, _ := completed.Int64()
	return Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Failed:    failed.Val(),
		Completed: done,
	}, nil
}

// Ping implements Broker
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close implements Broker
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
