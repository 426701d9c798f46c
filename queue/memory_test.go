package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type payload struct {
	N int `json:"n"`
}

func mustMessage(t *testing.T, n int, opts Options) Message {
	t.Helper()
	m, err := NewMessage(payload{N: n}, opts)
	require.NoError(t, err)
	return m
}

// runConsumer starts Consume in the background and returns a stop func
func runConsumer(t *testing.T, b Broker, queue string, concurrency int, h Handler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, b.Consume(ctx, queue, concurrency, h))
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestMemoryBrokerDelivers(t *testing.T) {
	b := NewMemoryBroker(MemoryConfig{}, testLogger())
	defer b.Close()

	var sum atomic.Int64
	stop := runConsumer(t, b, "q", 4, func(ctx context.Context, msg *Message) error {
		var p payload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		sum.Add(int64(p.N))
		return nil
	})
	defer stop()

	msgs := make([]Message, 0, 10)
	for i := 1; i <= 10; i++ {
		msgs = append(msgs, mustMessage(t, i, Options{Attempts: 1}))
	}
	n, err := b.Enqueue(context.Background(), "q", msgs...)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	assert.Eventually(t, func() bool { return sum.Load() == 55 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		stats, _ := b.Stats(context.Background(), "q")
		return stats.Completed == 10 && stats.Waiting == 0 && stats.Active == 0
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryBrokerRetriesWithBackoff(t *testing.T) {
	b := NewMemoryBroker(MemoryConfig{}, testLogger())
	defer b.Close()

	var mu sync.Mutex
	var attempts []time.Time
	stop := runConsumer(t, b, "q", 1, func(ctx context.Context, msg *Message) error {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		if msg.Attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	defer stop()

	failed := make(chan struct{}, 1)
	b.OnFailed("q", func(ctx context.Context, msg *Message, err error) { failed <- struct{}{} })

	_, err := b.Enqueue(context.Background(), "q", mustMessage(t, 1, Options{Attempts: 3, Backoff: 20 * time.Millisecond}))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// 20ms then 40ms
	assert.GreaterOrEqual(t, attempts[1].Sub(attempts[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, attempts[2].Sub(attempts[1]), 40*time.Millisecond)
	assert.Len(t, failed, 0)
}

func TestMemoryBrokerOnFailedOnce(t *testing.T) {
	b := NewMemoryBroker(MemoryConfig{}, testLogger())
	defer b.Close()

	var calls atomic.Int32
	var gotErr error
	var gotAttempt int
	var mu sync.Mutex
	b.OnFailed("q", func(ctx context.Context, msg *Message, err error) {
		calls.Add(1)
		mu.Lock()
		gotErr, gotAttempt = err, msg.Attempt
		mu.Unlock()
	})

	var handled atomic.Int32
	stop := runConsumer(t, b, "q", 3, func(ctx context.Context, msg *Message) error {
		handled.Add(1)
		return errors.New("always broken")
	})
	defer stop()

	_, err := b.Enqueue(context.Background(), "q", mustMessage(t, 1, Options{Attempts: 3, Backoff: time.Millisecond}))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(3), handled.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, errors.Is(gotErr, ErrExhausted))
	assert.Contains(t, gotErr.Error(), "always broken")
	assert.Equal(t, 3, gotAttempt)

	var exhausted *ExhaustedError
	require.True(t, errors.As(gotErr, &exhausted))
	assert.EqualError(t, exhausted.Err, "always broken")

	stats, err := b.Stats(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestMemoryBrokerRecoversPanics(t *testing.T) {
	b := NewMemoryBroker(MemoryConfig{}, testLogger())
	defer b.Close()

	failed := make(chan error, 1)
	b.OnFailed("q", func(ctx context.Context, msg *Message, err error) { failed <- err })
	b.OnFailed("q", func(ctx context.Context, msg *Message, err error) { panic("handler bug") })

	stop := runConsumer(t, b, "q", 1, func(ctx context.Context, msg *Message) error {
		panic("boom")
	})
	defer stop()

	_, err := b.Enqueue(context.Background(), "q", mustMessage(t, 1, Options{Attempts: 1}))
	require.NoError(t, err)

	select {
	case err := <-failed:
		assert.Contains(t, err.Error(), "handler panic: boom")
	case <-time.After(2 * time.Second):
		t.Fatal("failure handler was not called")
	}
}

func TestMemoryBrokerDedupe(t *testing.T) {
	b := NewMemoryBroker(MemoryConfig{}, testLogger())
	defer b.Close()

	n, err := b.Enqueue(context.Background(), "q",
		mustMessage(t, 1, Options{ID: "repeat:a:1"}),
		mustMessage(t, 1, Options{ID: "repeat:a:1"}),
		mustMessage(t, 2, Options{ID: "repeat:a:2"}),
	)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = b.Enqueue(context.Background(), "q", mustMessage(t, 1, Options{ID: "repeat:a:1"}))
	require.NoError(t, err)
	assert.Zero(t, n)

	// Same id on another queue is independent
	n, err = b.Enqueue(context.Background(), "other", mustMessage(t, 1, Options{ID: "repeat:a:1"}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, _ := b.Stats(context.Background(), "q")
	assert.Equal(t, int64(2), stats.Waiting)
}

func TestMemoryBrokerBackpressure(t *testing.T) {
	b := NewMemoryBroker(MemoryConfig{Capacity: 2, EnqueueTimeout: 20 * time.Millisecond}, testLogger())
	defer b.Close()

	n, err := b.Enqueue(context.Background(), "q",
		mustMessage(t, 1, Options{}),
		mustMessage(t, 2, Options{}),
		mustMessage(t, 3, Options{ID: "third"}),
	)
	assert.Equal(t, 2, n)
	assert.True(t, errors.Is(err, ErrQueueFull))

	stats, _ := b.Stats(context.Background(), "q")
	assert.Equal(t, int64(2), stats.Waiting)

	// Rejected ids can be enqueued again once there is room
	stop := runConsumer(t, b, "q", 1, func(ctx context.Context, msg *Message) error { return nil })
	defer stop()
	assert.Eventually(t, func() bool {
		n, err := b.Enqueue(context.Background(), "q", mustMessage(t, 3, Options{ID: "third"}))
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryBrokerClose(t *testing.T) {
	b := NewMemoryBroker(MemoryConfig{}, testLogger())
	require.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Ping(context.Background()), ErrClosed)
	_, err := b.Enqueue(context.Background(), "q", mustMessage(t, 1, Options{}))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		backoff time.Duration
		want    time.Duration
	}{
		{1, 500 * time.Millisecond, 500 * time.Millisecond},
		{2, 500 * time.Millisecond, time.Second},
		{3, 500 * time.Millisecond, 2 * time.Second},
		{1, 0, 0},
		{40, time.Second, maxBackoff},
	}
	for _, tt := range tests {
		m := Message{Attempt: tt.attempt, Backoff: tt.backoff}
		assert.Equal(t, tt.want, m.RetryDelay(), "attempt %d", tt.attempt)
	}
}

// assertNotesSurviveRetry checks that a note set by a failed attempt is
// visible to the next one
func assertNotesSurviveRetry(t *testing.T, b Broker) {
	t.Helper()

	seen := make(chan string, 1)
	stop := runConsumer(t, b, "notes", 1, func(ctx context.Context, msg *Message) error {
		if msg.Attempt == 1 {
			msg.SetNote("step", "inserted")
			return errors.New("counter failed")
		}
		seen <- msg.Note("step")
		return nil
	})
	defer stop()

	_, err := b.Enqueue(context.Background(), "notes", mustMessage(t, 1, Options{Attempts: 2, Backoff: time.Millisecond}))
	require.NoError(t, err)

	select {
	case note := <-seen:
		assert.Equal(t, "inserted", note)
	case <-time.After(5 * time.Second):
		t.Fatal("second attempt never ran")
	}
}

func TestMemoryBrokerKeepsNotes(t *testing.T) {
	b := NewMemoryBroker(MemoryConfig{}, testLogger())
	defer b.Close()
	assertNotesSurviveRetry(t, b)
}

func TestMessageNotes(t *testing.T) {
	var m Message
	assert.Empty(t, m.Note("missing"))

	m.SetNote("inserted", "job-1")
	assert.Equal(t, "job-1", m.Note("inserted"))

	m.prepare("q", time.Now())
	assert.Empty(t, m.Note("inserted"), "enqueue starts from a clean slate")
}
