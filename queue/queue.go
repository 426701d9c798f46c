/*
Package queue provides the named work queues that drive the import pipeline.

Two backends implement Broker: an in-process worker pool (MemoryBroker) and a
Redis-backed queue (RedisBroker). Both give every message a bounded number of
attempts with exponential backoff and notify OnFailed handlers exactly once,
from the attempt that exhausts the cap.
*/
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue names used by the pipeline
const (
	RunQueue  = "job-import-runs"
	ItemQueue = "job-import-items"
)

const (
	defaultAttempts = 1
	maxBackoff      = time.Hour
)

// ErrExhausted marks a message whose attempts ran out
var ErrExhausted = errors.New("queue: attempts exhausted")

// ErrQueueFull is returned when a bounded backend cannot accept more messages in time
var ErrQueueFull = errors.New("queue: backlog full")

// ErrClosed is returned by operations on a closed broker
var ErrClosed = errors.New("queue: broker closed")

// ExhaustedError is handed to OnFailed handlers. It matches ErrExhausted and
// unwraps to the error returned by the final attempt.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("attempts exhausted after %d tries: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Err}
}

// Message is the envelope carried by every backend
type Message struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     time.Duration   `json:"backoff"`
	// Attempt is the 1-based number of the delivery in progress
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	LastError  string    `json:"lastError,omitempty"`
	// Notes are kept with the message between attempts
	Notes map[string]string `json:"notes,omitempty"`
}

// Options are the per-message retry settings
type Options struct {
	// ID deduplicates enqueues; empty means a random id
	ID       string
	Attempts int
	Backoff  time.Duration
}

// NewMessage encodes payload into a message
func NewMessage(payload any, opts Options) (Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode message payload: %w", err)
	}
	return Message{
		ID:          opts.ID,
		Payload:     body,
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
	}, nil
}

// Decode unmarshals the payload into v
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	return nil
}

// SetNote records a value for later attempts of this message
func (m *Message) SetNote(key, value string) {
	if m.Notes == nil {
		m.Notes = make(map[string]string)
	}
	m.Notes[key] = value
}

// Note returns the value recorded by an earlier attempt, or ""
func (m *Message) Note(key string) string {
	return m.Notes[key]
}

// Exhausted reports whether the current attempt is the last allowed one
func (m *Message) Exhausted() bool {
	return m.Attempt >= m.MaxAttempts
}

// RetryDelay is the backoff before the next attempt: Backoff * 2^(Attempt-1)
func (m *Message) RetryDelay() time.Duration {
	if m.Backoff <= 0 {
		return 0
	}
	shift := m.Attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 20 {
		return maxBackoff
	}
	d := m.Backoff << uint(shift)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// prepare fills in defaults before a message is stored
func (m *Message) prepare(queue string, now time.Time) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = defaultAttempts
	}
	m.Queue = queue
	m.Attempt = 0
	m.LastError = ""
	m.Notes = nil
	m.EnqueuedAt = now
}

// Handler processes one delivery. A non-nil error schedules a retry or, on
// the last attempt, terminal failure.
type Handler func(ctx context.Context, msg *Message) error

// FailedHandler is notified once per terminally failed message
type FailedHandler func(ctx context.Context, msg *Message, err error)

// Stats is a point-in-time view of one queue
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

// Broker is a named-queue work distributor
type Broker interface {
	// Enqueue adds messages in one call and returns how many were accepted.
	// Messages whose ID was already enqueued are skipped.
	Enqueue(ctx context.Context, queue string, msgs ...Message) (int, error)
	// Consume runs concurrency workers on queue until ctx is cancelled
	Consume(ctx context.Context, queue string, concurrency int, handler Handler) error
	OnFailed(queue string, fn FailedHandler)
	Stats(ctx context.Context, queue string) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// invoke runs the handler, converting a panic into an attempt failure
func invoke(ctx context.Context, handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

// notifyFailed calls every failure handler, isolating their panics
func notifyFailed(ctx context.Context, handlers []FailedHandler, msg *Message, err error) {
	for _, fn := range handlers {
		func() {
			defer func() { _ = recover() }()
			fn(ctx, msg, err)
		}()
	}
}
