package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/feed"
	"github.com/Nexora-Open-Source/job-feed-importer/normalize"
	"github.com/Nexora-Open-Source/job-feed-importer/queue"
	"github.com/Nexora-Open-Source/job-feed-importer/store"
	"github.com/Nexora-Open-Source/job-feed-importer/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type testItem struct {
	guid, title string
}

func rssFeed(items ...testItem) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel><title>Jobs</title>`)
	for _, it := range items {
		fmt.Fprintf(&b, `<item><guid>%s</guid><title>%s</title><link>https://example.com/jobs/%s</link>`+
			`<description>About %s</description><pubDate>Wed, 01 May 2024 10:00:00 +0000</pubDate></item>`,
			it.guid, it.title, it.guid, it.title)
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

// failingStore rejects inserts of selected external ids and, while
// counterFailures is positive, the next run counter increments
type failingStore struct {
	store.Store
	failFor         map[string]bool
	inserts         sync.Map // external id -> *atomic.Int32
	counterFailures atomic.Int32
}

func (s *failingStore) IncrementImported(ctx context.Context, id string, isNew bool) error {
	if s.counterFailures.Add(-1) >= 0 {
		return errors.New("transaction contention")
	}
	return s.Store.IncrementImported(ctx, id, isNew)
}

func (s *failingStore) InsertJob(ctx context.Context, job *types.Job) error {
	n, _ := s.inserts.LoadOrStore(job.ExternalID, new(atomic.Int32))
	n.(*atomic.Int32).Add(1)
	if s.failFor[job.ExternalID] {
		return errors.New("boom")
	}
	return s.Store.InsertJob(ctx, job)
}

func (s *failingStore) insertCalls(externalID string) int32 {
	n, ok := s.inserts.Load(externalID)
	if !ok {
		return 0
	}
	return n.(*atomic.Int32).Load()
}

type recordingAlerter struct {
	mu      sync.Mutex
	reasons []string
}

func (a *recordingAlerter) NotifyRunFailed(importLogID, sourceURL, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reasons = append(a.reasons, reason)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reasons)
}

type harness struct {
	t       *testing.T
	store   *failingStore
	broker  *queue.MemoryBroker
	alerter *recordingAlerter
	body    atomic.Value // string
	status  atomic.Int32
	srv     *httptest.Server
	p       *Pipeline
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		store:   &failingStore{Store: store.NewMemoryStore(), failFor: map[string]bool{}},
		broker:  queue.NewMemoryBroker(queue.MemoryConfig{}, testLogger()),
		alerter: &recordingAlerter{},
	}
	h.body.Store(rssFeed())
	h.status.Store(http.StatusOK)

	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(h.status.Load()))
		fmt.Fprint(w, h.body.Load().(string))
	}))
	t.Cleanup(h.srv.Close)

	opts = append([]Option{WithAlerter(h.alerter)}, opts...)
	h.p = New(h.store, h.broker, feed.NewFetcher(2*time.Second, 0, testLogger()), normalize.NewRegistry(),
		Config{ItemAttempts: 3, ItemBackoff: time.Millisecond, RunConcurrency: 1, ItemConcurrency: 4},
		testLogger(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, h.p.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.broker.Close()
	})
	return h
}

func (h *harness) feedURL() string { return h.srv.URL + "/feed.xml" }

// trigger enqueues one run and waits for its ImportLog to leave running
func (h *harness) trigger() *types.ImportLog {
	h.t.Helper()
	ctx := context.Background()

	_, before, err := h.store.ListImportLogs(ctx, store.ImportLogFilter{})
	require.NoError(h.t, err)

	msg, err := NewRunMessage(h.feedURL(), "", 1, 0)
	require.NoError(h.t, err)
	_, err = h.broker.Enqueue(ctx, queue.RunQueue, msg)
	require.NoError(h.t, err)

	var finished *types.ImportLog
	require.Eventually(h.t, func() bool {
		logs, total, err := h.store.ListImportLogs(ctx, store.ImportLogFilter{})
		if err != nil || total != before+1 || logs[0].Status == types.RunStatusRunning {
			return false
		}
		finished = logs[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return finished
}

func TestRunAllItemsSucceed(t *testing.T) {
	h := newHarness(t)
	h.body.Store(rssFeed(testItem{"a", "Go Engineer"}, testItem{"b", "SRE"}, testItem{"c", "Data Engineer"}))

	run := h.trigger()

	assert.Equal(t, types.RunStatusSuccess, run.Status)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, 3, run.TotalFetched)
	assert.Equal(t, 3, run.TotalImported)
	assert.Equal(t, 3, run.NewJobs)
	assert.Zero(t, run.UpdatedJobs)
	assert.Zero(t, run.FailedJobs)
	assert.Empty(t, run.Failures)

	jobs, total, err := h.store.ListJobs(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	for _, j := range jobs {
		assert.Equal(t, normalize.SourceUnknown, j.Source)
		assert.Equal(t, h.feedURL(), j.SourceURL)
	}
	assert.Zero(t, h.alerter.count())
}

func TestRunWithExhaustedItem(t *testing.T) {
	h := newHarness(t)
	h.store.failFor["bad"] = true
	h.body.Store(rssFeed(testItem{"a", "Go Engineer"}, testItem{"bad", "Broken"}, testItem{"c", "Data Engineer"}))

	run := h.trigger()

	assert.Equal(t, types.RunStatusSuccess, run.Status)
	assert.Equal(t, 3, run.TotalFetched)
	assert.Equal(t, 2, run.TotalImported)
	assert.Equal(t, 1, run.FailedJobs)
	require.Len(t, run.Failures, 1)
	assert.Equal(t, "bad", run.Failures[0].ExternalID)
	assert.Equal(t, "insert job bad: boom", run.Failures[0].Reason)
	assert.Equal(t, run.TotalFetched, run.TotalImported+run.FailedJobs)

	assert.Equal(t, int32(3), h.store.insertCalls("bad"))

	stats, err := h.broker.Stats(context.Background(), queue.ItemQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestRerunCountsUpdates(t *testing.T) {
	h := newHarness(t)
	h.body.Store(rssFeed(testItem{"a", "Go Engineer"}, testItem{"b", "SRE"}, testItem{"c", "Data Engineer"}))

	first := h.trigger()
	assert.Equal(t, 3, first.NewJobs)

	h.body.Store(rssFeed(testItem{"a", "Senior Go Engineer"}, testItem{"b", "SRE"}, testItem{"c", "Data Engineer"}))
	second := h.trigger()

	assert.Equal(t, types.RunStatusSuccess, second.Status)
	assert.Equal(t, 3, second.TotalImported)
	assert.Zero(t, second.NewJobs)
	assert.Equal(t, 3, second.UpdatedJobs)

	_, total, err := h.store.ListJobs(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	job, err := h.store.FindJobByExternalID(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "Senior Go Engineer", job.Title)
}

func TestFetchHTTPErrorFailsRun(t *testing.T) {
	h := newHarness(t)
	h.status.Store(http.StatusInternalServerError)
	h.body.Store("oops")

	run := h.trigger()

	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.NotNil(t, run.FinishedAt)
	assert.Zero(t, run.TotalFetched)
	require.Len(t, run.Failures, 1)
	assert.Equal(t, "-", run.Failures[0].ExternalID)
	assert.Contains(t, run.Failures[0].Reason, "HTTP 500")

	stats, err := h.broker.Stats(context.Background(), queue.ItemQueue)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)

	assert.Eventually(t, func() bool { return h.alerter.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMalformedFeedFailsRun(t *testing.T) {
	h := newHarness(t)
	h.body.Store(`<rss><channel><item><title>unterminated`)

	run := h.trigger()

	assert.Equal(t, types.RunStatusFailed, run.Status)
	require.Len(t, run.Failures, 1)
	assert.Equal(t, "-", run.Failures[0].ExternalID)
}

func TestEmptyFeedCompletes(t *testing.T) {
	h := newHarness(t)

	run := h.trigger()

	assert.Equal(t, types.RunStatusSuccess, run.Status)
	assert.Zero(t, run.TotalFetched)
	assert.Zero(t, run.TotalImported)
}

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (a *fakeArchiver) Store(ctx context.Context, sourceURL, runID string, body []byte, at time.Time) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	key := runID + ".xml"
	a.keys = append(a.keys, key)
	return key, nil
}

func TestDispatchArchivesSnapshot(t *testing.T) {
	arch := &fakeArchiver{}
	h := newHarness(t, WithArchiver(arch))
	h.body.Store(rssFeed(testItem{"a", "Go Engineer"}))

	run := h.trigger()

	arch.mu.Lock()
	defer arch.mu.Unlock()
	assert.Equal(t, []string{run.ID + ".xml"}, arch.keys)
}

func TestDispatchTracesEnqueuedItems(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	h := newHarness(t)
	h.body.Store(rssFeed(testItem{"a", "Go Engineer"}, testItem{"b", "SRE"}))
	h.trigger()

	// The dispatch span can end after the last item completes the run
	var enqueued string
	require.Eventually(t, func() bool {
		for _, span := range recorder.Ended() {
			if span.Name() != "run.dispatch" {
				continue
			}
			for _, e := range span.Events() {
				if e.Name != "items.enqueued" {
					continue
				}
				for _, attr := range e.Attributes {
					if attr.Key == "enqueued" {
						enqueued = attr.Value.AsString()
					}
				}
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "2", enqueued)
}

func TestArchiveFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t, WithArchiver(&fakeArchiver{err: errors.New("bucket gone")}))
	h.body.Store(rssFeed(testItem{"a", "Go Engineer"}))

	run := h.trigger()
	assert.Equal(t, types.RunStatusSuccess, run.Status)
	assert.Equal(t, 1, run.NewJobs)
}

// directPipeline builds a pipeline whose handlers are called without a consumer
func directPipeline(t *testing.T, st store.Store) *Pipeline {
	t.Helper()
	b := queue.NewMemoryBroker(queue.MemoryConfig{}, testLogger())
	t.Cleanup(func() { b.Close() })
	return New(st, b, feed.NewFetcher(time.Second, 0, testLogger()), normalize.NewRegistry(), Config{}, testLogger())
}

func itemMessage(t *testing.T, runID string, item feed.RawItem, attempt int) *queue.Message {
	t.Helper()
	m, err := queue.NewMessage(ItemMessage{ImportLogID: runID, SourceURL: "https://example.com/feed", Payload: item}, queue.Options{Attempts: 1})
	require.NoError(t, err)
	m.Attempt = attempt
	return &m
}

func TestCountersHoldInAnyOrder(t *testing.T) {
	st := store.NewMemoryStore()
	p := directPipeline(t, st)
	ctx := context.Background()

	const n = 30
	run := &types.ImportLog{StartedAt: time.Now(), SourceURL: "https://example.com/feed", Status: types.RunStatusRunning}
	require.NoError(t, st.CreateImportLog(ctx, run))
	require.NoError(t, st.SetTotalFetched(ctx, run.ID, n))

	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item := feed.RawItem{"guid": fmt.Sprintf("job-%d", i%20), "title": fmt.Sprintf("Job %d", i)}
			msg := itemMessage(t, run.ID, item, 1)
			if i%10 == 3 {
				p.RecordFailure(ctx, msg, &queue.ExhaustedError{Attempts: 1, Err: errors.New("db down")})
				return
			}
			assert.NoError(t, p.ProcessItem(ctx, msg))
		}(i)
	}
	wg.Wait()

	got, err := st.GetImportLog(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusSuccess, got.Status)
	assert.Equal(t, 3, got.FailedJobs)
	assert.Equal(t, n-3, got.TotalImported)
	assert.Equal(t, got.TotalImported, got.NewJobs+got.UpdatedJobs)
	assert.Equal(t, n, got.TotalImported+got.FailedJobs)
	for _, f := range got.Failures {
		assert.Equal(t, "db down", f.Reason)
		assert.True(t, strings.HasPrefix(f.ExternalID, "job-"))
	}
}

func TestRunCountsNewJobsAfterCounterRetry(t *testing.T) {
	h := newHarness(t)
	h.body.Store(rssFeed(testItem{"a", "Go Engineer"}, testItem{"b", "SRE"}, testItem{"c", "Data Engineer"}))
	h.store.counterFailures.Store(2)

	run := h.trigger()
	assert.Equal(t, types.RunStatusSuccess, run.Status)
	assert.Equal(t, 3, run.TotalImported)
	assert.Equal(t, 3, run.NewJobs)
	assert.Zero(t, run.UpdatedJobs)
	assert.Zero(t, run.FailedJobs)
}

func TestProcessItemCounterRetry(t *testing.T) {
	tests := []struct {
		name        string
		preexisting bool
		wantNew     int
		wantUpdated int
	}{
		{"first sighting stays new", false, 1, 0},
		{"known job stays updated", true, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := &failingStore{Store: store.NewMemoryStore()}
			if tt.preexisting {
				require.NoError(t, st.Store.InsertJob(ctx, &types.Job{ExternalID: "job-1", Title: "Old title"}))
			}
			p := directPipeline(t, st)

			run := &types.ImportLog{StartedAt: time.Now(), SourceURL: "https://example.com/feed", Status: types.RunStatusRunning}
			require.NoError(t, st.CreateImportLog(ctx, run))
			require.NoError(t, st.SetTotalFetched(ctx, run.ID, 1))

			msg := itemMessage(t, run.ID, feed.RawItem{"guid": "job-1", "title": "Backend Engineer"}, 1)
			st.counterFailures.Store(1)
			require.Error(t, p.ProcessItem(ctx, msg))

			msg.Attempt++
			require.NoError(t, p.ProcessItem(ctx, msg))

			got, err := st.GetImportLog(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantNew, got.NewJobs)
			assert.Equal(t, tt.wantUpdated, got.UpdatedJobs)
			assert.Equal(t, types.RunStatusSuccess, got.Status)
		})
	}
}

// raceStore hides the first lookup so the insert collides with an existing row
type raceStore struct {
	store.Store
	hidden atomic.Bool
}

func (s *raceStore) FindJobByExternalID(ctx context.Context, externalID string) (*types.Job, error) {
	if s.hidden.CompareAndSwap(false, true) {
		return nil, store.ErrNotFound
	}
	return s.Store.FindJobByExternalID(ctx, externalID)
}

func TestDuplicateInsertResolvesAsUpdate(t *testing.T) {
	mem := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, mem.InsertJob(ctx, &types.Job{ExternalID: "dup", Title: "Old title"}))

	st := &raceStore{Store: mem}
	p := directPipeline(t, st)

	run := &types.ImportLog{StartedAt: time.Now(), SourceURL: "https://example.com/feed", Status: types.RunStatusRunning}
	require.NoError(t, st.CreateImportLog(ctx, run))
	require.NoError(t, st.SetTotalFetched(ctx, run.ID, 1))

	require.NoError(t, p.ProcessItem(ctx, itemMessage(t, run.ID, feed.RawItem{"guid": "dup", "title": "New title"}, 1)))

	got, err := st.GetImportLog(ctx, run.ID)
	require.NoError(t, err)
	assert.Zero(t, got.NewJobs)
	assert.Equal(t, 1, got.UpdatedJobs)
	assert.Equal(t, types.RunStatusSuccess, got.Status)

	job, err := mem.FindJobByExternalID(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, "New title", job.Title)
}

func TestUnchangedJobIsNotRewritten(t *testing.T) {
	st := store.NewMemoryStore()
	p := directPipeline(t, st)
	ctx := context.Background()

	run := &types.ImportLog{StartedAt: time.Now(), SourceURL: "https://example.com/feed", Status: types.RunStatusRunning}
	require.NoError(t, st.CreateImportLog(ctx, run))
	require.NoError(t, st.SetTotalFetched(ctx, run.ID, 2))

	item := feed.RawItem{"guid": "same", "title": "Same"}
	require.NoError(t, p.ProcessItem(ctx, itemMessage(t, run.ID, item, 1)))
	before, err := st.FindJobByExternalID(ctx, "same")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, p.ProcessItem(ctx, itemMessage(t, run.ID, item, 1)))
	after, err := st.FindJobByExternalID(ctx, "same")
	require.NoError(t, err)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))

	got, err := st.GetImportLog(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.NewJobs)
	assert.Equal(t, 1, got.UpdatedJobs)
}

func TestRecordFailureWithoutIdentity(t *testing.T) {
	st := store.NewMemoryStore()
	p := directPipeline(t, st)
	ctx := context.Background()

	run := &types.ImportLog{StartedAt: time.Now(), SourceURL: "https://example.com/feed", Status: types.RunStatusRunning}
	require.NoError(t, st.CreateImportLog(ctx, run))
	require.NoError(t, st.SetTotalFetched(ctx, run.ID, 1))

	p.RecordFailure(ctx, itemMessage(t, run.ID, nil, 3), &queue.ExhaustedError{Attempts: 3, Err: errors.New("normalize failed")})

	got, err := st.GetImportLog(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.Failure{{ExternalID: "-", Reason: "normalize failed"}}, got.Failures)
	assert.Equal(t, types.RunStatusSuccess, got.Status)
}

func TestProcessItemRejectsNilPayload(t *testing.T) {
	st := store.NewMemoryStore()
	p := directPipeline(t, st)

	err := p.ProcessItem(context.Background(), itemMessage(t, "run-1", nil, 1))
	var nerr *normalize.Error
	assert.True(t, errors.As(err, &nerr))
}

func TestNewRunMessage(t *testing.T) {
	m, err := NewRunMessage("https://jobicy.com/feed/job_feed", "repeat:x:1", 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "repeat:x:1", m.ID)
	assert.Equal(t, 2, m.MaxAttempts)

	var rm RunMessage
	require.NoError(t, m.Decode(&rm))
	assert.Equal(t, "https://jobicy.com/feed/job_feed", rm.SourceURL)

	_, err = NewRunMessage("", "", 1, 0)
	assert.Error(t, err)
}
