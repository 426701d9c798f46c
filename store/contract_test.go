package store_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/store"
	"github.com/Nexora-Open-Source/job-feed-importer/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behaviour every backend must share
func runStoreContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("InsertAndFindJob", func(t *testing.T) { testInsertAndFindJob(t, newStore(t)) })
	t.Run("UpdateJob", func(t *testing.T) { testUpdateJob(t, newStore(t)) })
	t.Run("ListJobs", func(t *testing.T) { testListJobs(t, newStore(t)) })
	t.Run("ImportLogCounters", func(t *testing.T) { testImportLogCounters(t, newStore(t)) })
	t.Run("MarkFailed", func(t *testing.T) { testMarkFailed(t, newStore(t)) })
	t.Run("ConcurrentCompletion", func(t *testing.T) { testConcurrentCompletion(t, newStore(t)) })
	t.Run("ListImportLogs", func(t *testing.T) { testListImportLogs(t, newStore(t)) })
}

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func newJob(externalID string) *types.Job {
	return &types.Job{
		ExternalID:  externalID,
		Source:      "jobicy",
		SourceURL:   "https://jobicy.com/feed/job_feed",
		Title:       "Senior Go Engineer",
		Company:     "Acme",
		Location:    "Remote",
		Type:        "full-time",
		Description: "<p>Build pipelines</p>",
		URL:         "https://jobicy.com/jobs/" + externalID,
		PublishedAt: ts("2024-05-01T10:00:00Z"),
		Raw:         map[string]any{"guid": externalID},
	}
}

func newRun(sourceURL string, startedAt time.Time) *types.ImportLog {
	return &types.ImportLog{
		StartedAt: startedAt,
		SourceURL: sourceURL,
		Status:    types.RunStatusRunning,
	}
}

func testInsertAndFindJob(t *testing.T, s store.Store) {
	ctx := context.Background()

	job := newJob("ext-1")
	require.NoError(t, s.InsertJob(ctx, job))
	assert.NotEmpty(t, job.ID)
	assert.False(t, job.CreatedAt.IsZero())

	found, err := s.FindJobByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, found.ID)
	assert.True(t, found.ContentEquals(job))
	assert.Equal(t, "ext-1", found.Raw["guid"])

	byID, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", byID.ExternalID)

	err = s.InsertJob(ctx, newJob("ext-1"))
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	_, err = s.FindJobByExternalID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testUpdateJob(t *testing.T, s store.Store) {
	ctx := context.Background()

	job := newJob("ext-2")
	require.NoError(t, s.InsertJob(ctx, job))

	changed := newJob("ext-2")
	changed.Title = "Staff Go Engineer"
	changed.PublishedAt = nil
	require.NoError(t, s.UpdateJob(ctx, changed))
	assert.Equal(t, job.ID, changed.ID)

	found, err := s.FindJobByExternalID(ctx, "ext-2")
	require.NoError(t, err)
	assert.Equal(t, "Staff Go Engineer", found.Title)
	assert.Nil(t, found.PublishedAt)
	assert.Equal(t, job.ID, found.ID)
	assert.WithinDuration(t, job.CreatedAt, found.CreatedAt, time.Millisecond)

	err = s.UpdateJob(ctx, newJob("nope"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListJobs(t *testing.T, s store.Store) {
	ctx := context.Background()

	a := newJob("a")
	a.PublishedAt = ts("2024-05-03T00:00:00Z")
	a.Title = "Backend Developer"
	b := newJob("b")
	b.PublishedAt = ts("2024-05-05T00:00:00Z")
	b.Company = "Globex"
	c := newJob("c")
	c.PublishedAt = nil
	c.Description = "Work on our GOLANG platform"
	c.Title = "Platform"
	d := newJob("d")
	d.SourceURL = "https://weworkremotely.com/remote-jobs.rss"
	d.PublishedAt = ts("2024-05-04T00:00:00Z")
	d.Title = "Designer"
	d.Description = "Figma"
	for _, j := range []*types.Job{a, b, c, d} {
		require.NoError(t, s.InsertJob(ctx, j))
	}

	tests := []struct {
		name      string
		filter    store.JobFilter
		wantIDs   []string
		wantTotal int
	}{
		{"all sorted by publishedAt desc, undated last", store.JobFilter{}, []string{"b", "d", "a", "c"}, 4},
		{"by source", store.JobFilter{SourceURL: "https://jobicy.com/feed/job_feed"}, []string{"b", "a", "c"}, 3},
		{"by company", store.JobFilter{Company: "Globex"}, []string{"b"}, 1},
		{"search is case-insensitive over title and description", store.JobFilter{Search: "golang"}, []string{"c"}, 1},
		{"search title", store.JobFilter{Search: "backend"}, []string{"a"}, 1},
		{"page window", store.JobFilter{Skip: 1, Limit: 2}, []string{"d", "a"}, 4},
		{"skip past end", store.JobFilter{Skip: 10}, []string{}, 4},
		{"search escapes wildcards", store.JobFilter{Search: "%"}, []string{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, total, err := s.ListJobs(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTotal, total)
			got := make([]string, 0, len(jobs))
			for _, j := range jobs {
				got = append(got, j.ExternalID)
			}
			assert.Equal(t, tt.wantIDs, got)
		})
	}
}

func testImportLogCounters(t *testing.T, s store.Store) {
	ctx := context.Background()

	run := newRun("https://jobicy.com/feed/job_feed", time.Now().UTC().Truncate(time.Second))
	require.NoError(t, s.CreateImportLog(ctx, run))
	require.NotEmpty(t, run.ID)

	require.NoError(t, s.SetTotalFetched(ctx, run.ID, 3))

	done, err := s.MarkSuccessIfComplete(ctx, run.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, done, "run with outstanding items must stay running")

	require.NoError(t, s.IncrementImported(ctx, run.ID, true))
	require.NoError(t, s.IncrementImported(ctx, run.ID, false))
	require.NoError(t, s.RecordFailure(ctx, run.ID, types.Failure{ExternalID: "x", Reason: "boom"}))

	done, err = s.MarkSuccessIfComplete(ctx, run.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, done)

	done, err = s.MarkSuccessIfComplete(ctx, run.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, done, "transition happens once")

	got, err := s.GetImportLog(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusSuccess, got.Status)
	assert.NotNil(t, got.FinishedAt)
	assert.Equal(t, 3, got.TotalFetched)
	assert.Equal(t, 2, got.TotalImported)
	assert.Equal(t, 1, got.NewJobs)
	assert.Equal(t, 1, got.UpdatedJobs)
	assert.Equal(t, 1, got.FailedJobs)
	assert.Equal(t, []types.Failure{{ExternalID: "x", Reason: "boom"}}, got.Failures)
	assert.Equal(t, got.TotalFetched, got.TotalImported+got.FailedJobs)

	_, err = s.GetImportLog(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.IncrementImported(ctx, "missing", true), store.ErrNotFound)
}

func testMarkFailed(t *testing.T, s store.Store) {
	ctx := context.Background()

	run := newRun("https://example.com/feed.xml", time.Now().UTC())
	require.NoError(t, s.CreateImportLog(ctx, run))

	ok, err := s.MarkFailed(ctx, run.ID, types.Failure{ExternalID: "-", Reason: "HTTP 500 for https://example.com/feed.xml"}, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	// Terminal states are final
	ok, err = s.MarkFailed(ctx, run.ID, types.Failure{ExternalID: "-", Reason: "again"}, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.MarkSuccessIfComplete(ctx, run.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetImportLog(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, got.Status)
	assert.NotNil(t, got.FinishedAt)
	require.Len(t, got.Failures, 1)
	assert.Equal(t, "-", got.Failures[0].ExternalID)
}

func testConcurrentCompletion(t *testing.T, s store.Store) {
	ctx := context.Background()
	const items = 20

	run := newRun("https://example.com/feed.xml", time.Now().UTC())
	require.NoError(t, s.CreateImportLog(ctx, run))
	require.NoError(t, s.SetTotalFetched(ctx, run.ID, items))

	var transitions atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < items; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%5 == 0 {
				err = s.RecordFailure(ctx, run.ID, types.Failure{ExternalID: fmt.Sprintf("item-%d", i), Reason: "bad"})
			} else {
				err = s.IncrementImported(ctx, run.ID, i%2 == 0)
			}
			if !assert.NoError(t, err) {
				return
			}
			ok, err := s.MarkSuccessIfComplete(ctx, run.ID, time.Now())
			assert.NoError(t, err)
			if ok {
				transitions.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), transitions.Load())

	got, err := s.GetImportLog(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusSuccess, got.Status)
	assert.Equal(t, items, got.TotalImported+got.FailedJobs)
	assert.Equal(t, 4, got.FailedJobs)
	assert.Len(t, got.Failures, 4)
	assert.Equal(t, got.TotalImported, got.NewJobs+got.UpdatedJobs)
}

func testListImportLogs(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	first := newRun("https://a.example/feed", base)
	second := newRun("https://b.example/feed", base.Add(time.Hour))
	third := newRun("https://a.example/feed", base.Add(2*time.Hour))
	for _, l := range []*types.ImportLog{first, second, third} {
		require.NoError(t, s.CreateImportLog(ctx, l))
	}
	_, err := s.MarkFailed(ctx, second.ID, types.Failure{ExternalID: "-", Reason: "timeout"}, base)
	require.NoError(t, err)

	logs, total, err := s.ListImportLogs(ctx, store.ImportLogFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, logs, 3)
	assert.Equal(t, []string{third.ID, second.ID, first.ID}, []string{logs[0].ID, logs[1].ID, logs[2].ID})

	logs, total, err = s.ListImportLogs(ctx, store.ImportLogFilter{SourceURL: "https://a.example/feed", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, logs, 1)
	assert.Equal(t, third.ID, logs[0].ID)

	logs, total, err = s.ListImportLogs(ctx, store.ImportLogFilter{Status: types.RunStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, logs, 1)
	assert.Equal(t, "timeout", logs[0].Failures[0].Reason)
}
