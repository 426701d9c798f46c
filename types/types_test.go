package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunStatusValid(t *testing.T) {
	assert.True(t, RunStatusRunning.Valid())
	assert.True(t, RunStatusSuccess.Valid())
	assert.True(t, RunStatusFailed.Valid())
	assert.False(t, RunStatus("queued").Valid())
	assert.False(t, RunStatus("").Valid())
}

func TestJobContentEquals(t *testing.T) {
	published := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	samePublished := published.In(time.FixedZone("CEST", 2*60*60))
	later := published.Add(time.Hour)

	base := func() *Job {
		p := published
		return &Job{
			ExternalID:  "ext-1",
			Title:       "Backend Engineer",
			Company:     "Acme",
			Location:    "Remote",
			Type:        "full-time",
			Description: "<p>Go</p>",
			URL:         "https://example.com/jobs/1",
			PublishedAt: &p,
		}
	}

	tests := []struct {
		name   string
		mutate func(j *Job)
		want   bool
	}{
		{"identical", func(j *Job) {}, true},
		{"same instant in another zone", func(j *Job) { j.PublishedAt = &samePublished }, true},
		{"ignores bookkeeping fields", func(j *Job) {
			j.ID = "other"
			j.Raw = map[string]any{"x": 1}
			j.UpdatedAt = later
		}, true},
		{"title changed", func(j *Job) { j.Title = "Senior Backend Engineer" }, false},
		{"salary changed", func(j *Job) { j.Salary = "$100k" }, false},
		{"published moved", func(j *Job) { j.PublishedAt = &later }, false},
		{"published removed", func(j *Job) { j.PublishedAt = nil }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := base()
			tt.mutate(other)
			assert.Equal(t, tt.want, base().ContentEquals(other))
			assert.Equal(t, tt.want, other.ContentEquals(base()))
		})
	}

	t.Run("both unpublished", func(t *testing.T) {
		a, b := base(), base()
		a.PublishedAt, b.PublishedAt = nil, nil
		assert.True(t, a.ContentEquals(b))
	})
}

func TestImportLogIsComplete(t *testing.T) {
	tests := []struct {
		name string
		log  ImportLog
		want bool
	}{
		{"empty feed", ImportLog{}, true},
		{"in progress", ImportLog{TotalFetched: 5, TotalImported: 3, FailedJobs: 1}, false},
		{"all accounted", ImportLog{TotalFetched: 5, TotalImported: 4, FailedJobs: 1}, true},
		{"all failed", ImportLog{TotalFetched: 2, FailedJobs: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.log.IsComplete())
		})
	}
}
