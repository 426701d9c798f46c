package store

import (
	"context"
	"errors"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/monitoring"
	"github.com/Nexora-Open-Source/job-feed-importer/types"
)

// instrumented records a Prometheus sample for every store call
type instrumented struct {
	next Store
}

// WithMetrics wraps s so each operation is counted and timed
func WithMetrics(s Store) Store {
	return &instrumented{next: s}
}

func observe(operation string, start time.Time, err error) {
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case errors.Is(err, ErrDuplicateKey):
		status = "conflict"
	default:
		status = "error"
	}
	monitoring.RecordStoreOperation(operation, status, time.Since(start).Seconds())
}

func (s *instrumented) Ping(ctx context.Context) error { return s.next.Ping(ctx) }
func (s *instrumented) Close() error                   { return s.next.Close() }

func (s *instrumented) FindJobByExternalID(ctx context.Context, externalID string) (j *types.Job, err error) {
	defer func(start time.Time) { observe("find_job", start, err) }(time.Now())
	return s.next.FindJobByExternalID(ctx, externalID)
}

func (s *instrumented) GetJob(ctx context.Context, id string) (j *types.Job, err error) {
	defer func(start time.Time) { observe("get_job", start, err) }(time.Now())
	return s.next.GetJob(ctx, id)
}

func (s *instrumented) InsertJob(ctx context.Context, job *types.Job) (err error) {
	defer func(start time.Time) { observe("insert_job", start, err) }(time.Now())
	return s.next.InsertJob(ctx, job)
}

func (s *instrumented) UpdateJob(ctx context.Context, job *types.Job) (err error) {
	defer func(start time.Time) { observe("update_job", start, err) }(time.Now())
	return s.next.UpdateJob(ctx, job)
}

func (s *instrumented) ListJobs(ctx context.Context, filter JobFilter) (jobs []*types.Job, total int, err error) {
	defer func(start time.Time) { observe("list_jobs", start, err) }(time.Now())
	return s.next.ListJobs(ctx, filter)
}

func (s *instrumented) CreateImportLog(ctx context.Context, log *types.ImportLog) (err error) {
	defer func(start time.Time) { observe("create_import_log", start, err) }(time.Now())
	return s.next.CreateImportLog(ctx, log)
}

func (s *instrumented) GetImportLog(ctx context.Context, id string) (l *types.ImportLog, err error) {
	defer func(start time.Time) { observe("get_import_log", start, err) }(time.Now())
	return s.next.GetImportLog(ctx, id)
}

func (s *instrumented) ListImportLogs(ctx context.Context, filter ImportLogFilter) (logs []*types.ImportLog, total int, err error) {
	defer func(start time.Time) { observe("list_import_logs", start, err) }(time.Now())
	return s.next.ListImportLogs(ctx, filter)
}

func (s *instrumented) SetTotalFetched(ctx context.Context, id string, total int) (err error) {
	defer func(start time.Time) { observe("set_total_fetched", start, err) }(time.Now())
	return s.next.SetTotalFetched(ctx, id, total)
}

func (s *instrumented) IncrementImported(ctx context.Context, id string, isNew bool) (err error) {
	defer func(start time.Time) { observe("increment_imported", start, err) }(time.Now())
	return s.next.IncrementImported(ctx, id, isNew)
}

func (s *instrumented) RecordFailure(ctx context.Context, id string, f types.Failure) (err error) {
	defer func(start time.Time) { observe("record_failure", start, err) }(time.Now())
	return s.next.RecordFailure(ctx, id, f)
}

func (s *instrumented) MarkSuccessIfComplete(ctx context.Context, id string, now time.Time) (ok bool, err error) {
	defer func(start time.Time) { observe("mark_success", start, err) }(time.Now())
	return s.next.MarkSuccessIfComplete(ctx, id, now)
}

func (s *instrumented) MarkFailed(ctx context.Context, id string, f types.Failure, now time.Time) (ok bool, err error) {
	defer func(start time.Time) { observe("mark_failed", start, err) }(time.Now())
	return s.next.MarkFailed(ctx, id, f, now)
}
