package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/Nexora-Open-Source/job-feed-importer/types"
	"github.com/google/uuid"
)

// Datastore kinds
const (
	KindJob       = "Job"
	KindImportLog = "ImportLog"
)

// logTxAttempts bounds optimistic retries on an import log. Every item of a
// run writes the same entity, so contention is expected.
const logTxAttempts = 25

// jobEntity is the Datastore shape of a job. The name key is the external id,
// which makes the key itself the uniqueness guard.
type jobEntity struct {
	ID          string    `datastore:"id"`
	ExternalID  string    `datastore:"external_id"`
	Source      string    `datastore:"source"`
	SourceURL   string    `datastore:"source_url"`
	Title       string    `datastore:"title,noindex"`
	Company     string    `datastore:"company"`
	Location    string    `datastore:"location"`
	Type        string    `datastore:"type"`
	Description string    `datastore:"description,noindex"`
	Salary      string    `datastore:"salary,noindex"`
	URL         string    `datastore:"url,noindex"`
	PublishedAt time.Time `datastore:"published_at"` // zero when unknown
	Raw         string    `datastore:"raw,noindex"`
	CreatedAt   time.Time `datastore:"created_at"`
	UpdatedAt   time.Time `datastore:"updated_at"`
}

// importLogEntity is the Datastore shape of an import log, keyed by run id
type importLogEntity struct {
	StartedAt     time.Time `datastore:"started_at"`
	FinishedAt    time.Time `datastore:"finished_at,noindex"` // zero while running
	SourceURL     string    `datastore:"source_url"`
	Status        string    `datastore:"status"`
	TotalFetched  int64     `datastore:"total_fetched,noindex"`
	TotalImported int64     `datastore:"total_imported,noindex"`
	NewJobs       int64     `datastore:"new_jobs,noindex"`
	UpdatedJobs   int64     `datastore:"updated_jobs,noindex"`
	FailedJobs    int64     `datastore:"failed_jobs,noindex"`
	Failures      string    `datastore:"failures,noindex"`
}

func toJobEntity(j *types.Job) (*jobEntity, error) {
	e := &jobEntity{
		ID:          j.ID,
		ExternalID:  j.ExternalID,
		Source:      j.Source,
		SourceURL:   j.SourceURL,
		Title:       j.Title,
		Company:     j.Company,
		Location:    j.Location,
		Type:        j.Type,
		Description: j.Description,
		Salary:      j.Salary,
		URL:         j.URL,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.PublishedAt != nil {
		e.PublishedAt = j.PublishedAt.UTC()
	}
	if j.Raw != nil {
		raw, err := json.Marshal(j.Raw)
		if err != nil {
			return nil, fmt.Errorf("encode raw item: %w", err)
		}
		e.Raw = string(raw)
	}
	return e, nil
}

func (e *jobEntity) toJob() (*types.Job, error) {
	j := &types.Job{
		ID:          e.ID,
		ExternalID:  e.ExternalID,
		Source:      e.Source,
		SourceURL:   e.SourceURL,
		Title:       e.Title,
		Company:     e.Company,
		Location:    e.Location,
		Type:        e.Type,
		Description: e.Description,
		Salary:      e.Salary,
		URL:         e.URL,
		CreatedAt:   e.CreatedAt.UTC(),
		UpdatedAt:   e.UpdatedAt.UTC(),
	}
	if !e.PublishedAt.IsZero() {
		t := e.PublishedAt.UTC()
		j.PublishedAt = &t
	}
	if e.Raw != "" {
		if err := json.Unmarshal([]byte(e.Raw), &j.Raw); err != nil {
			return nil, fmt.Errorf("decode raw item: %w", err)
		}
	}
	return j, nil
}

func toImportLogEntity(l *types.ImportLog) (*importLogEntity, error) {
	failures := l.Failures
	if failures == nil {
		failures = []types.Failure{}
	}
	b, err := json.Marshal(failures)
	if err != nil {
		return nil, fmt.Errorf("encode failures: %w", err)
	}
	e := &importLogEntity{
		StartedAt:     l.StartedAt.UTC(),
		SourceURL:     l.SourceURL,
		Status:        string(l.Status),
		TotalFetched:  int64(l.TotalFetched),
		TotalImported: int64(l.TotalImported),
		NewJobs:       int64(l.NewJobs),
		UpdatedJobs:   int64(l.UpdatedJobs),
		FailedJobs:    int64(l.FailedJobs),
		Failures:      string(b),
	}
	if l.FinishedAt != nil {
		e.FinishedAt = l.FinishedAt.UTC()
	}
	return e, nil
}

func (e *importLogEntity) toImportLog(id string) (*types.ImportLog, error) {
	l := &types.ImportLog{
		ID:            id,
		StartedAt:     e.StartedAt.UTC(),
		SourceURL:     e.SourceURL,
		Status:        types.RunStatus(e.Status),
		TotalFetched:  int(e.TotalFetched),
		TotalImported: int(e.TotalImported),
		NewJobs:       int(e.NewJobs),
		UpdatedJobs:   int(e.UpdatedJobs),
		FailedJobs:    int(e.FailedJobs),
		Failures:      []types.Failure{},
	}
	if !e.FinishedAt.IsZero() {
		t := e.FinishedAt.UTC()
		l.FinishedAt = &t
	}
	if e.Failures != "" {
		if err := json.Unmarshal([]byte(e.Failures), &l.Failures); err != nil {
			return nil, fmt.Errorf("decode failures: %w", err)
		}
	}
	return l, nil
}

// DatastoreStore implements Store on Google Cloud Datastore. Listings need
// composite indexes on (filter fields, -published_at) and (filter fields, -started_at).
type DatastoreStore struct {
	client *datastore.Client
}

// NewDatastoreClient connects to projectID. DATASTORE_EMULATOR_HOST is honoured by the client.
func NewDatastoreClient(ctx context.Context, projectID string) (*datastore.Client, error) {
	client, err := datastore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create datastore client: %w", err)
	}
	return client, nil
}

// NewDatastoreStore wraps client. The store owns the client.
func NewDatastoreStore(client *datastore.Client) *DatastoreStore {
	return &DatastoreStore{client: client}
}

// Ping performs a keys-only query to test connectivity
func (s *DatastoreStore) Ping(ctx context.Context) error {
	query := datastore.NewQuery("__namespace__").KeysOnly().Limit(1)
	_, err := s.client.GetAll(ctx, query, nil)
	return err
}

func (s *DatastoreStore) Close() error {
	return s.client.Close()
}

// --- Jobs ---

func (s *DatastoreStore) FindJobByExternalID(ctx context.Context, externalID string) (*types.Job, error) {
	var e jobEntity
	err := s.client.Get(ctx, datastore.NameKey(KindJob, externalID, nil), &e)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job by external id: %w", err)
	}
	return e.toJob()
}

func (s *DatastoreStore) GetJob(ctx context.Context, id string) (*types.Job, error) {
	query := datastore.NewQuery(KindJob).FilterField("id", "=", id).Limit(1)
	var entities []*jobEntity
	if _, err := s.client.GetAll(ctx, query, &entities); err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(entities) == 0 {
		return nil, ErrNotFound
	}
	return entities[0].toJob()
}

func (s *DatastoreStore) InsertJob(ctx context.Context, job *types.Job) error {
	now := time.Now().UTC()
	candidate := *job
	candidate.ID = uuid.NewString()
	candidate.CreatedAt = now
	candidate.UpdatedAt = now

	e, err := toJobEntity(&candidate)
	if err != nil {
		return err
	}
	key := datastore.NameKey(KindJob, job.ExternalID, nil)

	_, err = s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing jobEntity
		err := tx.Get(key, &existing)
		if err == nil {
			return ErrDuplicateKey
		}
		if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}
		_, err = tx.Put(key, e)
		return err
	})
	if errors.Is(err, ErrDuplicateKey) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	job.ID, job.CreatedAt, job.UpdatedAt = candidate.ID, now, now
	return nil
}

func (s *DatastoreStore) UpdateJob(ctx context.Context, job *types.Job) error {
	key := datastore.NameKey(KindJob, job.ExternalID, nil)
	now := time.Now().UTC()

	var stored jobEntity
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing jobEntity
		if err := tx.Get(key, &existing); err != nil {
			return err
		}
		updated := *job
		updated.ID = existing.ID
		updated.CreatedAt = existing.CreatedAt
		updated.UpdatedAt = now
		e, err := toJobEntity(&updated)
		if err != nil {
			return err
		}
		if _, err := tx.Put(key, e); err != nil {
			return err
		}
		stored = *e
		return nil
	})
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	job.ID, job.CreatedAt, job.UpdatedAt = stored.ID, stored.CreatedAt, now
	return nil
}

func (s *DatastoreStore) ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, int, error) {
	skip, limit := normalizeWindow(filter.Skip, filter.Limit)

	query := datastore.NewQuery(KindJob)
	if filter.SourceURL != "" {
		query = query.FilterField("source_url", "=", filter.SourceURL)
	}
	if filter.Company != "" {
		query = query.FilterField("company", "=", filter.Company)
	}
	if filter.Location != "" {
		query = query.FilterField("location", "=", filter.Location)
	}
	if filter.Type != "" {
		query = query.FilterField("type", "=", filter.Type)
	}
	query = query.Order("-published_at").Order("-created_at")

	// Datastore has no substring match, so searches are filtered here
	if filter.Search != "" {
		var entities []*jobEntity
		if _, err := s.client.GetAll(ctx, query, &entities); err != nil {
			return nil, 0, fmt.Errorf("list jobs: %w", err)
		}
		search := strings.ToLower(filter.Search)
		matched := make([]*jobEntity, 0, len(entities))
		for _, e := range entities {
			if strings.Contains(strings.ToLower(e.Title), search) ||
				strings.Contains(strings.ToLower(e.Description), search) {
				matched = append(matched, e)
			}
		}
		jobs, err := toJobs(page(matched, skip, limit))
		return jobs, len(matched), err
	}

	total, err := s.client.Count(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	var entities []*jobEntity
	if _, err := s.client.GetAll(ctx, query.Offset(skip).Limit(limit), &entities); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := toJobs(entities)
	return jobs, total, err
}

func toJobs(entities []*jobEntity) ([]*types.Job, error) {
	jobs := make([]*types.Job, 0, len(entities))
	for _, e := range entities {
		j, err := e.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// --- Import logs ---

func (s *DatastoreStore) CreateImportLog(ctx context.Context, log *types.ImportLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.Failures == nil {
		log.Failures = []types.Failure{}
	}
	e, err := toImportLogEntity(log)
	if err != nil {
		return err
	}
	key := datastore.NameKey(KindImportLog, log.ID, nil)

	_, err = s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing importLogEntity
		err := tx.Get(key, &existing)
		if err == nil {
			return ErrDuplicateKey
		}
		if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}
		_, err = tx.Put(key, e)
		return err
	})
	if errors.Is(err, ErrDuplicateKey) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("create import log: %w", err)
	}
	return nil
}

func (s *DatastoreStore) GetImportLog(ctx context.Context, id string) (*types.ImportLog, error) {
	var e importLogEntity
	err := s.client.Get(ctx, datastore.NameKey(KindImportLog, id, nil), &e)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get import log: %w", err)
	}
	return e.toImportLog(id)
}

func (s *DatastoreStore) ListImportLogs(ctx context.Context, filter ImportLogFilter) ([]*types.ImportLog, int, error) {
	skip, limit := normalizeWindow(filter.Skip, filter.Limit)

	query := datastore.NewQuery(KindImportLog)
	if filter.SourceURL != "" {
		query = query.FilterField("source_url", "=", filter.SourceURL)
	}
	if filter.Status != "" {
		query = query.FilterField("status", "=", string(filter.Status))
	}
	query = query.Order("-started_at")

	total, err := s.client.Count(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("count import logs: %w", err)
	}

	var entities []*importLogEntity
	keys, err := s.client.GetAll(ctx, query.Offset(skip).Limit(limit), &entities)
	if err != nil {
		return nil, 0, fmt.Errorf("list import logs: %w", err)
	}
	logs := make([]*types.ImportLog, 0, len(entities))
	for i, e := range entities {
		l, err := e.toImportLog(keys[i].Name)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, l)
	}
	return logs, total, nil
}

// mutateLog applies fn to the stored log inside a transaction. fn reports
// whether it changed anything; unchanged entities are not written back.
func (s *DatastoreStore) mutateLog(ctx context.Context, op, id string, fn func(l *types.ImportLog) bool) (bool, error) {
	key := datastore.NameKey(KindImportLog, id, nil)
	var changed bool

	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		changed = false
		var e importLogEntity
		if err := tx.Get(key, &e); err != nil {
			return err
		}
		l, err := e.toImportLog(id)
		if err != nil {
			return err
		}
		if !fn(l) {
			return nil
		}
		updated, err := toImportLogEntity(l)
		if err != nil {
			return err
		}
		if _, err := tx.Put(key, updated); err != nil {
			return err
		}
		changed = true
		return nil
	}, datastore.MaxAttempts(logTxAttempts))
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return changed, nil
}

func (s *DatastoreStore) SetTotalFetched(ctx context.Context, id string, total int) error {
	_, err := s.mutateLog(ctx, "set total fetched", id, func(l *types.ImportLog) bool {
		l.TotalFetched = total
		return true
	})
	return err
}

func (s *DatastoreStore) IncrementImported(ctx context.Context, id string, isNew bool) error {
	_, err := s.mutateLog(ctx, "increment imported", id, func(l *types.ImportLog) bool {
		l.TotalImported++
		if isNew {
			l.NewJobs++
		} else {
			l.UpdatedJobs++
		}
		return true
	})
	return err
}

func (s *DatastoreStore) RecordFailure(ctx context.Context, id string, f types.Failure) error {
	_, err := s.mutateLog(ctx, "record failure", id, func(l *types.ImportLog) bool {
		l.FailedJobs++
		l.Failures = append(l.Failures, f)
		return true
	})
	return err
}

func (s *DatastoreStore) MarkSuccessIfComplete(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.mutateLog(ctx, "mark import log success", id, func(l *types.ImportLog) bool {
		if l.Status != types.RunStatusRunning || !l.IsComplete() {
			return false
		}
		finished := now.UTC()
		l.Status = types.RunStatusSuccess
		l.FinishedAt = &finished
		return true
	})
}

func (s *DatastoreStore) MarkFailed(ctx context.Context, id string, f types.Failure, now time.Time) (bool, error) {
	return s.mutateLog(ctx, "mark import log failed", id, func(l *types.ImportLog) bool {
		if l.Status != types.RunStatusRunning {
			return false
		}
		finished := now.UTC()
		l.Status = types.RunStatusFailed
		l.FinishedAt = &finished
		l.Failures = append(l.Failures, f)
		return true
	})
}
