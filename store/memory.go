package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/types"
	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It is the default backend
// for local runs and the reference backend for tests.
type MemoryStore struct {
	mu         sync.RWMutex
	jobs       map[string]*types.Job // by external id
	jobsByID   map[string]string     // id -> external id
	importLogs map[string]*types.ImportLog
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*types.Job),
		jobsByID:   make(map[string]string),
		importLogs: make(map[string]*types.ImportLog),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func cloneJob(j *types.Job) *types.Job {
	c := *j
	if j.PublishedAt != nil {
		t := *j.PublishedAt
		c.PublishedAt = &t
	}
	return &c
}

func cloneImportLog(l *types.ImportLog) *types.ImportLog {
	c := *l
	if l.FinishedAt != nil {
		t := *l.FinishedAt
		c.FinishedAt = &t
	}
	c.Failures = append([]types.Failure{}, l.Failures...)
	return &c
}

// --- Jobs ---

func (s *MemoryStore) FindJobByExternalID(ctx context.Context, externalID string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ext, ok := s.jobsByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(s.jobs[ext]), nil
}

func (s *MemoryStore) InsertJob(ctx context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ExternalID]; exists {
		return ErrDuplicateKey
	}
	now := time.Now().UTC()
	job.ID = uuid.NewString()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ExternalID] = cloneJob(job)
	s.jobsByID[job.ID] = job.ExternalID
	return nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.jobs[job.ExternalID]
	if !ok {
		return ErrNotFound
	}
	updated := cloneJob(job)
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.jobs[job.ExternalID] = updated

	job.ID, job.CreatedAt, job.UpdatedAt = updated.ID, updated.CreatedAt, updated.UpdatedAt
	return nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, int, error) {
	skip, limit := normalizeWindow(filter.Skip, filter.Limit)
	search := strings.ToLower(filter.Search)

	s.mu.RLock()
	matched := make([]*types.Job, 0)
	for _, j := range s.jobs {
		if filter.SourceURL != "" && j.SourceURL != filter.SourceURL {
			continue
		}
		if filter.Company != "" && j.Company != filter.Company {
			continue
		}
		if filter.Location != "" && j.Location != filter.Location {
			continue
		}
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(j.Title), search) &&
			!strings.Contains(strings.ToLower(j.Description), search) {
			continue
		}
		matched = append(matched, cloneJob(j))
	}
	s.mu.RUnlock()

	sortJobs(matched)
	return page(matched, skip, limit), len(matched), nil
}

// sortJobs orders by publishedAt desc with undated jobs last
func sortJobs(jobs []*types.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		pa, pb := jobs[a].PublishedAt, jobs[b].PublishedAt
		switch {
		case pa != nil && pb != nil && !pa.Equal(*pb):
			return pa.After(*pb)
		case pa != nil && pb == nil:
			return true
		case pa == nil && pb != nil:
			return false
		}
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
}

func page[T any](items []T, skip, limit int) []T {
	if skip >= len(items) {
		return []T{}
	}
	end := skip + limit
	if end > len(items) {
		end = len(items)
	}
	return items[skip:end]
}

// --- Import logs ---

func (s *MemoryStore) CreateImportLog(ctx context.Context, log *types.ImportLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.Failures == nil {
		log.Failures = []types.Failure{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.importLogs[log.ID]; exists {
		return ErrDuplicateKey
	}
	s.importLogs[log.ID] = cloneImportLog(log)
	return nil
}

func (s *MemoryStore) GetImportLog(ctx context.Context, id string) (*types.ImportLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.importLogs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneImportLog(l), nil
}

func (s *MemoryStore) ListImportLogs(ctx context.Context, filter ImportLogFilter) ([]*types.ImportLog, int, error) {
	skip, limit := normalizeWindow(filter.Skip, filter.Limit)

	s.mu.RLock()
	matched := make([]*types.ImportLog, 0)
	for _, l := range s.importLogs {
		if filter.SourceURL != "" && l.SourceURL != filter.SourceURL {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneImportLog(l))
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(a, b int) bool {
		if !matched[a].StartedAt.Equal(matched[b].StartedAt) {
			return matched[a].StartedAt.After(matched[b].StartedAt)
		}
		return matched[a].ID < matched[b].ID
	})
	return page(matched, skip, limit), len(matched), nil
}

// mutate applies fn to the stored log under the write lock
func (s *MemoryStore) mutate(id string, fn func(l *types.ImportLog) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.importLogs[id]
	if !ok {
		return false, ErrNotFound
	}
	return fn(l), nil
}

func (s *MemoryStore) SetTotalFetched(ctx context.Context, id string, total int) error {
	_, err := s.mutate(id, func(l *types.ImportLog) bool {
		l.TotalFetched = total
		return true
	})
	return err
}

func (s *MemoryStore) IncrementImported(ctx context.Context, id string, isNew bool) error {
	_, err := s.mutate(id, func(l *types.ImportLog) bool {
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

func (s *MemoryStore) RecordFailure(ctx context.Context, id string, f types.Failure) error {
	_, err := s.mutate(id, func(l *types.ImportLog) bool {
		l.FailedJobs++
		l.Failures = append(l.Failures, f)
		return true
	})
	return err
}

func (s *MemoryStore) MarkSuccessIfComplete(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.mutate(id, func(l *types.ImportLog) bool {
		if l.Status != types.RunStatusRunning || !l.IsComplete() {
			return false
		}
		finished := now.UTC()
		l.Status = types.RunStatusSuccess
		l.FinishedAt = &finished
		return true
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, f types.Failure, now time.Time) (bool, error) {
	return s.mutate(id, func(l *types.ImportLog) bool {
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
